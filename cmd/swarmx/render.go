package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"golang.org/x/term"

	"swarmx/internal/domain"
	"swarmx/internal/usecase/swarm"
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	errStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	agentStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("13"))
)

// newMarkdownRenderer renders agent replies. Non-terminal output gets the
// plain "notty" style so piped output stays free of escape codes.
func newMarkdownRenderer(w io.Writer) (*glamour.TermRenderer, error) {
	width := 80
	style := "notty"
	if f, ok := w.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		style = "dark"
		if tw, _, err := term.GetSize(int(f.Fd())); err == nil && tw > 0 {
			width = min(tw-4, 120)
		}
	}
	r, err := glamour.NewTermRenderer(glamour.WithStandardStyle(style), glamour.WithWordWrap(width))
	if err != nil {
		return nil, fmt.Errorf("create markdown renderer: %w", err)
	}
	return r, nil
}

func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(mutedStyle).
		Headers(headers...).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
}

func stateStyle(s domain.AgentState) lipgloss.Style {
	switch s {
	case domain.AgentIdle, domain.AgentProcessing:
		return okStyle
	case domain.AgentError:
		return errStyle
	case domain.AgentShutdown:
		return mutedStyle
	default:
		return warnStyle
	}
}

func renderAgents(agents []domain.AgentStatus) string {
	t := newTable("ID", "NAME", "STATE", "BACKEND")
	for _, a := range agents {
		t.Row(a.ID, a.Name, stateStyle(a.State).Render(string(a.State)), a.Backend)
	}
	return t.String()
}

func renderStatus(name string, st swarm.Status) string {
	var sb strings.Builder
	running := warnStyle.Render("stopped")
	if st.Running {
		running = okStyle.Render("running")
	}
	fmt.Fprintf(&sb, "%s  %s\n\n", titleStyle.Render("swarm "+name), running)

	sb.WriteString(renderAgents(st.Agents))
	sb.WriteString("\n\n")

	summary := newTable("COMPONENT", "DETAIL")
	summary.Row("backends", strings.Join(st.Backends, ", "))
	summary.Row("router", fmt.Sprintf("published %d, dispatched %d, errors %d, pending %d, subscriptions %d",
		st.Router.Published, st.Router.Dispatched, st.Router.Errors, st.Router.Pending, st.Router.Subscriptions))
	summary.Row("scheduler", fmt.Sprintf("pending %d, running %d", st.Scheduler.Pending, st.Scheduler.Running))
	sb.WriteString(summary.String())
	sb.WriteString("\n")
	return sb.String()
}

func renderEvents(events []domain.Event) string {
	if len(events) == 0 {
		return mutedStyle.Render("no events yet") + "\n"
	}
	t := newTable("TIME", "TOPIC", "SOURCE", "PRIORITY")
	for _, ev := range events {
		t.Row(ev.Timestamp.Format("15:04:05.000"), ev.Topic, ev.Source, ev.Priority.String())
	}
	return t.String() + "\n"
}

// responsePrinter writes agent replies as they are published.
type responsePrinter struct {
	mu sync.Mutex
	w  io.Writer
	md *glamour.TermRenderer
}

func newResponsePrinter(w io.Writer) (*responsePrinter, error) {
	md, err := newMarkdownRenderer(w)
	if err != nil {
		return nil, err
	}
	return &responsePrinter{w: w, md: md}, nil
}

// SetOutput redirects later replies, e.g. to the REPL's prompt-aware writer.
func (p *responsePrinter) SetOutput(w io.Writer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.w = w
}

func (p *responsePrinter) onResponse(_ context.Context, ev domain.Event) error {
	content := ev.String("content")
	if content == "" {
		return nil
	}
	body, err := p.md.Render(content)
	if err != nil {
		body = content + "\n"
	}
	name := strings.TrimPrefix(ev.Topic, domain.TopicAgentResponse+".")

	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.w, "%s %s\n%s", agentStyle.Render(name), mutedStyle.Render(ev.String("model")), body)
	return nil
}

func (p *responsePrinter) onError(_ context.Context, ev domain.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.w, "%s agent %s failed while handling %s\n", errStyle.Render(symbols.Fail), ev.String("agent_id"), ev.String("event_topic"))
	return nil
}
