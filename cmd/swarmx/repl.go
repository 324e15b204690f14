package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/chzyer/readline"

	"swarmx/internal/usecase/swarm"
)

const defaultEventCount = 20

const replHelp = `commands:
  /status       swarm snapshot
  /agents       agent table
  /events [n]   last n routed events (default 20)
  /help         this help
  /quit         stop the swarm and exit
anything else is submitted as a task`

// runREPL reads tasks and slash commands until /quit, EOF, Ctrl+C on an
// empty line or ctx cancellation.
func runREPL(ctx context.Context, c *swarm.Coordinator, name string, printer *responsePrinter, in io.Reader, out io.Writer) error {
	cfg := &readline.Config{
		Prompt:            "swarmx> ",
		InterruptPrompt:   "^C",
		EOFPrompt:         "/quit",
		HistorySearchFold: true,
		AutoComplete: readline.NewPrefixCompleter(
			readline.PcItem("/status"),
			readline.PcItem("/agents"),
			readline.PcItem("/events"),
			readline.PcItem("/help"),
			readline.PcItem("/quit"),
		),
		Stdout: out,
		Stderr: out,
	}
	if home, err := os.UserHomeDir(); err == nil {
		cfg.HistoryFile = filepath.Join(home, ".swarmx_history")
	}
	if f, ok := in.(*os.File); ok {
		cfg.Stdin = readline.NewCancelableStdin(f)
	} else {
		cfg.Stdin = io.NopCloser(in)
	}

	rl, err := readline.NewEx(cfg)
	if err != nil {
		return fmt.Errorf("initialize readline: %w", err)
	}
	defer rl.Close()

	go func() {
		<-ctx.Done()
		_ = rl.Close()
	}()

	printer.SetOutput(rl.Stdout())
	defer printer.SetOutput(out)

	fmt.Fprintf(rl.Stdout(), "%s connected. Type a task, or /help.\n", titleStyle.Render("swarm "+name))
	for {
		line, err := rl.Readline()
		switch {
		case errors.Is(err, readline.ErrInterrupt):
			if line == "" {
				return nil
			}
			continue
		case err != nil:
			// io.EOF or closed by ctx
			return nil
		}
		if quit := handleLine(ctx, c, name, line, rl.Stdout()); quit {
			return nil
		}
	}
}

// handleLine runs one REPL line and reports whether the session should end.
func handleLine(ctx context.Context, c *swarm.Coordinator, name, line string, out io.Writer) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}
	if !strings.HasPrefix(line, "/") {
		id, err := c.SubmitTask(ctx, line)
		if err != nil {
			fmt.Fprintf(out, "%s %v\n", errStyle.Render(symbols.Fail), err)
			return false
		}
		fmt.Fprintf(out, "%s\n", mutedStyle.Render("task "+id+" submitted"))
		return false
	}

	fields := strings.Fields(line)
	switch fields[0] {
	case "/quit", "/exit":
		return true
	case "/status":
		fmt.Fprint(out, renderStatus(name, c.Status()))
	case "/agents":
		fmt.Fprintln(out, renderAgents(c.Status().Agents))
	case "/events":
		n := defaultEventCount
		if len(fields) > 1 {
			v, err := strconv.Atoi(fields[1])
			if err != nil || v <= 0 {
				fmt.Fprintf(out, "%s /events takes a positive count\n", errStyle.Render(symbols.Fail))
				return false
			}
			n = v
		}
		fmt.Fprint(out, renderEvents(c.Bus().RecentEvents(n)))
	case "/help":
		fmt.Fprintln(out, replHelp)
	default:
		fmt.Fprintf(out, "%s unknown command %s (try /help)\n", errStyle.Render(symbols.Fail), fields[0])
	}
	return false
}
