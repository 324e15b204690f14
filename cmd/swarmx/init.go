package main

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"slices"
	"strings"
	"text/template"

	"github.com/spf13/cobra"

	"swarmx/internal/infra/config"
)

// backendPreset is the starting point init writes for one backend kind.
type backendPreset struct {
	Type    string
	Model   string
	KeyEnv  string
	BaseURL string
}

var backendPresets = map[string]backendPreset{
	"openai":    {Type: "openai", Model: "gpt-4o-mini", KeyEnv: "OPENAI_API_KEY"},
	"anthropic": {Type: "anthropic", Model: "claude-sonnet-4-5", KeyEnv: "ANTHROPIC_API_KEY"},
	"google":    {Type: "gemini", Model: "gemini-2.0-flash", KeyEnv: "GEMINI_API_KEY"},
	"xai":       {Type: "xai", Model: "grok-3-mini", KeyEnv: "XAI_API_KEY"},
	"ollama":    {Type: "ollama", Model: "llama3.2", BaseURL: "http://localhost:11434"},
	"echo":      {Type: "echo", Model: "echo"},
}

func presetNames() []string {
	names := make([]string, 0, len(backendPresets))
	for name := range backendPresets {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

var definitionTemplate = template.Must(template.New("swarm").Parse(`# swarmx definition. Validate with: swarmx validate {{.File}}
swarm:
  name: {{.Name}}

  logger:
    level: info
    format: text

  backends:
    {{.Backend}}:
      type: {{.Preset.Type}}
      model: {{.Preset.Model}}
{{- if .Preset.KeyEnv}}
      api_key: ${{"{"}}{{.Preset.KeyEnv}}{{"}"}}
{{- end}}
{{- if .Preset.BaseURL}}
      base_url: {{.Preset.BaseURL}}
{{- end}}
{{- if ne .Preset.Type "echo"}}
      timeout: 60s
      circuit_breaker:
        max_failures: 5
        timeout: 30s
{{- end}}

  agents:
    researcher:
      backend: {{.Backend}}
      system_prompt: |
        You are a research agent. Gather the key facts needed to answer the task
        and list them as short bullet points.
      subscriptions: [task.created]

    writer:
      backend: {{.Backend}}
      system_prompt: |
        You are a writer. Turn the research notes you receive into a clear,
        well-structured answer in markdown.
      subscriptions: [agent.response.researcher]
      complete_tasks: true

  # schedules:
  #   - name: morning-brief
  #     schedule: "0 8 * * *"
  #     content: Summarize today's priorities.
`))

func renderDefinition(name, backend, file string) ([]byte, error) {
	preset, ok := backendPresets[backend]
	if !ok {
		return nil, fmt.Errorf("unknown backend %q (want one of: %s)", backend, strings.Join(presetNames(), ", "))
	}
	var buf bytes.Buffer
	err := definitionTemplate.Execute(&buf, struct {
		Name, Backend, File string
		Preset              backendPreset
	}{name, backend, file, preset})
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func newInitCommand() *cobra.Command {
	var (
		name    string
		backend string
		force   bool
	)
	cmd := &cobra.Command{
		Use:   "init [file]",
		Short: "Write a starter swarm definition",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "swarm.yaml"
			if len(args) == 1 {
				path = args[0]
			}
			data, err := renderDefinition(name, backend, path)
			if err != nil {
				return err
			}
			if _, err := config.Parse(data); err != nil {
				return fmt.Errorf("generated definition is invalid: %w", err)
			}

			if !force {
				if _, err := os.Stat(path); err == nil {
					return fmt.Errorf("%s already exists (use --force to overwrite)", path)
				} else if !errors.Is(err, fs.ErrNotExist) {
					return err
				}
			}
			if err := os.WriteFile(path, data, 0o600); err != nil {
				return fmt.Errorf("write definition: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s wrote %s\n", okStyle.Render(symbols.OK), path)
			if env := backendPresets[backend].KeyEnv; env != "" && os.Getenv(env) == "" {
				fmt.Fprintf(out, "%s set %s in your environment or .env before running\n", warnStyle.Render(symbols.Warn), env)
			}
			fmt.Fprintf(out, "next: swarmx run %s --task \"...\"\n", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "my-swarm", "swarm name")
	cmd.Flags().StringVar(&backend, "backend", "openai", "backend preset: "+strings.Join(presetNames(), "|"))
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}
