package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"swarmx/internal/domain"
	"swarmx/internal/infra/config"
	"swarmx/internal/infra/logger"
	"swarmx/internal/infra/metrics"
	"swarmx/internal/infra/tracer"
	"swarmx/internal/usecase/swarm"
)

const (
	printerID    = "cli"
	stopTimeout  = 10 * time.Second
	pollInterval = 50 * time.Millisecond
)

type runOptions struct {
	task        string
	interactive bool
	logLevel    string
	wait        time.Duration
}

func newRunCommand() *cobra.Command {
	var opts runOptions
	cmd := &cobra.Command{
		Use:   "run <file>",
		Short: "Start a swarm, optionally submit a task, and print agent replies",
		Long: `run starts every agent of the definition and prints replies as they arrive.

With --task the task is submitted and run waits until it completes, fails or
--wait elapses. With --interactive a prompt accepts further tasks. Without
either, run serves until interrupted.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSwarm(cmd.Context(), args[0], opts, cmd.OutOrStdout(), cmd.InOrStdin())
		},
	}
	cmd.Flags().StringVarP(&opts.task, "task", "t", "", "task content to submit after start")
	cmd.Flags().BoolVarP(&opts.interactive, "interactive", "i", false, "read tasks and commands from a prompt")
	cmd.Flags().StringVar(&opts.logLevel, "log-level", "", "override the definition's log level")
	cmd.Flags().DurationVar(&opts.wait, "wait", 60*time.Second, "how long to wait for the submitted task")
	return cmd
}

func runSwarm(ctx context.Context, path string, opts runOptions, out io.Writer, in io.Reader) error {
	if ctx == nil {
		ctx = context.Background()
	}
	def, err := config.Load(path)
	if err != nil {
		return err
	}
	if opts.logLevel != "" {
		def.Logger.Level = opts.logLevel
	}

	log, closeLog, err := logger.New(def.Logger, def.Name)
	if err != nil {
		return err
	}
	defer func() { _ = closeLog() }()
	for _, w := range def.Warnings {
		log.Warn(w)
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := tracer.Setup(ctx, def.Tracer, def.Name)
	if err != nil {
		return fmt.Errorf("setup tracer: %w", err)
	}
	defer func() { _ = shutdownTracer(context.Background()) }()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	c, err := swarm.FromDefinition(def, log, swarm.WithRegisterer(reg))
	if err != nil {
		return err
	}
	if def.Metrics.Enabled {
		go func() {
			if err := metrics.Serve(ctx, def.Metrics.Addr, reg, log); err != nil {
				log.Error("metrics server failed", "error", err)
			}
		}()
	}

	printer, err := newResponsePrinter(out)
	if err != nil {
		return err
	}
	c.Bus().Subscribe(domain.TopicAgentResponse+".*", printer.onResponse, printerID, domain.PriorityLow)
	c.Bus().Subscribe(domain.TopicAgentError, printer.onError, printerID, domain.PriorityLow)

	if err := c.Start(ctx); err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		defer cancel()
		if err := c.Stop(stopCtx); err != nil {
			log.Error("swarm stop failed", "error", err)
		}
	}()

	if opts.task != "" {
		if err := submitAndWait(ctx, c, opts.task, opts.wait, out, log); err != nil {
			return err
		}
	}

	switch {
	case opts.interactive:
		return runREPL(ctx, c, def.Name, printer, in, out)
	case opts.task == "":
		log.Info("swarm running, press Ctrl+C to stop")
		<-ctx.Done()
	}
	return nil
}

// submitAndWait submits content and blocks until the task is terminal, wait
// elapses or ctx is cancelled. A task no agent reports on stays RUNNING;
// that is reported, not treated as an error.
func submitAndWait(ctx context.Context, c *swarm.Coordinator, content string, wait time.Duration, out io.Writer, log *slog.Logger) error {
	id, err := c.SubmitTask(ctx, content)
	if err != nil {
		return fmt.Errorf("submit task: %w", err)
	}
	log.Info("task submitted", "task_id", id)

	task, done := waitForTask(ctx, c, id, wait)
	switch {
	case !done:
		fmt.Fprintf(out, "%s task %s still %s after %s\n", warnStyle.Render(symbols.Warn), id, task.Status, wait)
	case task.Status == domain.TaskCompleted:
		fmt.Fprintf(out, "%s task %s completed\n", okStyle.Render(symbols.OK), id)
	default:
		fmt.Fprintf(out, "%s task %s %s: %s\n", errStyle.Render(symbols.Fail), id, task.Status, task.Error)
		return &exitError{code: 1}
	}
	return nil
}

func waitForTask(ctx context.Context, c *swarm.Coordinator, id string, wait time.Duration) (domain.Task, bool) {
	deadline := time.NewTimer(wait)
	defer deadline.Stop()
	tick := time.NewTicker(pollInterval)
	defer tick.Stop()
	for {
		task, _ := c.Scheduler().Task(id)
		if task.Status.Terminal() {
			return task, true
		}
		select {
		case <-ctx.Done():
			return task, false
		case <-deadline.C:
			return task, false
		case <-tick.C:
		}
	}
}
