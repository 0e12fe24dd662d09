package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/petrijr/graphflow"
	"github.com/petrijr/graphflow/pkg/api"
)

type runOptions struct {
	store       storeOptions
	workers     workerOptions
	input       string
	inputFile   string
	metricsAddr string
	trace       bool
	poll        time.Duration
}

func addStoreFlags(cmd *cobra.Command, so *storeOptions) {
	cmd.Flags().StringVar(&so.kind, "store", "memory", "run store: memory, sqlite, postgres, redis, mongo")
	cmd.Flags().StringVar(&so.dsn, "dsn", "", "store connection string (file path, postgres DSN, redis:// or mongodb:// URL)")
}

func addExecFlags(cmd *cobra.Command, ro *runOptions) {
	addStoreFlags(cmd, &ro.store)
	f := cmd.Flags()
	f.StringArrayVar(&ro.workers.commands, "worker", nil, "worker as name=shell command (repeatable)")
	f.DurationVar(&ro.workers.timeout, "worker-timeout", 10*time.Minute, "overall timeout of one command invocation")
	f.DurationVar(&ro.workers.idleTimeout, "idle-timeout", 0, "kill a command that prints nothing for this long")
	f.StringVar(&ro.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address while running")
	f.BoolVar(&ro.trace, "trace", false, "print the OpenTelemetry spans of the run after it finishes")
	f.DurationVar(&ro.poll, "poll", 20*time.Millisecond, "run status poll interval")
}

func newRunCmd(opts *globalOptions) *cobra.Command {
	ro := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run <file>",
		Short: "Run a graph to completion, prompting for gate decisions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			input, err := ro.readInput()
			if err != nil {
				return err
			}
			return execute(cmd, opts, ro, args[0], func(ctx context.Context, eng graphflow.Engine, graph string) (string, error) {
				inst, err := eng.Start(ctx, graph, graphflow.Text(input))
				if err != nil {
					return "", err
				}
				return inst.ID, nil
			})
		},
	}
	addExecFlags(cmd, ro)
	cmd.Flags().StringVar(&ro.input, "input", "", "run input text")
	cmd.Flags().StringVar(&ro.inputFile, "input-file", "", "read the run input from a file")
	return cmd
}

func newResumeCmd(opts *globalOptions) *cobra.Command {
	ro := &runOptions{}
	cmd := &cobra.Command{
		Use:   "resume <file> <run-id>",
		Short: "Resume a failed or cancelled run from its last snapshot",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return execute(cmd, opts, ro, args[0], func(ctx context.Context, eng graphflow.Engine, graph string) (string, error) {
				n, err := eng.RecoverStuckRuns(ctx)
				if err != nil {
					return "", err
				}
				if n > 0 {
					opts.logger.Info("recovered stuck runs", "count", n)
				}
				if _, err := eng.Resume(ctx, args[1]); err != nil {
					return "", err
				}
				return args[1], nil
			})
		},
	}
	addExecFlags(cmd, ro)
	return cmd
}

func (ro *runOptions) readInput() (string, error) {
	if ro.inputFile == "" {
		return ro.input, nil
	}
	if ro.input != "" {
		return "", errors.New("--input and --input-file are mutually exclusive")
	}
	data, err := os.ReadFile(ro.inputFile)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

type starter func(ctx context.Context, eng graphflow.Engine, graph string) (runID string, err error)

// execute loads the graph, opens the store, starts a run with start and
// drives it to a terminal status.
func execute(cmd *cobra.Command, opts *globalOptions, ro *runOptions, path string, start starter) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	resolver, err := ro.workers.resolver()
	if err != nil {
		return err
	}
	def, err := loadGraph(opts, path, resolver)
	if err != nil {
		return err
	}

	observers := []graphflow.Observer{graphflow.NewLoggingObserver(opts.logger)}
	if ro.metricsAddr != "" {
		reg := prometheus.NewRegistry()
		observers = append(observers, graphflow.NewPrometheusObserver(reg, "graphflow"))
		srv := &http.Server{Addr: ro.metricsAddr, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{})}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				opts.logger.Error("metrics server failed", "err", err)
			}
		}()
		defer srv.Close()
	}
	var spans *spanTable
	if ro.trace {
		tp, st := newSpanTable()
		defer func() { _ = tp.Shutdown(context.WithoutCancel(ctx)) }()
		observers = append(observers, graphflow.NewTracingObserver(tp))
		spans = st
	}

	eng, closeStore, err := openEngine(ctx, ro.store, graphflow.NewCompositeObserver(observers...))
	if err != nil {
		return err
	}
	defer closeStore()

	if err := eng.RegisterGraph(def); err != nil {
		return err
	}
	runID, err := start(ctx, eng, def.Name)
	if err != nil {
		return err
	}
	opts.logger.Debug("run started", "run_id", runID, "graph", def.Name)

	inst, err := drive(ctx, eng, runID, ro.poll, cmd.InOrStdin(), cmd.OutOrStdout(), opts.logger)
	if err != nil {
		return err
	}
	err = report(cmd.OutOrStdout(), inst)
	if spans != nil {
		spans.render(cmd.OutOrStdout())
	}
	return err
}

// drive polls the run until it is terminal, asking on in for the decision
// of every gate that opens. Closing in or interrupting cancels the run.
func drive(ctx context.Context, eng graphflow.Engine, runID string, poll time.Duration, in io.Reader, out io.Writer, logger *slog.Logger) (*graphflow.RunInstance, error) {
	answers := bufio.NewReader(in)
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	cancel := func(reason string) (*graphflow.RunInstance, error) {
		logger.Warn("cancelling run", "run_id", runID, "reason", reason)
		bg := context.WithoutCancel(ctx)
		if err := eng.Cancel(bg, runID); err != nil && !errors.Is(err, api.ErrRunNotFound) {
			return nil, err
		}
		wctx, done := context.WithTimeout(bg, 10*time.Second)
		defer done()
		return eng.Wait(wctx, runID)
	}

	for {
		inst, err := eng.GetRun(ctx, runID)
		if err != nil {
			if ctx.Err() != nil {
				return cancel("interrupted")
			}
			return nil, err
		}
		if inst.Terminal() {
			return inst, nil
		}

		if inst.Status == graphflow.StatusWaiting {
			gates, err := eng.PendingGates(ctx, runID)
			if err != nil {
				return nil, err
			}
			for _, g := range gates {
				res, err := ask(answers, out, g)
				if err != nil {
					return cancel("no gate decision: " + err.Error())
				}
				err = eng.ResolveGate(ctx, runID, g.NodeID, res)
				if errors.Is(err, api.ErrInvalidGateToken) {
					fmt.Fprintf(out, "token %q is not accepted\n", res.Token)
					break
				}
				if err != nil && !errors.Is(err, api.ErrGateNotPending) {
					return nil, err
				}
			}
		}

		select {
		case <-ctx.Done():
			return cancel("interrupted")
		case <-ticker.C:
		}
	}
}

// ask prompts for one gate. The first word of the answer is the token and
// the rest is the payload.
func ask(in *bufio.Reader, out io.Writer, g graphflow.GateRequest) (graphflow.GateResolution, error) {
	prompt := g.Prompt
	if prompt == "" {
		prompt = "decision"
	}
	if len(g.Tokens) > 0 {
		fmt.Fprintf(out, "gate %s: %s [%s] ", g.NodeID, prompt, strings.Join(g.Tokens, "/"))
	} else {
		fmt.Fprintf(out, "gate %s: %s ", g.NodeID, prompt)
	}

	line, err := in.ReadString('\n')
	line = strings.TrimSpace(line)
	if line == "" {
		if err == nil {
			err = errors.New("empty answer")
		}
		return graphflow.GateResolution{}, err
	}
	token, payload, _ := strings.Cut(line, " ")
	return graphflow.GateResolution{Token: token, Payload: strings.TrimSpace(payload)}, nil
}

func report(out io.Writer, inst *graphflow.RunInstance) error {
	fmt.Fprintf(out, "run %s %s\n", inst.ID, inst.Status)
	for _, m := range inst.Outcome {
		fmt.Fprintf(out, "[%s] %s\n", m.Source, m.Text)
	}
	if inst.Status != graphflow.StatusCompleted {
		if inst.Err != nil {
			return fmt.Errorf("run %s: %w", inst.Status, inst.Err)
		}
		return fmt.Errorf("run %s", inst.Status)
	}
	return nil
}

func newRunsCmd(opts *globalOptions) *cobra.Command {
	var (
		so     storeOptions
		filter graphflow.RunListOptions
		status string
		format string
	)
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List runs kept in a store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, closeStore, err := openEngine(cmd.Context(), so, nil)
			if err != nil {
				return err
			}
			defer closeStore()

			filter.Status = graphflow.RunStatus(strings.ToUpper(status))
			runs, err := eng.ListRuns(cmd.Context(), filter)
			if err != nil {
				return err
			}

			t := table.NewWriter()
			t.SetStyle(table.StyleLight)
			t.AppendHeader(table.Row{"ID", "Graph", "Status", "Started", "Output"})
			for _, r := range runs {
				t.AppendRow(table.Row{r.ID, r.Graph, r.Status, r.StartedAt.Format(time.RFC3339), truncate(r.Output(), 40)})
			}
			switch format {
			case "table":
				fmt.Fprintln(cmd.OutOrStdout(), t.Render())
			case "markdown":
				fmt.Fprintln(cmd.OutOrStdout(), t.RenderMarkdown())
			default:
				return fmt.Errorf("invalid --format %q", format)
			}
			return nil
		},
	}
	addStoreFlags(cmd, &so)
	cmd.Flags().StringVar(&filter.Graph, "graph", "", "only runs of this graph")
	cmd.Flags().StringVar(&status, "status", "", "only runs with this status")
	cmd.Flags().StringVar(&format, "format", "table", "output format: table or markdown")
	return cmd
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
