package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/rahul/stepwise/internal/agent"
	"github.com/rahul/stepwise/internal/gateway"
	"github.com/rahul/stepwise/internal/observability"
	"github.com/rahul/stepwise/internal/plan"
	"github.com/rahul/stepwise/internal/progress"
	"github.com/rahul/stepwise/internal/runstate"
	"github.com/rahul/stepwise/internal/server"
	"github.com/rahul/stepwise/internal/store"
	"github.com/rahul/stepwise/pkg/config"
)

// modelFactory builds provider clients. Tests replace it.
var modelFactory = completerFor

type rootOptions struct {
	configPath string
	llmLog     string
	noBanner   bool
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "stepwise",
		Short: "Plan and execute multi-step tasks with a language model",
		Long: `Stepwise turns a request into a plan of model, tool, branch and jump
steps and executes it under an iteration limit, reporting progress as it goes.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "config.yaml", "configuration file (YAML or JSON)")
	cmd.PersistentFlags().StringVar(&opts.llmLog, "llm-log", filepath.Join("logs", "llm.jsonl"), "file receiving model exchanges; empty disables it")
	cmd.PersistentFlags().BoolVar(&opts.noBanner, "no-banner", false, "do not print the banner")

	cmd.AddCommand(
		newRunCommand(opts),
		newAskCommand(opts),
		newPlanCommand(opts),
		newValidateCommand(),
		newServeCommand(opts),
		newBotCommand(opts),
		newToolsCommand(opts),
		newRunsCommand(opts),
	)
	return cmd
}

// setup loads the configuration and builds the shared collaborators.
func setup(cmd *cobra.Command, opts *rootOptions) (*app, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}
	a, err := newApp(cfg, observability.NewLoggerTo(cmd.ErrOrStderr(), opts.llmLog))
	if err != nil {
		return nil, err
	}
	a.newModel = modelFactory
	return a, nil
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// progressSink prints step progress to stderr when it is a terminal.
func progressSink(cmd *cobra.Command) progress.Sink {
	if f, ok := cmd.ErrOrStderr().(*os.File); ok && observability.IsTerminal(f) {
		return observability.NewTerminalConsole(f)
	}
	return nil
}

func printBanner(cmd *cobra.Command, opts *rootOptions) {
	if opts.noBanner {
		return
	}
	if f, ok := cmd.ErrOrStderr().(*os.File); ok && observability.IsTerminal(f) {
		observability.PrintBanner(f)
	}
}

func printResult(w io.Writer, res *agent.RunResult) {
	switch {
	case res.Failed():
		color.New(color.FgRed, color.Bold).Fprintf(w, "✗ run %s\n", res.Status)
	case res.Exhausted:
		color.New(color.FgYellow, color.Bold).Fprintf(w, "! run %s (iteration limit)\n", res.Status)
	default:
		color.New(color.FgGreen, color.Bold).Fprintf(w, "✓ run %s\n", res.Status)
	}
	fmt.Fprintln(w, res.Output)
	fmt.Fprintf(w, "\n%d iterations, %d step dispatches, limit %d\n", res.Iterations, res.Dispatches, res.Limit)
}

func runError(res *agent.RunResult) error {
	if !res.Failed() {
		return nil
	}
	if res.Err != nil {
		return res.Err
	}
	return fmt.Errorf("run %s failed", res.RunID)
}

func printIssues(w io.Writer, issues []*plan.ValidationError) {
	for _, issue := range issues {
		c := color.New(color.FgYellow)
		if issue.Severity == plan.SeverityError {
			c = color.New(color.FgRed)
		}
		c.Fprintf(w, "%s: %s\n", issue.Severity, issue.Error())
	}
}

// readPlan decodes and validates a plan file. Warnings are printed to w.
func readPlan(path string, w io.Writer) (*plan.Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read plan: %w", err)
	}
	doc, err := plan.ParseDocument(data)
	if err != nil {
		return nil, err
	}
	issues := plan.Validate(doc)
	printIssues(w, issues)
	if plan.HasErrors(issues) {
		return doc, fmt.Errorf("invalid plan: %s", plan.JoinErrors(issues))
	}
	return doc, nil
}

func newRunCommand(opts *rootOptions) *cobra.Command {
	var maxIterations int
	cmd := &cobra.Command{
		Use:   "run <plan-file>",
		Short: "Execute a plan document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd, opts)
			if err != nil {
				return err
			}
			defer a.close()

			doc, err := readPlan(args[0], cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			p, err := doc.Build(a.cfg.Agent.MaxIterations)
			if err != nil {
				return err
			}
			model, err := a.model()
			if err != nil {
				return err
			}
			engine, err := a.engine(model, nil, progressSink(cmd))
			if err != nil {
				return err
			}

			ctx, stop := signalContext(cmd.Context())
			defer stop()
			res := engine.Run(ctx, p, agent.RunOptions{RunID: uuid.NewString(), MaxIterations: maxIterations})
			printResult(cmd.OutOrStdout(), res)
			return runError(res)
		},
	}
	cmd.Flags().IntVarP(&maxIterations, "max-iterations", "n", 0, "override the plan's iteration limit")
	return cmd
}

func newAskCommand(opts *rootOptions) *cobra.Command {
	var maxIterations int
	var showPlan bool
	cmd := &cobra.Command{
		Use:   "ask <query>",
		Short: "Plan a request and execute the plan",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd, opts)
			if err != nil {
				return err
			}
			defer a.close()

			model, err := a.model()
			if err != nil {
				return err
			}
			engine, err := a.engine(model, nil, progressSink(cmd))
			if err != nil {
				return err
			}
			ag := &agent.Agent{Planner: a.planner(model), Engine: engine, NewRunID: uuid.NewString}

			ctx, stop := signalContext(cmd.Context())
			defer stop()
			query := strings.Join(args, " ")
			started := time.Now()
			res, doc, err := ag.ExecuteTask(ctx, query, maxIterations)
			if err != nil {
				return err
			}
			if showPlan {
				if err := writeDocument(cmd.ErrOrStderr(), doc); err != nil {
					return err
				}
			}
			printResult(cmd.OutOrStdout(), res)
			saveRun(a.cfg, agent.RecordOf("cli", query, started, res))
			return runError(res)
		},
	}
	cmd.Flags().IntVarP(&maxIterations, "max-iterations", "n", 0, "override the plan's iteration limit")
	cmd.Flags().BoolVar(&showPlan, "show-plan", false, "print the generated plan before the result")
	return cmd
}

// saveRun records a CLI run in the history database. Failures are logged.
func saveRun(cfg *config.Config, rec agent.RunRecord) {
	if cfg.Memory.Path == "" {
		return
	}
	history, err := store.NewHistoryStore(cfg.Memory.Path)
	if err != nil {
		log.Printf("Warning: failed to open history: %v", err)
		return
	}
	defer history.Close()
	if err := history.SaveRun(rec); err != nil {
		log.Printf("Warning: failed to save run: %v", err)
	}
}

func writeDocument(w io.Writer, doc *plan.Document) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(doc)
}

func newPlanCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "plan <query>",
		Short: "Print the plan generated for a request without executing it",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd, opts)
			if err != nil {
				return err
			}
			defer a.close()

			model, err := a.model()
			if err != nil {
				return err
			}
			doc, issues, err := a.planner(model).Plan(cmd.Context(), strings.Join(args, " "))
			printIssues(cmd.ErrOrStderr(), issues)
			if err != nil {
				return err
			}
			return writeDocument(cmd.OutOrStdout(), doc)
		},
	}
}

func newValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <plan-file>...",
		Short: "Check plan documents for structural errors",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			var errs []error
			for _, path := range args {
				doc, err := readPlan(path, out)
				if err != nil {
					color.New(color.FgRed).Fprintf(out, "✗ %s\n", path)
					errs = append(errs, fmt.Errorf("%s: %w", path, err))
					continue
				}
				color.New(color.FgGreen).Fprintf(out, "✓ %s (%d steps)\n", path, len(doc.Plan))
			}
			return errors.Join(errs...)
		},
	}
}

func newServeCommand(opts *rootOptions) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API with live run events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd, opts)
			if err != nil {
				return err
			}
			defer a.close()
			printBanner(cmd, opts)

			model, err := a.model()
			if err != nil {
				return err
			}
			runs := runstate.NewRegistry(a.cfg.Retention())
			defer runs.Close()
			engine, err := a.engine(model, runs, nil)
			if err != nil {
				return err
			}

			if addr == "" {
				addr = a.cfg.Server.Addr
			}
			srv := server.New(server.Config{
				Engine:               engine,
				Planner:              a.planner(model),
				Tools:                a.tools,
				Registry:             runs,
				DefaultMaxIterations: a.cfg.Agent.MaxIterations,
			})
			ctx, stop := signalContext(cmd.Context())
			defer stop()
			return srv.ListenAndServe(ctx, addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to server.addr)")
	return cmd
}

func newBotCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "bot",
		Short: "Answer chat messages on the enabled gateways",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd, opts)
			if err != nil {
				return err
			}
			defer a.close()
			printBanner(cmd, opts)

			model, err := a.model()
			if err != nil {
				return err
			}
			engine, err := a.engine(model, nil, nil)
			if err != nil {
				return err
			}
			history, err := store.NewHistoryStore(a.cfg.Memory.Path)
			if err != nil {
				return err
			}
			defer history.Close()
			brain := &agent.Agent{Planner: a.planner(model), Engine: engine, History: history, NewRunID: uuid.NewString}

			var gateways []gateway.Messenger
			if tg, ok := a.cfg.GetTelegramConfig(); ok {
				g, err := gateway.NewTelegramGateway(tg.Token, brain)
				if err != nil {
					return fmt.Errorf("telegram: %w", err)
				}
				gateways = append(gateways, g)
			}
			if dc, ok := a.cfg.GetDiscordConfig(); ok {
				g, err := gateway.NewDiscordGateway(dc.Token, brain)
				if err != nil {
					return fmt.Errorf("discord: %w", err)
				}
				gateways = append(gateways, g)
			}
			if len(gateways) == 0 {
				return errors.New("no chat gateway is enabled with a token")
			}
			return serveGateways(cmd.Context(), gateways)
		},
	}
}

// serveGateways runs every gateway until a signal arrives or one of them
// fails, then stops them all.
func serveGateways(parent context.Context, gateways []gateway.Messenger) error {
	ctx, stop := signalContext(parent)
	defer stop()

	errCh := make(chan error, len(gateways))
	var wg sync.WaitGroup
	for _, g := range gateways {
		wg.Add(1)
		go func(g gateway.Messenger) {
			defer wg.Done()
			if err := g.Start(); err != nil {
				errCh <- err
			}
		}(g)
	}

	var err error
	select {
	case <-ctx.Done():
		log.Println("Shutting down gateways...")
	case err = <-errCh:
		log.Printf("Gateway error: %v", err)
	}
	for _, g := range gateways {
		if stopErr := g.Stop(); stopErr != nil {
			log.Printf("Warning: failed to stop gateway: %v", stopErr)
		}
	}
	wg.Wait()
	return err
}

func newToolsCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "tools",
		Short: "List the registered tools",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd, opts)
			if err != nil {
				return err
			}
			defer a.close()

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			for _, info := range a.tools.Infos() {
				fmt.Fprintf(tw, "%s\t%s\n", info.Name, info.Description)
			}
			return tw.Flush()
		},
	}
}

func newRunsCommand(opts *rootOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recorded runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			history, err := store.NewHistoryStore(cfg.Memory.Path)
			if err != nil {
				return err
			}
			defer history.Close()

			records, err := history.Runs(limit)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "STARTED\tSTATUS\tITERATIONS\tSESSION\tQUERY")
			for _, r := range records {
				fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", r.StartedAt.Format(time.DateTime), r.Status, r.Iterations, r.Session, r.Query)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "l", 20, "number of runs to show")
	return cmd
}
