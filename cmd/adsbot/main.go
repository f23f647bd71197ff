package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/pgoc/adsbot/internal/config"
	"github.com/pgoc/adsbot/internal/engine"
	"github.com/pgoc/adsbot/internal/history"
	"github.com/pgoc/adsbot/internal/logging"
	"github.com/pgoc/adsbot/internal/metrics"
	"github.com/pgoc/adsbot/internal/notify"
	"github.com/pgoc/adsbot/internal/operation"
	"github.com/pgoc/adsbot/internal/rows"
	"github.com/pgoc/adsbot/internal/web"
)

var (
	cfgFile  string
	opsFile  string
	logLevel string
)

func resolveConfigPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	return config.DefaultConfigPath()
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "adsbot",
		Short: "adsbot - bulk ad account operations with live status",
		Long: `adsbot imports bulk operation sheets, verifies every row with the
automation backend, dispatches the verified rows and follows the
backend's message stream until each row reaches a final status.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.adsbot/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&opsFile, "operations", "", "operations file overriding the built-in operations")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (overrides config)")

	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(opsCmd())
	rootCmd.AddCommand(importCmd())
	rootCmd.AddCommand(verifyCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(watchCmd())
	rootCmd.AddCommand(exportCmd())
	rootCmd.AddCommand(historyCmd())
	rootCmd.AddCommand(serveCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// app is the wiring shared by every command.
type app struct {
	cfg       *config.Config
	logger    zerolog.Logger
	logCloser io.Closer
	registry  *operation.Registry
	history   *history.Store
	metrics   *metrics.Metrics
	factory   *engine.Factory
}

func setup(tweak func(*config.Config)) (*app, error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, err
	}
	if opsFile != "" {
		cfg.OperationsFile = opsFile
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if tweak != nil {
		tweak(cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, closer, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger, logCloser: closer, metrics: metrics.New(cfg.Metrics)}

	a.registry = operation.Builtin()
	if cfg.OperationsFile != "" {
		if a.registry, err = operation.LoadFromFile(cfg.OperationsFile); err != nil {
			a.Close()
			return nil, err
		}
	}

	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	if a.history, err = history.NewStore(cfg.HistoryPath()); err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to initialize history: %w", err)
	}
	if a.factory, err = engine.NewFactory(cfg, a.history, a.metrics, logger); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) Close() {
	if a.factory != nil {
		a.factory.Close()
	}
	if a.history != nil {
		a.history.Close()
	}
	a.logCloser.Close()
}

func (a *app) operation(id string) (operation.Operation, error) {
	op := a.registry.FindByID(id)
	if op == nil {
		return operation.Operation{}, fmt.Errorf("unknown operation %q (known: %s)", id, strings.Join(a.registry.IDs(), ", "))
	}
	return *op, nil
}

// consoleNotifier prints notices for a terminal operator.
var consoleNotifier = notify.Func(func(level notify.Level, msg string) {
	icon := map[notify.Level]string{
		notify.Info:    "ℹ️ ",
		notify.Success: "✅",
		notify.Warning: "⚠️ ",
		notify.Error:   "❌",
	}[level]
	fmt.Fprintf(os.Stderr, "%s %s\n", icon, msg)
})

// openEngine builds the engine for opID and imports file into it.
func (a *app) openEngine(ctx context.Context, opID, file string) (*engine.Engine, error) {
	op, err := a.operation(opID)
	if err != nil {
		return nil, err
	}
	e, err := a.factory.New(ctx, op, consoleNotifier)
	if err != nil {
		return nil, err
	}
	if file == "" {
		return e, nil
	}

	f, err := os.Open(file)
	if err != nil {
		e.Close()
		return nil, fmt.Errorf("failed to open %s: %w", file, err)
	}
	defer f.Close()
	if _, err := e.Import(ctx, f); err != nil {
		e.Close()
		return nil, err
	}
	return e, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func initCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit(force)
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing config file")
	return cmd
}

func runInit(force bool) error {
	path := resolveConfigPath()
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}
	cfg := config.Default()
	cfg.API.URL = "http://localhost:8000"
	cfg.DataDir = config.DefaultDataDir()
	if err := config.Save(path, cfg); err != nil {
		return err
	}
	fmt.Printf("✅ Wrote %s\n", path)
	fmt.Println("Set api.user_id (or ADSBOT_USER_ID) before running operations.")
	return nil
}

func opsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ops",
		Short: "List operations and their required headers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOps()
		},
	}
}

func runOps() error {
	registry := operation.Builtin()
	if opsFile != "" {
		var err error
		if registry, err = operation.LoadFromFile(opsFile); err != nil {
			return err
		}
	}

	fmt.Printf("📋 %d operations\n", len(registry.Operations))
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	for _, op := range registry.Operations {
		scope := "per user"
		if op.Stream.Scoped {
			scope = "per account"
		}
		fmt.Printf("%-18s %s (stream %s)\n", op.ID, op.Name, scope)
		fmt.Printf("  %s\n", strings.Join(op.RequiredHeaders, ","))
	}
	return nil
}

func importCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <operation> <file>",
		Short: "Parse a bulk file and report what would be submitted",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runImport(args[0], args[1])
		},
	}
}

func runImport(opID, file string) error {
	a, err := setup(nil)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := signalContext()
	defer cancel()
	e, err := a.openEngine(ctx, opID, file)
	if err != nil {
		return err
	}
	defer e.Close()

	printRows(os.Stdout, e.Store().Rows())
	return nil
}

func verifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify <operation> <file>",
		Short: "Import a bulk file and verify every row with the backend",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVerify(args[0], args[1])
		},
	}
}

func runVerify(opID, file string) error {
	a, err := setup(nil)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := signalContext()
	defer cancel()
	e, err := a.openEngine(ctx, opID, file)
	if err != nil {
		return err
	}
	defer e.Close()

	if _, err := e.Verify(ctx); err != nil {
		return err
	}
	printRows(os.Stdout, e.Store().Rows())
	return nil
}

func runCmd() *cobra.Command {
	var (
		delay   time.Duration
		watch   bool
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "run <operation> <file>",
		Short: "Import, verify and dispatch a bulk file",
		Long: `Import the file, verify every row, dispatch the verified rows and,
with --watch, follow the message stream until every dispatched row
reaches a final status or the timeout passes.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var d *time.Duration
			if cmd.Flags().Changed("delay") {
				d = &delay
			}
			return runRun(args[0], args[1], d, watch, timeout)
		},
	}

	cmd.Flags().DurationVar(&delay, "delay", 0, "Pause between dispatches (overrides config)")
	cmd.Flags().BoolVar(&watch, "watch", false, "Follow the stream until rows settle")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Give up watching after this long (default from config)")
	return cmd
}

func runRun(opID, file string, delay *time.Duration, watch bool, timeout time.Duration) error {
	a, err := setup(func(cfg *config.Config) {
		if delay != nil {
			cfg.Dispatch.Delay = *delay
		}
	})
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := signalContext()
	defer cancel()
	e, err := a.openEngine(ctx, opID, file)
	if err != nil {
		return err
	}
	defer e.Close()

	if _, err := e.Verify(ctx); err != nil {
		return err
	}

	var stopTail func()
	if watch {
		stopTail = tailLog(e.Log(), os.Stdout)
		defer stopTail()
	}

	run, err := e.Execute()
	if err != nil {
		return err
	}
	select {
	case <-run.Done():
	case <-ctx.Done():
		run.Cancel()
		<-run.Done()
	}

	st := run.State()
	fmt.Printf("\n📤 Run %s: %s (sent %d, failed %d, skipped %d of %d)\n",
		st.ID[:8], st.Status, st.Sent, st.Failed, st.Skipped, st.Total)
	if st.Error != "" {
		fmt.Printf("   %s\n", st.Error)
	}

	if watch && st.Sent > 0 && ctx.Err() == nil {
		if timeout <= 0 {
			timeout = a.cfg.Dispatch.SettleTimeout
		}
		waitCtx, waitCancel := context.WithTimeout(ctx, timeout)
		err := e.WaitSettled(waitCtx)
		waitCancel()
		if errors.Is(err, context.DeadlineExceeded) {
			fmt.Printf("⏱  Stopped watching after %s; some rows are still in flight.\n", timeout)
		}
	}

	if stopTail != nil {
		stopTail()
	}
	fmt.Println()
	printRows(os.Stdout, e.Store().Rows())
	return nil
}

func watchCmd() *cobra.Command {
	var scope string

	cmd := &cobra.Command{
		Use:   "watch <operation>",
		Short: "Tail the backend message stream of an operation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(args[0], scope)
		},
	}
	cmd.Flags().StringVar(&scope, "scope", "", "Account id for per-account streams")
	return cmd
}

func runWatch(opID, scope string) error {
	a, err := setup(nil)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := signalContext()
	defer cancel()
	e, err := a.openEngine(ctx, opID, "")
	if err != nil {
		return err
	}
	defer e.Close()

	if e.Operation().Stream.Scoped && scope == "" {
		return fmt.Errorf("%s streams per account; pass --scope", opID)
	}

	stop := tailLog(e.Log(), os.Stdout)
	defer stop()
	e.SelectScope(scope)
	key, _ := e.Subscription()
	fmt.Fprintf(os.Stderr, "👀 Watching %s (Ctrl+C to stop)\n", key)

	<-ctx.Done()
	return nil
}

func exportCmd() *cobra.Command {
	var (
		output string
		verify bool
	)

	cmd := &cobra.Command{
		Use:   "export <operation> <file>",
		Short: "Re-export a bulk file with a status column",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExport(args[0], args[1], output, verify)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "Output file (default stdout)")
	cmd.Flags().BoolVar(&verify, "verify", false, "Verify rows before exporting")
	return cmd
}

func runExport(opID, file, output string, verify bool) error {
	a, err := setup(nil)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := signalContext()
	defer cancel()
	e, err := a.openEngine(ctx, opID, file)
	if err != nil {
		return err
	}
	defer e.Close()

	if verify {
		if _, err := e.Verify(ctx); err != nil {
			return err
		}
	}

	var w io.Writer = os.Stdout
	if output != "" {
		f, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
		if err != nil {
			return fmt.Errorf("failed to create %s: %w", output, err)
		}
		defer f.Close()
		w = f
	}
	if err := e.Export(w); err != nil {
		return err
	}
	if output != "" {
		fmt.Fprintf(os.Stderr, "✅ Exported %d rows to %s\n", e.Store().Len(), output)
	}
	return nil
}

func historyCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show dispatch history and final statuses",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHistory(limit)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "Number of recent dispatches to show")
	return cmd
}

func runHistory(limit int) error {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return err
	}
	store, err := history.NewStore(cfg.HistoryPath())
	if err != nil {
		return fmt.Errorf("failed to open history: %w", err)
	}
	defer store.Close()

	stats, err := store.GetStats()
	if err != nil {
		return err
	}
	fmt.Println("📊 Dispatch history")
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Printf("  Total: %d  Sent: %d  Failed: %d\n", stats.Total, stats.Sent, stats.Failed)
	for status, n := range stats.Final {
		fmt.Printf("  %s: %d\n", status, n)
	}

	records, err := store.GetRecent(limit)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return nil
	}
	fmt.Println()
	for _, r := range records {
		icon := "✅"
		if r.Outcome != history.OutcomeSent {
			icon = "❌"
		}
		final := r.FinalStatus
		if final == "" {
			final = "pending"
		}
		fmt.Printf("%s %s  %-16s %-14s %s", icon, r.SentAt.Format("2006-01-02 15:04"), r.Operation, r.AccountID, final)
		if r.Error != "" {
			fmt.Printf("  (%s)", r.Error)
		}
		fmt.Println()
	}
	return nil
}

func serveCmd() *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the operator API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(port)
		},
	}
	cmd.Flags().IntVar(&port, "port", 0, "Port to listen on (default from config)")
	return cmd
}

func runServe(port int) error {
	a, err := setup(func(cfg *config.Config) {
		if port > 0 {
			cfg.Server.Port = port
		}
	})
	if err != nil {
		return err
	}
	defer a.Close()

	server, err := web.NewServer(web.Options{
		Port:           a.cfg.Server.Port,
		SessionTTL:     a.cfg.Server.SessionTTL,
		TrustedOrigins: a.cfg.Server.TrustedOrigins,
		Snapshots:      a.factory.SnapshotsEnabled(),
	}, a.registry, a.factory.New, a.history, a.metrics, a.logger)
	if err != nil {
		return fmt.Errorf("failed to create web server: %w", err)
	}

	ctx, cancel := signalContext()
	defer cancel()
	go func() {
		<-ctx.Done()
		fmt.Println("\nShutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	fmt.Printf("Starting adsbot API at http://localhost:%d\n", a.cfg.Server.Port)
	fmt.Println("Press Ctrl+C to stop")
	return server.Start()
}

// tailLog prints display log lines as they arrive until stop is called.
func tailLog(log *rows.Log, w io.Writer) (stop func()) {
	ready, unsubscribe := log.Subscribe()
	done := make(chan struct{})
	seq := log.Len()

	go func() {
		defer close(done)
		for range ready {
			for _, entry := range log.Since(seq) {
				prefix := "  "
				if entry.Kind == rows.EntryHeartbeat {
					prefix = "… "
				}
				fmt.Fprintf(w, "%s%s\n", prefix, entry.Line)
				seq = entry.Seq
			}
		}
	}()

	stopped := false
	return func() {
		if stopped {
			return
		}
		stopped = true
		unsubscribe()
		<-done
	}
}

func printRows(w io.Writer, batch []rows.Row) {
	counts := map[rows.Status]int{}
	for _, r := range batch {
		counts[r.Status]++
		line := r.Identity.AccountID
		if r.Identity.Direction != rows.DirectionNone {
			line += " (" + string(r.Identity.Direction) + ")"
		}
		if len(r.Identity.Secondary) > 0 {
			line += " " + strings.Join(r.Identity.Secondary, ", ")
		}
		fmt.Fprintf(w, "%-14s %-40s %s", r.StatusLabel(), line, r.CredentialAlias)
		switch {
		case r.Error != "":
			fmt.Fprintf(w, "  %s", r.Error)
		case r.Unresolved:
			fmt.Fprint(w, "  unknown alias")
		}
		fmt.Fprintln(w)
	}

	parts := make([]string, 0, len(counts))
	for _, s := range []rows.Status{
		rows.StatusReady, rows.StatusVerified, rows.StatusNotVerified, rows.StatusRequestSent,
		rows.StatusFetching, rows.StatusSuccess, rows.StatusFailed, rows.StatusUnauthorized, rows.StatusError,
	} {
		if n := counts[s]; n > 0 {
			parts = append(parts, fmt.Sprintf("%s %d", s, n))
		}
	}
	fmt.Fprintf(w, "\n%d rows: %s\n", len(batch), strings.Join(parts, ", "))
}
