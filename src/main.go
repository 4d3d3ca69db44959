package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"brainengine/src/directors"
	"brainengine/src/settings"
)

var args = settings.GetSettings()

var rootCmd = &cobra.Command{
	Use:   "brainctl",
	Short: "Operate a Brain engine of databases, records, relations and views",
	Long: `brainctl runs JSON command scripts against a Brain engine store.

Each script line is one command: {"op": "...", "actor": "...", "args": {...}}.
Every command produces one JSON response line on stdout.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		return args.Validate()
	},
}

var execCmd = &cobra.Command{
	Use:   "exec [file|-]",
	Short: "Execute a JSON command script (stdin when omitted or '-')",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, argv []string) error {
		in := io.Reader(os.Stdin)
		if len(argv) == 1 && argv[0] != "-" {
			f, err := os.Open(argv[0])
			if err != nil {
				return fmt.Errorf("failed to open script: %w", err)
			}
			defer f.Close()
			in = f
		}
		return withServices(cmd.Context(), func(ctx context.Context, sm *directors.ServiceManager, logger *zap.SugaredLogger) error {
			res, err := directors.ExecuteScript(ctx, sm, in, cmd.OutOrStdout(), logger)
			if err != nil {
				return err
			}
			if res.Failed > 0 {
				return fmt.Errorf("%d of %d commands failed", res.Failed, res.Executed)
			}
			return nil
		})
	},
}

var validateCmd = &cobra.Command{
	Use:   "validate <database> <expression>",
	Short: "Check a formula expression against a database schema",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, argv []string) error {
		return withServices(cmd.Context(), func(ctx context.Context, sm *directors.ServiceManager, _ *zap.SugaredLogger) error {
			v, err := sm.DatabaseService.ValidateFormula(ctx, argv[0], argv[1], "")
			if err != nil {
				return err
			}
			if err := printJSON(cmd.OutOrStdout(), v); err != nil {
				return err
			}
			if !v.IsValid {
				return fmt.Errorf("formula is invalid")
			}
			return nil
		})
	},
}

var recoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Replay interrupted write batches from the journal",
	Args:  cobra.NoArgs,
	PreRun: func(cmd *cobra.Command, _ []string) {
		args.JournalEnabled = true
	},
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withServices(cmd.Context(), func(ctx context.Context, sm *directors.ServiceManager, _ *zap.SugaredLogger) error {
			report, err := sm.Engine.Recover(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), report)
		})
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&args.DataDir, "datadir", args.DataDir, "Directory to store data files")
	flags.StringVar(&args.LogDir, "logdir", args.LogDir, "Directory for the batch journal")
	flags.StringVar(&args.StoreBackend, "store", args.StoreBackend, "Store backend: memory, file, sqlite or mongo")
	flags.StringVar(&args.SQLitePath, "sqlite", args.SQLitePath, "SQLite database file path")
	flags.StringVar(&args.MongoURI, "mongo-uri", args.MongoURI, "MongoDB connection string")
	flags.StringVar(&args.MongoDatabase, "mongo-db", args.MongoDatabase, "MongoDB database name")
	flags.DurationVar(&args.FormulaCacheTTL, "cache-ttl", args.FormulaCacheTTL, "Lifetime of cached formula and rollup values")
	flags.IntVar(&args.MaxCascadeRecords, "max-cascade", args.MaxCascadeRecords, "Maximum records a single delete may touch")
	flags.BoolVar(&args.JournalEnabled, "journal", args.JournalEnabled, "Journal write batches before applying them")
	flags.IntVar(&args.JournalRetentionDays, "journal-retention", args.JournalRetentionDays, "Days of journal files to keep (0 keeps all)")
	flags.BoolVar(&args.Verbose, "verbose", args.Verbose, "Enable verbose logging")
	flags.BoolVar(&args.Debug, "debug", args.Debug, "Enable debug mode")

	rootCmd.Version = args.Version
	rootCmd.AddCommand(execCmd, validateCmd, recoverCmd)
}

// withServices bootstraps the engine, runs fn and closes everything again.
func withServices(ctx context.Context, fn func(context.Context, *directors.ServiceManager, *zap.SugaredLogger) error) error {
	logger, err := directors.NewLogger(args)
	if err != nil {
		return err
	}
	sm, err := directors.Bootstrap(ctx, args, logger)
	if err != nil {
		logger.Sync()
		return err
	}
	defer func() {
		if err := sm.Close(); err != nil {
			logger.Warnw("Failed to close services", "error", err)
		}
	}()
	return fn(ctx, sm, logger)
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}
