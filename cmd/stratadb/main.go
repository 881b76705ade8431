/*
Command stratadb is a small operator CLI over an embedded strata-core
database directory: open it, inspect it, flush/checkpoint it, or replay its
WAL and report what recovery found — the kind of single-process maintenance
tooling an embedded library needs in place of a cluster API.

Grounded on the teacher's cmd/warren/main.go: a cobra root command with
persistent log-level/log-json flags initialized via cobra.OnInitialize, one
subcommand per operator action, plain fmt.Printf status lines rather than a
TUI, and a background metrics/health HTTP server for the long-running
subcommand (serve here; cluster init there).
*/
package main

import (
	"fmt"
	"net/http"
	"os"

	"github.com/spf13/cobra"

	"github.com/stratadb/strata-core/pkg/engine"
	"github.com/stratadb/strata-core/pkg/log"
	"github.com/stratadb/strata-core/pkg/metrics"
	"github.com/stratadb/strata-core/pkg/wal"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "stratadb",
	Short: "stratadb - embedded transactional database core for branching agent workloads",
	Long: `stratadb hosts an embedded, in-memory transactional database core:
branch-scoped KV, event log, state cell, JSON document, and vector
primitives, all durable through a single write-ahead log.

This binary operates one data directory at a time. It does not run a
server process for client traffic; it is the maintenance CLI a host
process or operator runs alongside an embedded stratadb.Database.`,
	Version: Version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		if configPath == "" {
			return nil
		}
		cfg, err := loadFileConfig(configPath)
		if err != nil {
			return err
		}
		loadedConfig = cfg
		return applyFlagDefaults(cmd, cfg)
	},
}

// loadedConfig holds the most recently loaded --config file's settings not
// covered by a plain string/bool flag (durability mode, segment size), read
// by openDatabase after PersistentPreRunE has run.
var loadedConfig fileConfig

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"stratadb version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("data-dir", "./stratadb-data", "Database data directory")
	rootCmd.PersistentFlags().String("config", "", "Optional YAML config file providing defaults for the flags above")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(pingCmd)
	rootCmd.AddCommand(infoCmd)
	rootCmd.AddCommand(flushCmd)
	rootCmd.AddCommand(compactCmd)
	rootCmd.AddCommand(recoverCmd)
	rootCmd.AddCommand(serveCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

func openDatabase(cmd *cobra.Command) (*engine.Database, error) {
	dataDir, _ := cmd.Flags().GetString("data-dir")
	durability, err := loadedConfig.durability()
	if err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return engine.Open(engine.Options{
		DataDir:        dataDir,
		Durability:     durability,
		MaxSegmentSize: loadedConfig.MaxSegmentSize,
	})
}

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Open the data directory and confirm it comes up clean",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDatabase(cmd)
		if err != nil {
			return fmt.Errorf("ping failed: %w", err)
		}
		defer db.Close()
		fmt.Println("pong")
		return nil
	},
}

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Print summary counters for the data directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDatabase(cmd)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		defer db.Close()

		m := db.CoordinatorMetrics()
		branches := db.Branches().List()

		fmt.Println("stratadb info")
		fmt.Printf("  Live keys:          %d\n", db.StoreKeyCount())
		fmt.Printf("  Branches:           %d\n", len(branches))
		fmt.Printf("  Transactions started:   %d\n", m.TotalStarted)
		fmt.Printf("  Transactions committed: %d\n", m.TotalCommitted)
		fmt.Printf("  Transactions aborted:   %d\n", m.TotalAborted)
		fmt.Printf("  Commit rate:        %.2f%%\n", m.CommitRate*100)

		if len(branches) > 0 {
			fmt.Println()
			fmt.Println("  ID                                   STATUS      NAME")
			for _, b := range branches {
				fmt.Printf("  %s  %-10s  %s\n", b.ID, b.Status, b.Name)
			}
		}
		return nil
	},
}

var flushCmd = &cobra.Command{
	Use:   "flush",
	Short: "Fsync the write-ahead log's unsynced tail",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDatabase(cmd)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		defer db.Close()
		fmt.Println("✓ flushed")
		return nil
	},
}

var compactCmd = &cobra.Command{
	Use:   "compact",
	Short: "Record a checkpoint of the current WAL segment offsets",
	Long: `compact opens the checkpoint side-table and records, for every
segment the write-ahead log currently knows about, how many records that
segment holds as of this run's replay. A future recovery pass can use this
watermark to skip re-validating segments it has already proved durable. It
does not delete any WAL segment file: segment retention/removal is an
operator decision outside this CLI's scope.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDatabase(cmd)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		defer db.Close()

		cp, err := wal.OpenCheckpoint(db.WAL().Dir())
		if err != nil {
			return fmt.Errorf("failed to open checkpoint table: %w", err)
		}
		defer cp.Close()

		segmentIDs := db.WAL().SegmentIDs()
		for _, id := range segmentIDs {
			records, err := db.WAL().ReadSegment(id)
			if err != nil {
				return fmt.Errorf("reading segment %d: %w", id, err)
			}
			if err := cp.Set(id, uint64(len(records))); err != nil {
				return fmt.Errorf("recording checkpoint for segment %d: %w", id, err)
			}
		}

		fmt.Printf("✓ checkpoint recorded for %d segment(s)\n", len(segmentIDs))
		return nil
	},
}

var recoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Replay the write-ahead log and report what was recovered",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDatabase(cmd)
		if err != nil {
			return fmt.Errorf("recovery failed: %w", err)
		}
		defer db.Close()

		fmt.Println("✓ recovery complete")
		fmt.Printf("  Live keys: %d\n", db.StoreKeyCount())
		fmt.Printf("  Branches:  %d\n", len(db.Branches().List()))
		return nil
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Open the database and serve Prometheus metrics + health endpoints until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDatabase(cmd)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		defer db.Close()

		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
		metrics.SetVersion(Version)
		metrics.RegisterComponent("wal", true, "ready")
		metrics.RegisterComponent("store", true, "ready")

		http.Handle("/metrics", metrics.Handler())
		http.Handle("/health", metrics.HealthHandler())
		http.Handle("/ready", metrics.ReadyHandler())

		fmt.Printf("✓ database opened\n")
		fmt.Printf("✓ metrics endpoint: http://%s/metrics\n", metricsAddr)
		fmt.Printf("✓ health endpoints: http://%s/health, http://%s/ready\n", metricsAddr, metricsAddr)

		server := &http.Server{Addr: metricsAddr}
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("metrics server error: %w", err)
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().String("metrics-addr", "127.0.0.1:9090", "Address to serve /metrics, /health, /ready on")
}
