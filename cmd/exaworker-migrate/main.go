package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/cuemby/exaworker/pkg/log"
	"github.com/cuemby/exaworker/pkg/storage"
	"github.com/cuemby/exaworker/pkg/types"
	"github.com/spf13/cobra"
	bolt "go.etcd.io/bbolt"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "exaworker-migrate",
	Short: "Copy the worker datastore from bolt to sqlite",
	Long: `Copy every worker record, job request, request index entry and queued
signal from the bolt datastore into the sqlite datastore.

The bolt file is opened read-only and left in place, so switching
"datastore" back to bolt rolls the migration back. Running the tool twice
is safe: rows are upserted.`,
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	rootCmd.Flags().String("data-dir", "/var/lib/exaworker", "Directory holding exaworker.db")
	rootCmd.Flags().String("target-dir", "", "Directory for exaworker.sqlite (default: --data-dir)")
	rootCmd.Flags().Bool("dry-run", false, "Show what would be migrated without making changes")
	rootCmd.Flags().String("backup", "", "Path to back the bolt file up to before migrating (default: <data-dir>/exaworker.db.backup)")
}

func run(cmd *cobra.Command, args []string) error {
	dataDir, _ := cmd.Flags().GetString("data-dir")
	targetDir, _ := cmd.Flags().GetString("target-dir")
	dryRun, _ := cmd.Flags().GetBool("dry-run")
	backupPath, _ := cmd.Flags().GetString("backup")
	if targetDir == "" {
		targetDir = dataDir
	}

	log.Init(log.Config{Level: log.InfoLevel})
	logger := log.WithComponent("migrate")

	dbPath := filepath.Join(dataDir, "exaworker.db")
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		return fmt.Errorf("database not found at %s", dbPath)
	}
	logger.Info().Str("source", dbPath).Str("target", targetDir).Bool("dry_run", dryRun).Msg("Starting migration")

	if !dryRun {
		if backupPath == "" {
			backupPath = dbPath + ".backup"
		}
		if err := copyFile(dbPath, backupPath); err != nil {
			return fmt.Errorf("failed to create backup: %w", err)
		}
		logger.Info().Str("backup", backupPath).Msg("Backup created")
	}

	src, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 10 * time.Second, ReadOnly: true})
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer src.Close()

	var dst storage.Store
	if !dryRun {
		sq, err := storage.NewSQLiteStore(targetDir)
		if err != nil {
			return err
		}
		defer sq.Close()
		dst = sq
	}

	stats, err := migrate(src, dst)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	logger.Info().
		Int("workers", stats.Workers).
		Int("requests", stats.Requests).
		Int("index_entries", stats.Index).
		Int("signals", stats.Signals).
		Int("skipped", stats.Skipped).
		Msg("Migration complete")
	if dryRun {
		fmt.Println("Dry run completed. No changes made.")
		fmt.Println("Run without --dry-run to perform the migration.")
	} else {
		fmt.Println("✓ Migration completed successfully!")
		fmt.Println(`Set "datastore: sqlite" in the configuration and restart the pool.`)
	}
	return nil
}

// migrationStats counts the rows copied per table
type migrationStats struct {
	Workers  int
	Requests int
	Index    int
	Signals  int
	Skipped  int
}

// migrate copies every bucket of src into dst. A nil dst only counts rows.
// Rows that do not decode are skipped with a warning.
func migrate(src *bolt.DB, dst storage.Store) (migrationStats, error) {
	var stats migrationStats
	logger := log.WithComponent("migrate")

	err := src.View(func(tx *bolt.Tx) error {
		if err := forEach(tx, "workers", func(k, v []byte) error {
			var w types.WorkerRecord
			if err := json.Unmarshal(v, &w); err != nil {
				logger.Warn().Str("key", string(k)).Err(err).Msg("Skipping undecodable worker")
				stats.Skipped++
				return nil
			}
			stats.Workers++
			if dst == nil {
				return nil
			}
			return dst.UpsertWorker(&w)
		}); err != nil {
			return err
		}

		if err := forEach(tx, "requests", func(k, v []byte) error {
			var r types.JobRequest
			if err := json.Unmarshal(v, &r); err != nil {
				logger.Warn().Str("key", string(k)).Err(err).Msg("Skipping undecodable request")
				stats.Skipped++
				return nil
			}
			stats.Requests++
			if dst == nil {
				return nil
			}
			return dst.CreateRequest(&r)
		}); err != nil {
			return err
		}

		if err := forEach(tx, "request_workers", func(k, v []byte) error {
			port, err := strconv.Atoi(string(v))
			if err != nil {
				logger.Warn().Str("key", string(k)).Err(err).Msg("Skipping corrupt index entry")
				stats.Skipped++
				return nil
			}
			stats.Index++
			if dst == nil {
				return nil
			}
			return dst.SetRequestWorker(string(k), port)
		}); err != nil {
			return err
		}

		return forEach(tx, "signals", func(k, v []byte) error {
			var sig types.Signal
			if err := json.Unmarshal(v, &sig); err != nil {
				logger.Warn().Str("key", string(k)).Err(err).Msg("Skipping undecodable signal")
				stats.Skipped++
				return nil
			}
			stats.Signals++
			if dst == nil {
				return nil
			}
			return dst.SendSignal(&sig)
		})
	})
	return stats, err
}

// forEach visits every pair of bucket; a missing bucket is empty
func forEach(tx *bolt.Tx, bucket string, fn func(k, v []byte) error) error {
	b := tx.Bucket([]byte(bucket))
	if b == nil {
		return nil
	}
	return b.ForEach(fn)
}

func copyFile(src, dst string) error {
	input, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, input, 0600)
}
