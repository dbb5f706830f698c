// Package main provides the savepoint CLI: offline inspection and
// administration of a savepoint data directory.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/orneryd/savepoint/pkg/checkpoint"
	"github.com/orneryd/savepoint/pkg/config"
	"github.com/orneryd/savepoint/pkg/savepoint"
)

var (
	version   = "0.1.0"
	commit    = "dev"
	buildTime = "unknown" // Set via ldflags: -X main.buildTime=$(date +%Y%m%d-%H%M%S)
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "savepoint",
		Short: "Savepoint - durable state store with checkpoints and recovery",
		Long: `Savepoint stores structured application state with integrity digests,
schema validation, pre-write backups, checkpoints, and automatic
corruption recovery.

This CLI operates directly on a data directory; stop the owning
application before making changes through it.`,
	}

	rootCmd.PersistentFlags().String("data-dir", getEnvStr("SAVEPOINT_DATA_DIR", "./data"), "Data directory")
	rootCmd.PersistentFlags().String("config", getEnvStr("SAVEPOINT_CONFIG", ""), "Config file path (default: auto-discover)")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("savepoint %s (commit %s, built %s, %s)\n", version, commit, buildTime, runtime.Version())
		},
	})

	slotsCmd := &cobra.Command{
		Use:   "slots",
		Short: "List save slots",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB(cmd)
			if err != nil {
				return err
			}
			defer db.Close()

			slots, err := db.ListSaveSlots()
			if err != nil {
				return err
			}
			if len(slots) == 0 {
				fmt.Println("no save slots")
				return nil
			}
			for _, slot := range slots {
				modified := "unknown"
				if slot.LastModified > 0 {
					modified = time.UnixMilli(slot.LastModified).Format(time.RFC3339)
				}
				chunked := ""
				if slot.Chunked {
					chunked = " (chunked)"
				}
				fmt.Printf("%-30s %8d bytes  %s%s\n", slot.Key, slot.SizeBytes, modified, chunked)
			}
			return nil
		},
	}
	rootCmd.AddCommand(slotsCmd)

	showCmd := &cobra.Command{
		Use:   "show KEY",
		Short: "Load, verify, and print one slot as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB(cmd)
			if err != nil {
				return err
			}
			defer db.Close()

			value, err := db.LoadSlot(context.Background(), args[0])
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(value, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}
	rootCmd.AddCommand(showCmd)

	exportCmd := &cobra.Command{
		Use:   "export KEY",
		Short: "Export a slot's serialized record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB(cmd)
			if err != nil {
				return err
			}
			defer db.Close()

			serialized, err := db.Export(args[0])
			if err != nil {
				return err
			}
			outFile, _ := cmd.Flags().GetString("out")
			if outFile == "" {
				fmt.Println(serialized)
				return nil
			}
			return os.WriteFile(outFile, []byte(serialized), 0o600)
		},
	}
	exportCmd.Flags().String("out", "", "Write the export to a file instead of stdout")
	rootCmd.AddCommand(exportCmd)

	importCmd := &cobra.Command{
		Use:   "import KEY FILE",
		Short: "Import a previously exported record into a slot",
		Long: `Import verifies the record's digest before writing and backs up
the existing slot first, so a bad import never destroys data.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[1])
			if err != nil {
				return err
			}

			db, err := openDB(cmd)
			if err != nil {
				return err
			}
			defer db.Close()

			if err := db.Import(context.Background(), strings.TrimSpace(string(data)), args[0]); err != nil {
				return err
			}
			fmt.Printf("imported %s into %q\n", args[1], args[0])
			return nil
		},
	}
	rootCmd.AddCommand(importCmd)

	deleteCmd := &cobra.Command{
		Use:   "delete KEY",
		Short: "Delete a slot, its chunks, and its backups",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB(cmd)
			if err != nil {
				return err
			}
			defer db.Close()

			if err := db.Delete(context.Background(), args[0]); err != nil {
				return err
			}
			fmt.Printf("deleted %q\n", args[0])
			return nil
		},
	}
	rootCmd.AddCommand(deleteCmd)

	checkpointsCmd := &cobra.Command{
		Use:   "checkpoints",
		Short: "List checkpoints, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB(cmd)
			if err != nil {
				return err
			}
			defer db.Close()

			checkpoints, err := db.GetAvailableCheckpoints(context.Background())
			if err != nil {
				return err
			}
			if len(checkpoints) == 0 {
				fmt.Println("no checkpoints")
				return nil
			}
			for _, cp := range checkpoints {
				critical := ""
				if cp.Critical() {
					critical = " [critical]"
				}
				fmt.Printf("%s  %-14s %s  %s%s\n",
					cp.ID, cp.Trigger,
					time.UnixMilli(cp.CreatedAt).Format(time.RFC3339),
					cp.Description, critical)
			}
			return nil
		},
	}
	rootCmd.AddCommand(checkpointsCmd)

	checkpointCmd := &cobra.Command{
		Use:   "checkpoint",
		Short: "Create a manual checkpoint of the primary slot",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB(cmd)
			if err != nil {
				return err
			}
			defer db.Close()

			description, _ := cmd.Flags().GetString("description")
			milestone, _ := cmd.Flags().GetBool("milestone")
			trigger := checkpoint.TriggerManual
			if milestone {
				trigger = checkpoint.TriggerMilestone
			}

			cp, err := db.CreateCheckpoint(context.Background(), trigger, checkpoint.CreateOptions{
				Description: description,
				Force:       true,
			})
			if err != nil {
				return err
			}
			fmt.Printf("created checkpoint %s\n", cp.ID)
			return nil
		},
	}
	checkpointCmd.Flags().String("description", "", "Checkpoint description")
	checkpointCmd.Flags().Bool("milestone", false, "Mark as a milestone (survives retention)")
	rootCmd.AddCommand(checkpointCmd)

	rollbackCmd := &cobra.Command{
		Use:   "rollback ID",
		Short: "Roll the primary slot back to a checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			yes, _ := cmd.Flags().GetBool("yes")

			db, err := openDBWith(cmd, savepoint.Options{
				ConfirmLargeLoss: func(loss time.Duration, target *checkpoint.Checkpoint) bool {
					if yes {
						return true
					}
					fmt.Printf("rollback to %s discards %s of progress; pass --yes to confirm\n",
						target.ID, loss.Round(time.Second))
					return false
				},
			})
			if err != nil {
				return err
			}
			defer db.Close()

			if err := db.RollbackToCheckpoint(context.Background(), args[0]); err != nil {
				return err
			}
			fmt.Printf("rolled back to %s\n", args[0])
			return nil
		},
	}
	rollbackCmd.Flags().Bool("yes", false, "Confirm rollbacks that discard significant progress")
	rootCmd.AddCommand(rollbackCmd)

	recoverCmd := &cobra.Command{
		Use:   "recover KEY",
		Short: "List or run recovery strategies for a damaged slot",
		Long: `Without --strategy, lists the recovery strategies currently available
for the slot, least destructive first. With --strategy, runs exactly
that one instead of the automatic chain.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB(cmd)
			if err != nil {
				return err
			}
			defer db.Close()

			ctx := context.Background()
			key := args[0]

			// No probe load here: a normal load would enter the automatic
			// chain on its own, which is exactly what this command avoids.
			strategy, _ := cmd.Flags().GetString("strategy")
			if strategy == "" {
				cause := errors.New("manual recovery requested")
				for _, opt := range db.RecoveryOptions(ctx, key, cause) {
					fmt.Printf("%-10s %s\n", opt.ID, opt.Description)
				}
				fmt.Println("\nrun again with --strategy NAME to execute one")
				return nil
			}

			value, err := db.ExecuteRecoveryOption(ctx, key, strategy)
			if err != nil {
				return err
			}
			fmt.Printf("recovered %q via %s (%d fields)\n", key, strategy, len(value))
			return nil
		},
	}
	recoverCmd.Flags().String("strategy", "", "Recovery strategy to execute (see listing)")
	rootCmd.AddCommand(recoverCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// openDB opens the store described by the command's flags and config.
func openDB(cmd *cobra.Command) (*savepoint.DB, error) {
	return openDBWith(cmd, savepoint.Options{})
}

func openDBWith(cmd *cobra.Command, opts savepoint.Options) (*savepoint.DB, error) {
	configPath, _ := cmd.Flags().GetString("config")
	if configPath == "" {
		configPath = config.FindConfigFile()
	}

	cfg, err := config.LoadFromFile(configPath)
	if err != nil {
		return nil, err
	}
	if cmd.Flags().Changed("data-dir") {
		cfg.Storage.DataDir, _ = cmd.Flags().GetString("data-dir")
	}

	// The CLI is a maintenance tool; it must not take checkpoints on its
	// own schedule.
	cfg.Checkpoint.AutoInterval = 0

	return savepoint.Open(cfg, opts)
}

func getEnvStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
