// cmd/drift/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"drift/internal/config"
	"drift/internal/engine"
	"drift/internal/logging"
	"drift/internal/remote"
)

var rootCmd = &cobra.Command{
	Use:   "drift",
	Short: "drift replicates a directory tree to a content-addressed remote",
	Long: `Drift pushes the state of a local directory tree to a remote store as
immutable, deduplicated bundles, tracked by an append-only index so that
synchronization is resumable and safe against replayed changes.`,
	SilenceUsage: true,
}

// findRoot walks upward until it finds a directory with .drift state.
func findRoot(startDir string) (string, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return "", err
	}

	for {
		if _, err := os.Stat(filepath.Join(dir, ".drift")); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", errors.New("not inside a drift repository (missing .drift)")
}

func openEngine(ctx context.Context) (*engine.Engine, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	root, err := findRoot(cwd)
	if err != nil {
		return nil, err
	}

	cfg, err := config.Load(config.Path(root))
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	logger, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("initializing logger: %w", err)
	}

	var store remote.Store
	switch cfg.Remote.Kind {
	case "fs":
		if cfg.Remote.Path == "" {
			return nil, errors.New("remote.path is not configured")
		}
		store, err = remote.NewFSStore(cfg.Remote.Path)
	case "s3":
		if cfg.Remote.Bucket == "" {
			return nil, errors.New("remote.bucket is not configured")
		}
		store, err = remote.NewS3Store(ctx, cfg.Remote.Bucket, cfg.Remote.Prefix, cfg.Remote.Region)
	default:
		return nil, fmt.Errorf("unknown remote kind %q", cfg.Remote.Kind)
	}
	if err != nil {
		return nil, fmt.Errorf("connecting remote: %w", err)
	}

	return engine.New(root, cfg, store, logger.WithRepo(root))
}

func init() {
	var initCmd = &cobra.Command{
		Use:   "init",
		Short: "Initialize a drift repository in the current directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := os.Getwd()
			if err != nil {
				return fmt.Errorf("getting current directory: %w", err)
			}

			if err := engine.Initialize(dir); err != nil {
				return fmt.Errorf("initializing repository: %w", err)
			}

			fmt.Println("Initialized drift repository in", dir)
			fmt.Println("Edit", config.Path(dir), "to configure the remote.")
			return nil
		},
	}

	var watch bool
	var syncCmd = &cobra.Command{
		Use:   "sync",
		Short: "Push local changes to the remote",
		Long: `Scans the tree, diffs it against the remote snapshot, uploads any new
bundles and publishes one changeset. With --watch, keeps running and
re-syncs whenever the tree changes.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := openEngine(ctx)
			if err != nil {
				return err
			}
			defer e.Close()

			if watch {
				return e.Watch(ctx)
			}

			res, err := e.Sync(ctx)
			if err != nil {
				return err
			}
			if res.Sequence == 0 {
				fmt.Println("Already up to date")
				return nil
			}
			fmt.Printf("Published changeset %d: +%d ~%d -%d (renamed %d), %d bundle(s) created, %d removed\n",
				res.Sequence,
				len(res.Changes.Added), len(res.Changes.Modified), len(res.Changes.Deleted),
				len(res.Changes.Renamed), res.BundlesCreated, res.BundlesRemoved)
			return nil
		},
	}
	syncCmd.Flags().BoolVarP(&watch, "watch", "w", false, "keep running and sync on changes")

	var statusCmd = &cobra.Command{
		Use:   "status",
		Short: "Show what a sync would publish",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEngine(cmd.Context())
			if err != nil {
				return err
			}
			defer e.Close()

			changes, err := e.Status(cmd.Context())
			if err != nil {
				return err
			}
			if changes.Empty() {
				fmt.Println("In sync with remote")
				return nil
			}

			green := color.New(color.FgGreen).SprintFunc()
			yellow := color.New(color.FgYellow).SprintFunc()
			red := color.New(color.FgRed).SprintFunc()
			cyan := color.New(color.FgCyan).SprintFunc()

			for _, path := range changes.Added {
				fmt.Printf("  %s  %s\n", green("added"), path)
			}
			for _, path := range changes.Modified {
				fmt.Printf("  %s  %s\n", yellow("modified"), path)
			}
			for oldPath, newPath := range changes.Renamed {
				fmt.Printf("  %s  %s -> %s\n", cyan("renamed"), oldPath, newPath)
			}
			for _, path := range changes.Deleted {
				fmt.Printf("  %s  %s\n", red("deleted"), path)
			}
			return nil
		},
	}

	var logCmd = &cobra.Command{
		Use:   "log",
		Short: "Show changesets published since this client's last sync",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEngine(cmd.Context())
			if err != nil {
				return err
			}
			defer e.Close()

			last, pending, err := e.Log(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("Last seen sequence: %d\n", last)
			if len(pending) == 0 {
				fmt.Println("No newer changesets on the remote")
				return nil
			}
			for _, cs := range pending {
				fmt.Printf("  changeset %d: %d action(s)\n", cs.SequenceNumber, len(cs.Actions))
			}
			return nil
		},
	}

	var verifyCmd = &cobra.Command{
		Use:   "verify",
		Short: "Check the integrity of every bundle on the remote",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEngine(cmd.Context())
			if err != nil {
				return err
			}
			defer e.Close()

			report, err := e.Verify(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("Verified %d bundle(s), %d block(s): all digests match\n",
				report.Bundles, report.Blocks)
			return nil
		},
	}

	rootCmd.AddCommand(initCmd, syncCmd, statusCmd, logCmd, verifyCmd)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
