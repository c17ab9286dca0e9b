package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kohl-import/kohl-import/internal/config"
	"github.com/kohl-import/kohl-import/internal/fsatomic"
	"github.com/kohl-import/kohl-import/internal/identity"
	"github.com/kohl-import/kohl-import/internal/snapshotstore"
)

var resolveIdsCmd = &cobra.Command{
	Use:   "resolve-ids",
	Short: "Repair UID collisions in the configured notes vault",
	Long:  `Scans the configured notes folder for notes sharing a UID and reassigns new UIDs to all but the oldest file in each collision, via the same snapshot-first protocol the importer uses.`,
	RunE:  runResolveIds,
}

func init() {
	rootCmd.AddCommand(resolveIdsCmd)
}

func runResolveIds(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.NotesFolder == "" {
		return fmt.Errorf("notes_folder not configured")
	}

	ddir := dataDir()
	fs := fsatomic.New()
	snapshots := snapshotstore.New(fs, ddir+"/snapshots")
	svc := identity.New(fs, snapshots)

	summary, err := svc.ResolveInFolder(context.Background(), cfg.NotesFolder)
	if err != nil {
		return fmt.Errorf("resolve ids: %w", err)
	}

	fmt.Printf("scanned %d files, %d collisions, %d reassigned\n", summary.FilesScanned, summary.Collisions, len(summary.Reassigned))
	for _, path := range summary.Reassigned {
		fmt.Printf("  reassigned: %s\n", path)
	}
	return nil
}
