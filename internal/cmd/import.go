package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/kohl-import/kohl-import/internal/capability"
	"github.com/kohl-import/kohl-import/internal/config"
	"github.com/kohl-import/kohl-import/internal/duplicate"
	"github.com/kohl-import/kohl-import/internal/executor"
	"github.com/kohl-import/kohl-import/internal/fsatomic"
	"github.com/kohl-import/kohl-import/internal/highlight"
	"github.com/kohl-import/kohl-import/internal/identity"
	"github.com/kohl-import/kohl-import/internal/localindex"
	"github.com/kohl-import/kohl-import/internal/logging"
	"github.com/kohl-import/kohl-import/internal/model"
	"github.com/kohl-import/kohl-import/internal/oracle"
	"github.com/kohl-import/kohl-import/internal/pipeline"
	"github.com/kohl-import/kohl-import/internal/render"
	"github.com/kohl-import/kohl-import/internal/snapshotstore"
	"github.com/kohl-import/kohl-import/internal/sourcefeed"
)

var forceReimport bool

var importCmd = &cobra.Command{
	Use:   "import [sourcePath...]",
	Short: "Import on-device source files into the configured notes vault",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runImport,
}

func init() {
	rootCmd.AddCommand(importCmd)
	importCmd.Flags().BoolVar(&forceReimport, "force", false, "reprocess sources even if unchanged since last import")
}

func dataDir() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "kohl-import")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".local", "share", "kohl-import")
}

func runImport(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.NotesFolder == "" {
		return fmt.Errorf("notes_folder not configured; set it in ~/.config/kohl-import/config.yaml or $KOHL_NOTES_FOLDER")
	}

	ddir := dataDir()
	level := logging.Level(cfg.Log.Level)
	if debug, _ := cmd.Flags().GetBool("debug"); debug {
		level = logging.DebugLevel
	}
	logging.Init(logging.Config{
		Level:   level,
		DataDir: ddir,
	})

	fs := fsatomic.New()
	if err := fs.EnsureFolder(cfg.NotesFolder); err != nil {
		return fmt.Errorf("ensure notes folder: %w", err)
	}
	snapshotDir := filepath.Join(ddir, "snapshots")
	backupDir := filepath.Join(ddir, "backups")
	if err := fs.EnsureFolder(snapshotDir); err != nil {
		return fmt.Errorf("ensure snapshot dir: %w", err)
	}

	capOracle := capability.New(fs, ddir, snapshotDir)

	ctx := context.Background()
	index, err := localindex.Open(ctx, localindex.DefaultDBPath(ddir), capOracle)
	if err != nil {
		return fmt.Errorf("open local index: %w", err)
	}
	defer index.Close()

	if index.State() != localindex.StatePersistent {
		logging.Logger.Warn().Msg("local index running in-memory, rebuilding from vault frontmatter")
		if err := index.Rebuild(ctx, cfg.NotesFolder, func(p localindex.RebuildProgress) {
			logging.Logger.Info().Int("scanned", p.ScannedFiles).Int("indexed", p.IndexedBooks).Msg("rebuilding index")
		}); err != nil {
			logging.Logger.Warn().Err(err).Msg("index rebuild incomplete")
		}
	}

	snapshots := snapshotstore.New(fs, snapshotDir)
	idService := identity.New(fs, snapshots)
	extractor := highlight.NewExtractor(256)

	snapshotOK := func(ctx context.Context, uid string) bool {
		_, err := snapshots.ReadForId(ctx, uid)
		return err == nil
	}
	scanTimeout := time.Duration(cfg.ScanTimeoutSeconds) * time.Second
	finder := duplicate.NewFinder(cfg.NotesFolder, index, extractor, snapshotOK, scanTimeout)

	renderer, err := render.NewTextTemplateRenderer()
	if err != nil {
		return fmt.Errorf("build renderer: %w", err)
	}

	o := oracle.NewStdin(os.Stdin, os.Stdout)

	exec := executor.New(executor.Options{
		NotesFolder:      cfg.NotesFolder,
		BackupDir:        backupDir,
		Fs:               fs,
		Identity:         idService,
		Snapshots:        snapshots,
		Index:            index,
		Renderer:         renderer,
		Oracle:           o,
		CommentStyle:     model.MarkerStyle(cfg.CommentStyle),
		DisabledFields:   cfg.FrontmatterFields.Disabled,
		CustomFields:     cfg.FrontmatterFields.Custom,
		AutoMergeEnabled: cfg.AutoMergeOnAddition,
	})

	p := pipeline.New(pipeline.Options{
		NotesFolder:   cfg.NotesFolder,
		ForceReimport: forceReimport,
		ScanTimeout:   scanTimeout,
		Parser:        sourcefeed.JSONParser{},
		Finder:        finder,
		Executor:      exec,
		Index:         index,
		Oracle:        o,
		BackupDir:     backupDir,
		BackupRetain:  time.Duration(cfg.BackupRetentionDays) * 24 * time.Hour,
		Progress: func(pr pipeline.Progress) {
			fmt.Printf("\r[%d/%d] %s", pr.Done, pr.Total, pr.Current)
			if pr.Done == pr.Total {
				fmt.Println()
			}
		},
	})

	summary, err := p.RunTwoPass(ctx, args, func() bool {
		fmt.Print("Every source was unchanged; re-run with forceReimport? [y/N] ")
		var answer string
		fmt.Scanln(&answer)
		return answer == "y" || answer == "yes"
	})
	if err != nil {
		return fmt.Errorf("import batch: %w", err)
	}

	fmt.Printf("created=%d merged=%d automerged=%d skipped=%d failed=%d\n",
		summary.Created, summary.Merged, summary.Automerged, summary.Skipped, summary.Failed)
	for _, r := range summary.Results {
		if r.Outcome.Status == executor.StatusFailed {
			fmt.Printf("  FAILED %s: %v\n", r.SourcePath, r.Outcome.Err)
		}
	}
	return nil
}
