package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"rammingen-go/internal/client"
	"rammingen-go/internal/client/api"
	"rammingen-go/internal/client/engine"
	"rammingen-go/internal/client/fspath"
	"rammingen-go/internal/client/index"
	"rammingen-go/internal/client/term"
	"rammingen-go/internal/crypto"
	"rammingen-go/internal/logging"
	"rammingen-go/internal/proto"
)

var configPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		term.ClearStatus()
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "rammingen",
	Short: "End-to-end encrypted file sync and versioned backup",
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "path to config file")
	rootCmd.AddCommand(syncCmd, uploadCmd, downloadCmd, lsCmd, historyCmd,
		resetCmd, moveCmd, removeCmd, statusCmd, checkIntegrityCmd, sourcesCmd, generateKeyCmd)
	downloadCmd.Flags().StringVar(&downloadAt, "at", "", "download the state at this RFC 3339 time instead of the latest")
	historyCmd.Flags().BoolVarP(&historyRecursive, "recursive", "r", false, "include nested paths")
}

func defaultConfigPath() string {
	if home, err := os.UserHomeDir(); err == nil {
		return home + "/.config/rammingen.toml"
	}
	return "rammingen.toml"
}

// session is the wiring every command needs: config, cipher and API client,
// plus the open local index for commands that touch local state.
type session struct {
	cfg     *client.Config
	cipher  *crypto.Cipher
	client  *api.Client
	index   *index.Index
	logger  logging.Logger
	logFile *os.File
}

func newSession(withIndex bool) (*session, error) {
	cfg, err := client.ReadConfig(configPath)
	if err != nil {
		return nil, err
	}
	key, err := cfg.Key()
	if err != nil {
		return nil, err
	}
	cipher, err := crypto.NewCipher(key)
	if err != nil {
		return nil, err
	}
	apiClient, err := api.New(cfg.ServerURL, cfg.AccessToken)
	if err != nil {
		return nil, err
	}

	s := &session{cfg: cfg, cipher: cipher, client: apiClient}

	runID := time.Now().UTC().Format("20060102T150405Z")
	s.logger, s.logFile, err = logging.New(cfg.LogDir, "rammingen", runID)
	if err != nil {
		return nil, err
	}

	if withIndex {
		s.index, err = index.Open(cfg.StateDir)
		if err != nil {
			s.logFile.Close()
			return nil, err
		}
	}
	return s, nil
}

func (s *session) Close() {
	if s.index != nil {
		s.index.Close()
	}
	if s.logFile != nil {
		s.logFile.Close()
	}
}

func (s *session) engine(mounts []client.ResolvedMount) *engine.Engine {
	return &engine.Engine{
		Client:        s.client,
		Cipher:        s.cipher,
		Index:         s.index,
		Logger:        s.logger,
		SpoolDir:      s.cfg.StateDir,
		Mounts:        mounts,
		AlwaysExclude: s.cfg.AlwaysExclude,
	}
}

func reportSummary(summary *engine.Summary) error {
	term.ClearStatus()
	fmt.Println(summary.String())
	if err := summary.FirstError(); err != nil {
		return fmt.Errorf("%d items failed, first error: %w", summary.Failed(), err)
	}
	return nil
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Synchronize all configured mounts",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newSession(true)
		if err != nil {
			return err
		}
		defer s.Close()

		mounts, err := s.cfg.ResolveMounts()
		if err != nil {
			return err
		}
		summary, err := s.engine(mounts).Run(cmd.Context())
		if err != nil {
			term.ClearStatus()
			return err
		}
		return reportSummary(summary)
	},
}

var uploadCmd = &cobra.Command{
	Use:   "upload <local-path> <archive-path>",
	Short: "Upload a local file or directory to an archive path",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newSession(true)
		if err != nil {
			return err
		}
		defer s.Close()

		local, err := fspath.New(args[0])
		if err != nil {
			return err
		}
		archive, err := proto.ParseArchivePath(args[1])
		if err != nil {
			return err
		}
		mount := client.ResolvedMount{LocalPath: local, ArchivePath: archive}
		summary, err := s.engine([]client.ResolvedMount{mount}).RunPush(cmd.Context())
		if err != nil {
			term.ClearStatus()
			return err
		}
		return reportSummary(summary)
	},
}

var downloadAt string

var downloadCmd = &cobra.Command{
	Use:   "download <archive-path> <local-path>",
	Short: "Download an archive path into a local directory",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newSession(true)
		if err != nil {
			return err
		}
		defer s.Close()

		archive, err := proto.ParseArchivePath(args[0])
		if err != nil {
			return err
		}
		local, err := fspath.New(args[1])
		if err != nil {
			return err
		}
		var at time.Time
		if downloadAt != "" {
			at, err = time.Parse(time.RFC3339, downloadAt)
			if err != nil {
				return fmt.Errorf("invalid --at value: %w", err)
			}
		}

		count, err := s.engine(nil).DownloadTo(cmd.Context(), archive, local, at)
		term.ClearStatus()
		if err != nil {
			return err
		}
		if count == 0 {
			return fmt.Errorf("no matching entries found")
		}
		fmt.Printf("Downloaded %d entries.\n", count)
		return nil
	},
}

var lsCmd = &cobra.Command{
	Use:   "ls <archive-path>",
	Short: "List an archive path and its children",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newSession(false)
		if err != nil {
			return err
		}
		defer s.Close()

		archive, err := proto.ParseArchivePath(args[0])
		if err != nil {
			return err
		}
		encrypted, err := s.cipher.EncryptPath(archive)
		if err != nil {
			return err
		}

		resp, err := s.client.GetEntry(cmd.Context(), &proto.GetEntryRequest{Path: encrypted})
		if err != nil {
			return err
		}
		if resp.Entry == nil {
			return fmt.Errorf("no such archive path: %s", archive)
		}
		s.printEntry(resp.Entry, archive)

		if resp.Entry.Kind == proto.KindDirectory {
			children, err := s.client.GetChildren(cmd.Context(), encrypted)
			if err != nil {
				return err
			}
			for i := range children {
				childArchive, err := s.cipher.DecryptPath(children[i].Path)
				if err != nil {
					return err
				}
				s.printEntry(&children[i], childArchive)
			}
		}
		return nil
	},
}

func (s *session) printEntry(entry *proto.Entry, archive proto.ArchivePath) {
	switch entry.Kind {
	case proto.KindDirectory:
		fmt.Printf("%-9s %12s  %s\n", "dir", "", archive)
	case proto.KindFile:
		size := "?"
		if decrypted, err := s.cipher.DecryptSize(entry.Content.OriginalSize); err == nil {
			size = fmt.Sprintf("%d", decrypted)
		}
		fmt.Printf("%-9s %12s  %s\n", "file", size, archive)
	case proto.KindAbsent:
		fmt.Printf("%-9s %12s  %s\n", "deleted", "", archive)
	}
}

var historyRecursive bool

var historyCmd = &cobra.Command{
	Use:   "history <archive-path>",
	Short: "Show the version history of an archive path",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newSession(false)
		if err != nil {
			return err
		}
		defer s.Close()

		archive, err := proto.ParseArchivePath(args[0])
		if err != nil {
			return err
		}
		encrypted, err := s.cipher.EncryptPath(archive)
		if err != nil {
			return err
		}
		versions, err := s.client.GetAllVersions(cmd.Context(), encrypted, historyRecursive)
		if err != nil {
			return err
		}
		for i := range versions {
			version := &versions[i]
			versionArchive, err := s.cipher.DecryptPath(version.Path)
			if err != nil {
				return err
			}
			kind := version.Kind.String()
			size := ""
			if version.Content != nil {
				if decrypted, err := s.cipher.DecryptSize(version.Content.OriginalSize); err == nil {
					size = fmt.Sprintf(" %d bytes", decrypted)
				}
			}
			fmt.Printf("%s  source=%d trigger=%s %s%s  %s\n",
				version.RecordedAt.Local().Format(time.RFC3339),
				version.SourceID, version.RecordTrigger, kind, size, versionArchive)
		}
		return nil
	},
}

var resetCmd = &cobra.Command{
	Use:   "reset <archive-path> <time>",
	Short: "Reset a path (and everything under it) to its state at a time",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newSession(false)
		if err != nil {
			return err
		}
		defer s.Close()

		archive, err := proto.ParseArchivePath(args[0])
		if err != nil {
			return err
		}
		at, err := time.Parse(time.RFC3339, args[1])
		if err != nil {
			return fmt.Errorf("invalid time: %w", err)
		}
		encrypted, err := s.cipher.EncryptPath(archive)
		if err != nil {
			return err
		}
		resp, err := s.client.ResetVersion(cmd.Context(), &proto.ResetVersionRequest{Path: encrypted, RecordedAt: at})
		if err != nil {
			return err
		}
		fmt.Printf("Reset %d paths.\n", resp.AffectedPaths)
		return nil
	},
}

var moveCmd = &cobra.Command{
	Use:   "move <old-archive-path> <new-archive-path>",
	Short: "Rename an archive path, including everything under it",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newSession(false)
		if err != nil {
			return err
		}
		defer s.Close()

		oldArchive, err := proto.ParseArchivePath(args[0])
		if err != nil {
			return err
		}
		newArchive, err := proto.ParseArchivePath(args[1])
		if err != nil {
			return err
		}
		oldEncrypted, err := s.cipher.EncryptPath(oldArchive)
		if err != nil {
			return err
		}
		newEncrypted, err := s.cipher.EncryptPath(newArchive)
		if err != nil {
			return err
		}
		resp, err := s.client.MoveEntry(cmd.Context(), &proto.MoveEntryRequest{OldPath: oldEncrypted, NewPath: newEncrypted})
		if err != nil {
			return err
		}
		fmt.Printf("Moved %d paths.\n", resp.AffectedPaths)
		return nil
	},
}

var removeCmd = &cobra.Command{
	Use:   "remove <archive-path>",
	Short: "Record deletion of an archive path, including everything under it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newSession(false)
		if err != nil {
			return err
		}
		defer s.Close()

		archive, err := proto.ParseArchivePath(args[0])
		if err != nil {
			return err
		}
		encrypted, err := s.cipher.EncryptPath(archive)
		if err != nil {
			return err
		}
		resp, err := s.client.RemoveEntry(cmd.Context(), &proto.RemoveEntryRequest{Path: encrypted})
		if err != nil {
			return err
		}
		fmt.Printf("Removed %d paths.\n", resp.AffectedPaths)
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show server status",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newSession(false)
		if err != nil {
			return err
		}
		defer s.Close()

		status, err := s.client.GetStatus(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("Available space on server: %s\n", prettySize(status.AvailableSpace))
		return nil
	},
}

var checkIntegrityCmd = &cobra.Command{
	Use:   "check-integrity",
	Short: "Verify that server storage is consistent with its database",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newSession(false)
		if err != nil {
			return err
		}
		defer s.Close()

		resp, err := s.client.CheckIntegrity(cmd.Context())
		if err != nil {
			return err
		}
		if len(resp.MissingBlobs) == 0 && len(resp.OrphanBlobs) == 0 {
			fmt.Println("It's fine.")
			return nil
		}
		for _, hash := range resp.MissingBlobs {
			fmt.Printf("missing blob: %s\n", hash)
		}
		for _, hash := range resp.OrphanBlobs {
			fmt.Printf("orphan blob: %s\n", hash)
		}
		return fmt.Errorf("integrity check found problems")
	},
}

var sourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "List registered client devices",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newSession(false)
		if err != nil {
			return err
		}
		defer s.Close()

		sources, err := s.client.GetSources(cmd.Context())
		if err != nil {
			return err
		}
		for _, source := range sources {
			fmt.Printf("%d\t%s\n", source.ID, source.Name)
		}
		return nil
	},
}

var generateKeyCmd = &cobra.Command{
	Use:   "generate-key",
	Short: "Generate a new deployment encryption key",
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := crypto.GenerateKey()
		if err != nil {
			return err
		}
		fmt.Println(key.Encode())
		return nil
	},
}

func prettySize(size uint64) string {
	const unit = 1024
	if size < unit {
		return fmt.Sprintf("%d B", size)
	}
	div, exp := uint64(unit), 0
	for n := size / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(size)/float64(div), "KMGTPE"[exp])
}
