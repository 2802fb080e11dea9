package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"rammingen-go/internal/logging"
	"rammingen-go/internal/server"
	"rammingen-go/internal/server/content"
	"rammingen-go/internal/server/meta"
)

var configPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "rammingen-server",
	Short: "Archive server for encrypted file sync and backup",
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "rammingen-server.toml", "path to config file")
	rootCmd.AddCommand(runCmd, migrateCmd, addSourceCmd, listSourcesCmd)
}

func openStore() (*server.Config, *meta.Store, error) {
	cfg, err := server.ReadConfig(configPath)
	if err != nil {
		return nil, nil, err
	}
	store, err := meta.Open(cfg.DatabasePath)
	if err != nil {
		return nil, nil, err
	}
	return cfg, store, nil
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		runID := time.Now().UTC().Format("20060102T150405Z")
		logger, logFile, err := logging.New(cfg.LogDir, "rammingen-server", runID)
		if err != nil {
			return err
		}
		defer logFile.Close()

		blobs, err := content.NewStoreFromConfig(cfg.Content)
		if err != nil {
			return fmt.Errorf("creating content store: %w", err)
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return server.New(cfg, store, blobs, logger).Run(ctx)
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		fmt.Println("Database is up to date.")
		return nil
	},
}

var addSourceCmd = &cobra.Command{
	Use:   "add-source <name>",
	Short: "Register a client device and print its access token",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		token := uuid.New().String()
		id, err := store.AddSource(cmd.Context(), args[0], token)
		if err != nil {
			return err
		}
		fmt.Printf("Source %q registered with id %d.\n", args[0], id)
		fmt.Printf("Access token: %s\n", token)
		return nil
	},
}

var listSourcesCmd = &cobra.Command{
	Use:   "list-sources",
	Short: "List registered client devices",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		sources, err := store.Sources(cmd.Context())
		if err != nil {
			return err
		}
		for _, source := range sources {
			fmt.Printf("%d\t%s\n", source.ID, source.Name)
		}
		return nil
	},
}
