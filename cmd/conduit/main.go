package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/conduitworks/conduit/config"
	"github.com/conduitworks/conduit/internal/index"
	"github.com/conduitworks/conduit/internal/ingest"
	srv "github.com/conduitworks/conduit/internal/server"
	"github.com/conduitworks/conduit/provider"
)

func main() {
	var root = &cobra.Command{Use: "conduit"}

	var cfgPath string
	root.PersistentFlags().StringVar(&cfgPath, "config", "", "config directory (default ./config)")

	var serve = &cobra.Command{
		Use:   "serve",
		Short: "Run HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig(cfgPath)
			return srv.Run(cfg)
		},
	}

	var migDir string
	var direction string
	var steps int
	var migrateCmd = &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig(cfgPath)
			dsn, err := cfg.Storage.Postgres.DSN()
			if err != nil {
				dsn = os.Getenv("DATABASE_URL")
			}
			return srv.Migrate(migDir, dsn, direction, steps)
		},
	}
	migrateCmd.Flags().StringVar(&migDir, "dir", "file://migrations", "migrations source (file://migrations)")
	migrateCmd.Flags().StringVar(&direction, "direction", "up", "up or down")
	migrateCmd.Flags().IntVar(&steps, "steps", 0, "number of steps (0 = all)")

	var ingestCmd = &cobra.Command{
		Use:   "ingest <integration-uuid> <openapi.json|url>",
		Short: "Index an integration's endpoints from an OpenAPI document",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig(cfgPath)
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid integration uuid: %w", err)
			}
			prov, err := provider.New(cfg.LLM)
			if err != nil {
				return err
			}
			ix := index.New(index.Config{
				DenseModel:    cfg.LLM.Embedding.DenseModel,
				LateModel:     cfg.LLM.Embedding.LateModel,
				DenseWeight:   cfg.Retrieval.DenseWeight,
				LexicalWeight: cfg.Retrieval.LexicalWeight,
				LateWeight:    cfg.Retrieval.LateWeight,
				CandidatePool: cfg.Retrieval.CandidatePool,
			}, prov)
			logger := log.New(log.Writer(), "[INGEST] ", log.LstdFlags)
			ing := ingest.NewIngestor(ingest.NewParser(cfg.Ingest.MaxDepth), ix, logger)

			ctx := context.Background()
			source := args[1]
			var count int
			if data, err := os.ReadFile(source); err == nil {
				count, err = ing.IngestData(ctx, id, data)
				if err != nil {
					return err
				}
			} else {
				count, err = ing.IngestURL(ctx, id, source)
				if err != nil {
					return err
				}
			}
			logger.Printf("indexed %d endpoints for %s", count, id)
			return nil
		},
	}

	root.AddCommand(serve, migrateCmd, ingestCmd)
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
