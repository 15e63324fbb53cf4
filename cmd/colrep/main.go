// colrep replicates tables from a PostgreSQL database into a columnar
// table store, driven by a JSON configuration document.
package main

import (
	"context"
	"encoding/json"
	"fmt"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/colrep/colrep/config"
	"github.com/colrep/colrep/model"
	"github.com/colrep/colrep/replicate"
	"github.com/colrep/colrep/source/postgres"
	"github.com/colrep/colrep/tablestore"
	"github.com/colrep/colrep/tablestore/duckdb"
)

const defaultConfigPath = "config/default.json"

func main() {
	var logLevel string

	var rootCmd = &cobra.Command{
		Use:           "colrep",
		Short:         "Replicate PostgreSQL tables into a columnar table store",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var level, err = log.ParseLevel(logLevel)
			if err != nil {
				return fmt.Errorf("invalid log level %q: %w", logLevel, err)
			}
			log.SetLevel(level)
			log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
			return nil
		},
	}
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Logging level (trace, debug, info, warn, error)")

	var replicateCmd = &cobra.Command{
		Use:   "replicate [config-file]",
		Short: "Run a replication pass over every configured table",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var path = defaultConfigPath
			if len(args) > 0 {
				path = args[0]
			} else {
				log.WithField("path", path).Warn("no config file given, using default")
			}
			return runReplication(cmd.Context(), path)
		},
	}

	var schemaCmd = &cobra.Command{
		Use:   "schema",
		Short: "Print the JSON schema of the configuration document",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var data, err = json.MarshalIndent(config.Schema(), "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(data))
			return nil
		},
	}

	rootCmd.AddCommand(replicateCmd, schemaCmd)

	if err := rootCmd.Execute(); err != nil {
		log.WithField("error", err).Fatal("run failed")
	}
}

func runReplication(ctx context.Context, configPath string) error {
	var doc, err = config.Load(configPath)
	if err != nil {
		return err
	}
	var logger = log.WithField("config", configPath)

	var tables []*model.Table
	for _, spec := range doc.Tables {
		var t, err = spec.Table()
		if err != nil {
			return fmt.Errorf("table %q: %w", spec.Namespace+"."+spec.Name, err)
		}
		tables = append(tables, t)
	}

	var store tablestore.Store
	switch doc.Destination.Kind {
	case config.DestinationDuckDB:
		store, err = duckdb.Open(ctx, doc.Destination.Path)
		if err != nil {
			return err
		}
	case config.DestinationMemory:
		store = tablestore.NewMemoryStore()
	}
	defer store.Close()

	src, err := postgres.Open(ctx, doc.Database, logger)
	if err != nil {
		return err
	}
	defer src.Close()
	logger = logger.WithField("source", src.Name())

	var coordinator = &replicate.Coordinator{
		Source:  src,
		Store:   store,
		State:   doc,
		DumpDir: doc.DumpPath(),
		Logger:  logger,
	}
	result, err := coordinator.Run(ctx, tables)
	if err != nil {
		return err
	}

	var replicated, partial, failed, skipped int
	for _, t := range result.Tables {
		switch t.Status {
		case replicate.StatusReplicated:
			replicated++
		case replicate.StatusPartial:
			partial++
		case replicate.StatusFailed:
			failed++
		case replicate.StatusSkipped:
			skipped++
		}
	}
	logger.WithFields(log.Fields{
		"replicated": replicated,
		"partial":    partial,
		"failed":     failed,
		"skipped":    skipped,
	}).Info("replication run complete")

	if failed > 0 {
		return fmt.Errorf("%d of %d tables failed to replicate", failed, len(result.Tables))
	}
	return nil
}
