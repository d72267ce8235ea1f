// Command rebuild regenerates Buy Box ownership history from stored
// snapshots, for one product or for every product with data, and can export
// the result as an Excel report.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"

	"marketsync/internal/config"
	"marketsync/internal/database"
	"marketsync/internal/logging"
	"marketsync/internal/metrics"
	"marketsync/internal/ownership"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Fatal error: %v", err)
	}
}

func run() error {
	configPath := flag.String("config", "config.yaml", "path to config file")
	productID := flag.String("product", "", "rebuild a single product (default: all)")
	export := flag.Bool("export", false, "write an Excel ownership report after rebuilding")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	logger, closer, err := logging.New(cfg.Logging, cfg.App)
	if err != nil {
		return err
	}
	if closer != nil {
		defer (func(c io.Closer) { _ = c.Close() })(closer)
	}

	metrics.Register()

	db, err := database.NewDB(cfg.Database.Path, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx := context.Background()
	rebuilder := ownership.NewRebuilder(db, cfg.Ownership.MergeThreshold, logging.Component(logger, "ownership"))

	var productIDs []string
	if *productID != "" {
		periods, err := rebuilder.Rebuild(ctx, *productID)
		if err != nil {
			return err
		}
		logger.Info().Str("product_id", *productID).Int("periods", len(periods)).Msg("Rebuild finished")
		productIDs = []string{*productID}
	} else {
		if err := rebuilder.RebuildAll(ctx); err != nil {
			return err
		}
		productIDs, err = db.ListProductIDsWithSnapshots(ctx)
		if err != nil {
			return err
		}
		logger.Info().Int("products", len(productIDs)).Msg("Rebuild finished")
	}

	if *export {
		if cfg.Exports.Path == "" {
			return fmt.Errorf("exports.path is not configured")
		}
		path, err := ownership.ExportReport(ctx, db, productIDs, cfg.Exports.Path)
		if err != nil {
			return err
		}
		logger.Info().Str("path", path).Msg("Report exported")
	}

	return nil
}
