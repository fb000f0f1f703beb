package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/open-sspm/open-spend/internal/config"
	"github.com/open-sspm/open-spend/internal/costs"
	"github.com/spf13/cobra"
)

var exportFlags struct {
	org    string
	bucket string
	prefix string
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Upload an organization's tool costs to S3 as a JSON document.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runExport(cmd)
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportFlags.org, "org", "", "organization id")
	exportCmd.Flags().StringVar(&exportFlags.bucket, "bucket", "", "destination bucket (default: EXPORT_BUCKET)")
	exportCmd.Flags().StringVar(&exportFlags.prefix, "prefix", "", "key prefix (default: EXPORT_PREFIX)")
	_ = exportCmd.MarkFlagRequired("org")
}

func exportConfig(cfg config.Config) costs.ExportConfig {
	out := costs.ExportConfig{
		Bucket:          cfg.ExportBucket,
		Region:          cfg.ExportRegion,
		Endpoint:        cfg.ExportEndpoint,
		Prefix:          cfg.ExportPrefix,
		AccessKeyID:     os.Getenv("EXPORT_ACCESS_KEY_ID"),
		SecretAccessKey: os.Getenv("EXPORT_SECRET_ACCESS_KEY"),
		SessionToken:    os.Getenv("EXPORT_SESSION_TOKEN"),
	}
	if exportFlags.bucket != "" {
		out.Bucket = exportFlags.bucket
	}
	if exportFlags.prefix != "" {
		out.Prefix = exportFlags.prefix
	}
	return out
}

func runExport(cmd *cobra.Command) error {
	cfg, err := config.LoadOptionalDB()
	if err != nil {
		return err
	}
	exportCfg := exportConfig(cfg)
	if err := exportCfg.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx, cfg, slog.Default())
	if err != nil {
		return err
	}
	defer a.Close()

	records, err := a.costs.All(ctx, exportFlags.org)
	if err != nil {
		return err
	}

	client, err := costs.NewS3Client(ctx, exportCfg)
	if err != nil {
		return err
	}
	exporter, err := costs.NewExporter(client, exportCfg)
	if err != nil {
		return err
	}
	key, err := exporter.Export(ctx, exportFlags.org, records, time.Now())
	if err != nil {
		return exitForRunError(err)
	}
	slog.Info("tool costs exported", "org", exportFlags.org, "records", len(records), "bucket", exportCfg.Bucket, "key", key)
	fmt.Fprintln(cmd.OutOrStdout(), key)
	return nil
}
