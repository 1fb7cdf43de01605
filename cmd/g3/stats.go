package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"g3/pkg/config"
	"g3/pkg/metrics"
)

func statsCmd() *cobra.Command {
	var promURL string
	cmd := &cobra.Command{
		Use:   "stats [job-id]",
		Short: "Show worker pool load, or model usage for one job",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			if len(args) == 0 {
				s, err := newAPIClient().stats(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(out, s)
				}
				printPool(out, s)
				return nil
			}

			if promURL == "" {
				promURL = prometheusFromConfig(viper.GetString("config"))
			}
			if promURL == "" {
				return fmt.Errorf("no Prometheus server: pass --prometheus-url or set metrics.prometheus_url")
			}
			q, err := metrics.NewQueryService(promURL)
			if err != nil {
				return err
			}
			usage, err := q.JobUsage(ctx, args[0])
			if err != nil {
				return err
			}
			byModel, err := q.JobUsageByModel(ctx, args[0])
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(out, map[string]any{"usage": usage, "models": byModel})
			}
			printUsage(out, usage, byModel)
			return nil
		},
	}
	cmd.Flags().StringVar(&promURL, "prometheus-url", "", "Prometheus server scraping the G3 /metrics endpoint")
	return cmd
}

func prometheusFromConfig(path string) string {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return ""
	}
	return cfg.Metrics.PrometheusURL
}
