package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"g3/pkg/job"
)

func submitCmd() *cobra.Command {
	var (
		blueprintPath string
		wait          bool
	)
	cmd := &cobra.Command{
		Use:   "submit <requirement>",
		Short: "Submit a generation job",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()
			requirement := strings.Join(args, " ")

			var bp *job.Blueprint
			if blueprintPath != "" {
				var err error
				if bp, err = readBlueprint(blueprintPath); err != nil {
					return err
				}
			}

			c := newAPIClient()
			res, err := c.submit(ctx, requirement, bp)
			if err != nil {
				return err
			}
			if !wait {
				if viper.GetBool("json") {
					return printJSON(out, res)
				}
				fmt.Fprintf(out, "Job %s %s\n", res.JobID, res.Status)
				return nil
			}

			fmt.Fprintf(out, "Job %s submitted, following its log...\n", res.JobID)
			final, err := c.follow(ctx, res.JobID, func(e job.LogEntry) {
				printLogEntry(out, e)
			})
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(out, final)
			}
			printJob(out, final)
			if final.Status == job.StatusFailed {
				return fmt.Errorf("job %s failed", final.ID)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&blueprintPath, "blueprint", "", "JSON or YAML blueprint the schema must satisfy")
	cmd.Flags().BoolVar(&wait, "wait", false, "stream the job log until it finishes")
	return cmd
}

func readBlueprint(path string) (*job.Blueprint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read blueprint: %w", err)
	}
	var bp job.Blueprint
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &bp)
	default:
		err = json.Unmarshal(data, &bp)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse blueprint %s: %w", path, err)
	}
	return &bp, nil
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			j, err := newAPIClient().job(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cmd.OutOrStdout(), j)
			}
			printJob(cmd.OutOrStdout(), j)
			return nil
		},
	}
}

func artifactsCmd() *cobra.Command {
	var (
		all  bool
		show string
	)
	cmd := &cobra.Command{
		Use:   "artifacts <job-id>",
		Short: "List a job's generated files",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newAPIClient()
			out := cmd.OutOrStdout()
			if show != "" {
				content, err := c.artifactContent(cmd.Context(), args[0], show)
				if err != nil {
					return err
				}
				fmt.Fprint(out, content)
				return nil
			}
			arts, err := c.artifacts(cmd.Context(), args[0], all)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(out, arts)
			}
			printArtifacts(out, arts)
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "include superseded versions")
	cmd.Flags().StringVar(&show, "show", "", "print the content of one artifact id")
	return cmd
}

func jobsCmd() *cobra.Command {
	var (
		status string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List jobs, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			jobs, err := newAPIClient().jobs(cmd.Context(), status, limit)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cmd.OutOrStdout(), jobs)
			}
			printJobs(cmd.OutOrStdout(), jobs)
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "comma-separated status filter")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum jobs to list")
	return cmd
}

func cancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a queued or running job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := newAPIClient().cancel(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Cancellation requested for %s\n", args[0])
			return nil
		},
	}
}
