package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/forkline/ops-cli/internal/model"
	"github.com/forkline/ops-cli/internal/store"
)

var jobCmd = &cobra.Command{
	Use:   "job",
	Short: "Create and drive individual pipeline jobs",
}

var (
	jobOrg      string
	jobPipeline string
	jobKind     string
	jobRef      string
	jobFields   []string
	jobStart    bool
	jobStatus   string
	retryStep   int
)

// parseFields turns repeated --field name=value flags into a subject field map.
func parseFields(pairs []string) (map[string]string, error) {
	fields := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		name, value, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("malformed field %q, want name=value", pair)
		}
		fields[strings.TrimSpace(name)] = strings.TrimSpace(value)
	}
	return fields, nil
}

func withEnv(cmd *cobra.Command, fn func(ctx context.Context, e *env) error) error {
	ctx := cmd.Context()
	e, err := initEnv(ctx)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		e.Close(shutdownCtx)
	}()
	return fn(ctx, e)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

var jobCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a job for one subject",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEnv(cmd, func(ctx context.Context, e *env) error {
			fields, err := parseFields(jobFields)
			if err != nil {
				return err
			}
			subject := model.Subject{
				Kind:   model.SubjectKind(jobKind),
				Ref:    jobRef,
				Fields: fields,
			}

			job, err := e.Machine.Create(ctx, jobOrg, jobPipeline, subject, "")
			if err != nil {
				return err
			}
			if jobStart {
				if err := e.Machine.Start(ctx, job.ID); err != nil {
					return err
				}
			}
			return printJSON(job)
		})
	},
}

var jobStartCmd = &cobra.Command{
	Use:   "start <job-id>",
	Short: "Start a pending job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEnv(cmd, func(ctx context.Context, e *env) error {
			return e.Machine.Start(ctx, args[0])
		})
	},
}

var jobCancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel a job before its next step runs",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEnv(cmd, func(ctx context.Context, e *env) error {
			return e.Machine.Cancel(ctx, args[0])
		})
	},
}

var jobRetryCmd = &cobra.Command{
	Use:   "retry <job-id>",
	Short: "Resume a failed job at the step it failed on",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEnv(cmd, func(ctx context.Context, e *env) error {
			step := retryStep
			if step == 0 {
				job, err := e.Store.GetJob(ctx, args[0])
				if err != nil {
					return err
				}
				step = job.CurrentStep
			}
			return e.Machine.RetryFromStep(ctx, args[0], step)
		})
	},
}

var jobShowCmd = &cobra.Command{
	Use:   "show <job-id>",
	Short: "Show a job and its steps",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEnv(cmd, func(ctx context.Context, e *env) error {
			job, err := e.Store.GetJob(ctx, args[0])
			if err != nil {
				return err
			}
			steps, err := e.Store.ListSteps(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(map[string]any{"job": job, "steps": steps})
		})
	},
}

var jobListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEnv(cmd, func(ctx context.Context, e *env) error {
			jobs, err := e.Store.ListJobs(ctx, store.JobFilter{
				OrganizationID: jobOrg,
				Status:         model.JobStatus(jobStatus),
			})
			if err != nil {
				return err
			}
			return printJSON(jobs)
		})
	},
}

var actionPayloadFlag string

var jobActionCmd = &cobra.Command{
	Use:   "action <job-id> <step>",
	Short: "Complete an action-required step with a JSON payload",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEnv(cmd, func(ctx context.Context, e *env) error {
			var step int
			if _, err := fmt.Sscanf(args[1], "%d", &step); err != nil {
				return fmt.Errorf("step must be a number: %w", err)
			}
			return e.Engine.CompleteAction(ctx, args[0], step, json.RawMessage(actionPayloadFlag))
		})
	},
}

func init() {
	jobCreateCmd.Flags().StringVar(&jobOrg, "org", "", "organization id")
	jobCreateCmd.Flags().StringVar(&jobPipeline, "pipeline", "", "pipeline name")
	jobCreateCmd.Flags().StringVar(&jobKind, "kind", string(model.SubjectRestaurant), "subject kind")
	jobCreateCmd.Flags().StringVar(&jobRef, "ref", "", "external subject reference")
	jobCreateCmd.Flags().StringArrayVar(&jobFields, "field", nil, "subject field as name=value (repeatable)")
	jobCreateCmd.Flags().BoolVar(&jobStart, "start", false, "start the job immediately")
	_ = jobCreateCmd.MarkFlagRequired("org")
	_ = jobCreateCmd.MarkFlagRequired("pipeline")

	jobRetryCmd.Flags().IntVar(&retryStep, "step", 0, "step to resume (default: the failed step)")

	jobListCmd.Flags().StringVar(&jobOrg, "org", "", "filter by organization id")
	jobListCmd.Flags().StringVar(&jobStatus, "status", "", "filter by status")

	jobActionCmd.Flags().StringVar(&actionPayloadFlag, "payload", "", "JSON action payload")
	_ = jobActionCmd.MarkFlagRequired("payload")

	jobCmd.AddCommand(jobCreateCmd, jobStartCmd, jobCancelCmd, jobRetryCmd, jobShowCmd, jobListCmd, jobActionCmd)
	rootCmd.AddCommand(jobCmd)
}
