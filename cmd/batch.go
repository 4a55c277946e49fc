package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/forkline/ops-cli/internal/model"
)

var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Fan a pipeline out over many subjects",
}

var (
	batchOrg          string
	batchName         string
	batchPipeline     string
	batchSubjectsFile string
	batchAutoAdvance  bool
	batchMaxAttempts  int
	batchBaseDelay    time.Duration
	batchStartNow     bool
	batchActionJobs   []string
)

// subjectsFile is the on-disk shape of a batch submission.
type subjectsFile struct {
	Subjects []model.Subject `yaml:"subjects"`
}

func loadSubjects(path string) ([]model.Subject, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "read subjects file %s", path)
	}
	var f subjectsFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, eris.Wrapf(err, "parse subjects file %s", path)
	}
	return f.Subjects, nil
}

var batchCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a batch from a subjects file",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEnv(cmd, func(ctx context.Context, e *env) error {
			subjects, err := loadSubjects(batchSubjectsFile)
			if err != nil {
				return err
			}

			execCfg := model.ExecConfig{
				AutoAdvance: batchAutoAdvance,
				MaxAttempts: batchMaxAttempts,
				BaseDelay:   batchBaseDelay,
			}
			b, results, err := e.Coord.Create(ctx, batchOrg, batchName, batchPipeline, subjects, execCfg, "")
			if err != nil {
				return err
			}

			if batchStartNow {
				if _, err := e.Coord.Start(ctx, b.ID); err != nil {
					return err
				}
			}
			return printJSON(map[string]any{"batch": b, "jobs": results})
		})
	},
}

var batchStartCmd = &cobra.Command{
	Use:   "start <batch-id>",
	Short: "Start every startable job in the batch",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEnv(cmd, func(ctx context.Context, e *env) error {
			results, err := e.Coord.Start(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(results)
		})
	},
}

var batchCancelCmd = &cobra.Command{
	Use:   "cancel <batch-id>",
	Short: "Cancel every still-cancellable job in the batch",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEnv(cmd, func(ctx context.Context, e *env) error {
			results, err := e.Coord.Cancel(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(results)
		})
	},
}

var batchProgressCmd = &cobra.Command{
	Use:   "progress <batch-id>",
	Short: "Show aggregate job status for the batch",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEnv(cmd, func(ctx context.Context, e *env) error {
			progress, err := e.Coord.Progress(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(progress)
		})
	},
}

var batchActionCmd = &cobra.Command{
	Use:   "action <batch-id> <step>",
	Short: "Apply one action payload across the batch's waiting jobs",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEnv(cmd, func(ctx context.Context, e *env) error {
			var step int
			if _, err := fmt.Sscanf(args[1], "%d", &step); err != nil {
				return fmt.Errorf("step must be a number: %w", err)
			}
			results, err := e.Coord.CompleteAction(ctx, args[0], step,
				json.RawMessage(actionPayloadFlag), nil, batchActionJobs)
			if err != nil {
				return err
			}
			return printJSON(results)
		})
	},
}

func init() {
	batchCreateCmd.Flags().StringVar(&batchOrg, "org", "", "organization id")
	batchCreateCmd.Flags().StringVar(&batchName, "name", "", "batch name")
	batchCreateCmd.Flags().StringVar(&batchPipeline, "pipeline", "", "pipeline name")
	batchCreateCmd.Flags().StringVar(&batchSubjectsFile, "subjects", "", "YAML file with the batch's subjects")
	batchCreateCmd.Flags().BoolVar(&batchAutoAdvance, "auto-advance", true, "advance steps automatically")
	batchCreateCmd.Flags().IntVar(&batchMaxAttempts, "max-attempts", 0, "external-call attempts per step (0 = default)")
	batchCreateCmd.Flags().DurationVar(&batchBaseDelay, "base-delay", 0, "retry backoff base (0 = default)")
	batchCreateCmd.Flags().BoolVar(&batchStartNow, "start", false, "start the batch immediately")
	_ = batchCreateCmd.MarkFlagRequired("org")
	_ = batchCreateCmd.MarkFlagRequired("pipeline")
	_ = batchCreateCmd.MarkFlagRequired("subjects")

	batchActionCmd.Flags().StringVar(&actionPayloadFlag, "payload", "", "JSON action payload")
	batchActionCmd.Flags().StringSliceVar(&batchActionJobs, "jobs", nil, "restrict to these job ids")
	_ = batchActionCmd.MarkFlagRequired("payload")

	batchCmd.AddCommand(batchCreateCmd, batchStartCmd, batchCancelCmd, batchProgressCmd, batchActionCmd)
	rootCmd.AddCommand(batchCmd)
}
