package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/hbpg/hbpg/internal/jobqueue"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and drive the job queue",
}

var (
	queuePushPayloadFlag string
	queuePushDelayFlag   time.Duration
	queueJobsStatusFlag  string
	queueMetaKeyFlag     string
	queueMetaValueFlag   string
)

var queuePushCmd = &cobra.Command{
	Use:   "push",
	Short: "Push a job onto the queue",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		gw, err := openGateway(ctx)
		if err != nil {
			return err
		}
		defer gw.Close()

		driver := jobqueue.New(gw, jobqueue.DefaultInitPolicies(), 100*time.Millisecond)

		var delayedUntil *time.Time
		if queuePushDelayFlag > 0 {
			t := time.Now().Add(queuePushDelayFlag)
			delayedUntil = &t
		}

		id, err := driver.Push(ctx, []byte(queuePushPayloadFlag), delayedUntil)
		if err != nil {
			return err
		}
		cmd.Println(id.String())
		return nil
	},
}

var queueJobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "List job ids at a given status",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		gw, err := openGateway(ctx)
		if err != nil {
			return err
		}
		defer gw.Close()

		status, err := parseStatusFlag(queueJobsStatusFlag)
		if err != nil {
			return err
		}

		driver := jobqueue.New(gw, jobqueue.DefaultInitPolicies(), 100*time.Millisecond)
		ids, err := driver.GetJobs(ctx, status)
		if err != nil {
			return err
		}
		for _, id := range ids {
			cmd.Println(id.String())
		}
		return nil
	},
}

var queueMetadataGetCmd = &cobra.Command{
	Use:   "metadata-get",
	Short: "Read a queue metadata value",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		gw, err := openGateway(ctx)
		if err != nil {
			return err
		}
		defer gw.Close()

		driver := jobqueue.New(gw, jobqueue.DefaultInitPolicies(), 100*time.Millisecond)
		value, ok, err := driver.GetMetadata(ctx, queueMetaKeyFlag)
		if err != nil {
			return err
		}
		if !ok {
			cmd.Println("(absent)")
			return nil
		}
		cmd.Println(string(value))
		return nil
	},
}

var queueMetadataSetCmd = &cobra.Command{
	Use:   "metadata-set",
	Short: "Write a queue metadata value",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		gw, err := openGateway(ctx)
		if err != nil {
			return err
		}
		defer gw.Close()

		driver := jobqueue.New(gw, jobqueue.DefaultInitPolicies(), 100*time.Millisecond)
		return driver.SetMetadata(ctx, queueMetaKeyFlag, []byte(queueMetaValueFlag))
	},
}

func parseStatusFlag(raw string) (jobqueue.Status, error) {
	switch raw {
	case "pending", "":
		return jobqueue.StatusPending, nil
	case "processing":
		return jobqueue.StatusProcessing, nil
	case "failed":
		return jobqueue.StatusFailed, nil
	default:
		return 0, fmt.Errorf("unknown status %q (want pending, processing, or failed)", raw)
	}
}

func init() {
	queuePushCmd.Flags().StringVar(&queuePushPayloadFlag, "payload", "", "raw job payload")
	queuePushCmd.Flags().DurationVar(&queuePushDelayFlag, "delay", 0, "delay before the job becomes eligible for claim")

	queueJobsCmd.Flags().StringVar(&queueJobsStatusFlag, "status", "pending", "one of pending, processing, failed")

	queueMetadataGetCmd.Flags().StringVar(&queueMetaKeyFlag, "key", "", "metadata key")
	queueMetadataSetCmd.Flags().StringVar(&queueMetaKeyFlag, "key", "", "metadata key")
	queueMetadataSetCmd.Flags().StringVar(&queueMetaValueFlag, "value", "", "metadata value")

	queueCmd.AddCommand(queuePushCmd, queueJobsCmd, queueMetadataGetCmd, queueMetadataSetCmd)
	rootCmd.AddCommand(queueCmd)
}
