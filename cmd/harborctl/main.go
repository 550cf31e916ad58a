package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/cuemby/harborctl/pkg/log"
	"github.com/cuemby/harborctl/pkg/types"
	"github.com/cuemby/harborctl/pkg/worker"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "harborctl",
	Short: "harborctl - multi-tenant agent evaluation execution worker",
	Long: `harborctl runs agent evaluation jobs: it downloads a task bundle,
launches N concurrent agent attempts against it, parses each attempt's test
results and trajectory, and reports pass/fail back to the Store Gateway.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"harborctl version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(cancelCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Worker process operations",
}

var workerRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the execution worker",
	Long: `Run starts the poller loop and (if configured) the metrics HTTP
server, then blocks until interrupted. All worker configuration is read
from environment variables: DATABASE_URL, OBJECT_STORE_BUCKET,
GCS_CREDENTIALS_FILE, HARBOR_API_KEY, WORKER_POLL_INTERVAL_MS,
MAX_CONCURRENT_ATTEMPTS_PER_JOB, HARBOR_TIMEOUT_MS, HARBOR_MODEL,
MAX_CONCURRENT_JOBS, MAX_ACTIVE_PER_USER, MAX_QUEUED_PER_USER, METRICS_ADDR
and WORK_ROOT.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := configFromEnv()

		ctx := context.Background()
		w, err := worker.New(ctx, cfg)
		if err != nil {
			return fmt.Errorf("failed to initialize worker: %w", err)
		}

		if err := w.Start(); err != nil {
			return fmt.Errorf("failed to start worker: %w", err)
		}

		fmt.Println("harborctl worker running. Press Ctrl+C to stop.")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh

		fmt.Println("\nShutting down...")
		if err := w.Stop(); err != nil {
			return fmt.Errorf("failed to stop worker cleanly: %w", err)
		}
		fmt.Println("shutdown complete")
		return nil
	},
}

func init() {
	workerCmd.AddCommand(workerRunCmd)
}

// configFromEnv implements spec §6's Config binding, falling back to the
// documented defaults for anything unset.
func configFromEnv() worker.Config {
	return worker.Config{
		DatabaseURL:              os.Getenv("DATABASE_URL"),
		ObjectStoreBucket:        os.Getenv("OBJECT_STORE_BUCKET"),
		GCSCredentialsFile:       os.Getenv("GCS_CREDENTIALS_FILE"),
		HarborAPIKey:             os.Getenv("HARBOR_API_KEY"),
		WorkerPollIntervalMS:     envInt("WORKER_POLL_INTERVAL_MS", 5000),
		MaxConcurrentAttemptsJob: envInt("MAX_CONCURRENT_ATTEMPTS_PER_JOB", 0), // 0: worker derives from HarborModel
		HarborTimeoutMS:          envInt("HARBOR_TIMEOUT_MS", 1_800_000),
		HarborModel:              os.Getenv("HARBOR_MODEL"),
		MaxConcurrentJobs:        envInt("MAX_CONCURRENT_JOBS", 0),
		MaxActivePerUser:         envInt("MAX_ACTIVE_PER_USER", 0),
		MaxQueuedPerUser:         envInt("MAX_QUEUED_PER_USER", 0),
		MetricsAddr:              os.Getenv("METRICS_ADDR"),
		WorkRoot:                 envOr("WORK_ROOT", "./harborctl-work"),
	}
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return def
	}
	return n
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a job for the worker's poller to pick up",
	RunE: func(cmd *cobra.Command, args []string) error {
		taskName, _ := cmd.Flags().GetString("task-name")
		zipLocation, _ := cmd.Flags().GetString("zip")
		runs, _ := cmd.Flags().GetInt("runs")
		ownerID, _ := cmd.Flags().GetString("owner")
		agentChoice, _ := cmd.Flags().GetString("agent")
		model, _ := cmd.Flags().GetString("model")

		owner, err := uuid.Parse(ownerID)
		if err != nil {
			return fmt.Errorf("invalid --owner: %w", err)
		}

		ctx := context.Background()
		w, err := worker.New(ctx, configFromEnv())
		if err != nil {
			return fmt.Errorf("failed to initialize worker: %w", err)
		}
		defer w.Stop()

		j := &types.Job{
			ID:            uuid.New(),
			TaskName:      taskName,
			Status:        types.JobQueued,
			RunsRequested: runs,
			ZipLocation:   zipLocation,
			OwnerID:       owner,
			AgentChoice:   agentChoice,
			Model:         model,
		}
		if err := w.SubmitJob(ctx, j); err != nil {
			return err
		}
		fmt.Printf("job submitted: %s\n", j.ID)
		return nil
	},
}

func init() {
	submitCmd.Flags().String("task-name", "", "Task name")
	submitCmd.Flags().String("zip", "", "Task bundle object-store URI")
	submitCmd.Flags().Int("runs", 1, "Number of attempts to run")
	submitCmd.Flags().String("owner", "", "Owning user's UUID")
	submitCmd.Flags().String("agent", "terminus-2", "Agent choice (terminus-2 | oracle)")
	submitCmd.Flags().String("model", "", "Model identifier passed to the agent")
	submitCmd.MarkFlagRequired("task-name")
	submitCmd.MarkFlagRequired("zip")
	submitCmd.MarkFlagRequired("owner")
}

var cancelCmd = &cobra.Command{
	Use:   "cancel [job-id]",
	Short: "Cancel a running job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		jobID, err := uuid.Parse(args[0])
		if err != nil {
			return fmt.Errorf("invalid job id: %w", err)
		}

		ctx := context.Background()
		w, err := worker.New(ctx, configFromEnv())
		if err != nil {
			return fmt.Errorf("failed to initialize worker: %w", err)
		}
		defer w.Stop()

		w.CancelJob(ctx, jobID)
		fmt.Printf("cancellation requested for job %s\n", jobID)
		return nil
	},
}
