package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-redis/redis/v8"
	"github.com/spf13/cobra"

	"github.com/flowforge/flowforge/internal/api"
	"github.com/flowforge/flowforge/internal/config"
	"github.com/flowforge/flowforge/internal/dashboard"
	"github.com/flowforge/flowforge/internal/logging"
	"github.com/flowforge/flowforge/internal/mcp"
	"github.com/flowforge/flowforge/internal/queue"
	"github.com/flowforge/flowforge/internal/tool"
	"github.com/flowforge/flowforge/internal/workflow"
)

var cfg *config.Config

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "flowforge",
	Short: "FlowForge - Workflow Orchestration Engine",
	Long: `FlowForge - an orchestration engine for multi-step workflows.

Workflows are directed acyclic graphs of tool-backed steps. The engine runs
independent steps concurrently, honors per-step timeouts and failure policy,
and records progress for every execution.

Quick Start:
  1. Start the server:      flowforge server
  2. Submit a workflow:     flowforge submit -f workflow.yaml
  3. Run it:                flowforge run <workflow-id>
  4. Check progress:        flowforge status <execution-id> --steps

For batch fan-out over many parameter sets: flowforge batch --help`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		var err error
		cfg, err = config.LoadConfig()
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
	},
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the FlowForge server",
	Run: func(cmd *cobra.Command, args []string) {
		runServer()
	},
}

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a workflow definition from a YAML or JSON file",
	Run: func(cmd *cobra.Command, args []string) {
		file, _ := cmd.Flags().GetString("file")
		submitWorkflow(file)
	},
}

var runCmd = &cobra.Command{
	Use:   "run [workflow-id]",
	Short: "Start an execution of a workflow",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		params, _ := cmd.Flags().GetStringSlice("param")
		runWorkflow(args[0], params)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status [execution-id]",
	Short: "Show the status of an execution",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		steps, _ := cmd.Flags().GetBool("steps")
		showStatus(args[0], steps)
	},
}

var batchCmd = &cobra.Command{
	Use:   "batch [workflow-id]",
	Short: "Run a workflow once per item in a parameter file",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		runBatch(cmd, args[0])
	},
}

var aggregateCmd = &cobra.Command{
	Use:   "aggregate [execution-id...]",
	Short: "Aggregate results across executions",
	Args:  cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		mode, _ := cmd.Flags().GetString("mode")
		aggregateResults(args, mode)
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List all workflows",
	Run: func(cmd *cobra.Command, args []string) {
		listWorkflows()
	},
}

func init() {
	submitCmd.Flags().StringP("file", "f", "", "Workflow definition file (YAML or JSON)")
	submitCmd.MarkFlagRequired("file")

	runCmd.Flags().StringSliceP("param", "p", []string{}, "Runtime parameters (key=value)")

	statusCmd.Flags().Bool("steps", false, "Include per-step detail")

	batchCmd.Flags().StringP("items", "i", "", "JSON file with an array of per-item parameter objects")
	batchCmd.Flags().Int("batch-size", 0, "Items per batch")
	batchCmd.Flags().Int("max-parallelism", 0, "Concurrent starts per batch")
	batchCmd.Flags().Int("retry-count", 0, "Retries per failed item start")
	batchCmd.Flags().String("retry-delay", "", "Delay between retries and batches (e.g., 5s)")
	batchCmd.Flags().Bool("continue-on-error", false, "Keep going past a failing batch")
	batchCmd.MarkFlagRequired("items")

	aggregateCmd.Flags().StringP("mode", "m", "summary", "Aggregation mode (summary, detailed, statistical)")

	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(batchCmd)
	rootCmd.AddCommand(aggregateCmd)
	rootCmd.AddCommand(listCmd)
}

func runServer() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}

	logger, err := logging.NewLogger(redisClient, cfg.Logging.Dir, cfg.Logging.Console)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Close()
	logging.SetGlobalLogger(logger)

	logging.Info("server", "FlowForge server starting", map[string]interface{}{
		"version": "1.0",
		"host":    cfg.Server.Host,
		"port":    cfg.Server.Port,
	})

	registry := tool.NewRegistry()
	for _, tc := range cfg.Tools {
		if err := registry.Register(tool.NewRemote(tc.Name, tc.Endpoint)); err != nil {
			log.Fatalf("Failed to register tool %s: %v", tc.Name, err)
		}
	}

	store := workflow.NewRedisStore(redisClient)
	validator := workflow.NewValidator(registry)

	engine := workflow.NewEngine(store, registry, cfg.Engine.MaxConcurrentSteps)
	metricsCollector := workflow.NewMetricsCollector(redisClient)
	engine.SetMetrics(metricsCollector)

	taskQueue := queue.New(cfg.Queue.Capacity, cfg.Queue.FailFast)
	go taskQueue.Start(ctx)
	defer taskQueue.Close()

	batches := workflow.NewBatchProcessor(store, engine, taskQueue)
	aggregator := workflow.NewAggregator(store)

	scheduler := workflow.NewScheduler(store, engine, taskQueue)
	if err := scheduler.Start(ctx); err != nil {
		log.Printf("Failed to start scheduler: %v", err)
	} else {
		defer scheduler.Stop()
	}

	dashboardSvc := dashboard.NewService(redisClient)
	dashboardSvc.Start(ctx)

	mcpServer := mcp.NewServer(store, validator, engine, batches, aggregator, taskQueue)
	mcpMux := http.NewServeMux()
	mcp.MountHTTPHandlers(mcpMux, mcpServer.GetMCPServer())

	server := api.NewServer(cfg, store, validator, engine, batches, aggregator, scheduler, metricsCollector, taskQueue)
	server.SetWebSocketHandler(dashboardSvc.HandleWebSocket)
	server.SetMCPHandler(mcpMux)

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		logging.Info("server", "Shutting down", map[string]interface{}{
			"signal": sig.String(),
		})
		cancel()
		os.Exit(0)
	}()

	if err := server.Start(); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}
