// Command worker runs one or more agent runtime workers: a process that
// pulls tasks from the shared Redis queue, executes them via an
// AgentExecutor, and reports results back to the queue and orchestrator.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"strconv"

	"github.com/apexrun/agentruntime/config"
	"github.com/apexrun/agentruntime/logging"
	"github.com/apexrun/agentruntime/worker"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		numWorkers = flag.Int("workers", 1, "number of worker processes to run in this process")
		numAgents  = flag.Int("agents", 0, "concurrent agent slots per worker (0 = use config default)")
		debug      = flag.Bool("debug", false, "enable debug logging")
		backendURL = flag.String("backend-url", "", "orchestrator backend base URL, host:port")
		kvURL      = flag.String("kv-url", "", "key-value backend URL (redis://...)")
	)
	flag.Parse()

	logger := logging.New()
	if *debug {
		logger.SetLevel(logging.DebugLevel)
	}

	opts := []config.Option{config.WithDebug(*debug)}
	if *numAgents > 0 {
		opts = append(opts, config.WithNumAgents(*numAgents))
	}
	if *backendURL != "" {
		host, port, err := splitHostPort(*backendURL)
		if err != nil {
			logger.Error("invalid --backend-url", map[string]interface{}{"error": err.Error()})
			return 1
		}
		opts = append(opts, config.WithBackendURL(host, port))
	}
	if *kvURL != "" {
		opts = append(opts, config.WithRedisURL(*kvURL))
	}

	settings, err := config.Load(opts...)
	if err != nil {
		logger.Error("failed to load configuration", map[string]interface{}{"error": err.Error()})
		return 1
	}

	ctx := context.Background()

	if *numWorkers <= 1 {
		w := worker.New(settings, logger, settings.Worker.WorkerID)
		if err := w.Start(ctx); err != nil {
			logger.Error("worker exited with error", map[string]interface{}{"error": err.Error()})
			return 1
		}
		return 0
	}

	pool := worker.NewPool(*numWorkers, settings, logger)
	if err := pool.Start(ctx); err != nil {
		logger.Error("worker pool failed to start", map[string]interface{}{"error": err.Error()})
		return 1
	}
	pool.Wait()
	return 0
}

func splitHostPort(raw string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(raw)
	if err != nil {
		return "", 0, fmt.Errorf("expected host:port, got %q: %w", raw, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, fmt.Errorf("invalid port in %q: %w", raw, err)
	}
	return host, port, nil
}
