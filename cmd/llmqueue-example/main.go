// Command llmqueue-example is a minimal driver for the queue/manager
// library: it loads a config file (or falls back to a built-in default
// model), registers a stub processor standing in for a real provider call,
// submits a handful of requests in both wait and fire-and-forget modes, and
// prints status. It exists to exercise the library end to end, not as a
// production gateway.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/Ganzzi/llm-queue/examples/retrywrap"
	"github.com/Ganzzi/llm-queue/internal/config"
	"github.com/Ganzzi/llm-queue/internal/manager"
	"github.com/Ganzzi/llm-queue/internal/queue"
	"github.com/Ganzzi/llm-queue/internal/request"
)

func main() {
	configPath := flag.String("config", "", "path to a JSON config file (see SPEC_FULL.md)")
	verbose := flag.Bool("verbose", false, "enable debug logging")
	requests := flag.Int("requests", 8, "number of example requests to submit")
	simulateFailures := flag.Bool("simulate-failures", false, "wrap the stub processor in a retry decorator and inject transient failures")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	config.ApplyEnvOverrides(cfg)
	if *verbose {
		cfg.Verbose = true
	}

	logger, err := buildLogger(cfg.Verbose)
	if err != nil {
		log.Fatalf("building logger: %v", err)
	}
	defer logger.Sync()

	if err := run(cfg, logger, *requests, *simulateFailures); err != nil {
		logger.Fatal("application error", zap.Error(err))
	}
}

// loadConfig reads path if given, otherwise falls back to a single example
// model ("demo-model") with a modest composite limiter chain.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		cfg := config.Default()
		cfg.Models = []config.ModelDefinition{
			{
				ModelID: "demo-model",
				Limiters: []config.LimiterDefinition{
					{Type: "rpm", Limit: 5, WindowSeconds: 10},
					{Type: "tpm", Limit: 2000, WindowSeconds: 10},
					{Type: "concurrent", Limit: 2},
				},
			},
		}
		return cfg, nil
	}
	return config.Load(path)
}

func buildLogger(verbose bool) (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	zcfg := zap.NewProductionConfig()
	zcfg.DisableStacktrace = true
	return zcfg.Build()
}

// stubProcessor simulates a provider round trip: a short randomized delay
// and a made-up token usage report, exercising the chain's reconciliation
// path the way a real provider client's response accounting would. If
// injectFailures is set, roughly one in three calls returns a transient,
// retryable-looking error so -simulate-failures has something for
// retrywrap.Wrap to retry.
func stubProcessor(log *zap.Logger, injectFailures bool) queue.Processor {
	var calls int
	return func(ctx context.Context, req *request.Request) (any, error) {
		delay := time.Duration(20+rand.Intn(60)) * time.Millisecond
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}

		calls++
		if injectFailures && calls%3 == 0 {
			return nil, fmt.Errorf("server_error: 503 simulated upstream hiccup for %s", req.ID)
		}

		req.ActualInputTokens = req.EstimatedInputTokens
		req.ActualOutputTokens = req.EstimatedOutputTokens / 2
		log.Debug("processed request",
			zap.String("request_id", req.ID),
			zap.Int("actual_output_tokens", req.ActualOutputTokens))
		return fmt.Sprintf("response to %s", req.ID), nil
	}
}

func run(cfg *config.Config, log *zap.Logger, numRequests int, simulateFailures bool) error {
	modelConfigs, err := cfg.ModelConfigs()
	if err != nil {
		return err
	}

	proc := stubProcessor(log, simulateFailures)
	if simulateFailures {
		proc = retrywrap.Wrap(proc, retrywrap.Default(), log)
	}

	m := manager.New(log)
	failures := m.RegisterMany(modelConfigs, proc)
	for modelID, ferr := range failures {
		return fmt.Errorf("registering model %s: %w", modelID, ferr)
	}
	if len(modelConfigs) == 0 {
		return fmt.Errorf("no models configured")
	}
	modelID := modelConfigs[0].ModelID

	defer func() {
		if err := m.ShutdownAll(cfg.ShutdownDeadline()); err != nil {
			log.Warn("shutdown_all reported an error", zap.Error(err))
		}
	}()

	ctx := context.Background()
	var fireAndForgetIDs []string
	for i := 0; i < numRequests; i++ {
		req := request.New(modelID, nil)
		req.EstimatedInputTokens = 50 + rand.Intn(150)
		req.EstimatedOutputTokens = 50 + rand.Intn(150)

		if i%3 == 2 {
			req.WaitForCompletion = false
			resp, err := m.Submit(ctx, req)
			if err != nil {
				log.Error("submit failed", zap.String("request_id", req.ID), zap.Error(err))
				continue
			}
			fireAndForgetIDs = append(fireAndForgetIDs, req.ID)
			fmt.Printf("submitted %s fire-and-forget (status=%s)\n", resp.RequestID, resp.Status)
			continue
		}

		resp, err := m.Submit(ctx, req)
		if err != nil {
			log.Error("submit failed", zap.String("request_id", req.ID), zap.Error(err))
			continue
		}
		fmt.Printf("completed %s status=%s result=%v error=%q\n",
			resp.RequestID, resp.Status, resp.Result, resp.Error)
	}

	for _, id := range fireAndForgetIDs {
		status, resp, err := pollUntilTerminal(m, modelID, id, 2*time.Second)
		if err != nil {
			log.Warn("polling failed", zap.String("request_id", id), zap.Error(err))
			continue
		}
		fmt.Printf("polled %s status=%s result=%v\n", id, status, resp.Result)
	}

	if info, err := m.Info(modelID); err == nil {
		fmt.Printf("final queue depth for %s: %d\n", modelID, info.Depth)
		for i, obs := range info.Limiters {
			fmt.Printf("  limiter[%d] type=%s current=%d limit=%d\n",
				i, obs.Type, obs.CurrentUsage, obs.Limit)
		}
	}

	return nil
}

func pollUntilTerminal(m *manager.Manager, modelID, requestID string, timeout time.Duration) (request.Status, *request.Response, error) {
	deadline := time.Now().Add(timeout)
	for {
		status, resp, err := m.GetStatus(modelID, requestID)
		if err != nil {
			return 0, nil, err
		}
		if status.Terminal() {
			return status, resp, nil
		}
		if time.Now().After(deadline) {
			return status, resp, fmt.Errorf("timed out waiting for %s to reach a terminal state", requestID)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
