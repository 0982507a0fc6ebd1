// The MIT License
//
// Copyright (c) 2024 Functionless Corp.
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.

// enginesrv runs the workflow engine as a long-lived daemon: it wires
// the configured store backend, starts the orchestrator poll loop, and
// serves Prometheus metrics. Workflow, task, and transaction handlers
// are registered by linking them into this binary; the stock build
// starts with empty registries and is useful mainly for exercising the
// wiring against a persistent store.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"

	"github.com/functionless/eventual/internal/config"
	"github.com/functionless/eventual/internal/log"
	"github.com/functionless/eventual/internal/log/tag"
	"github.com/functionless/eventual/pkg/engine"
	"github.com/functionless/eventual/pkg/taskworker"
	"github.com/functionless/eventual/pkg/transaction"
	"github.com/functionless/eventual/pkg/workflow"
)

func main() {
	app := buildCLI()
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
}

func buildCLI() *cli.App {
	return &cli.App{
		Name:  "enginesrv",
		Usage: "durable workflow orchestration engine daemon",
		Commands: []*cli.Command{
			{
				Name:  "start",
				Usage: "start the engine daemon",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "config",
						Aliases: []string{"c"},
						Usage:   "path to the YAML config file",
					},
				},
				Action: startAction,
			},
		},
	}
}

func startAction(c *cli.Context) error {
	cfg := config.Default()
	if path := c.String("config"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return err
		}
		cfg = loaded
	} else if err := config.ApplyEnvOverrides(&cfg); err != nil {
		return err
	}

	logger := log.NewProductionLogger(cfg.Log.Level)
	eng, closeStores, err := engine.FromConfig(cfg, engine.Registries{
		Workflows:    workflow.NewRegistry(),
		Tasks:        taskworker.NewRegistry(),
		Transactions: transaction.NewRegistry(),
	}, logger)
	if err != nil {
		return err
	}
	defer closeStores()
	defer eng.Close()

	if cfg.Metrics.Enabled {
		go serveMetrics(cfg.Metrics.ListenAddr, logger)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("enginesrv: started", tag.Value("store", cfg.Store.Driver))

	pollInterval := cfg.Orchestrator.PollInterval.Std()
	if pollInterval <= 0 {
		pollInterval = 50 * time.Millisecond
	}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case sig := <-sigc:
			logger.Info("enginesrv: shutting down", tag.Value("signal", sig.String()))
			return nil
		case <-ticker.C:
			result, err := eng.ProcessBatch(ctx, 100)
			if err != nil {
				logger.Warn("enginesrv: process batch failed", tag.Error(err))
				continue
			}
			for _, id := range result.FailedExecutionIDs {
				logger.Warn("enginesrv: execution orchestration failed", tag.ExecutionID(id))
			}
		}
	}
}

func serveMetrics(addr string, logger log.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("enginesrv: metrics listener failed", tag.Error(err))
	}
}
