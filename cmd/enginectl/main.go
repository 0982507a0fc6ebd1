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

// enginectl is the operator CLI: start an execution, inspect an
// execution or its history, send a signal, emit an event. It operates
// directly against the configured store backend: execution records and
// history are read from and written to that store, but the Execution
// Queue is the in-process one built from the same config, so the
// WorkflowStarted and SignalReceived events this CLI enqueues are not
// delivered to a separately running enginesrv.
//
// Exit codes: 0 on success, 1 on user error (bad arguments, unknown
// execution), 2 on engine error.
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/functionless/eventual/internal/config"
	"github.com/functionless/eventual/internal/log"
	"github.com/functionless/eventual/pkg/engine"
	"github.com/functionless/eventual/pkg/event"
	"github.com/functionless/eventual/pkg/store"
)

func main() {
	app := buildCLI()
	if err := app.Run(os.Args); err != nil {
		if exitErr, ok := err.(cli.ExitCoder); ok {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(exitErr.ExitCode())
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
}

func userErr(format string, a ...any) error {
	return cli.Exit(fmt.Sprintf(format, a...), 1)
}

func engineErr(err error) error {
	return cli.Exit(err.Error(), 2)
}

func buildCLI() *cli.App {
	return &cli.App{
		Name:  "enginectl",
		Usage: "inspect and drive workflow executions",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to the YAML config file",
			},
		},
		Commands: []*cli.Command{
			{
				Name:      "start",
				Usage:     "start a workflow execution",
				ArgsUsage: "<workflow>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "input", Usage: "JSON input for the workflow"},
					&cli.StringFlag{Name: "name", Usage: "execution name (generated when omitted)"},
				},
				Action: startCommand,
			},
			{
				Name:  "get",
				Usage: "inspect an execution",
				Subcommands: []*cli.Command{
					{
						Name:      "execution",
						ArgsUsage: "<execution-id>",
						Action:    getExecutionCommand,
					},
					{
						Name:      "history",
						ArgsUsage: "<execution-id>",
						Action:    getHistoryCommand,
					},
				},
			},
			{
				Name:      "signal",
				Usage:     "send a signal to an execution",
				ArgsUsage: "<execution-id> <signal>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "payload", Usage: "JSON signal payload"},
					&cli.StringFlag{Name: "id", Usage: "client-supplied idempotency id"},
				},
				Action: signalCommand,
			},
			{
				Name:      "emit",
				Usage:     "emit an event to subscribers",
				ArgsUsage: "<event>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "payload", Usage: "JSON event payload"},
				},
				Action: emitCommand,
			},
		},
	}
}

func buildEngine(c *cli.Context) (*engine.Engine, func() error, error) {
	cfg := config.Default()
	if path := c.String("config"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, nil, userErr("%v", err)
		}
		cfg = loaded
	} else if err := config.ApplyEnvOverrides(&cfg); err != nil {
		return nil, nil, userErr("%v", err)
	}
	eng, closer, err := engine.FromConfig(cfg, engine.Registries{}, log.NewProductionLogger("warn"))
	if err != nil {
		return nil, nil, engineErr(err)
	}
	return eng, closer, nil
}

func parseJSONFlag(c *cli.Context, name string) (json.RawMessage, error) {
	raw := c.String(name)
	if raw == "" {
		return nil, nil
	}
	if !json.Valid([]byte(raw)) {
		return nil, userErr("--%s is not valid JSON", name)
	}
	return json.RawMessage(raw), nil
}

func startCommand(c *cli.Context) error {
	if c.NArg() != 1 {
		return userErr("usage: enginectl start <workflow> --input <json>")
	}
	input, err := parseJSONFlag(c, "input")
	if err != nil {
		return err
	}
	eng, closer, err := buildEngine(c)
	if err != nil {
		return err
	}
	defer closer()
	defer eng.Close()

	executionID, alreadyRunning, err := eng.StartExecution(c.Context, engine.StartExecutionRequest{
		WorkflowName:  c.Args().Get(0),
		ExecutionName: c.String("name"),
		Input:         input,
	})
	if err != nil {
		return engineErr(err)
	}
	return printJSON(map[string]any{"executionId": executionID, "alreadyRunning": alreadyRunning})
}

func getExecutionCommand(c *cli.Context) error {
	if c.NArg() != 1 {
		return userErr("usage: enginectl get execution <execution-id>")
	}
	eng, closer, err := buildEngine(c)
	if err != nil {
		return err
	}
	defer closer()
	defer eng.Close()

	exe, err := eng.GetExecution(c.Context, c.Args().Get(0))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return userErr("no such execution %q", c.Args().Get(0))
		}
		return engineErr(err)
	}
	return printJSON(exe)
}

func getHistoryCommand(c *cli.Context) error {
	if c.NArg() != 1 {
		return userErr("usage: enginectl get history <execution-id>")
	}
	eng, closer, err := buildEngine(c)
	if err != nil {
		return err
	}
	defer closer()
	defer eng.Close()

	page, err := eng.GetExecutionHistory(c.Context, c.Args().Get(0), "", 0)
	if err != nil {
		return engineErr(err)
	}
	for _, e := range page.Events {
		if err := printJSON(e); err != nil {
			return err
		}
	}
	return nil
}

func signalCommand(c *cli.Context) error {
	if c.NArg() != 2 {
		return userErr("usage: enginectl signal <execution-id> <signal> --payload <json>")
	}
	payload, err := parseJSONFlag(c, "payload")
	if err != nil {
		return err
	}
	eng, closer, err := buildEngine(c)
	if err != nil {
		return err
	}
	defer closer()
	defer eng.Close()

	if err := eng.SendSignal(c.Context, c.Args().Get(0), c.Args().Get(1), payload, c.String("id")); err != nil {
		return engineErr(err)
	}
	return nil
}

func emitCommand(c *cli.Context) error {
	if c.NArg() != 1 {
		return userErr("usage: enginectl emit <event> --payload <json>")
	}
	payload, err := parseJSONFlag(c, "payload")
	if err != nil {
		return err
	}
	eng, closer, err := buildEngine(c)
	if err != nil {
		return err
	}
	defer closer()
	defer eng.Close()

	if err := eng.EmitEvents(c.Context, []event.EmittedEvent{{Name: c.Args().Get(0), Payload: payload}}); err != nil {
		return engineErr(err)
	}
	return nil
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return engineErr(err)
	}
	fmt.Println(string(out))
	return nil
}
