// Command agentlab is the CLI shell over the run engine: it wires
// labconfig, rundir, runcontrol, schedule, trialrun, orchestrator,
// control, and analysis into one flag-based, slog-driven entrypoint —
// no cobra, os.Args[1] looked up in a map of command handlers.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
)

func configureLogger(dev bool) *slog.Logger {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	if dev {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

// envelope is the stable JSON success/failure wrapper every
// subcommand's machine-readable output is wrapped in.
type envelope struct {
	OK      bool           `json:"ok"`
	Command string         `json:"command"`
	Data    any            `json:"data,omitempty"`
	Error   *envelopeError `json:"error,omitempty"`
}

type envelopeError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

var commands = map[string]func(ctx context.Context, logger *slog.Logger, args []string) (any, error){
	"run":            cmdRun,
	"run-dev":        cmdRunDev,
	"run-experiment": cmdRunExperiment,
	"replay":         cmdReplay,
	"fork":           cmdFork,
	"pause":          cmdPause,
	"resume":         cmdResume,
	"continue":       cmdContinue,
	"recover":        cmdRecover,
	"kill":           cmdKill,
	"describe":       cmdDescribe,
	"preflight":      cmdPreflight,
	"views":          cmdViews,
	"views-live":     cmdViewsLive,
	"query":          cmdQuery,
	"scoreboard":     cmdScoreboard,
	"trend":          cmdTrend,
	"runs":           cmdRuns,
	"publish":        cmdPublish,
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, usage())
		return 2
	}

	name := args[0]
	handler, ok := commands[name]
	if !ok {
		fmt.Fprintf(os.Stderr, "agentlab: unknown command %q\n%s\n", name, usage())
		return 2
	}

	dev := false
	rest := args[1:]
	for _, a := range rest {
		if a == "-dev" || a == "--dev" {
			dev = true
		}
	}
	logger := configureLogger(dev)
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	data, err := handler(ctx, logger, rest)
	env := envelope{OK: err == nil, Command: name, Data: data}
	if err != nil {
		env.Error = toEnvelopeError(err)
		printJSON(env)
		if isUsageError(err) {
			return 2
		}
		return 1
	}
	printJSON(env)
	return 0
}

func usage() string {
	names := make([]string, 0, len(commands))
	for n := range commands {
		names = append(names, n)
	}
	return "usage: agentlab <" + strings.Join(names, "|") + "> [flags]"
}
