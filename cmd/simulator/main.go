// Command simulator plays a scenario file against a session with
// simulated device collaborators and prints a JSON summary.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/signalsfoundry/geospatial-session/internal/config"
	"github.com/signalsfoundry/geospatial-session/internal/history"
	"github.com/signalsfoundry/geospatial-session/internal/logging"
	"github.com/signalsfoundry/geospatial-session/internal/sim"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	os.Exit(run(ctx, os.Args[1:], os.Stdout, os.Stderr))
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("simulator", flag.ContinueOnError)
	fs.SetOutput(stderr)
	scenarioPath := fs.String("scenario", "configs/scenarios/walkabout.yaml", "scenario file to play")
	configPath := fs.String("config", "", "optional session config file")
	persist := fs.Bool("persist", false, "use the configured history backend instead of the scenario's history")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "config: %v\n", err)
		return 1
	}
	log := logging.NewWithWriter(cfg.LoggingConfig(), stderr)

	sc, err := sim.LoadScenario(*scenarioPath)
	if err != nil {
		fmt.Fprintf(stderr, "%v\n", err)
		return 1
	}

	opts := []sim.RunnerOption{sim.WithRunnerLogger(log)}
	if *persist {
		store, err := history.Open(ctx, cfg.HistoryConfig())
		if err != nil {
			fmt.Fprintf(stderr, "%v\n", err)
			return 1
		}
		defer store.Close()
		opts = append(opts, sim.WithHistoryStore(store))
	}

	sum, err := sim.NewRunner(sc, cfg.SessionSettings(), opts...).Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(stderr, "%v\n", err)
		return 1
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(newReport(sum)); err != nil {
		fmt.Fprintf(stderr, "write summary: %v\n", err)
		return 1
	}
	if sum.Terminated {
		return 3
	}
	return 0
}

type report struct {
	Scenario     string   `json:"scenario"`
	Frames       uint64   `json:"frames"`
	Elapsed      string   `json:"elapsed"`
	Localization string   `json:"localization"`
	LocalizedAt  string   `json:"localized_at,omitempty"`
	Placed       int      `json:"placed"`
	Rejected     []string `json:"rejected,omitempty"`
	Anchors      int      `json:"anchors"`
	Pending      int      `json:"pending"`
	History      int      `json:"history_entries"`
	Surfaces     int      `json:"surfaces"`
	BackendCalls int      `json:"backend_calls"`
	Status       string   `json:"status"`
	Messages     []string `json:"messages,omitempty"`
	Fatal        string   `json:"fatal,omitempty"`
	Terminated   bool     `json:"terminated"`
}

func newReport(s sim.Summary) report {
	r := report{
		Scenario:     s.Scenario,
		Frames:       s.Frames,
		Elapsed:      s.Elapsed.String(),
		Localization: s.Localization.String(),
		Placed:       s.Placed,
		Rejected:     s.Rejected,
		Anchors:      s.Anchors,
		Pending:      s.Pending,
		History:      s.HistoryEntries,
		Surfaces:     s.Surfaces,
		BackendCalls: s.BackendCalls,
		Status:       s.Status,
		Messages:     s.Messages,
		Fatal:        s.Fatal,
		Terminated:   s.Terminated,
	}
	if s.LocalizedAt > 0 {
		r.LocalizedAt = s.LocalizedAt.String()
	}
	return r
}
