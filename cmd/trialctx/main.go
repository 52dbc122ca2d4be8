// Command trialctx runs a paradigm document for a fixed number of trials,
// resolving the full parameter context each trial and appending loggable
// values to the trial log database.
//
// Usage:
//
//	trialctx run <paradigm.json>
//	trialctx query <run-id> <jq-expression>
//	trialctx runs
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/neurobench/trialctx/internal/controller"
	"github.com/neurobench/trialctx/internal/logging"
	"github.com/neurobench/trialctx/internal/store"
	"github.com/neurobench/trialctx/internal/validation"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	cfg := loadConfig()
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	var err error
	switch os.Args[1] {
	case "run":
		if len(os.Args) != 3 {
			usage()
			os.Exit(2)
		}
		err = runParadigm(cfg, logger, os.Args[2])
	case "query":
		if len(os.Args) != 4 {
			usage()
			os.Exit(2)
		}
		err = queryTrials(cfg, os.Args[2], os.Args[3])
	case "runs":
		err = listRuns(cfg)
	default:
		usage()
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: trialctx run <paradigm.json> | query <run-id> <jq> | runs")
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	inner := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(logging.NewCorrelationHandler(inner))
}

func openStore(cfg Config) (*store.LibSQLStore, error) {
	if err := os.MkdirAll(trialctxDir(), 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	s, err := store.NewLibSQLStore(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	if err := s.Migrate(context.Background()); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func runParadigm(cfg Config, logger *slog.Logger, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read paradigm %s: %w", filepath.Base(path), err)
	}

	docs, err := validation.NewDocumentValidator()
	if err != nil {
		return err
	}
	def, err := docs.ValidateDocument(raw)
	if err != nil {
		return err
	}

	s, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	ctl, err := controller.New(def, controller.Options{
		Seed:   cfg.Seed,
		Store:  s,
		Logger: logger,
	})
	if err != nil {
		return err
	}

	ctx := context.Background()
	run, err := ctl.Start(ctx)
	if err != nil {
		return err
	}
	fmt.Println("run:", run.ID)

	for i := 0; i < cfg.Trials; i++ {
		trial, err := ctl.NextTrial(ctx, nil)
		if err != nil {
			return fmt.Errorf("trial %d: %w", trial, err)
		}
		values, err := ctl.Cache().LoggableSnapshot()
		if err != nil {
			return err
		}
		line := map[string]any{"trial": trial}
		for _, v := range values {
			line[v.Name] = v.Value
		}
		out, _ := json.Marshal(line)
		fmt.Println(string(out))
	}
	return nil
}

func queryTrials(cfg Config, runID, expression string) error {
	s, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	results, err := store.NewTrialQuerier(s).QueryTrials(context.Background(), runID, expression)
	if err != nil {
		return err
	}
	for _, r := range results {
		out, _ := json.Marshal(r)
		fmt.Println(string(out))
	}
	return nil
}

func listRuns(cfg Config) error {
	s, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	runs, err := s.ListRuns(context.Background())
	if err != nil {
		return err
	}
	for _, r := range runs {
		fmt.Printf("%s  %s  %s\n", r.ID, r.CreatedAt.Format("2006-01-02 15:04:05"), r.Paradigm)
	}
	return nil
}
