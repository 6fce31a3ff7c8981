package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dhcgn/mail-extract/cmd"
	"github.com/dhcgn/mail-extract/config"
	"github.com/dhcgn/mail-extract/filter"
	"github.com/dhcgn/mail-extract/model"
	"github.com/dhcgn/mail-extract/progress"
	"github.com/dhcgn/mail-extract/runner"
	"github.com/dhcgn/mail-extract/source"
	"github.com/dhcgn/mail-extract/stats"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "mail-extract [flags] <file|dir>...",
		Short: "Extract bodies, attachments and embedded messages from .msg and .eml files",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(cmd, args)
			if err != nil {
				return err
			}

			logger, cleanup, err := setupLogger(cfg)
			if err != nil {
				return err
			}
			defer func() {
				_ = cleanup()
			}()

			slog.SetDefault(logger)
			logger.Info("starting mail-extract", "sources", len(cfg.Sources), "workers", cfg.Workers, "root", cfg.Root, "watch", cfg.Watch)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return run(ctx, cfg, logger, cmd.OutOrStdout())
		},
	}

	if err := config.RegisterFlags(rootCmd); err != nil {
		fmt.Fprintf(os.Stderr, "failed to register CLI flags: %v\n", err)
		os.Exit(1)
	}
	rootCmd.AddCommand(cmd.NewInspectCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger, out io.Writer) error {
	f, err := filter.New(filter.Options{Include: cfg.Include, Exclude: cfg.Exclude})
	if err != nil {
		return fmt.Errorf("filter.New: %w", err)
	}
	sourceOpts := source.Options{Paths: cfg.Sources, Filter: f, Watch: cfg.Watch}

	r, err := runner.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("runner.New: %w", err)
	}
	stats.NewReporter(r, logger)

	total, err := source.Count(sourceOpts)
	if err != nil {
		logger.Warn("could not count sources", "err", err)
	}
	bar := progress.New(total, cfg.LogLevel, cfg.NoProgress)
	progress.NewProgressReporter(r, bar, logger)

	if _, err := source.NewProducer(sourceOpts, r, logger); err != nil {
		return fmt.Errorf("source.NewProducer: %w", err)
	}

	r.OnOutcome(newResultPrinter(out).print)

	return r.Start()
}

// toolResult is the JSON line printed for every source.
type toolResult struct {
	Status           string   `json:"status"`
	Source           string   `json:"source"`
	ExtractionFolder string   `json:"extraction_folder,omitempty"`
	ExtractedFiles   []string `json:"extracted_files"`
	TotalFiles       int      `json:"total_files"`
	Items            int      `json:"items"`
	Cached           bool     `json:"cached"`
	ItemErrors       []string `json:"item_errors,omitempty"`
	Error            string   `json:"error,omitempty"`
}

type resultPrinter struct {
	enc *json.Encoder
}

func newResultPrinter(w io.Writer) *resultPrinter {
	return &resultPrinter{enc: json.NewEncoder(w)}
}

func (p *resultPrinter) print(o model.Outcome) {
	_ = p.enc.Encode(newToolResult(o))
}

func newToolResult(o model.Outcome) toolResult {
	res := toolResult{
		Status:           "success",
		Source:           o.Job.Path,
		ExtractionFolder: o.Result.Folder,
		ExtractedFiles:   o.Result.Files,
		TotalFiles:       len(o.Result.Files),
		Items:            o.Result.Items,
		Cached:           o.Result.Cached,
	}
	if res.ExtractedFiles == nil {
		res.ExtractedFiles = []string{}
	}
	for _, fe := range o.Result.Failures {
		res.ItemErrors = append(res.ItemErrors, fe.Error())
	}
	if o.Err != nil {
		res.Status = "error"
		res.Error = o.Err.Error()
	}
	return res
}

func setupLogger(cfg config.Config) (*slog.Logger, func() error, error) {
	level := new(slog.LevelVar)
	level.Set(slog.LevelInfo)

	switch cfg.LogLevel {
	case "debug":
		level.Set(slog.LevelDebug)
	case "info":
		level.Set(slog.LevelInfo)
	case "warn":
		level.Set(slog.LevelWarn)
	case "error":
		level.Set(slog.LevelError)
	}

	opts := &slog.HandlerOptions{Level: level}
	cleanup := func() error { return nil }

	// stdout carries the JSON results
	if cfg.LogDir != "" {
		if err := os.MkdirAll(cfg.LogDir, 0o755); err != nil {
			return nil, cleanup, err
		}

		logFilePath := filepath.Join(cfg.LogDir, fmt.Sprintf("mail-extract-%s.log", time.Now().Format("20060102T150405")))
		file, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, cleanup, err
		}

		handler := slog.NewTextHandler(io.MultiWriter(os.Stderr, file), opts)
		cleanup = func() error {
			return file.Close()
		}
		return slog.New(handler), cleanup, nil
	}

	handler := slog.NewTextHandler(os.Stderr, opts)
	return slog.New(handler), cleanup, nil
}
