package progress

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/pterm/pterm"

	"github.com/dhcgn/mail-extract/stats"
)

// Bar tracks finished sources. It grows its total when watch mode finds
// more files than the initial scan.
type Bar struct {
	pb      *pterm.ProgressbarPrinter
	total   int
	done    int
	mu      sync.Mutex
	enabled bool
}

// New creates a progress bar if logLevel is "info" and the bar is not disabled.
func New(total int, logLevel string, disabled bool) *Bar {
	bar := &Bar{
		total:   total,
		enabled: logLevel == "info" && !disabled,
	}

	if bar.enabled {
		pb, _ := pterm.DefaultProgressbar.
			WithTotal(max(total, 1)).
			WithTitle("Extracting emails").
			Start()
		bar.pb = pb

		pterm.Info.Printf("Sources found: %d\n", total)
		pterm.Println()
	}

	return bar
}

// Update advances the bar for every finished source.
func (b *Bar) Update(evt stats.Event) {
	if !b.enabled || b.pb == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	switch evt.Type {
	case stats.EventTypeExtracted, stats.EventTypeCached, stats.EventTypeError:
		b.done++
		if b.done > b.pb.Total {
			b.pb.Total = b.done
		}
		b.pb.Increment()
		if evt.Source != "" {
			name := filepath.Base(evt.Source)
			if len(name) > 40 {
				name = name[:37] + "..."
			}
			b.pb.UpdateTitle("Extracted: " + name)
		}
		if evt.Type == stats.EventTypeError && evt.Err != nil {
			pterm.Error.Printf("Error: %v\n", evt.Err)
		}
	case stats.EventTypeItemError:
		if evt.Err != nil {
			pterm.Warning.Printf("Skipped item: %v\n", evt.Err)
		}
	}
}

// Stop finalizes the progress bar.
func (b *Bar) Stop() {
	if !b.enabled || b.pb == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.pb.Current < b.pb.Total {
		b.pb.Current = b.pb.Total
	}

	b.pb.Stop()
	pterm.Success.Println("Extraction complete!")
}

// Subscriber creates a stats subscriber function that updates the progress bar.
func (b *Bar) Subscriber(ctx context.Context, events <-chan stats.Event) error {
	defer b.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-events:
			if !ok {
				return nil
			}
			b.Update(evt)
		}
	}
}

// ProgressReporter wraps the stats Collector with the progress bar and prints
// a summary when the batch ends.
type ProgressReporter struct {
	bar       *Bar
	collector *stats.Collector
	logger    *slog.Logger
	started   time.Time
}

// NewProgressReporter creates a new progress reporter with optional progress bar.
func NewProgressReporter(stream stats.EventStream, bar *Bar, logger *slog.Logger) *ProgressReporter {
	reporter := &ProgressReporter{
		bar:       bar,
		collector: stats.NewCollector(),
		logger:    logger,
		started:   time.Now(),
	}

	if bar != nil && bar.enabled {
		stream.SubscribeStats("progress-bar", bar.Subscriber)
		stream.SubscribeStats("progress-stats", reporter.collectStats)
	}

	return reporter
}

func (pr *ProgressReporter) collectStats(ctx context.Context, events <-chan stats.Event) error {
	pr.collector.Run(ctx, events)

	summary := pr.collector.Snapshot()
	duration := time.Since(pr.started)

	if pr.logger != nil {
		pterm.Println()
		pterm.DefaultSection.Println("Summary Statistics")
		pterm.Info.Printf("Duration: %v\n", duration)
		pterm.Info.Printf("Scanned: %d\n", summary.Scanned)
		pterm.Info.Printf("Filtered: %d\n", summary.Filtered)
		pterm.Info.Printf("Extracted: %d\n", summary.Extracted)
		pterm.Info.Printf("Already extracted (skipped): %d\n", summary.Cached)
		pterm.Info.Printf("Items written: %d\n", summary.Items)
		pterm.Info.Printf("Item errors: %d\n", summary.ItemErrors)
		pterm.Info.Printf("Errors: %d\n", summary.Errors)
		if summary.LastError != nil {
			pterm.Error.Printf("Last error: %v\n", summary.LastError)
		}
	}

	return nil
}
