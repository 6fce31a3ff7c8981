// Package source expands the command line arguments into email files and,
// in watch mode, keeps reporting files that appear later.
package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/dhcgn/mail-extract/extract"
	"github.com/dhcgn/mail-extract/filter"
	"github.com/dhcgn/mail-extract/model"
	"github.com/dhcgn/mail-extract/runner"
	"github.com/dhcgn/mail-extract/stats"
)

// settle is how long a watched file must stay quiet before it is queued.
const settle = 750 * time.Millisecond

type Options struct {
	Paths  []string
	Filter *filter.Filter
	Watch  bool
}

// Scanner lists the email files below its paths.
type Scanner struct {
	opts   Options
	logger *slog.Logger
	emit   func(stats.Event)
}

func NewScanner(opts Options, logger *slog.Logger) (*Scanner, error) {
	if len(opts.Paths) == 0 {
		return nil, errors.New("no source paths")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scanner{opts: opts, logger: logger, emit: func(stats.Event) {}}, nil
}

// Scan returns every source in walk order. Explicit file arguments are kept
// whatever their extension so the extractor can reject them; files found in
// directories must be .msg or .eml. Extraction folders are skipped.
func (s *Scanner) Scan() ([]string, error) {
	var out []string
	err := s.walk(func(path string) error {
		out = append(out, path)
		return nil
	})
	return out, err
}

// Stream sends every source to out, then watches the directories when the
// scanner is in watch mode.
func (s *Scanner) Stream(ctx context.Context, out chan<- model.Job) error {
	err := s.walk(func(path string) error {
		return s.send(ctx, out, path)
	})
	if err != nil {
		return err
	}
	if !s.opts.Watch {
		return nil
	}
	return s.watch(ctx, out)
}

func (s *Scanner) walk(fn func(path string) error) error {
	for _, arg := range s.opts.Paths {
		info, err := os.Stat(arg)
		if err != nil {
			// missing files still go to the extractor, which reports them
			if errors.Is(err, fs.ErrNotExist) {
				if s.admit(arg, true) {
					if err := fn(arg); err != nil {
						return err
					}
				}
				continue
			}
			return fmt.Errorf("stat %s: %w", arg, err)
		}

		if !info.IsDir() {
			if s.admit(arg, true) {
				if err := fn(arg); err != nil {
					return err
				}
			}
			continue
		}

		err = filepath.WalkDir(arg, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				s.logger.Warn("walk failed", "path", path, "err", err)
				return nil
			}
			if d.IsDir() {
				if path != arg && isExtractionFolder(path) {
					return filepath.SkipDir
				}
				return nil
			}
			if !s.admit(path, false) {
				return nil
			}
			return fn(path)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// admit applies the format and path filters. Explicit arguments skip the
// format check.
func (s *Scanner) admit(path string, explicit bool) bool {
	if !explicit && model.FormatOf(path) == model.FormatUnknown {
		return false
	}
	if !s.opts.Filter.Allows(path) {
		s.emit(stats.Event{Stage: stats.StageSource, Type: stats.EventTypeFiltered, Source: path})
		s.logger.Debug("source filtered", "path", path)
		return false
	}
	return true
}

func (s *Scanner) send(ctx context.Context, out chan<- model.Job, path string) error {
	s.emit(stats.Event{Stage: stats.StageSource, Type: stats.EventTypeScanned, Source: path})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case out <- model.Job{Path: path}:
		return nil
	}
}

func (s *Scanner) watch(ctx context.Context, out chan<- model.Job) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	watched := 0
	for _, arg := range s.opts.Paths {
		info, err := os.Stat(arg)
		if err != nil || !info.IsDir() {
			continue
		}
		watched += s.addTree(watcher, arg)
	}
	if watched == 0 {
		s.logger.Warn("watch mode without directories, nothing to watch")
		return nil
	}
	s.logger.Info("watching for new email files", "directories", watched)

	pending := make(map[string]time.Time)
	ticker := time.NewTicker(settle / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			s.handle(watcher, event, pending)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("watcher error", "err", err)
		case now := <-ticker.C:
			for path, last := range pending {
				if now.Sub(last) < settle {
					continue
				}
				delete(pending, path)
				if err := s.send(ctx, out, path); err != nil {
					return err
				}
			}
		}
	}
}

func (s *Scanner) handle(watcher *fsnotify.Watcher, event fsnotify.Event, pending map[string]time.Time) {
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) && !event.Has(fsnotify.Rename) {
		return
	}
	info, err := os.Stat(event.Name)
	if err != nil {
		// renamed away or removed before we looked
		delete(pending, event.Name)
		return
	}
	if info.IsDir() {
		if event.Has(fsnotify.Create) && !isExtractionFolder(event.Name) {
			s.addTree(watcher, event.Name)
		}
		return
	}
	if _, ok := pending[event.Name]; !ok && !s.admit(event.Name, false) {
		return
	}
	pending[event.Name] = time.Now()
}

// addTree watches root and every directory below it except extraction folders.
func (s *Scanner) addTree(watcher *fsnotify.Watcher, root string) int {
	added := 0
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return nil
		}
		if path != root && isExtractionFolder(path) {
			return filepath.SkipDir
		}
		if err := watcher.Add(path); err != nil {
			s.logger.Warn("watch failed", "path", path, "err", err)
			return nil
		}
		added++
		return nil
	})
	return added
}

func isExtractionFolder(path string) bool {
	return strings.HasSuffix(filepath.Base(path), extract.FolderSuffix)
}

// Count returns the number of sources a scan would produce.
func Count(opts Options) (int, error) {
	s, err := NewScanner(opts, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		return 0, err
	}
	paths, err := s.Scan()
	return len(paths), err
}

// Producer runs a Scanner as the source stage of a runner.
type Producer struct {
	scanner *Scanner
	runner  *runner.Runner
}

func NewProducer(opts Options, r *runner.Runner, logger *slog.Logger) (*Producer, error) {
	scanner, err := NewScanner(opts, logger)
	if err != nil {
		return nil, err
	}
	scanner.emit = r.EmitEvent
	producer := &Producer{scanner: scanner, runner: r}
	r.AddStage("source", producer.run)
	return producer, nil
}

func (p *Producer) run(ctx context.Context) error {
	defer p.runner.CloseJobs()
	return p.scanner.Stream(ctx, p.runner.JobWriter())
}
