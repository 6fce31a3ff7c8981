// Package extract turns .msg and .eml files into a folder holding EMAIL.md,
// every attachment and inline image, and one subfolder per embedded message.
package extract

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dhcgn/mail-extract/eml"
	"github.com/dhcgn/mail-extract/model"
	"github.com/dhcgn/mail-extract/msg"
	"github.com/dhcgn/mail-extract/naming"
	"github.com/dhcgn/mail-extract/render"
	"github.com/dhcgn/mail-extract/state"
)

const (
	FolderSuffix = ".extracted"
	DocumentName = "EMAIL.md"
)

type CompoundParser func(io.ReaderAt) (*msg.Message, error)

type MIMEParser func(io.Reader) (*eml.Message, error)

type Options struct {
	// Root confines sources to a directory tree when set.
	Root      string
	Logger    *slog.Logger
	Converter render.Converter
	// Tracker records finished extractions; nil disables the journal.
	Tracker state.Tracker
	// TempDir holds scratch copies of the sources; empty means os.TempDir.
	TempDir string

	ParseCompound CompoundParser
	ParseMIME     MIMEParser
}

type Extractor struct {
	opts   Options
	root   string
	logger *slog.Logger
	locks  *pathLocks
}

func New(opts Options) *Extractor {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Converter == nil {
		opts.Converter = render.NewHTMLConverter()
	}
	if opts.ParseCompound == nil {
		opts.ParseCompound = msg.Parse
	}
	if opts.ParseMIME == nil {
		opts.ParseMIME = eml.Parse
	}

	x := &Extractor{
		opts:   opts,
		logger: opts.Logger,
		locks:  newPathLocks(),
	}
	if opts.Root != "" {
		if abs, err := filepath.Abs(opts.Root); err == nil {
			x.root = filepath.Clean(abs)
		} else {
			x.root = filepath.Clean(opts.Root)
		}
	}
	return x
}

// Extract writes the contents of the email at path to <path>.extracted. An
// existing folder is returned as is without reading the source again.
func (x *Extractor) Extract(path string) (model.Result, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return model.Result{}, fmt.Errorf("resolve %s: %w", path, err)
	}
	if err := x.checkRoot(abs); err != nil {
		return model.Result{}, err
	}

	info, err := os.Stat(abs)
	if err != nil || info.IsDir() {
		return model.Result{}, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	format := model.FormatOf(abs)
	if format == model.FormatUnknown {
		return model.Result{}, fmt.Errorf("%w: %s", ErrUnsupportedFormat, path)
	}

	unlock := x.locks.lock(abs)
	defer unlock()

	folder := abs + FolderSuffix
	logger := x.logger.With("source", abs, "format", format.String())

	if fi, err := os.Stat(folder); err == nil && fi.IsDir() {
		logger.Debug("extraction folder exists, skipping", "folder", folder)
		return x.cached(logger, abs, folder), nil
	}
	if err := os.Mkdir(folder, 0o755); err != nil {
		return model.Result{}, fmt.Errorf("create extraction folder: %w", err)
	}

	start := time.Now()
	logger.Info("extract start", "folder", folder)

	lvl, digest := x.run(logger, abs, format, folder)
	res := model.Result{
		Folder:   folder,
		Items:    lvl.items,
		Failures: lvl.failures,
		Files:    x.listFiles(logger, folder),
	}

	if x.opts.Tracker != nil {
		rec := state.Record{
			Source:      abs,
			SHA256:      digest,
			Folder:      folder,
			Items:       res.Items,
			Failures:    len(res.Failures),
			ExtractedAt: time.Now().UTC(),
		}
		if err := x.opts.Tracker.Record(rec); err != nil {
			logger.Warn("journal write failed", "err", err)
		}
	}

	logger.Info("extract done",
		"folder", folder,
		"items", res.Items,
		"failures", len(res.Failures),
		"duration", time.Since(start))
	return res, nil
}

func (x *Extractor) checkRoot(abs string) error {
	if x.root == "" {
		return nil
	}
	rel, err := filepath.Rel(x.root, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
		return fmt.Errorf("%w: %s", ErrOutsideRoot, abs)
	}
	return nil
}

func (x *Extractor) cached(logger *slog.Logger, source, folder string) model.Result {
	res := model.Result{
		Folder: folder,
		Cached: true,
		Files:  x.listFiles(logger, folder),
	}
	if x.opts.Tracker != nil {
		if rec, ok := x.opts.Tracker.Lookup(source); ok && rec.Folder == folder {
			res.Items = rec.Items
		}
	}
	return res
}

// run copies the source, parses it and runs the pipeline of its format. It
// returns the hex sha256 of the source when the copy succeeded.
func (x *Extractor) run(logger *slog.Logger, source string, format model.Format, folder string) (level, string) {
	tmp, digest, err := x.tempCopy(source)
	if err != nil {
		logger.Warn("temp copy failed", "kind", "temp", "err", err)
		return x.placeholder(logger, folder, filepath.Base(source), err), ""
	}
	defer x.removeTemp(logger, tmp)

	switch format {
	case model.FormatCompound:
		m, err := x.opts.ParseCompound(tmp)
		if err != nil {
			logger.Warn("parse failed", "err", err)
			return x.placeholder(logger, folder, filepath.Base(source), fmt.Errorf("parse msg: %w", err)), digest
		}
		return x.compound(logger, folder, "", render.TitleEmail, m), digest
	default:
		m, err := x.opts.ParseMIME(tmp)
		if err != nil {
			logger.Warn("parse failed", "err", err)
			return x.placeholder(logger, folder, filepath.Base(source), fmt.Errorf("parse eml: %w", err)), digest
		}
		return x.mime(logger, folder, "", render.TitleEmail, m), digest
	}
}

// placeholder leaves a document without headers or body behind so every
// extraction folder holds an EMAIL.md.
func (x *Extractor) placeholder(logger *slog.Logger, folder, source string, cause error) level {
	var lvl level
	lvl.fail("", source, cause)
	if err := x.writeDocument(logger, folder, render.TitleEmail, model.Envelope{}, model.Body{}); err != nil {
		lvl.fail("", DocumentName, err)
	}
	return lvl
}

func (x *Extractor) tempCopy(source string) (*os.File, string, error) {
	in, err := os.Open(source)
	if err != nil {
		return nil, "", fmt.Errorf("open source: %w", err)
	}
	defer in.Close()

	tmp, err := os.CreateTemp(x.opts.TempDir, "mail-extract-*"+filepath.Ext(source))
	if err != nil {
		return nil, "", fmt.Errorf("create temp copy: %w", err)
	}

	hash := sha256.New()
	if _, err := io.Copy(io.MultiWriter(tmp, hash), in); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return nil, "", fmt.Errorf("copy source: %w", err)
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return nil, "", fmt.Errorf("rewind temp copy: %w", err)
	}
	return tmp, hex.EncodeToString(hash.Sum(nil)), nil
}

func (x *Extractor) removeTemp(logger *slog.Logger, tmp *os.File) {
	closeErr := tmp.Close()
	removeErr := os.Remove(tmp.Name())
	if err := errors.Join(closeErr, removeErr); err != nil {
		logger.Warn("temp cleanup failed", "kind", "temp", "path", tmp.Name(), "err", err)
	}
}

func (x *Extractor) writeDocument(logger *slog.Logger, dir, title string, env model.Envelope, body model.Body) error {
	doc, renderErrs := render.Document(title, env, body, x.opts.Converter)
	for _, err := range renderErrs {
		logger.Warn("html conversion failed", "folder", dir, "err", err)
	}
	if _, err := naming.WriteUnique(dir, DocumentName, []byte(doc)); err != nil {
		return fmt.Errorf("write %s: %w", DocumentName, err)
	}
	return nil
}

// listFiles returns every regular file below folder, relative to it and with
// forward slashes, in lexical order.
func (x *Extractor) listFiles(logger *slog.Logger, folder string) []string {
	var files []string
	err := filepath.WalkDir(folder, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(folder, path)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		logger.Warn("list extraction folder failed", "folder", folder, "err", err)
	}
	return files
}
