package extract

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/dhcgn/mail-extract/eml"
	"github.com/dhcgn/mail-extract/model"
	"github.com/dhcgn/mail-extract/msg"
	"github.com/dhcgn/mail-extract/naming"
	"github.com/dhcgn/mail-extract/state"
)

var pngMagic = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeSource(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write source: %v", err)
	}
	return path
}

func compoundExtractor(m *msg.Message, calls *int32) *Extractor {
	return New(Options{
		Logger: testLogger(),
		ParseCompound: func(io.ReaderAt) (*msg.Message, error) {
			if calls != nil {
				atomic.AddInt32(calls, 1)
			}
			return m, nil
		},
	})
}

func assertFiles(t *testing.T, got []string, want ...string) {
	t.Helper()
	got = append([]string(nil), got...)
	sort.Strings(got)
	sort.Strings(want)
	if strings.Join(got, "\n") != strings.Join(want, "\n") {
		t.Errorf("files = %q, want %q", got, want)
	}
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return string(data)
}

func TestExtractPlainTextMIME(t *testing.T) {
	dir := t.TempDir()
	src := writeSource(t, dir, "hello.eml", "From: alice@example.com\nTo: bob@example.com\nSubject: Hello\n\nJust a note.\n")

	res, err := New(Options{Logger: testLogger()}).Extract(src)
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if res.Folder != src+FolderSuffix {
		t.Errorf("Folder = %q, want %q", res.Folder, src+FolderSuffix)
	}
	if res.Items != 0 || res.Cached {
		t.Errorf("Items = %d, Cached = %v; want 0, false", res.Items, res.Cached)
	}
	assertFiles(t, res.Files, "EMAIL.md")

	doc := readFile(t, filepath.Join(res.Folder, DocumentName))
	for _, want := range []string{
		"# Email Content\n\n## Headers\n\n",
		"**From:** alice@example.com\n\n",
		"**Subject:** Hello\n\n",
		"## Body\n\nJust a note.",
	} {
		if !strings.Contains(doc, want) {
			t.Errorf("EMAIL.md missing %q:\n%s", want, doc)
		}
	}
	if strings.Contains(doc, "**Cc:**") {
		t.Errorf("EMAIL.md renders an absent header:\n%s", doc)
	}
}

const attachmentsEML = `From: alice@example.com
Subject: Files
Content-Type: multipart/mixed; boundary="b"

--b
Content-Type: text/plain

See attached.
--b
Content-Type: application/pdf
Content-Disposition: attachment; filename="report.pdf"
Content-Transfer-Encoding: base64

JVBERi0xLjQK
--b--
`

func TestExtractSingleAttachment(t *testing.T) {
	dir := t.TempDir()
	src := writeSource(t, dir, "files.eml", attachmentsEML)

	res, err := New(Options{Logger: testLogger()}).Extract(src)
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if res.Items != 1 {
		t.Errorf("Items = %d, want 1", res.Items)
	}
	assertFiles(t, res.Files, "EMAIL.md", "report.pdf")
	if got := readFile(t, filepath.Join(res.Folder, "report.pdf")); got != "%PDF-1.4\n" {
		t.Errorf("report.pdf = %q", got)
	}
}

const duplicateNamesEML = `Subject: Twice
Content-Type: multipart/mixed; boundary="b"

--b
Content-Type: text/csv
Content-Disposition: attachment; filename="data.csv"

a,b
--b
Content-Type: text/csv
Content-Disposition: attachment; filename="data.csv"

c,d
--b
Content-Type: text/markdown
Content-Disposition: attachment; filename="EMAIL.md"

# not the document
--b--
`

func TestExtractDuplicateNames(t *testing.T) {
	dir := t.TempDir()
	src := writeSource(t, dir, "twice.eml", duplicateNamesEML)

	res, err := New(Options{Logger: testLogger()}).Extract(src)
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if res.Items != 3 {
		t.Errorf("Items = %d, want 3", res.Items)
	}
	assertFiles(t, res.Files, "EMAIL.md", "EMAIL_1.md", "data.csv", "data_1.csv")

	if got := readFile(t, filepath.Join(res.Folder, "data.csv")); got != "a,b" {
		t.Errorf("data.csv = %q", got)
	}
	if got := readFile(t, filepath.Join(res.Folder, "data_1.csv")); got != "c,d" {
		t.Errorf("data_1.csv = %q", got)
	}
	if doc := readFile(t, filepath.Join(res.Folder, DocumentName)); !strings.HasPrefix(doc, "# Email Content") {
		t.Errorf("EMAIL.md was replaced by an attachment:\n%s", doc)
	}
}

func TestExtractCompoundFixture(t *testing.T) {
	data, err := os.ReadFile(filepath.Join("..", "msg", "test_data", "quarterly.msg"))
	if err != nil {
		t.Fatal(err)
	}
	src := writeSource(t, t.TempDir(), "quarterly.msg", string(data))

	var logs bytes.Buffer
	x := New(Options{Logger: slog.New(slog.NewTextHandler(&logs, nil))})
	res, err := x.Extract(src)
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if len(res.Failures) != 0 {
		t.Errorf("Failures = %v", res.Failures)
	}
	// figures.csv and the forwarded message
	if res.Items != 2 {
		t.Errorf("Items = %d, want 2", res.Items)
	}
	assertFiles(t, res.Files,
		"EMAIL.md",
		"figures.csv",
		"Fwd notes_embedded/EMAIL.md",
		"Fwd notes_embedded/notes.pdf",
	)

	if got := readFile(t, filepath.Join(res.Folder, "figures.csv")); got != "q,n\n1,2\n" {
		t.Errorf("figures.csv = %q", got)
	}
	doc := readFile(t, filepath.Join(res.Folder, DocumentName))
	for _, want := range []string{
		"**From:** Alice Example <alice@example.com>",
		"**Subject:** Quarterly numbers",
		"See attached.",
	} {
		if !strings.Contains(doc, want) {
			t.Errorf("EMAIL.md missing %q:\n%s", want, doc)
		}
	}
	inner := readFile(t, filepath.Join(res.Folder, "Fwd notes_embedded", DocumentName))
	if !strings.Contains(inner, "# Embedded Email Content") || !strings.Contains(inner, "Inner body") {
		t.Errorf("embedded EMAIL.md:\n%s", inner)
	}
	if !strings.Contains(logs.String(), "content_id=fig@example.com") {
		t.Errorf("log does not name the content id:\n%s", logs.String())
	}
}

func TestExtractEmbeddedCompound(t *testing.T) {
	dir := t.TempDir()
	src := writeSource(t, dir, "outer.msg", "not parsed")

	inner := &msg.Message{
		Envelope: model.Envelope{Subject: "Inner"},
		Body:     model.Body{Text: "inner body"},
		Attachments: []*msg.Attachment{
			{LongName: "notes.txt", Data: []byte("notes")},
		},
	}
	outer := &msg.Message{
		Envelope: model.Envelope{From: "Alice", Subject: "Outer"},
		Attachments: []*msg.Attachment{
			{LongName: "Fwd.msg", Embedded: inner},
		},
	}

	res, err := compoundExtractor(outer, nil).Extract(src)
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if res.Items != 1 {
		t.Errorf("Items = %d, want 1", res.Items)
	}
	assertFiles(t, res.Files, "EMAIL.md", "Fwd_embedded/EMAIL.md", "Fwd_embedded/notes.txt")

	doc := readFile(t, filepath.Join(res.Folder, "Fwd_embedded", DocumentName))
	if !strings.HasPrefix(doc, "# Embedded Email Content\n\n") {
		t.Errorf("embedded EMAIL.md title:\n%s", doc)
	}
	if !strings.Contains(doc, "**Subject:** Inner") || !strings.Contains(doc, "inner body") {
		t.Errorf("embedded EMAIL.md content:\n%s", doc)
	}

	top := readFile(t, filepath.Join(res.Folder, DocumentName))
	if !strings.HasSuffix(top, "## Body\n\n*No body content found*\n") {
		t.Errorf("top EMAIL.md without body:\n%s", top)
	}
}

func TestExtractCountsSavedCompoundAttachments(t *testing.T) {
	src := writeSource(t, t.TempDir(), "sparse.msg", "not parsed")
	m := &msg.Message{Attachments: []*msg.Attachment{
		{LongName: "empty.bin"},
		{LongName: "kept.txt", Data: []byte("kept")},
		{LongName: "blank.txt"},
	}}

	res, err := compoundExtractor(m, nil).Extract(src)
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	// entries without a payload are skipped and not counted
	if res.Items != 1 {
		t.Errorf("Items = %d, want 1", res.Items)
	}
	if len(res.Failures) != 0 {
		t.Errorf("Failures = %v", res.Failures)
	}
	assertFiles(t, res.Files, "EMAIL.md", "kept.txt")
}

func TestExtractEmbeddedFolderCollision(t *testing.T) {
	dir := t.TempDir()
	src := writeSource(t, dir, "outer.msg", "not parsed")

	outer := &msg.Message{
		Attachments: []*msg.Attachment{
			{LongName: "Fwd.msg", Embedded: &msg.Message{Envelope: model.Envelope{Subject: "one"}}},
			{LongName: "Fwd.eml", Embedded: &msg.Message{Envelope: model.Envelope{Subject: "two"}}},
		},
	}

	res, err := compoundExtractor(outer, nil).Extract(src)
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if res.Items != 2 {
		t.Errorf("Items = %d, want 2", res.Items)
	}
	assertFiles(t, res.Files, "EMAIL.md", "Fwd_embedded/EMAIL.md", "Fwd_embedded_1/EMAIL.md")
}

func TestExtractSniffsUnnamedAttachment(t *testing.T) {
	t.Run("compound", func(t *testing.T) {
		dir := t.TempDir()
		src := writeSource(t, dir, "pic.msg", "not parsed")
		m := &msg.Message{Attachments: []*msg.Attachment{{Data: pngMagic}}}

		res, err := compoundExtractor(m, nil).Extract(src)
		if err != nil {
			t.Fatalf("Extract() error = %v", err)
		}
		assertFiles(t, res.Files, "EMAIL.md", "attachment_1.png")
	})

	t.Run("mime", func(t *testing.T) {
		dir := t.TempDir()
		src := writeSource(t, dir, "pic.eml", "not parsed")
		m := &eml.Message{Parts: []*eml.Part{
			{ContentType: "application/x-unknown-blob", Disposition: "attachment", Data: pngMagic},
		}}
		x := New(Options{
			Logger:    testLogger(),
			ParseMIME: func(io.Reader) (*eml.Message, error) { return m, nil },
		})

		res, err := x.Extract(src)
		if err != nil {
			t.Fatalf("Extract() error = %v", err)
		}
		assertFiles(t, res.Files, "EMAIL.md", "attachment_1.png")
	})
}

func TestExtractIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	src := writeSource(t, dir, "once.msg", "not parsed")

	var calls int32
	m := &msg.Message{Attachments: []*msg.Attachment{{LongName: "a.txt", Data: []byte("a")}}}
	x := compoundExtractor(m, &calls)

	first, err := x.Extract(src)
	if err != nil {
		t.Fatalf("first Extract() error = %v", err)
	}

	// Anything written by a second pass would reappear.
	if err := os.Remove(filepath.Join(first.Folder, DocumentName)); err != nil {
		t.Fatal(err)
	}

	second, err := x.Extract(src)
	if err != nil {
		t.Fatalf("second Extract() error = %v", err)
	}
	if !second.Cached || second.Folder != first.Folder {
		t.Errorf("second result = %+v, want cached %q", second, first.Folder)
	}
	if calls != 1 {
		t.Errorf("parser calls = %d, want 1", calls)
	}
	assertFiles(t, second.Files, "a.txt")
}

func TestExtractConcurrentSameSource(t *testing.T) {
	dir := t.TempDir()
	src := writeSource(t, dir, "shared.msg", "not parsed")

	var calls int32
	m := &msg.Message{Attachments: []*msg.Attachment{{LongName: "a.txt", Data: []byte("a")}}}
	x := compoundExtractor(m, &calls)

	const workers = 8
	var (
		wg     sync.WaitGroup
		fresh  int32
		failed int32
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := x.Extract(src)
			if err != nil {
				atomic.AddInt32(&failed, 1)
				return
			}
			if !res.Cached {
				atomic.AddInt32(&fresh, 1)
			}
		}()
	}
	wg.Wait()

	if failed != 0 || fresh != 1 || calls != 1 {
		t.Errorf("failed = %d, fresh = %d, parser calls = %d; want 0, 1, 1", failed, fresh, calls)
	}
}

func TestExtractErrors(t *testing.T) {
	dir := t.TempDir()
	notes := writeSource(t, dir, "notes.txt", "plain")
	if err := os.Mkdir(filepath.Join(dir, "folder.eml"), 0o755); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		path string
		want error
	}{
		{"missing", filepath.Join(dir, "missing.eml"), ErrNotFound},
		{"missing unsupported", filepath.Join(dir, "missing.txt"), ErrNotFound},
		{"directory", filepath.Join(dir, "folder.eml"), ErrNotFound},
		{"unsupported", notes, ErrUnsupportedFormat},
	}

	x := New(Options{Logger: testLogger()})
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := x.Extract(tt.path)
			if !errors.Is(err, tt.want) {
				t.Errorf("Extract() error = %v, want %v", err, tt.want)
			}
		})
	}

	if _, err := os.Stat(notes + FolderSuffix); !os.IsNotExist(err) {
		t.Errorf("unsupported source left a folder behind: %v", err)
	}
}

func TestExtractOutsideRoot(t *testing.T) {
	root := t.TempDir()
	other := t.TempDir()
	src := writeSource(t, other, "mail.eml", "Subject: x\n\nbody\n")

	x := New(Options{Logger: testLogger(), Root: root})
	if _, err := x.Extract(src); !errors.Is(err, ErrOutsideRoot) {
		t.Errorf("Extract() error = %v, want ErrOutsideRoot", err)
	}

	inside := writeSource(t, root, "mail.eml", "Subject: x\n\nbody\n")
	if _, err := x.Extract(inside); err != nil {
		t.Errorf("Extract() inside root error = %v", err)
	}
}

func TestExtractPartialFailure(t *testing.T) {
	dir := t.TempDir()
	src := writeSource(t, dir, "broken.eml", "not parsed")

	decodeErr := errors.New("illegal base64 data")
	m := &eml.Message{
		Envelope: model.Envelope{Subject: "Broken"},
		Parts: []*eml.Part{
			{ContentType: "application/pdf", Disposition: "attachment", Filename: "bad.pdf", Err: decodeErr},
			{ContentType: "application/pdf", Disposition: "attachment", Filename: "good.pdf", Data: []byte("%PDF-1.4")},
			{ContentType: "application/pdf", Disposition: "attachment", Filename: "empty.pdf"},
		},
	}
	x := New(Options{
		Logger:    testLogger(),
		ParseMIME: func(io.Reader) (*eml.Message, error) { return m, nil },
	})

	res, err := x.Extract(src)
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if res.Items != 1 {
		t.Errorf("Items = %d, want 1", res.Items)
	}
	assertFiles(t, res.Files, "EMAIL.md", "good.pdf")
	if len(res.Failures) != 1 || !errors.Is(res.Failures[0], decodeErr) || res.Failures[0].Name != "bad.pdf" {
		t.Errorf("Failures = %v", res.Failures)
	}
}

func TestExtractParseFailureLeavesPlaceholder(t *testing.T) {
	dir := t.TempDir()
	src := writeSource(t, dir, "garbage.msg", "not a compound file")

	res, err := New(Options{Logger: testLogger()}).Extract(src)
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if res.Items != 0 || len(res.Failures) != 1 {
		t.Errorf("Items = %d, Failures = %v", res.Items, res.Failures)
	}
	assertFiles(t, res.Files, "EMAIL.md")

	doc := readFile(t, filepath.Join(res.Folder, DocumentName))
	if !strings.Contains(doc, "*No body content found*") {
		t.Errorf("placeholder EMAIL.md:\n%s", doc)
	}
}

func TestExtractNestedMIME(t *testing.T) {
	dir := t.TempDir()
	data, err := os.ReadFile(filepath.Join("..", "eml", "test_data", "report.eml"))
	if err != nil {
		t.Fatal(err)
	}
	src := writeSource(t, dir, "report.eml", string(data))

	var logs bytes.Buffer
	res, err := New(Options{Logger: slog.New(slog.NewTextHandler(&logs, nil))}).Extract(src)
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if !strings.Contains(logs.String(), `msg="saved inline image" name=inline_chart_at_example_com.png`) {
		t.Errorf("inline image not logged as such:\n%s", logs.String())
	}
	// embedded image, data.csv and the forwarded message
	if res.Items != 3 {
		t.Errorf("Items = %d, want 3", res.Items)
	}
	assertFiles(t, res.Files,
		"EMAIL.md",
		"inline_chart_at_example_com.png",
		"data.csv",
		"Fwd notes_embedded/EMAIL.md",
		"Fwd notes_embedded/notes.pdf",
	)

	doc := readFile(t, filepath.Join(res.Folder, DocumentName))
	if !strings.Contains(doc, "**Subject:** Quartalsbericht Übersicht") {
		t.Errorf("EMAIL.md subject:\n%s", doc)
	}
	if !strings.Contains(doc, "**Bob**") {
		t.Errorf("EMAIL.md body was not converted from html:\n%s", doc)
	}
}

const latin1AttachmentEML = "Subject: Export\r\n" +
	"Content-Type: multipart/mixed; boundary=\"b\"\r\n" +
	"\r\n" +
	"--b\r\n" +
	"Content-Type: text/plain; charset=iso-8859-1\r\n" +
	"\r\n" +
	"Gr\xfc\xdfe\r\n" +
	"--b\r\n" +
	"Content-Type: text/csv; charset=iso-8859-1\r\n" +
	"Content-Disposition: attachment; filename=\"data.csv\"\r\n" +
	"Content-Transfer-Encoding: base64\r\n" +
	"\r\n" +
	"Y2Fm6Qo=\r\n" +
	"--b--\r\n"

func TestExtractKeepsAttachmentBytes(t *testing.T) {
	dir := t.TempDir()
	src := writeSource(t, dir, "export.eml", latin1AttachmentEML)

	res, err := New(Options{Logger: testLogger()}).Extract(src)
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if got := readFile(t, filepath.Join(res.Folder, "data.csv")); got != "caf\xe9\n" {
		t.Errorf("data.csv = %q, want the undecoded latin-1 bytes", got)
	}
	if doc := readFile(t, filepath.Join(res.Folder, DocumentName)); !strings.Contains(doc, "Grüße") {
		t.Errorf("EMAIL.md body not converted to utf-8:\n%s", doc)
	}
}

const untitledNestedEML = `Subject: Wrapper
Content-Type: multipart/mixed; boundary="b"

--b
Content-Type: application/octet-stream
Content-Disposition: attachment; filename="first.bin"

xyz
--b
Content-Type: message/rfc822
Content-Disposition: attachment

From: carol@example.com

untitled body
--b--
`

func TestExtractUntitledNestedMIME(t *testing.T) {
	dir := t.TempDir()
	src := writeSource(t, dir, "wrapper.eml", untitledNestedEML)

	res, err := New(Options{Logger: testLogger()}).Extract(src)
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	assertFiles(t, res.Files, "EMAIL.md", "first.bin", "embedded_message_2_embedded/EMAIL.md")
}

func TestExtractFallbackKeepsSuffix(t *testing.T) {
	dir := t.TempDir()
	src := writeSource(t, dir, "long.msg", "not parsed")

	long := strings.Repeat("q", 150) + ".pdf"
	m := &msg.Message{Attachments: []*msg.Attachment{
		{LongName: "a:b?.pdf", Data: []byte("x")},
		{LongName: long, Data: []byte("y")},
	}}

	res, err := compoundExtractor(m, nil).Extract(src)
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	want := strings.Repeat("q", naming.MaxLength-4) + ".pdf"
	assertFiles(t, res.Files, "EMAIL.md", "a_b_.pdf", want)
}

func TestExtractRecordsJournal(t *testing.T) {
	dir := t.TempDir()
	src := writeSource(t, dir, "files.eml", attachmentsEML)
	tracker := state.NewMemoryTracker()
	x := New(Options{Logger: testLogger(), Tracker: tracker})

	if _, err := x.Extract(src); err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	rec, ok := tracker.Lookup(src)
	if !ok {
		t.Fatal("no journal record")
	}
	if rec.Items != 1 || len(rec.SHA256) != 64 || rec.Folder != src+FolderSuffix {
		t.Errorf("record = %+v", rec)
	}

	again, err := x.Extract(src)
	if err != nil {
		t.Fatalf("cached Extract() error = %v", err)
	}
	if !again.Cached || again.Items != 1 {
		t.Errorf("cached result = %+v, want items from journal", again)
	}
}

func TestSanitizeKeepExt(t *testing.T) {
	tests := map[string]string{
		"report.pdf":   "report.pdf",
		"a/b.pdf":      "a_b.pdf",
		"noext":        "noext",
		"bad.e<x>":     "bad.e_x",
		"  .hidden  ":  ".hidden",
		"x" + "\x00.z": "x_.z",
	}
	for in, want := range tests {
		if got := sanitizeKeepExt(in); got != want {
			t.Errorf("sanitizeKeepExt(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestTrimMessageExt(t *testing.T) {
	tests := map[string]string{
		"Fwd.msg":  "Fwd",
		"Fwd.EML":  "Fwd",
		".msg":     ".msg",
		"Fwd.txt":  "Fwd.txt",
		"Fwd.msgx": "Fwd.msgx",
	}
	for in, want := range tests {
		if got := trimMessageExt(in); got != want {
			t.Errorf("trimMessageExt(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestPathLocksRelease(t *testing.T) {
	p := newPathLocks()
	unlock := p.lock("a")
	unlock()
	if len(p.locks) != 0 {
		t.Errorf("locks = %d after release, want 0", len(p.locks))
	}
}
