// Package report renders batch results for operators: an aligned text
// summary and a JSON-lines record log.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/danmuck/ftprelay/internal/localstore"
	"github.com/danmuck/ftprelay/internal/relay"
)

const rule = "===================================================="

type Format string

const (
	FormatText  Format = "text"
	FormatJSONL Format = "jsonl"
)

// ParseFormat accepts "text", "jsonl" or "json".
func ParseFormat(raw string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "text", "txt":
		return FormatText, nil
	case "jsonl", "json":
		return FormatJSONL, nil
	default:
		return "", fmt.Errorf("report: unknown format %q", raw)
	}
}

// WriteText writes a header with totals followed by one line per record.
func WriteText(w io.Writer, res *relay.RunResult) error {
	counts := res.Counts()
	stamp := res.FinishedAt
	if stamp.IsZero() {
		stamp = time.Now()
	}
	var b strings.Builder
	fmt.Fprintln(&b, rule)
	fmt.Fprintf(&b, "Report %s generated %s\n", res.ID, stamp.Format(time.RFC3339))
	fmt.Fprintf(&b, "Direction: %s | Policy: %s | State: %s | Passes: %d\n", res.Direction, res.Policy, res.State, res.Passes)
	fmt.Fprintf(&b, "Total processed: %d | Delivered: %d | Failed: %d | Skipped: %d | Not attempted: %d\n",
		len(res.Records), counts.Delivered, counts.Failed, counts.Skipped, counts.NotAttempted)
	if res.Error != "" {
		fmt.Fprintf(&b, "Run error: %s\n", res.Error)
	}
	for _, rec := range res.Records {
		remote := "n/a"
		if rec.RemoteSize >= 0 {
			remote = fmt.Sprintf("%d bytes", rec.RemoteSize)
		}
		fmt.Fprintf(&b, "- %-9s | attempts: %2d | local: %6d bytes | remote: %8s | %s | %s\n",
			strings.ToUpper(string(rec.Status)), rec.Attempts, rec.LocalSize, remote, rec.Name, rec.Detail)
	}
	for _, name := range res.NotAttempted {
		fmt.Fprintf(&b, "- %-9s | %s\n", "PENDING", name)
	}
	b.WriteString("\n")
	_, err := io.WriteString(w, b.String())
	return err
}

type jsonLine struct {
	Run       string `json:"run"`
	Direction string `json:"direction"`
	relay.BatchRecord
}

// JSONLines writes one object per record.
func JSONLines(w io.Writer, res *relay.RunResult) error {
	enc := json.NewEncoder(w)
	for _, rec := range res.Records {
		if err := enc.Encode(jsonLine{Run: res.ID, Direction: res.Direction, BatchRecord: rec}); err != nil {
			return fmt.Errorf("report: encode %s: %w", rec.Name, err)
		}
	}
	return nil
}

// Writer appends reports to one file per direction and day below Dir.
type Writer struct {
	store  *localstore.Store
	dir    string
	format Format
}

func NewWriter(store *localstore.Store, dir string, format Format) *Writer {
	if format == "" {
		format = FormatText
	}
	return &Writer{store: store, dir: dir, format: format}
}

// Path is the report file for res.
func (w *Writer) Path(res *relay.RunResult) string {
	ext := ".txt"
	if w.format == FormatJSONL {
		ext = ".jsonl"
	}
	day := res.StartedAt
	if day.IsZero() {
		day = time.Now()
	}
	return filepath.Join(w.dir, fmt.Sprintf("%s_report_%s%s", res.Direction, day.Format("20060102"), ext))
}

// Write appends res to its report file and returns the path.
func (w *Writer) Write(res *relay.RunResult) (string, error) {
	path := w.Path(res)
	out, err := w.store.Append(path)
	if err != nil {
		return "", err
	}
	if w.format == FormatJSONL {
		err = JSONLines(out, res)
	} else {
		err = WriteText(out, res)
	}
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return "", err
	}
	return path, nil
}
