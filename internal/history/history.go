// Package history keeps an append-only record of every download attempt.
package history

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/vfetch/video-fetcher"
)

type Entry struct {
	RunID     string    `json:"run_id"`
	SourceURL string    `json:"source_url"`
	Outcome   string    `json:"outcome"`
	Failed    bool      `json:"failed"`
	At        time.Time `json:"at"`
}

// Format renders the entry as it appears in the history file: always exactly two lines, so multi-line outcomes (such
// as ffmpeg output inside an error) are folded onto one.
func (e Entry) Format() string {
	return fmt.Sprintf("%s -> \n    %s\n", singleLine(e.SourceURL), singleLine(e.Outcome))
}

func singleLine(s string) string {
	var parts []string
	for _, line := range strings.Split(s, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			parts = append(parts, line)
		}
	}
	return strings.Join(parts, " | ")
}

// Store is an additional structured sink for entries.
type Store interface {
	Put(Entry) error
}

type Recorder struct {
	fs    afero.Fs
	path  string
	store Store
	log   *zap.SugaredLogger
}

// NewRecorder appends to the file at path; store may be nil.
func NewRecorder(fs afero.Fs, path string, store Store) *Recorder {
	return &Recorder{
		fs:    fs,
		path:  path,
		store: store,
		log:   zap.S().Named("history"),
	}
}

// Record appends an entry. Failures never propagate: history is best effort and must not change the outcome of a
// download.
func (r *Recorder) Record(entry Entry) {
	if entry.At.IsZero() {
		entry.At = time.Now()
	}
	if err := r.appendFile(entry); err != nil {
		r.log.Warnf("Failed to write history: %v", err)
	}
	if r.store != nil {
		if err := r.store.Put(entry); err != nil {
			r.log.Warnf("Failed to store history: %v", err)
		}
	}
}

// Append records a plain outcome for sourceURL.
func (r *Recorder) Append(runID string, sourceURL string, outcome string, failed bool) {
	r.Record(Entry{RunID: runID, SourceURL: sourceURL, Outcome: outcome, Failed: failed})
}

func (r *Recorder) appendFile(entry Entry) error {
	if r.path == "" {
		return nil
	}
	if dir := filepath.Dir(r.path); dir != "." {
		if err := r.fs.MkdirAll(dir, 0775); err != nil {
			return fmt.Errorf("%w: %w", video_fetcher.ErrFileSystem, err)
		}
	}
	f, err := r.fs.OpenFile(r.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("%w: %w", video_fetcher.ErrFileSystem, err)
	}
	defer f.Close()
	if _, err := f.WriteString(entry.Format()); err != nil {
		return fmt.Errorf("%w: %w", video_fetcher.ErrFileSystem, err)
	}
	return nil
}
