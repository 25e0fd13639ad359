// Package download writes remote streams to local files, reporting progress as bytes arrive.
package download

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/vfetch/video-fetcher"
)

type saveConfig struct {
	fs       afero.Fs
	progress video_fetcher.ProgressFunc
	expected int64
}

type SaveOption func(*saveConfig)

// WithFs overrides the filesystem written to (the OS filesystem by default).
func WithFs(fs afero.Fs) SaveOption {
	return func(c *saveConfig) {
		c.fs = fs
	}
}

func WithProgress(f video_fetcher.ProgressFunc) SaveOption {
	return func(c *saveConfig) {
		c.progress = f
	}
}

// WithExpectedBytes sets the total reported alongside progress; <= 0 means unknown.
func WithExpectedBytes(n int64) SaveOption {
	return func(c *saveConfig) {
		c.expected = n
	}
}

func newSaveConfig(opts []SaveOption) saveConfig {
	c := saveConfig{fs: afero.NewOsFs()}
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

// SaveStream copies stream into the file at path, creating parent directories and truncating any existing file. It
// returns the number of bytes written.
func SaveStream(ctx context.Context, path string, stream io.Reader, opts ...SaveOption) (int64, error) {
	c := newSaveConfig(opts)
	if err := c.fs.MkdirAll(filepath.Dir(path), 0775); err != nil {
		return 0, fmt.Errorf("failed to create target dir: %w", err)
	}
	f, err := c.fs.Create(path)
	if err != nil {
		return 0, fmt.Errorf("failed to open target file: %w", err)
	}
	defer f.Close()

	counter := &progressWriter{expected: c.expected, callback: c.progress}
	counter.report()
	// The counter goes last so failed writes to the file are not counted.
	n, err := io.Copy(io.MultiWriter(f, counter), &readerContext{ctx: ctx, r: stream})
	if err != nil {
		return n, fmt.Errorf("failed to save stream: %w", err)
	}
	return n, nil
}

// SaveHTTPRequest executes req with ctx and saves the response body like SaveStream. Non-2xx responses are returned as
// *StatusError without creating the file.
func SaveHTTPRequest(ctx context.Context, client *http.Client, req *http.Request, path string, opts ...SaveOption) (int64, error) {
	if req == nil {
		return 0, fmt.Errorf("nil request")
	}
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req.WithContext(ctx))
	if err != nil {
		return 0, fmt.Errorf("download failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return 0, &StatusError{StatusCode: resp.StatusCode, Status: resp.Status}
	}
	if resp.ContentLength > 0 {
		opts = append(opts, WithExpectedBytes(resp.ContentLength))
	}
	return SaveStream(ctx, path, resp.Body, opts...)
}

type StatusError struct {
	StatusCode int
	Status     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected HTTP status: %s", e.Status)
}

// progressWriter discards the data but passes the running byte count to callback.
type progressWriter struct {
	downloaded int64
	expected   int64
	callback   video_fetcher.ProgressFunc
}

func (w *progressWriter) Write(p []byte) (int, error) {
	n := len(p)
	w.downloaded += int64(n)
	w.report()
	return n, nil
}

func (w *progressWriter) report() {
	if w.callback != nil {
		w.callback(w.downloaded, w.expected)
	}
}

// A context-aware io.Reader wrapper.
type readerContext struct {
	ctx context.Context
	r   io.Reader
}

func (r *readerContext) Read(p []byte) (n int, err error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	return r.r.Read(p)
}
