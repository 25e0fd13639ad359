// Package mux wraps the external ffmpeg tool: combining separate video and audio files, checking the result for decode
// errors, and rewriting rotation metadata.
package mux

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/alessio/shellescape"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/vfetch/video-fetcher"
)

// Runner executes a command and returns its combined stdout and stderr.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

// ExecRunner runs commands with os/exec.
func ExecRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

type Muxer struct {
	ffmpegPath string
	runner     Runner
	lookPath   func(string) (string, error)
	fs         afero.Fs
	log        *zap.SugaredLogger
}

type Option func(*Muxer)

func WithRunner(r Runner) Option {
	return func(m *Muxer) {
		m.runner = r
	}
}

func WithLookPath(f func(string) (string, error)) Option {
	return func(m *Muxer) {
		m.lookPath = f
	}
}

func WithFs(fs afero.Fs) Option {
	return func(m *Muxer) {
		m.fs = fs
	}
}

func New(ffmpegPath string, opts ...Option) *Muxer {
	if ffmpegPath == "" {
		ffmpegPath = video_fetcher.DefaultFFmpegPath
	}
	m := &Muxer{
		ffmpegPath: ffmpegPath,
		runner:     ExecRunner,
		lookPath:   exec.LookPath,
		fs:         afero.NewOsFs(),
		log:        zap.S().Named("mux"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Available returns ErrMuxerUnavailable if ffmpeg cannot be found.
func (m *Muxer) Available() error {
	if _, err := m.lookPath(m.ffmpegPath); err != nil {
		return fmt.Errorf("%w: %s not found, install ffmpeg and make sure it is on PATH: %w",
			video_fetcher.ErrMuxerUnavailable, m.ffmpegPath, err)
	}
	return nil
}

// MuxArgs gives the ffmpeg arguments for copying the first video track of videoPath and re-encoding the first audio
// track of audioPath to AAC.
func MuxArgs(videoPath string, audioPath string, outputPath string) []string {
	return []string{
		"-hide_banner", "-v", "warning", "-stats",
		"-i", videoPath,
		"-i", audioPath,
		"-c:v", "copy",
		"-c:a", "aac",
		"-map", "0:v:0",
		"-map", "1:a:0",
		outputPath,
	}
}

// Mux combines videoPath and audioPath into outputPath. On failure any partial output is removed.
func (m *Muxer) Mux(ctx context.Context, videoPath string, audioPath string, outputPath string) error {
	if err := m.Available(); err != nil {
		return err
	}
	args := MuxArgs(videoPath, audioPath, outputPath)
	m.log.Debugf("Running %s", shellescape.QuoteCommand(append([]string{m.ffmpegPath}, args...)))
	output, err := m.runner(ctx, m.ffmpegPath, args...)
	if err != nil {
		if exists, _ := afero.Exists(m.fs, outputPath); exists {
			if rmErr := m.fs.Remove(outputPath); rmErr != nil {
				m.log.Warnf("Failed to remove partial output %s: %v", outputPath, rmErr)
			}
		}
		return fmt.Errorf("%w: %w: %s", video_fetcher.ErrMux, err, strings.TrimSpace(string(output)))
	}
	return nil
}

// VerifyArgs gives the ffmpeg arguments for decoding path fully and discarding the result.
func VerifyArgs(path string) []string {
	return []string{"-v", "error", "-i", path, "-f", "null", "-"}
}

// Verify decodes path and returns the diagnostics ffmpeg printed, which are empty for an intact file. An error is
// only returned if ffmpeg could not be run at all, or exited unsuccessfully without printing any diagnostics.
func (m *Muxer) Verify(ctx context.Context, path string) (string, error) {
	if err := m.Available(); err != nil {
		return "", err
	}
	output, err := m.runner(ctx, m.ffmpegPath, VerifyArgs(path)...)
	diagnostics := strings.TrimSpace(string(output))
	if err != nil && diagnostics == "" {
		return "", fmt.Errorf("%w: %s: %w", video_fetcher.ErrVerify, path, err)
	}
	return diagnostics, nil
}

// RotatedPath gives the output path for rotating path: "x.mp4" becomes "x.rotated.mp4".
func RotatedPath(path string) string {
	ext := filepath.Ext(path)
	return strings.TrimSuffix(path, ext) + ".rotated" + ext
}

// RotateArgs gives the ffmpeg arguments for setting the rotation of path's first video track without re-encoding.
func RotateArgs(path string, angle int) []string {
	return []string{"-i", path, "-c", "copy", "-metadata:s:v:0", "rotate=" + strconv.Itoa(angle), RotatedPath(path)}
}

// RotateCommand is the shell command equivalent of Rotate, for suggesting to the user.
func (m *Muxer) RotateCommand(path string, angle int) string {
	return shellescape.QuoteCommand(append([]string{m.ffmpegPath}, RotateArgs(path, angle)...))
}

// Rotate writes a copy of path with its rotation metadata set to angle, returning the new file's path.
func (m *Muxer) Rotate(ctx context.Context, path string, angle int) (string, error) {
	if err := m.Available(); err != nil {
		return "", err
	}
	if output, err := m.runner(ctx, m.ffmpegPath, RotateArgs(path, angle)...); err != nil {
		return "", fmt.Errorf("%w: rotate %s: %w: %s", video_fetcher.ErrMux, path, err, strings.TrimSpace(string(output)))
	}
	return RotatedPath(path), nil
}
