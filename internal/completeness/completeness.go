// Package completeness decides whether a local file already holds a full copy of a remote stream.
package completeness

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/vfetch/video-fetcher"
)

// Tolerance is the byte difference under which a local file counts as a full copy.
const Tolerance = 1 << 20

type Checker struct {
	fs  afero.Fs
	log *zap.SugaredLogger
}

func New(fs afero.Fs) *Checker {
	return &Checker{
		fs:  fs,
		log: zap.S().Named("completeness"),
	}
}

// ExpectedSize is the size a complete copy of stream should have: exact if known, otherwise approximate.
func ExpectedSize(stream video_fetcher.StreamDescriptor) int64 {
	return stream.Size()
}

// IsComplete returns true if path exists and its size is within Tolerance of expectedSize. An existing file that fails
// the check is deleted. If expectedSize is unknown (<= 0), any non-empty file is accepted.
func (c *Checker) IsComplete(path string, expectedSize int64) bool {
	info, err := c.fs.Stat(path)
	if err != nil {
		return false
	}
	localSize := info.Size()
	c.log.Debugf("File %s is %d bytes, expected %d bytes", path, localSize, expectedSize)

	var complete bool
	if expectedSize <= 0 {
		complete = localSize > 0
	} else {
		diff := expectedSize - localSize
		if diff < 0 {
			diff = -diff
		}
		complete = diff < Tolerance
	}
	if !complete {
		c.log.Infof("Removing incomplete file %s (%s of %s)", path,
			humanize.IBytes(uint64(localSize)), humanize.IBytes(uint64(max(expectedSize, 0))))
		c.Remove(path)
	}
	return complete
}

// TargetComplete is IsComplete for a DownloadTarget.
func (c *Checker) TargetComplete(target video_fetcher.DownloadTarget) bool {
	return c.IsComplete(target.Path, ExpectedSize(target.Stream))
}

// Exists reports whether path exists, for files whose size is not known in advance.
func (c *Checker) Exists(path string) bool {
	ok, err := afero.Exists(c.fs, path)
	if err != nil {
		c.log.Warnf("Failed to stat %s: %v", path, err)
		return false
	}
	return ok
}

// Remove deletes path; failures are logged and otherwise ignored.
func (c *Checker) Remove(path string) error {
	if err := c.fs.Remove(path); err != nil {
		err = fmt.Errorf("%w: failed to remove %s: %w", video_fetcher.ErrFileSystem, path, err)
		c.log.Warn(err.Error())
		return err
	}
	return nil
}
