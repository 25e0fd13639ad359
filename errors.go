package video_fetcher

import (
	"errors"
	"fmt"
)

var (
	ErrNoStreamsAvailable  = errors.New("no streams available")
	ErrResolutionTooLow    = errors.New("resolution too low for split download")
	ErrSizeCeilingExceeded = errors.New("stream exceeds size ceiling")
	ErrTransport           = errors.New("transport error")
	ErrRateLimited         = fmt.Errorf("%w: too many requests", ErrTransport)
	ErrMuxerUnavailable    = errors.New("muxer unavailable")
	ErrMux                 = errors.New("mux failed")
	ErrVerify              = errors.New("integrity check failed")
	ErrFileSystem          = errors.New("filesystem error")
)

// IsRateLimited returns true if err was caused by the platform refusing requests (HTTP 429).
func IsRateLimited(err error) bool {
	return errors.Is(err, ErrRateLimited)
}
