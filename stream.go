package video_fetcher

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
)

type StreamKind string

const (
	StreamKindProgressive StreamKind = "progressive"
	StreamKindVideoOnly   StreamKind = "video-only"
	StreamKindAudioOnly   StreamKind = "audio-only"
)

// StreamDescriptor is one remote stream variant offered by a platform.
type StreamDescriptor struct {
	// ID is provider-specific, e.g. the YouTube itag.
	ID   string
	Kind StreamKind
	// ResolutionLabel looks like "1080p" and is only meaningful for video kinds.
	ResolutionLabel string
	// Container is the mime subtype, e.g. "mp4" or "webm".
	Container string
	Codecs    string
	Bitrate   int
	// ExactSize is authoritative when > 0.
	ExactSize int64
	// ApproxSize is an estimate, used when ExactSize is unknown.
	ApproxSize int64
}

var resolutionDigits = regexp.MustCompile(`^\d+`)

// Resolution returns the numeric part of ResolutionLabel ("1080p60" gives 1080), or 0 if there is none.
func (d StreamDescriptor) Resolution() int {
	match := resolutionDigits.FindString(d.ResolutionLabel)
	if match == "" {
		return 0
	}
	n, err := strconv.Atoi(match)
	if err != nil {
		return 0
	}
	return n
}

// Size returns ExactSize, falling back to ApproxSize.
func (d StreamDescriptor) Size() int64 {
	if d.ExactSize > 0 {
		return d.ExactSize
	}
	return d.ApproxSize
}

func (d StreamDescriptor) HasVideo() bool {
	return d.Kind == StreamKindProgressive || d.Kind == StreamKindVideoOnly
}

func (d StreamDescriptor) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s/%s", d.Kind, d.Container)
	if d.ID != "" {
		fmt.Fprintf(&b, " [%s]", d.ID)
	}
	if d.HasVideo() && d.ResolutionLabel != "" {
		fmt.Fprintf(&b, " %s", d.ResolutionLabel)
	}
	if size := d.Size(); size > 0 {
		fmt.Fprintf(&b, " %s", humanize.IBytes(uint64(size)))
	}
	return b.String()
}

// Catalog is the full set of streams available for one source video. Streams keep the order the platform listed
// them in.
type Catalog struct {
	ID       string
	Title    string
	Author   string
	Platform string
	Streams  []StreamDescriptor
}

func (c *Catalog) String() string {
	return fmt.Sprintf("%s [%s] (%d streams)", c.Title, c.ID, len(c.Streams))
}

// DownloadTarget is one file to be fetched: a descriptor and where to put it.
type DownloadTarget struct {
	Stream StreamDescriptor
	Path   string
}

// ProgressFunc is called repeatedly, synchronously, while a download is in progress.
type ProgressFunc func(downloaded int64, expected int64)
