// Package selector decides which streams of a catalog to download.
package selector

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/vfetch/video-fetcher"
)

const (
	// SplitResolutionThreshold is the lowest video resolution worth downloading as separate video and audio.
	SplitResolutionThreshold = 1080
	// CeilingResolutionLabel is the resolution an oversized split video is downgraded to.
	CeilingResolutionLabel = "1080p"
	// SplitContainer is the only container accepted for split video streams.
	SplitContainer = "mp4"

	MiB = 1 << 20
)

func log() *zap.SugaredLogger {
	return zap.S().Named("selector")
}

// SelectProgressive returns the highest resolution progressive stream, preferring the mp4 container.
func SelectProgressive(catalog *video_fetcher.Catalog) (video_fetcher.StreamDescriptor, error) {
	candidates := lo.Filter(catalog.Streams, func(s video_fetcher.StreamDescriptor, _ int) bool {
		return s.Kind == video_fetcher.StreamKindProgressive
	})
	if mp4 := lo.Filter(candidates, isContainer(SplitContainer)); len(mp4) > 0 {
		candidates = mp4
	}
	best, ok := lastMaxBy(candidates, video_fetcher.StreamDescriptor.Resolution)
	if !ok {
		return best, fmt.Errorf("%w: no progressive stream", video_fetcher.ErrNoStreamsAvailable)
	}
	return best, nil
}

// SelectSplit returns the highest resolution mp4 video-only stream and the best audio-only stream. It fails with
// ErrResolutionTooLow when the best video is below SplitResolutionThreshold.
func SelectSplit(catalog *video_fetcher.Catalog) (video video_fetcher.StreamDescriptor, audio video_fetcher.StreamDescriptor, err error) {
	videos := lo.Filter(catalog.Streams, isSplitVideo)
	video, ok := lastMaxBy(videos, video_fetcher.StreamDescriptor.Resolution)
	if !ok {
		return video, audio, fmt.Errorf("%w: no %s video-only stream", video_fetcher.ErrNoStreamsAvailable, SplitContainer)
	}
	if video.Resolution() < SplitResolutionThreshold {
		return video, audio, fmt.Errorf("%w: best video is %s, need at least %dp",
			video_fetcher.ErrResolutionTooLow, strings.ToUpper(video.ResolutionLabel), SplitResolutionThreshold)
	}

	audios := lo.Filter(catalog.Streams, func(s video_fetcher.StreamDescriptor, _ int) bool {
		return s.Kind == video_fetcher.StreamKindAudioOnly
	})
	if mp4 := lo.Filter(audios, isContainer(SplitContainer)); len(mp4) > 0 {
		audios = mp4
	}
	audio, ok = lastMaxBy(audios, func(s video_fetcher.StreamDescriptor) int { return s.Bitrate })
	if !ok {
		return video, audio, fmt.Errorf("%w: no audio-only stream", video_fetcher.ErrNoStreamsAvailable)
	}
	return video, audio, nil
}

// ApplySizeCeiling downgrades an oversized video stream to the catalog's 1080p video-only stream. A 1080p (or lower)
// stream that is still over the ceiling gives ErrSizeCeilingExceeded, as there is nothing further to fall back to.
func ApplySizeCeiling(video video_fetcher.StreamDescriptor, catalog *video_fetcher.Catalog, policy video_fetcher.QualityPolicy) (video_fetcher.StreamDescriptor, error) {
	if policy.MaxProgressiveSizeMB <= 0 {
		return video, nil
	}
	limit := int64(policy.MaxProgressiveSizeMB) * MiB
	for video.Size() > limit {
		size := humanize.IBytes(uint64(video.Size()))
		if video.Resolution() <= SplitResolutionThreshold {
			return video, fmt.Errorf("%w: %s video is %s, limit is %d MB",
				video_fetcher.ErrSizeCeilingExceeded, video.ResolutionLabel, size, policy.MaxProgressiveSizeMB)
		}
		candidates := lo.Filter(catalog.Streams, func(s video_fetcher.StreamDescriptor, i int) bool {
			return isSplitVideo(s, i) && strings.EqualFold(s.ResolutionLabel, CeilingResolutionLabel)
		})
		if len(candidates) == 0 {
			return video, fmt.Errorf("%w: %s video is %s and there is no %s stream",
				video_fetcher.ErrSizeCeilingExceeded, video.ResolutionLabel, size, CeilingResolutionLabel)
		}
		downgrade := candidates[len(candidates)-1]
		log().Infof("Video %s is larger than %d MB (%s), trying %s: %v",
			video.ResolutionLabel, policy.MaxProgressiveSizeMB, size, CeilingResolutionLabel, downgrade)
		video = downgrade
	}
	return video, nil
}

func isSplitVideo(s video_fetcher.StreamDescriptor, _ int) bool {
	return s.Kind == video_fetcher.StreamKindVideoOnly && strings.EqualFold(s.Container, SplitContainer)
}

func isContainer(container string) func(video_fetcher.StreamDescriptor, int) bool {
	return func(s video_fetcher.StreamDescriptor, _ int) bool {
		return strings.EqualFold(s.Container, container)
	}
}

// lastMaxBy returns the stream with the greatest key; on a tie the one listed last wins.
func lastMaxBy(streams []video_fetcher.StreamDescriptor, key func(video_fetcher.StreamDescriptor) int) (video_fetcher.StreamDescriptor, bool) {
	if len(streams) == 0 {
		return video_fetcher.StreamDescriptor{}, false
	}
	return lo.Reduce(streams[1:], func(best video_fetcher.StreamDescriptor, s video_fetcher.StreamDescriptor, _ int) video_fetcher.StreamDescriptor {
		if key(s) >= key(best) {
			return s
		}
		return best
	}, streams[0]), true
}
