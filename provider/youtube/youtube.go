package youtube

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/kkdai/youtube/v2"
	"github.com/spf13/afero"

	"github.com/vfetch/video-fetcher"
	"github.com/vfetch/video-fetcher/download"
)

const PlatformName = "YouTube"

// client is the subset of youtube.Client used here.
type client interface {
	GetVideoContext(ctx context.Context, url string) (*youtube.Video, error)
	GetStreamContext(ctx context.Context, video *youtube.Video, format *youtube.Format) (io.ReadCloser, int64, error)
}

type source struct {
	videoID string
	client  client
	fs      afero.Fs
}

func (s *source) URL() string {
	return fmt.Sprintf("https://www.youtube.com/watch?v=%s", s.videoID)
}

func (s *source) String() string {
	return s.URL()
}

func (s *source) Recon(ctx context.Context) (video_fetcher.ResolvedSource, error) {
	videoDetails, err := s.client.GetVideoContext(ctx, s.URL())
	if err != nil {
		return nil, wrapError(fmt.Errorf("failed to get video info: %w", err))
	}
	catalog := catalogFromVideo(videoDetails)
	if len(catalog.Streams) == 0 {
		return nil, fmt.Errorf("%w: %s", video_fetcher.ErrNoStreamsAvailable, s.URL())
	}
	return &resolvedSource{
		source:       *s,
		videoDetails: videoDetails,
		catalog:      catalog,
	}, nil
}

type resolvedSource struct {
	source
	videoDetails *youtube.Video
	catalog      *video_fetcher.Catalog
}

func (s *resolvedSource) Catalog() *video_fetcher.Catalog {
	return s.catalog
}

func (s *resolvedSource) Download(ctx context.Context, target video_fetcher.DownloadTarget, progress video_fetcher.ProgressFunc) error {
	format := s.findFormat(target.Stream.ID)
	if format == nil {
		return fmt.Errorf("%w: no format with itag %s", video_fetcher.ErrNoStreamsAvailable, target.Stream.ID)
	}
	stream, size, err := s.client.GetStreamContext(ctx, s.videoDetails, format)
	if err != nil {
		return wrapError(fmt.Errorf("failed to get stream: %w", err))
	}
	defer stream.Close()
	if size <= 0 {
		size = target.Stream.Size()
	}
	_, err = download.SaveStream(ctx, target.Path, stream,
		download.WithFs(s.fs),
		download.WithExpectedBytes(size),
		download.WithProgress(progress),
	)
	if err != nil {
		return wrapError(err)
	}
	return nil
}

func (s *resolvedSource) String() string {
	return fmt.Sprintf("%s [%s]", s.videoDetails.Title, s.videoDetails.ID)
}

func (s *resolvedSource) findFormat(itag string) *youtube.Format {
	for i := range s.videoDetails.Formats {
		if strconv.Itoa(s.videoDetails.Formats[i].ItagNo) == itag {
			return &s.videoDetails.Formats[i]
		}
	}
	return nil
}

func catalogFromVideo(v *youtube.Video) *video_fetcher.Catalog {
	catalog := &video_fetcher.Catalog{
		ID:       v.ID,
		Title:    v.Title,
		Author:   v.Author,
		Platform: PlatformName,
		Streams:  make([]video_fetcher.StreamDescriptor, 0, len(v.Formats)),
	}
	for i := range v.Formats {
		if d, ok := descriptorFromFormat(&v.Formats[i]); ok {
			catalog.Streams = append(catalog.Streams, d)
		}
	}
	return catalog
}

func descriptorFromFormat(f *youtube.Format) (video_fetcher.StreamDescriptor, bool) {
	mediaType, params, err := mime.ParseMediaType(f.MimeType)
	if err != nil {
		return video_fetcher.StreamDescriptor{}, false
	}
	parts := strings.SplitN(mediaType, "/", 2)
	if len(parts) != 2 {
		return video_fetcher.StreamDescriptor{}, false
	}
	d := video_fetcher.StreamDescriptor{
		ID:        strconv.Itoa(f.ItagNo),
		Container: parts[1],
		Codecs:    params["codecs"],
		Bitrate:   f.Bitrate,
		ExactSize: int64(f.ContentLength),
	}
	switch {
	case parts[0] == "audio":
		d.Kind = video_fetcher.StreamKindAudioOnly
	case parts[0] == "video" && f.AudioChannels > 0:
		d.Kind = video_fetcher.StreamKindProgressive
	case parts[0] == "video":
		d.Kind = video_fetcher.StreamKindVideoOnly
	default:
		return video_fetcher.StreamDescriptor{}, false
	}
	if d.HasVideo() {
		d.ResolutionLabel = resolutionLabel(f)
	}
	d.ApproxSize = approxSize(f)
	return d, true
}

// resolutionLabel normalises "1080p60" or "1080p HDR" to "1080p".
func resolutionLabel(f *youtube.Format) string {
	label := f.QualityLabel
	end := 0
	for end < len(label) && label[end] >= '0' && label[end] <= '9' {
		end++
	}
	if end > 0 {
		return label[:end] + "p"
	}
	if f.Height > 0 {
		return fmt.Sprintf("%dp", f.Height)
	}
	return ""
}

// approxSize estimates bytes from bitrate and duration, like the platform's own approximate sizes.
func approxSize(f *youtube.Format) int64 {
	durationMs, err := strconv.ParseInt(f.ApproxDurationMs, 10, 64)
	if err != nil || durationMs <= 0 {
		return 0
	}
	bitrate := f.AverageBitrate
	if bitrate <= 0 {
		bitrate = f.Bitrate
	}
	return int64(bitrate) * durationMs / 8000
}

func wrapError(err error) error {
	var statusErr youtube.ErrUnexpectedStatusCode
	if errors.As(err, &statusErr) && int(statusErr) == http.StatusTooManyRequests {
		return fmt.Errorf("%w: %w", video_fetcher.ErrRateLimited, err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: %w", video_fetcher.ErrTransport, err)
}

type Config struct {
	Client *youtube.Client
	Fs     afero.Fs
}

func NewConfig() Config {
	return Config{
		Client: &youtube.Client{},
		Fs:     afero.NewOsFs(),
	}
}

func (c Config) Match(s string) (video_fetcher.Source, error) {
	return c.match(s, c.Client)
}

func (c Config) match(s string, cl client) (video_fetcher.Source, error) {
	if parsedURL, err := url.Parse(s); err != nil {
		return nil, err
	} else if videoID, err := extractVideoID(parsedURL); err != nil {
		return nil, err
	} else {
		return &source{videoID: *videoID, client: cl, fs: c.Fs}, nil
	}
}

func (c Config) Provider() video_fetcher.Provider {
	return video_fetcher.Provider{Name: "youtube", Match: c.Match}
}

// Extract video ID from YouTube URL.
//
// Allowed URL formats:
//		http(s?)://(www|m).youtube.com/(watch|details)?v={VIDEO_ID}
//		http(s?)://(www|m).youtube.com/(v|shorts)/{VIDEO_ID}
//		http(s?)://youtu.be/{VIDEO_ID}
func extractVideoID(url *url.URL) (*string, error) {
	var id string
	switch url.Hostname() {
	case "youtube.com":
		fallthrough
	case "www.youtube.com":
		fallthrough
	case "m.youtube.com":
		if strings.HasPrefix(url.Path, "/v/") || strings.HasPrefix(url.Path, "/shorts/") {
			id = strings.SplitN(url.Path, "/", 4)[2]
		} else if url.Path == "/watch" || url.Path == "/details" {
			if url.Query().Has("v") {
				id = url.Query().Get("v")
			} else {
				return nil, fmt.Errorf("missing ?v= query parameter")
			}
		}
	case "youtu.be":
		id = strings.Trim(url.Path, "/")
	default:
		return nil, fmt.Errorf("unrecognised hostname")
	}
	if id == "" {
		return nil, fmt.Errorf("could not extract video ID")
	}
	return &id, nil
}

func init() {
	video_fetcher.DefaultProviderRegistry.MustAdd(NewConfig().Provider())
}
