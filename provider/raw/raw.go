package raw

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/samber/lo"
	"github.com/spf13/afero"

	"github.com/vfetch/video-fetcher"
	"github.com/vfetch/video-fetcher/download"
	"github.com/vfetch/video-fetcher/util"
)

const PlatformName = "Web"

type Config struct {
	Protocols  []string
	Extensions []string
	Client     *http.Client
	Fs         afero.Fs
}

func NewConfig() Config {
	return Config{
		Protocols: []string{
			"http",
			"https",
		},
		Extensions: []string{
			"flv",
			"m4v",
			"mkv",
			"mp4",
			"webm",
		},
		Client: http.DefaultClient,
		Fs:     afero.NewOsFs(),
	}
}

func (c Config) Match(s string) (video_fetcher.Source, error) {
	// Expect string to be a URL
	parsedURL, err := url.Parse(s)
	if err != nil {
		return nil, err
	}
	// Check that scheme/protocol is valid
	if !lo.Contains(c.Protocols, parsedURL.Scheme) {
		return nil, fmt.Errorf("unknown URL scheme %v", parsedURL.Scheme)
	}
	// Attempt to extract filename and extension
	filename, err := util.FilenameFromURL(parsedURL)
	if err != nil {
		return nil, err
	}
	extension := strings.TrimPrefix(path.Ext(filename), ".")
	if extension == "" {
		return nil, fmt.Errorf("no file extension found")
	}
	if !lo.Contains(c.Extensions, strings.ToLower(extension)) {
		return nil, fmt.Errorf("unknown file extension %v", extension)
	}
	res := source{
		config:    c,
		url:       s,
		filename:  filename,
		extension: strings.ToLower(extension),
	}
	return &res, nil
}

func (c Config) Provider() video_fetcher.Provider {
	return video_fetcher.Provider{
		Name:  "raw",
		Match: c.Match,
	}
}

type source struct {
	config    Config
	url       string
	filename  string
	extension string
	catalog   *video_fetcher.Catalog
}

func (s *source) URL() string {
	return s.url
}

func (s *source) String() string {
	return s.URL()
}

// Recon issues a HEAD request to learn the file size; the catalog always holds a single progressive stream.
func (s *source) Recon(ctx context.Context) (video_fetcher.ResolvedSource, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, s.url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := s.config.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", video_fetcher.ErrTransport, err)
	}
	resp.Body.Close()
	if err := statusError(resp.StatusCode, resp.Status); err != nil {
		return nil, err
	}

	resolved := *s
	resolved.catalog = &video_fetcher.Catalog{
		ID:       s.url,
		Title:    strings.TrimSuffix(s.filename, path.Ext(s.filename)),
		Platform: PlatformName,
		Streams: []video_fetcher.StreamDescriptor{{
			ID:        s.filename,
			Kind:      video_fetcher.StreamKindProgressive,
			Container: s.extension,
			ExactSize: max(resp.ContentLength, 0),
		}},
	}
	return &resolved, nil
}

func (s *source) Catalog() *video_fetcher.Catalog {
	return s.catalog
}

func (s *source) Download(ctx context.Context, target video_fetcher.DownloadTarget, progress video_fetcher.ProgressFunc) error {
	req, err := http.NewRequest(http.MethodGet, s.url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	_, err = download.SaveHTTPRequest(ctx, s.config.Client, req, target.Path,
		download.WithFs(s.config.Fs),
		download.WithProgress(progress),
	)
	var statusErr *download.StatusError
	if errors.As(err, &statusErr) {
		return statusError(statusErr.StatusCode, statusErr.Status)
	} else if err != nil {
		return fmt.Errorf("%w: %w", video_fetcher.ErrTransport, err)
	}
	return nil
}

func statusError(code int, status string) error {
	switch {
	case code == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", video_fetcher.ErrRateLimited, status)
	case code < 200 || code > 299:
		return fmt.Errorf("%w: unexpected HTTP status %s", video_fetcher.ErrTransport, status)
	default:
		return nil
	}
}

func init() {
	video_fetcher.DefaultProviderRegistry.MustAdd(
		NewConfig().Provider().WithPriority(video_fetcher.PriorityLowest),
	)
}
