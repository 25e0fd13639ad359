// Package orchestrator drives a single download from a resolved catalog to a final output file, choosing between a
// progressive download and separate video and audio downloads that are muxed together.
package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/vfetch/video-fetcher"
	"github.com/vfetch/video-fetcher/internal/completeness"
	"github.com/vfetch/video-fetcher/internal/history"
	"github.com/vfetch/video-fetcher/internal/mux"
	"github.com/vfetch/video-fetcher/internal/selector"
)

// Muxer is the subset of *mux.Muxer used here.
type Muxer interface {
	Available() error
	Mux(ctx context.Context, videoPath string, audioPath string, outputPath string) error
	Verify(ctx context.Context, path string) (string, error)
	RotateCommand(path string, angle int) string
}

type Orchestrator struct {
	config   video_fetcher.Config
	fs       afero.Fs
	registry *video_fetcher.ProviderRegistry
	checker  *completeness.Checker
	muxer    Muxer
	history  *history.Recorder
	observer Observer
	newRunID func() string
}

type Option func(*Orchestrator)

func WithRegistry(r *video_fetcher.ProviderRegistry) Option {
	return func(o *Orchestrator) {
		o.registry = r
	}
}

func WithMuxer(m Muxer) Option {
	return func(o *Orchestrator) {
		o.muxer = m
	}
}

func WithHistory(h *history.Recorder) Option {
	return func(o *Orchestrator) {
		o.history = h
	}
}

func WithObserver(obs Observer) Option {
	return func(o *Orchestrator) {
		o.observer = obs
	}
}

func WithRunIDFunc(f func() string) Option {
	return func(o *Orchestrator) {
		o.newRunID = f
	}
}

// New creates an Orchestrator that writes to fs. Without options it uses the default provider registry, ffmpeg from
// config and a history file without a structured store.
func New(config video_fetcher.Config, fs afero.Fs, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		config:   config,
		fs:       fs,
		registry: &video_fetcher.DefaultProviderRegistry,
		checker:  completeness.New(fs),
		observer: nopObserver{},
		newRunID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.muxer == nil {
		o.muxer = mux.New(config.FFmpegPath, mux.WithFs(fs))
	}
	if o.history == nil {
		o.history = history.NewRecorder(fs, config.HistoryPath, nil)
	}
	return o
}

// Fetch matches url against the provider registry, resolves its catalog and runs the download.
func (o *Orchestrator) Fetch(ctx context.Context, url string) (*Outcome, error) {
	return o.fetch(ctx, url, o.registry.Match)
}

// FetchWith is like Fetch, but only tries the named provider.
func (o *Orchestrator) FetchWith(ctx context.Context, providerName string, url string) (*Outcome, error) {
	return o.fetch(ctx, url, func(s string) (*video_fetcher.Match, error) {
		return o.registry.MatchWith(providerName, s)
	})
}

func (o *Orchestrator) fetch(ctx context.Context, url string, match func(string) (*video_fetcher.Match, error)) (*Outcome, error) {
	r := o.newRun(ctx, url)
	m, err := match(url)
	if err != nil {
		return r.fail("match", err)
	}
	r.log.Infof("Matched %s with provider %s", url, m.ProviderName)
	resolved, err := m.Source.Recon(r.ctx)
	if err != nil {
		return r.fail("recon", err)
	}
	return r.execute(resolved)
}

// Run downloads from an already resolved source. sourceURL is only used for history and logging.
func (o *Orchestrator) Run(ctx context.Context, sourceURL string, source video_fetcher.ResolvedSource) (*Outcome, error) {
	return o.newRun(ctx, sourceURL).execute(source)
}

type run struct {
	*Orchestrator
	ctx       context.Context
	id        string
	sourceURL string
	source    video_fetcher.ResolvedSource
	catalog   *video_fetcher.Catalog
	state     State
	log       *zap.SugaredLogger
}

func (o *Orchestrator) newRun(ctx context.Context, sourceURL string) *run {
	id := o.newRunID()
	logger := video_fetcher.Logger(ctx).Named("orchestrator").With(zap.String("run_id", id))
	return &run{
		Orchestrator: o,
		ctx:          video_fetcher.WithLogger(ctx, logger),
		id:           id,
		sourceURL:    sourceURL,
		state:        StateStart,
		log:          logger.Sugar(),
	}
}

func (r *run) setState(state State) {
	if state == r.state {
		return
	}
	old := r.state
	r.state = state
	r.log.Debugf("State %v -> %v", old, state)
	r.observer.Notify(StateChanged{runEvent{r.id}, old, state})
}

func (r *run) execute(source video_fetcher.ResolvedSource) (*Outcome, error) {
	r.source = source
	r.catalog = source.Catalog()
	r.setState(StateSelectStreams)
	if r.catalog == nil || len(r.catalog.Streams) == 0 {
		return r.fail("select streams", fmt.Errorf("%w: empty catalog for %s", video_fetcher.ErrNoStreamsAvailable, r.sourceURL))
	}
	r.log.Infof("Resolved %v", r.catalog)

	var splitErr error
	if r.config.Quality.PreferHighQuality {
		outcome, err := r.splitPath()
		if err == nil {
			return r.succeed(outcome), nil
		}
		splitErr = err
		if errors.Is(err, video_fetcher.ErrMuxerUnavailable) {
			r.log.Errorf("Cannot produce a high quality download: %v", err)
		} else {
			r.log.Warnf("High quality download failed: %v", err)
		}
		r.history.Append(r.id, r.sourceURL, fmt.Sprintf("split download failed: %v", err), true)
		r.setState(StateFallbackToProgressive)
	}

	outcome, err := r.progressivePath()
	if err != nil {
		result, err := r.fail("progressive download", err)
		if splitErr != nil {
			result.SplitErr = splitErr
			err = multierror.Append(err, splitErr)
			result.Err = err
		}
		return result, err
	}
	outcome.SplitErr = splitErr
	return r.succeed(outcome), nil
}

func (r *run) fail(step string, err error) (*Outcome, error) {
	r.setState(StateFailed)
	r.log.Errorf("%s failed: %v", step, err)
	r.history.Append(r.id, r.sourceURL, fmt.Sprintf("%s failed: %v", step, err), true)
	return &Outcome{RunID: r.id, SourceURL: r.sourceURL, Err: err}, err
}

func (r *run) succeed(outcome *Outcome) *Outcome {
	outcome.RunID = r.id
	outcome.SourceURL = r.sourceURL
	r.setState(StateDone)
	if outcome.Skipped {
		r.log.Infof("Already downloaded: %s", outcome.Path)
		return outcome
	}
	r.history.Append(r.id, r.sourceURL, outcome.String(), false)
	r.log.Infof("Downloaded %s", outcome.Path)
	r.log.Infof("If the video is sideways, fix it with: %s", r.muxer.RotateCommand(outcome.Path, r.config.RotateAngle))
	return outcome
}

func (r *run) progressivePath() (*Outcome, error) {
	r.setState(StateProgressivePath)
	stream, err := selector.SelectProgressive(r.catalog)
	if err != nil {
		return nil, err
	}
	names, err := r.config.ProgressiveFileNames(r.catalog, stream)
	if err != nil {
		return nil, err
	}
	target := video_fetcher.DownloadTarget{Stream: stream, Path: r.config.Path(names.Output)}

	r.setState(StateCheckExistingOutput)
	if r.checker.TargetComplete(target) {
		return &Outcome{Path: target.Path, Skipped: true}, nil
	}
	r.setState(StateProgressivePath)
	if err := r.download(target); err != nil {
		return nil, err
	}
	return &Outcome{Path: target.Path}, nil
}

func (r *run) splitPath() (*Outcome, error) {
	video, audio, err := selector.SelectSplit(r.catalog)
	if err != nil {
		return nil, err
	}
	if video, err = selector.ApplySizeCeiling(video, r.catalog, r.config.Quality); err != nil {
		return nil, err
	}
	r.log.Infof("Selected video %v and audio %v", video, audio)
	names, err := r.config.SplitFileNames(r.catalog, video, audio)
	if err != nil {
		return nil, err
	}
	output := r.config.Path(names.Output)
	videoTarget := video_fetcher.DownloadTarget{Stream: video, Path: r.config.Path(names.Video)}
	audioTarget := video_fetcher.DownloadTarget{Stream: audio, Path: r.config.Path(names.Audio)}

	r.setState(StateCheckExistingOutput)
	if r.checker.Exists(output) {
		return &Outcome{Path: output, Split: true, Skipped: true}, nil
	}
	// Without a muxer the legs would be wasted.
	if err := r.muxer.Available(); err != nil {
		return nil, err
	}

	r.setState(StateDownloadVideo)
	if err := r.download(videoTarget); err != nil {
		return nil, err
	}
	r.setState(StateDownloadAudio)
	if err := r.download(audioTarget); err != nil {
		return nil, err
	}

	r.setState(StateMux)
	if err := r.muxer.Mux(r.ctx, videoTarget.Path, audioTarget.Path, output); err != nil {
		return nil, err
	}

	r.setState(StateVerifyIntegrity)
	diagnostics, err := r.muxer.Verify(r.ctx, output)
	if err != nil {
		// An unverified output must not be mistaken for a finished one by a later run.
		_ = r.checker.Remove(output)
		return nil, err
	}
	r.observer.Notify(IntegrityChecked{runEvent{r.id}, output, diagnostics})
	if diagnostics != "" {
		r.log.Warnf("Integrity check of %s reported problems, keeping %s and %s:\n%s",
			output, videoTarget.Path, audioTarget.Path, diagnostics)
		return &Outcome{Path: output, Split: true, Suspect: true, Diagnostics: diagnostics}, nil
	}

	r.setState(StateCleanup)
	var cleanupErr *multierror.Error
	for _, path := range []string{videoTarget.Path, audioTarget.Path} {
		if err := r.checker.Remove(path); err != nil {
			cleanupErr = multierror.Append(cleanupErr, err)
		}
	}
	if err := cleanupErr.ErrorOrNil(); err != nil {
		r.log.Warnf("Failed to clean up intermediate files: %v", err)
	}
	return &Outcome{Path: output, Split: true}, nil
}

// download fetches target unless a complete copy is already present.
func (r *run) download(target video_fetcher.DownloadTarget) error {
	if r.checker.TargetComplete(target) {
		r.log.Infof("Already have %s", target.Path)
		r.observer.Notify(DownloadFileComplete{runEvent{r.id}, target.Path})
		return nil
	}
	r.log.Infof("Downloading %v to %s", target.Stream, target.Path)
	r.observer.Notify(DownloadStarted{runEvent{r.id}, target})
	err := r.source.Download(r.ctx, target, func(downloaded int64, expected int64) {
		r.observer.Notify(DownloadProgress{runEvent{r.id}, target, downloaded, expected})
	})
	if err != nil {
		// A partial file of unknown expected size would pass the completeness check on the next run.
		if r.checker.Exists(target.Path) {
			_ = r.checker.Remove(target.Path)
		}
		return fmt.Errorf("failed to download %v: %w", target.Stream, err)
	}
	r.observer.Notify(DownloadFileComplete{runEvent{r.id}, target.Path})
	return nil
}
