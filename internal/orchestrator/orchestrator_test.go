package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/spf13/afero"
	assert_ "github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vfetch/video-fetcher"
	"github.com/vfetch/video-fetcher/internal/completeness"
	"github.com/vfetch/video-fetcher/internal/history"
	"github.com/vfetch/video-fetcher/internal/mux"
)

const (
	MiB = completeness.Tolerance

	progressivePath = "/dl/[Me]Clip.720P-YouTube.mp4"
	splitOutput     = "/dl/[Me]Clip.1080P-YouTube.mp4"
	videoPart       = "/dl/[Me]Clip.1080P-YouTube.Part.mp4"
	audioPart       = "/dl/[Me]Clip.1080P-YouTube.Part.aac"
	historyPath     = "/history.txt"
)

type fakeSource struct {
	fs      afero.Fs
	catalog *video_fetcher.Catalog
	errs    map[string]error
	// partial is written before a failing download returns its error.
	partial    map[string]string
	downloaded []string
}

func (s *fakeSource) Catalog() *video_fetcher.Catalog {
	return s.catalog
}

func (s *fakeSource) Download(_ context.Context, target video_fetcher.DownloadTarget, progress video_fetcher.ProgressFunc) error {
	s.downloaded = append(s.downloaded, target.Stream.ID)
	if err := s.errs[target.Stream.ID]; err != nil {
		if data, ok := s.partial[target.Stream.ID]; ok {
			_ = afero.WriteFile(s.fs, target.Path, []byte(data), 0644)
		}
		return err
	}
	size := target.Stream.Size()
	if err := writeSized(s.fs, target.Path, size); err != nil {
		return err
	}
	if progress != nil {
		progress(size, size)
	}
	return nil
}

type fakeMuxer struct {
	fs          afero.Fs
	unavailable error
	muxErr      error
	verifyErr   error
	diagnostics string
	muxed       []string
	verified    []string
}

func (m *fakeMuxer) Available() error {
	return m.unavailable
}

func (m *fakeMuxer) Mux(_ context.Context, videoPath string, audioPath string, outputPath string) error {
	m.muxed = append(m.muxed, outputPath)
	if m.muxErr != nil {
		return m.muxErr
	}
	return afero.WriteFile(m.fs, outputPath, []byte(videoPath+"+"+audioPath), 0644)
}

func (m *fakeMuxer) Verify(_ context.Context, path string) (string, error) {
	m.verified = append(m.verified, path)
	return m.diagnostics, m.verifyErr
}

func (m *fakeMuxer) RotateCommand(path string, angle int) string {
	return fmt.Sprintf("rotate %s %d", path, angle)
}

func writeSized(fs afero.Fs, path string, size int64) error {
	if err := fs.MkdirAll("/dl", 0775); err != nil {
		return err
	}
	f, err := fs.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Truncate(size)
}

func testCatalog() *video_fetcher.Catalog {
	return &video_fetcher.Catalog{
		ID:       "abc",
		Title:    "Clip",
		Author:   "Me",
		Platform: "YouTube",
		Streams: []video_fetcher.StreamDescriptor{
			{ID: "18", Kind: video_fetcher.StreamKindProgressive, ResolutionLabel: "360p", Container: "mp4", ExactSize: 2 * MiB},
			{ID: "22", Kind: video_fetcher.StreamKindProgressive, ResolutionLabel: "720p", Container: "mp4", ExactSize: 4 * MiB},
			{ID: "137", Kind: video_fetcher.StreamKindVideoOnly, ResolutionLabel: "1080p", Container: "mp4", ExactSize: 6 * MiB},
			{ID: "140", Kind: video_fetcher.StreamKindAudioOnly, Container: "mp4", Bitrate: 128000, ExactSize: 3 * MiB},
		},
	}
}

type fixture struct {
	fs       afero.Fs
	source   *fakeSource
	muxer    *fakeMuxer
	events   []Event
	orch     *Orchestrator
	runIDSeq int
}

func newFixture(preferHighQuality bool) *fixture {
	fs := afero.NewMemMapFs()
	f := &fixture{
		fs:     fs,
		source: &fakeSource{fs: fs, catalog: testCatalog(), errs: map[string]error{}, partial: map[string]string{}},
		muxer:  &fakeMuxer{fs: fs},
	}
	config := video_fetcher.NewConfig()
	config.DownloadPath = "/dl"
	config.HistoryPath = historyPath
	config.Quality.PreferHighQuality = preferHighQuality
	f.orch = New(config, fs,
		WithMuxer(f.muxer),
		WithHistory(history.NewRecorder(fs, historyPath, nil)),
		WithObserver(ObserverFunc(func(e Event) { f.events = append(f.events, e) })),
		WithRunIDFunc(func() string {
			f.runIDSeq++
			return fmt.Sprintf("run%d", f.runIDSeq)
		}),
	)
	return f
}

func (f *fixture) run() (*Outcome, error) {
	return f.orch.Run(context.Background(), "https://example.com/clip", f.source)
}

func (f *fixture) history(t *testing.T) []string {
	data, err := afero.ReadFile(f.fs, historyPath)
	if err != nil {
		return nil
	}
	var outcomes []string
	for _, line := range strings.Split(strings.TrimSuffix(string(data), "\n"), "\n") {
		if strings.HasPrefix(line, "    ") {
			outcomes = append(outcomes, strings.TrimPrefix(line, "    "))
		} else {
			require.Equal(t, "https://example.com/clip -> ", line)
		}
	}
	return outcomes
}

func (f *fixture) exists(path string) bool {
	ok, _ := afero.Exists(f.fs, path)
	return ok
}

func (f *fixture) states() []State {
	var states []State
	for _, e := range f.events {
		if sc, ok := e.(StateChanged); ok {
			states = append(states, sc.NewState)
		}
	}
	return states
}

func TestRun_Progressive(t *testing.T) {
	assert := assert_.New(t)
	f := newFixture(false)

	outcome, err := f.run()
	require.NoError(t, err)
	assert.Equal(progressivePath, outcome.Path)
	assert.Equal("run1", outcome.RunID)
	assert.False(outcome.Split)
	assert.False(outcome.Skipped)
	assert.Equal([]string{"22"}, f.source.downloaded)
	assert.Empty(f.muxer.muxed)
	assert.Equal([]string{progressivePath}, f.history(t))
	assert.Equal([]State{StateSelectStreams, StateProgressivePath, StateCheckExistingOutput, StateProgressivePath, StateDone}, f.states())

	var progress []DownloadProgress
	for _, e := range f.events {
		if p, ok := e.(DownloadProgress); ok {
			progress = append(progress, p)
		}
	}
	require.Len(t, progress, 1)
	assert.Equal(int64(4*MiB), progress[0].Downloaded)
	assert.Equal("run1", progress[0].RunID())
}

func TestRun_Idempotent(t *testing.T) {
	for _, hq := range []bool{false, true} {
		t.Run(fmt.Sprintf("hq=%v", hq), func(t *testing.T) {
			assert := assert_.New(t)
			f := newFixture(hq)

			first, err := f.run()
			require.NoError(t, err)
			downloads := len(f.source.downloaded)
			muxes := len(f.muxer.muxed)
			verifies := len(f.muxer.verified)

			second, err := f.run()
			require.NoError(t, err)
			assert.True(second.Skipped)
			assert.Equal(first.Path, second.Path)
			assert.Len(f.source.downloaded, downloads)
			assert.Len(f.muxer.muxed, muxes)
			assert.Len(f.muxer.verified, verifies)
			assert.Len(f.history(t), 1, "a skipped run is not recorded")
		})
	}
}

func TestRun_Split(t *testing.T) {
	assert := assert_.New(t)
	f := newFixture(true)

	outcome, err := f.run()
	require.NoError(t, err)
	assert.Equal(splitOutput, outcome.Path)
	assert.True(outcome.Split)
	assert.False(outcome.Suspect)
	assert.NoError(outcome.SplitErr)
	assert.Equal([]string{"137", "140"}, f.source.downloaded)
	assert.Equal([]string{splitOutput}, f.muxer.muxed)
	assert.Equal([]string{splitOutput}, f.muxer.verified)
	assert.True(f.exists(splitOutput))
	assert.False(f.exists(videoPart))
	assert.False(f.exists(audioPart))
	assert.Equal([]string{splitOutput}, f.history(t))
	assert.Equal([]State{
		StateSelectStreams, StateCheckExistingOutput, StateDownloadVideo, StateDownloadAudio,
		StateMux, StateVerifyIntegrity, StateCleanup, StateDone,
	}, f.states())
}

func TestRun_LegResumable(t *testing.T) {
	assert := assert_.New(t)
	f := newFixture(true)
	require.NoError(t, writeSized(f.fs, videoPart, 6*MiB))
	require.NoError(t, writeSized(f.fs, audioPart, 1*MiB))

	_, err := f.run()
	require.NoError(t, err)
	assert.Equal([]string{"140"}, f.source.downloaded, "complete video leg is reused, incomplete audio leg is fetched again")
}

func TestRun_LegResumable_AudioMissing(t *testing.T) {
	f := newFixture(true)
	require.NoError(t, writeSized(f.fs, videoPart, 6*MiB-100))

	_, err := f.run()
	require.NoError(t, err)
	assert_.Equal(t, []string{"140"}, f.source.downloaded)
}

func TestRun_VerificationGate(t *testing.T) {
	assert := assert_.New(t)
	f := newFixture(true)
	f.muxer.diagnostics = "[aac @ 0x1] Invalid data"

	outcome, err := f.run()
	require.NoError(t, err)
	assert.True(outcome.Suspect)
	assert.Equal("[aac @ 0x1] Invalid data", outcome.Diagnostics)
	assert.True(f.exists(splitOutput))
	assert.True(f.exists(videoPart))
	assert.True(f.exists(audioPart))
	require.Len(t, f.history(t), 1)
	assert.Contains(f.history(t)[0], splitOutput)
	assert.NotContains(f.states(), StateCleanup)

	var checked []IntegrityChecked
	for _, e := range f.events {
		if ic, ok := e.(IntegrityChecked); ok {
			checked = append(checked, ic)
		}
	}
	require.Len(t, checked, 1)
	assert.Equal("[aac @ 0x1] Invalid data", checked[0].Diagnostics)
}

func TestRun_FallbackResolutionTooLow(t *testing.T) {
	assert := assert_.New(t)
	f := newFixture(true)
	f.source.catalog.Streams[2].ResolutionLabel = "720p"

	outcome, err := f.run()
	require.NoError(t, err)
	assert.Equal(progressivePath, outcome.Path)
	assert.ErrorIs(outcome.SplitErr, video_fetcher.ErrResolutionTooLow)
	assert.Equal([]string{"22"}, f.source.downloaded)

	records := f.history(t)
	require.Len(t, records, 2)
	assert.True(strings.HasPrefix(records[0], "split download failed: "))
	assert.Equal(progressivePath, records[1])
	assert.Contains(f.states(), StateFallbackToProgressive)
}

func TestRun_FallbackMuxerUnavailable(t *testing.T) {
	assert := assert_.New(t)
	f := newFixture(true)
	f.muxer.unavailable = fmt.Errorf("%w: ffmpeg not found", video_fetcher.ErrMuxerUnavailable)

	outcome, err := f.run()
	require.NoError(t, err)
	assert.False(outcome.Split)
	assert.Equal(progressivePath, outcome.Path)
	assert.ErrorIs(outcome.SplitErr, video_fetcher.ErrMuxerUnavailable)
	assert.Equal([]string{"22"}, f.source.downloaded, "no legs are downloaded without a muxer")
	assert.Len(f.history(t), 2)
}

func TestRun_FallbackMuxFailure(t *testing.T) {
	assert := assert_.New(t)
	f := newFixture(true)
	f.muxer.muxErr = fmt.Errorf("%w: exit status 1", video_fetcher.ErrMux)

	outcome, err := f.run()
	require.NoError(t, err)
	assert.ErrorIs(outcome.SplitErr, video_fetcher.ErrMux)
	assert.Equal(progressivePath, outcome.Path)
	assert.True(f.exists(videoPart), "intermediates are kept until an output is verified")
	assert.True(f.exists(audioPart))
	assert.Len(f.history(t), 2)
}

func TestRun_FallbackVerifyError(t *testing.T) {
	assert := assert_.New(t)
	f := newFixture(true)
	f.muxer.verifyErr = fmt.Errorf("%w: exit status 1", video_fetcher.ErrVerify)

	outcome, err := f.run()
	require.NoError(t, err)
	assert.ErrorIs(outcome.SplitErr, video_fetcher.ErrVerify)
	assert.False(f.exists(splitOutput), "unverified output is removed")
	assert.True(f.exists(videoPart))
}

func TestRun_FallbackDownloadFailure(t *testing.T) {
	assert := assert_.New(t)
	f := newFixture(true)
	f.source.errs["140"] = fmt.Errorf("%w: connection reset", video_fetcher.ErrTransport)

	outcome, err := f.run()
	require.NoError(t, err)
	assert.ErrorIs(outcome.SplitErr, video_fetcher.ErrTransport)
	assert.Equal([]string{"137", "140", "22"}, f.source.downloaded)
	assert.Empty(f.muxer.muxed)
}

func TestRun_Terminal(t *testing.T) {
	assert := assert_.New(t)
	f := newFixture(true)
	f.source.errs["140"] = errors.New("audio broken")
	f.source.errs["22"] = fmt.Errorf("%w: 429 Too Many Requests", video_fetcher.ErrRateLimited)

	outcome, err := f.run()
	require.Error(t, err)
	assert.True(outcome.Failed())
	assert.True(video_fetcher.IsRateLimited(err))
	assert.Contains(err.Error(), "audio broken")
	assert.Equal(StateFailed, f.states()[len(f.states())-1])

	records := f.history(t)
	require.Len(t, records, 2)
	assert.True(strings.HasPrefix(records[0], "split download failed: "))
	assert.True(strings.HasPrefix(records[1], "progressive download failed: "))
}

func TestRun_EmptyCatalog(t *testing.T) {
	assert := assert_.New(t)
	f := newFixture(true)
	f.source.catalog.Streams = nil

	_, err := f.run()
	assert.ErrorIs(err, video_fetcher.ErrNoStreamsAvailable)
	assert.Empty(f.source.downloaded)
	assert.Len(f.history(t), 1)
}

func TestFetch(t *testing.T) {
	assert := assert_.New(t)
	f := newFixture(false)
	registry := &video_fetcher.ProviderRegistry{}
	registry.MustAdd(video_fetcher.Provider{
		Name: "fake",
		Match: func(s string) (video_fetcher.Source, error) {
			if !strings.HasPrefix(s, "https://example.com/") {
				return nil, errors.New("not mine")
			}
			return &fakeUnresolved{url: s, resolved: f.source}, nil
		},
	})
	WithRegistry(registry)(f.orch)

	outcome, err := f.orch.Fetch(context.Background(), "https://example.com/clip")
	require.NoError(t, err)
	assert.Equal(progressivePath, outcome.Path)

	outcome, err = f.orch.FetchWith(context.Background(), "fake", "https://other.com/clip")
	assert.ErrorIs(err, video_fetcher.ErrNoMatch)
	assert.True(outcome.Failed())

	_, err = f.orch.FetchWith(context.Background(), "missing", "https://example.com/clip")
	assert.ErrorIs(err, video_fetcher.ErrUnknownProvider)
}

type fakeUnresolved struct {
	url      string
	resolved video_fetcher.ResolvedSource
}

func (s *fakeUnresolved) URL() string {
	return s.url
}

func (s *fakeUnresolved) Recon(context.Context) (video_fetcher.ResolvedSource, error) {
	return s.resolved, nil
}

func TestRun_FailedDownloadRemovesPartialFile(t *testing.T) {
	assert := assert_.New(t)
	f := newFixture(false)
	f.source.catalog = &video_fetcher.Catalog{
		Title:    "clip",
		Platform: "Web",
		Streams: []video_fetcher.StreamDescriptor{
			{ID: "clip.mp4", Kind: video_fetcher.StreamKindProgressive, Container: "mp4"},
		},
	}
	require.NoError(t, f.fs.MkdirAll("/dl", 0775))
	f.source.errs["clip.mp4"] = fmt.Errorf("%w: connection reset", video_fetcher.ErrTransport)
	f.source.partial["clip.mp4"] = "partial bytes"

	_, err := f.run()
	assert.ErrorIs(err, video_fetcher.ErrTransport)
	assert.False(f.exists("/dl/clip-Web.mp4"))

	delete(f.source.errs, "clip.mp4")
	outcome, err := f.run()
	require.NoError(t, err)
	assert.False(outcome.Skipped)
	assert.Equal("/dl/clip-Web.mp4", outcome.Path)
	assert.Equal([]string{"clip.mp4", "clip.mp4"}, f.source.downloaded)
}

func TestRun_MultiLineMuxFailureKeepsHistoryRecordsTwoLines(t *testing.T) {
	assert := assert_.New(t)
	f := newFixture(true)
	ffmpeg := mux.New("ffmpeg",
		mux.WithFs(f.fs),
		mux.WithLookPath(func(string) (string, error) { return "/usr/bin/ffmpeg", nil }),
		mux.WithRunner(func(context.Context, string, ...string) ([]byte, error) {
			return []byte("frame=  10 fps=0.0\n[aac @ 0x1] Too many bits\nConversion failed!\n"), errors.New("exit status 1")
		}),
	)
	WithMuxer(ffmpeg)(f.orch)

	outcome, err := f.run()
	require.NoError(t, err)
	assert.ErrorIs(outcome.SplitErr, video_fetcher.ErrMux)

	data, err := afero.ReadFile(f.fs, historyPath)
	require.NoError(t, err)
	assert.Equal(4, strings.Count(string(data), "\n"))
	records := f.history(t)
	require.Len(t, records, 2)
	assert.Contains(records[0], "Too many bits | Conversion failed!")
	assert.Equal(progressivePath, records[1])
}
