package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/afero"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/vfetch/video-fetcher"
	"github.com/vfetch/video-fetcher/async"
	"github.com/vfetch/video-fetcher/internal/boltdb"
	"github.com/vfetch/video-fetcher/internal/history"
	"github.com/vfetch/video-fetcher/internal/mux"
	"github.com/vfetch/video-fetcher/internal/orchestrator"
	_ "github.com/vfetch/video-fetcher/providers"
)

const rateLimitedMessage = "Too Many Requests: the platform is refusing to serve this address, " +
	"change your IP address via VPN (or wait a while) and try again"

func main() {
	config := zap.NewDevelopmentConfig()
	config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	logger, err := config.Build()
	if err != nil {
		log.Fatalf("can't initialize zap logger: %v", err)
	}
	defer logger.Sync()
	zap.RedirectStdLog(logger)
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	ctx = video_fetcher.WithLogger(ctx, logger)

	app := &cli.App{
		Name:      video_fetcher.AppName,
		Usage:     "download videos at the best quality available",
		ArgsUsage: "URL...",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "read settings from `FILE` (TOML)",
			},
			&cli.StringFlag{
				Name:  "target",
				Usage: "save downloaded videos to `DIR`",
			},
			&cli.BoolFlag{
				Name:  "hq",
				Usage: "download separate video and audio streams and mux them together",
			},
			&cli.IntFlag{
				Name:  "max-size-mb",
				Usage: "with --hq, use 1080p if the best video is larger than `MB`",
			},
			&cli.StringFlag{
				Name:  "provider",
				Usage: "only try the provider called `NAME`",
			},
			&cli.StringFlag{
				Name:  "ffmpeg",
				Usage: "path to the ffmpeg `BINARY`",
			},
		},
		Action: download,
		Commands: []*cli.Command{
			{
				Name:   "history",
				Usage:  "list previous downloads",
				Action: listHistory,
			},
			{
				Name:      "rotate",
				Usage:     "fix the orientation of downloaded videos without re-encoding",
				ArgsUsage: "FILE...",
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:  "angle",
						Usage: "rotation in `DEGREES` (defaults to rotate_angle from the config)",
					},
				},
				Action: rotate,
			},
		},
		HideHelpCommand: true,
	}

	err = async.Interruptible(ctx, func() error {
		return runSafely(func() error { return app.RunContext(ctx, os.Args) })
	}, stop)
	if err != nil {
		if !errors.Is(err, errReported) {
			logger.Error(userMessage(err))
		}
		logger.Sync()
		os.Exit(1)
	}
}

// errReported marks failures that have already been shown to the user.
var errReported = errors.New("failures already reported")

// runSafely turns a panic in f into an error, so every failure leaves through the same exit path.
func runSafely(f func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			zap.L().Debug("Recovered from panic", zap.Any("panic", r), zap.Stack("stack"))
			err = fmt.Errorf("unexpected internal error: %v", r)
		}
	}()
	return f()
}

func userMessage(err error) string {
	if video_fetcher.IsRateLimited(err) {
		return rateLimitedMessage
	}
	return fmt.Sprintf("Failed: %v", err)
}

func loadConfig(fs afero.Fs, c *cli.Context) (video_fetcher.Config, error) {
	logger := video_fetcher.Logger(c.Context).Sugar()
	config, err := video_fetcher.LoadConfig(fs, c.String("config"))
	if err != nil {
		return config, err
	}
	if c.IsSet("target") {
		config.DownloadPath = c.String("target")
	}
	if c.IsSet("hq") {
		config.Quality.PreferHighQuality = c.Bool("hq")
	}
	if c.IsSet("max-size-mb") {
		config.Quality.MaxProgressiveSizeMB = c.Int("max-size-mb")
	}
	if c.IsSet("ffmpeg") {
		config.FFmpegPath = c.String("ffmpeg")
	}
	if home, err := os.UserHomeDir(); err == nil {
		var fallback bool
		if config, fallback = config.WithFallbackDownloadPath(fs, home); fallback {
			logger.Warnf("Download path not set or missing, using %s", config.DownloadPath)
		}
	}
	if dir, err := os.UserConfigDir(); err == nil {
		config = config.WithStateDir(filepath.Join(dir, video_fetcher.AppName))
	}
	return config, nil
}

func openStore(fs afero.Fs, path string) (boltdb.Database, error) {
	if path == "" {
		return nil, errors.New("history database is disabled (history_db is empty)")
	}
	if err := fs.MkdirAll(filepath.Dir(path), 0775); err != nil {
		return nil, err
	}
	return boltdb.New(path)
}

func download(c *cli.Context) error {
	ctx := c.Context
	logger := video_fetcher.Logger(ctx).Sugar()
	if c.NArg() == 0 {
		return cli.ShowAppHelp(c)
	}
	fs := afero.NewOsFs()
	config, err := loadConfig(fs, c)
	if err != nil {
		return err
	}

	var store history.Store
	if db, err := openStore(fs, config.HistoryDB); err != nil {
		logger.Warnf("Not recording history to database: %v", err)
	} else {
		defer db.Close()
		store = db
	}

	orch := orchestrator.New(config, fs,
		orchestrator.WithHistory(history.NewRecorder(fs, config.HistoryPath, store)),
		orchestrator.WithObserver(&progressObserver{}),
	)

	var result *multierror.Error
	for _, url := range c.Args().Slice() {
		logger.Infof("Downloading from %s into %s", url, config.DownloadPath)
		var outcome *orchestrator.Outcome
		if provider := c.String("provider"); provider != "" {
			outcome, err = orch.FetchWith(ctx, provider, url)
		} else {
			outcome, err = orch.Fetch(ctx, url)
		}
		if err != nil {
			logger.Error(userMessage(err))
			result = multierror.Append(result, fmt.Errorf("%s: %w", url, err))
			continue
		}
		if outcome.SplitErr != nil {
			logger.Warnf("Fell back to a progressive download: %v", outcome.SplitErr)
		}
		logger.Infof("Done: %v", outcome)
	}
	if err := result.ErrorOrNil(); err != nil {
		return fmt.Errorf("%w: %w", errReported, err)
	}
	return nil
}

func listHistory(c *cli.Context) error {
	fs := afero.NewOsFs()
	config, err := loadConfig(fs, c)
	if err != nil {
		return err
	}
	db, err := openStore(fs, config.HistoryDB)
	if err != nil {
		return err
	}
	defer db.Close()
	entries, err := db.List()
	if err != nil {
		return err
	}
	for _, e := range entries {
		status := "ok"
		if e.Failed {
			status = "FAILED"
		}
		fmt.Fprintf(c.App.Writer, "%s  %-6s  %s\n    %s\n", e.At.Local().Format(time.DateTime), status, e.SourceURL, e.Outcome)
	}
	return nil
}

func rotate(c *cli.Context) error {
	logger := video_fetcher.Logger(c.Context).Sugar()
	config, err := loadConfig(afero.NewOsFs(), c)
	if err != nil {
		return err
	}
	angle := config.RotateAngle
	if c.IsSet("angle") {
		angle = c.Int("angle")
	}
	m := mux.New(config.FFmpegPath)
	for _, path := range c.Args().Slice() {
		logger.Infof("Running %s", m.RotateCommand(path, angle))
		out, err := m.Rotate(c.Context, path, angle)
		if err != nil {
			return err
		}
		logger.Infof("Wrote %s", out)
	}
	return nil
}

// progressObserver draws a progress bar for each file being downloaded.
type progressObserver struct {
	bar *progressbar.ProgressBar
}

func (o *progressObserver) Notify(e orchestrator.Event) {
	switch e := e.(type) {
	case orchestrator.DownloadStarted:
		size := e.Target.Stream.Size()
		if size <= 0 {
			size = -1
		}
		o.bar = progressbar.DefaultBytes(size, "downloading "+filepath.Base(e.Target.Path))
	case orchestrator.DownloadProgress:
		if o.bar == nil {
			return
		}
		if e.Expected > 0 && o.bar.GetMax64() != e.Expected {
			o.bar.ChangeMax64(e.Expected)
		}
		_ = o.bar.Set64(e.Downloaded)
	case orchestrator.DownloadFileComplete:
		if o.bar != nil {
			_ = o.bar.Finish()
			o.bar = nil
		}
	}
}
