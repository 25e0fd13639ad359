package video_fetcher

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/spf13/afero"
	"github.com/spf13/viper"

	"github.com/vfetch/video-fetcher/util"
)

const (
	AppName = "video-fetcher"

	DefaultMaxProgressiveSizeMB = 200
	DefaultHistoryFile          = "download.history.txt"
	DefaultHistoryDB            = "download.history.db"
	DefaultFFmpegPath           = "ffmpeg"
	DefaultRotateAngle          = 270
)

// Config keys, as used in the config file and (upper-cased, with the VFETCH_ prefix) in the environment.
const (
	KeyDownloadPath         = "download_path"
	KeyPreferHighQuality    = "prefer_high_quality"
	KeyMaxProgressiveSizeMB = "max_progressive_size_mb"
	KeyHistoryPath          = "history_path"
	KeyHistoryDB            = "history_db"
	KeyFFmpegPath           = "ffmpeg_path"
	KeyRotateAngle          = "rotate_angle"
)

// QualityPolicy decides between the progressive and split download paths.
type QualityPolicy struct {
	PreferHighQuality bool
	// MaxProgressiveSizeMB is the size above which a lower resolution is attempted; <= 0 disables the ceiling.
	MaxProgressiveSizeMB int
}

// Config is built once at startup and never modified afterwards.
type Config struct {
	DownloadPath string
	Quality      QualityPolicy
	HistoryPath  string
	// HistoryDB is the structured run store; empty disables it.
	HistoryDB   string
	FFmpegPath  string
	RotateAngle int

	OutputFileTemplate *template.Template
	PartFileTemplate   *template.Template
}

func NewConfig() Config {
	return Config{
		DownloadPath: ".",
		Quality: QualityPolicy{
			PreferHighQuality:    false,
			MaxProgressiveSizeMB: DefaultMaxProgressiveSizeMB,
		},
		HistoryPath: DefaultHistoryFile,
		HistoryDB:   DefaultHistoryDB,
		FFmpegPath:  DefaultFFmpegPath,
		RotateAngle: DefaultRotateAngle,

		OutputFileTemplate: template.Must(template.New("output_file").Parse("{{.Base}}{{with .Resolution}}.{{.}}{{end}}-{{.Platform}}.{{.Ext}}")),
		PartFileTemplate:   template.Must(template.New("part_file").Parse("{{.Base}}{{with .Resolution}}.{{.}}{{end}}-{{.Platform}}.Part.{{.Ext}}")),
	}
}

// LoadConfig layers a config file and VFETCH_* environment variables over NewConfig. If path is empty, a
// "video-fetcher.toml" is searched for in the working directory and the user config directory; not finding one is not
// an error.
func LoadConfig(fs afero.Fs, path string) (Config, error) {
	c := NewConfig()
	v := viper.New()
	v.SetFs(fs)
	v.SetConfigType("toml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(AppName)
		v.AddConfigPath(".")
		if dir, err := os.UserConfigDir(); err == nil {
			v.AddConfigPath(filepath.Join(dir, AppName))
		}
	}
	v.SetEnvPrefix("VFETCH")
	v.AutomaticEnv()

	v.SetDefault(KeyDownloadPath, c.DownloadPath)
	v.SetDefault(KeyPreferHighQuality, c.Quality.PreferHighQuality)
	v.SetDefault(KeyMaxProgressiveSizeMB, c.Quality.MaxProgressiveSizeMB)
	v.SetDefault(KeyHistoryPath, c.HistoryPath)
	v.SetDefault(KeyHistoryDB, c.HistoryDB)
	v.SetDefault(KeyFFmpegPath, c.FFmpegPath)
	v.SetDefault(KeyRotateAngle, c.RotateAngle)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return c, fmt.Errorf("failed to read config: %w", err)
		}
	}

	c.DownloadPath = v.GetString(KeyDownloadPath)
	c.Quality.PreferHighQuality = v.GetBool(KeyPreferHighQuality)
	c.Quality.MaxProgressiveSizeMB = v.GetInt(KeyMaxProgressiveSizeMB)
	c.HistoryPath = v.GetString(KeyHistoryPath)
	c.HistoryDB = v.GetString(KeyHistoryDB)
	c.FFmpegPath = v.GetString(KeyFFmpegPath)
	c.RotateAngle = v.GetInt(KeyRotateAngle)
	return c, nil
}

// WithFallbackDownloadPath returns a copy of the config whose DownloadPath is replaced by "<home>/Downloads" if it is
// unset or does not exist. The boolean reports whether the fallback was used.
func (c Config) WithFallbackDownloadPath(fs afero.Fs, home string) (Config, bool) {
	if c.DownloadPath != "" {
		if ok, err := afero.DirExists(fs, c.DownloadPath); err == nil && ok {
			return c, false
		}
	}
	c.DownloadPath = filepath.Join(home, "Downloads")
	return c, true
}

// WithStateDir returns a copy of the config with relative history paths placed under dir, so history is kept in one
// place wherever the program is run from.
func (c Config) WithStateDir(dir string) Config {
	if c.HistoryPath != "" && !filepath.IsAbs(c.HistoryPath) {
		c.HistoryPath = filepath.Join(dir, c.HistoryPath)
	}
	if c.HistoryDB != "" && !filepath.IsAbs(c.HistoryDB) {
		c.HistoryDB = filepath.Join(dir, c.HistoryDB)
	}
	return c
}

// FileNames holds the names (relative to Config.DownloadPath) used for one selection of streams.
type FileNames struct {
	Output string
	Video  string
	Audio  string
}

type fileTemplateArgs struct {
	Base       string
	Resolution string
	Platform   string
	Ext        string
}

// BaseName derives the common file name prefix for a catalog: "[author]title" with unsafe characters replaced.
func BaseName(c *Catalog) string {
	base := util.SanitizeFilename(c.Title, "-")
	if c.Author != "" {
		base = "[" + util.SanitizeFilename(c.Author, ".") + "]" + base
	}
	return strings.TrimRight(base, ".")
}

// ProgressiveFileNames gives the file name for downloading stream directly.
func (c Config) ProgressiveFileNames(catalog *Catalog, stream StreamDescriptor) (FileNames, error) {
	output, err := c.render(c.OutputFileTemplate, catalog, stream, containerExt(stream))
	if err != nil {
		return FileNames{}, err
	}
	return FileNames{Output: output}, nil
}

// SplitFileNames gives the intermediate and final file names for muxing video and audio.
func (c Config) SplitFileNames(catalog *Catalog, video StreamDescriptor, audio StreamDescriptor) (names FileNames, err error) {
	if names.Output, err = c.render(c.OutputFileTemplate, catalog, video, "mp4"); err != nil {
		return names, err
	}
	if names.Video, err = c.render(c.PartFileTemplate, catalog, video, containerExt(video)); err != nil {
		return names, err
	}
	audioExt := containerExt(audio)
	if audioExt == "mp4" {
		audioExt = "aac"
	}
	if names.Audio, err = c.render(c.PartFileTemplate, catalog, video, audioExt); err != nil {
		return names, err
	}
	return names, nil
}

// Path joins a file name onto the download directory.
func (c Config) Path(name string) string {
	return filepath.Join(c.DownloadPath, name)
}

func (c Config) render(t *template.Template, catalog *Catalog, stream StreamDescriptor, ext string) (string, error) {
	platform := catalog.Platform
	if platform == "" {
		platform = "Video"
	}
	args := fileTemplateArgs{
		Base:       BaseName(catalog),
		Resolution: strings.ToUpper(stream.ResolutionLabel),
		Platform:   platform,
		Ext:        ext,
	}
	builder := strings.Builder{}
	if err := t.Execute(&builder, &args); err != nil {
		return "", fmt.Errorf("failed to render file name: %w", err)
	}
	return builder.String(), nil
}

func containerExt(stream StreamDescriptor) string {
	if stream.Container == "" {
		return "mp4"
	}
	return stream.Container
}
