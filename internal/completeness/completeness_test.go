package completeness

import (
	"testing"

	"github.com/spf13/afero"
	assert_ "github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vfetch/video-fetcher"
)

func writeSized(t *testing.T, fs afero.Fs, path string, size int64) {
	f, err := fs.Create(path)
	require.NoError(t, err)
	require.NoError(t, f.Truncate(size))
	require.NoError(t, f.Close())
}

func exists(fs afero.Fs, path string) bool {
	ok, _ := afero.Exists(fs, path)
	return ok
}

func TestIsComplete_Missing(t *testing.T) {
	c := New(afero.NewMemMapFs())
	assert_.False(t, c.IsComplete("/nope", 100))
}

func TestIsComplete_Tolerance(t *testing.T) {
	assert := assert_.New(t)
	const expected = int64(10 * Tolerance)

	for _, size := range []int64{expected, expected - 1, expected - Tolerance + 1, expected + Tolerance - 1} {
		fs := afero.NewMemMapFs()
		writeSized(t, fs, "/f", size)
		assert.True(New(fs).IsComplete("/f", expected), "size %d", size)
		assert.True(exists(fs, "/f"), "size %d", size)
	}

	for _, size := range []int64{0, expected - Tolerance, expected - 5*Tolerance, expected + Tolerance} {
		fs := afero.NewMemMapFs()
		writeSized(t, fs, "/f", size)
		assert.False(New(fs).IsComplete("/f", expected), "size %d", size)
		assert.False(exists(fs, "/f"), "incomplete file of size %d should be deleted", size)
	}
}

func TestIsComplete_UnknownSize(t *testing.T) {
	assert := assert_.New(t)
	fs := afero.NewMemMapFs()
	writeSized(t, fs, "/full", 10)
	writeSized(t, fs, "/empty", 0)
	c := New(fs)

	assert.True(c.IsComplete("/full", 0))
	assert.False(c.IsComplete("/empty", 0))
	assert.False(exists(fs, "/empty"))
}

func TestTargetComplete_ApproxSize(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeSized(t, fs, "/f", 3*Tolerance)
	target := video_fetcher.DownloadTarget{
		Stream: video_fetcher.StreamDescriptor{ApproxSize: 3*Tolerance + 100},
		Path:   "/f",
	}
	assert_.True(t, New(fs).TargetComplete(target))
}

func TestRemove_Failure(t *testing.T) {
	c := New(afero.NewMemMapFs())
	assert_.ErrorIs(t, c.Remove("/missing"), video_fetcher.ErrFileSystem)
	assert_.False(t, c.Exists("/missing"))
}
