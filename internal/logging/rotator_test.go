package logging

import (
	"compress/gzip"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stepClock struct{ t time.Time }

func (c *stepClock) now() time.Time {
	c.t = c.t.Add(time.Second)
	return c.t
}

func openTestRotator(t *testing.T, policy RotationPolicy) (*RotatingFile, *stepClock) {
	t.Helper()
	r, err := OpenRotatingFile(filepath.Join(t.TempDir(), "audit.log"), policy)
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })

	clock := &stepClock{t: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
	r.now = clock.now
	return r, clock
}

func TestRotatingFileAppends(t *testing.T) {
	r, _ := openTestRotator(t, RotationPolicy{MaxBytes: 1 << 20})

	n, err := r.Write([]byte("line one\n"))
	require.NoError(t, err)
	assert.Equal(t, 9, n)
	require.NoError(t, r.Sync())

	data, err := os.ReadFile(r.path)
	require.NoError(t, err)
	assert.Equal(t, "line one\n", string(data))

	backups, err := r.Backups()
	require.NoError(t, err)
	assert.Empty(t, backups)
}

func TestRotatingFileRotatesOnSize(t *testing.T) {
	r, _ := openTestRotator(t, RotationPolicy{MaxBytes: 20})

	for _, line := range []string{"aaaaaaaaa\n", "bbbbbbbbb\n", "ccccccccc\n"} {
		_, err := r.Write([]byte(line))
		require.NoError(t, err)
	}

	live, err := os.ReadFile(r.path)
	require.NoError(t, err)
	assert.Equal(t, "ccccccccc\n", string(live), "record that would overflow starts a new file")

	backups, err := r.Backups()
	require.NoError(t, err)
	require.Len(t, backups, 1)
	old, err := os.ReadFile(backups[0])
	require.NoError(t, err)
	assert.Equal(t, "aaaaaaaaa\nbbbbbbbbb\n", string(old))
}

func TestRotatingFileOversizedRecord(t *testing.T) {
	r, _ := openTestRotator(t, RotationPolicy{MaxBytes: 4})

	_, err := r.Write([]byte("longer than the limit\n"))
	require.NoError(t, err)
	backups, _ := r.Backups()
	assert.Empty(t, backups, "an empty file is never rotated")
}

func TestRotatingFileCompressesAndPrunes(t *testing.T) {
	r, _ := openTestRotator(t, RotationPolicy{MaxBytes: 10, MaxBackups: 2, Compress: true})

	for i := 0; i < 5; i++ {
		_, err := r.Write([]byte(strings.Repeat(string(rune('a'+i)), 9) + "\n"))
		require.NoError(t, err)
	}

	backups, err := r.Backups()
	require.NoError(t, err)
	require.Len(t, backups, 2)
	for _, b := range backups {
		assert.True(t, strings.HasSuffix(b, ".gz"), b)
	}

	f, err := os.Open(backups[0])
	require.NoError(t, err)
	defer f.Close()
	zr, err := gzip.NewReader(f)
	require.NoError(t, err)
	newest, err := io.ReadAll(zr)
	require.NoError(t, err)
	assert.Equal(t, "ddddddddd\n", string(newest))
}

func TestRotatingFilePrunesByAge(t *testing.T) {
	r, clock := openTestRotator(t, RotationPolicy{MaxBytes: 10, MaxAgeDays: 1})

	_, _ = r.Write([]byte("aaaaaaaaa\n"))
	_, _ = r.Write([]byte("bbbbbbbbb\n"))
	backups, _ := r.Backups()
	require.Len(t, backups, 1)

	clock.t = clock.t.Add(48 * time.Hour)
	_, _ = r.Write([]byte("ccccccccc\n"))
	backups, _ = r.Backups()
	require.Len(t, backups, 1, "the two-day-old backup is removed")
	assert.NotContains(t, backups[0], "20260501T090001")
}

func TestRotatingFileReopensAfterClose(t *testing.T) {
	r, _ := openTestRotator(t, RotationPolicy{})
	require.NoError(t, r.Close())
	require.NoError(t, r.Close())

	_, err := r.Write([]byte("again\n"))
	require.NoError(t, err)
}

func TestOpenRotatingFileNeedsPath(t *testing.T) {
	_, err := OpenRotatingFile("", RotationPolicy{})
	assert.Error(t, err)
}
