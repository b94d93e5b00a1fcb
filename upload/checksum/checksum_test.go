package checksum

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingReaderAt struct {
	r       io.ReaderAt
	offsets []int64
}

func (c *countingReaderAt) ReadAt(p []byte, off int64) (int, error) {
	c.offsets = append(c.offsets, off)
	return c.r.ReadAt(p, off)
}

type failingReaderAt struct {
	failAt int64
}

func (f failingReaderAt) ReadAt(p []byte, off int64) (int, error) {
	if off >= f.failAt {
		return 0, errors.New("device not ready")
	}
	return len(p), nil
}

func oneShot(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

func TestHasher_Sum_MatchesOneShot(t *testing.T) {
	data := make([]byte, 10_000)
	rand.New(rand.NewSource(1)).Read(data)

	tests := []struct {
		name       string
		windowSize int64
	}{
		{name: "window smaller than file", windowSize: 777},
		{name: "window divides file", windowSize: 1000},
		{name: "window equal to file", windowSize: int64(len(data))},
		{name: "window larger than file", windowSize: 1 << 20},
		{name: "single byte windows", windowSize: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NewHasher(tt.windowSize).Sum(context.Background(), bytes.NewReader(data), int64(len(data)))
			require.NoError(t, err)
			assert.Equal(t, oneShot(data), got)
		})
	}
}

func TestHasher_Sum_EmptyInput(t *testing.T) {
	got, err := NewHasher(0).Sum(context.Background(), bytes.NewReader(nil), 0)
	require.NoError(t, err)
	assert.Equal(t, "d41d8cd98f00b204e9800998ecf8427e", got)
}

func TestHasher_Sum_ReadsWindowsInOrderOnce(t *testing.T) {
	data := bytes.Repeat([]byte("x"), 25)
	reader := &countingReaderAt{r: bytes.NewReader(data)}

	_, err := NewHasher(10).Sum(context.Background(), reader, int64(len(data)))
	require.NoError(t, err)
	assert.Equal(t, []int64{0, 10, 20}, reader.offsets)
}

func TestHasher_Sum_ReadFailure(t *testing.T) {
	got, err := NewHasher(4).Sum(context.Background(), failingReaderAt{failAt: 8}, 12)

	require.Error(t, err)
	assert.Empty(t, got)
	var readErr *ReadError
	require.True(t, errors.As(err, &readErr))
	assert.Equal(t, int64(8), readErr.Offset)
	assert.Contains(t, err.Error(), "device not ready")
}

func TestHasher_Sum_TruncatedInput(t *testing.T) {
	_, err := NewHasher(4).Sum(context.Background(), bytes.NewReader([]byte("short")), 10)

	require.Error(t, err)
	assert.True(t, errors.Is(err, io.ErrUnexpectedEOF))
}

func TestHasher_Sum_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewHasher(4).Sum(ctx, bytes.NewReader([]byte("some data")), 9)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestHasher_SumFile(t *testing.T) {
	data := []byte("episode recording payload")
	path := filepath.Join(t.TempDir(), "episode.mcap")
	require.NoError(t, os.WriteFile(path, data, 0600))

	got, err := NewHasher(3).SumFile(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, oneShot(data), got)

	_, err = NewHasher(3).SumFile(context.Background(), filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}
