package stream

import (
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChunkReaderWindow(t *testing.T) {
	src := &memStream{data: pattern(1000, 3)}
	r, err := NewChunkReader(src, 100, 300)
	require.NoError(t, err)
	defer r.Close()

	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, src.data[100:300], got)
	assert.Equal(t, int64(300), r.FilePointer())

	n, err := r.Read(make([]byte, 10))
	assert.Equal(t, 0, n)
	assert.ErrorIs(t, err, io.EOF)
}

func TestChunkReaderClampsReads(t *testing.T) {
	src := &memStream{data: pattern(1000, 3)}
	r, err := NewChunkReader(src, 990, 1000)
	require.NoError(t, err)

	buf := make([]byte, 64)
	n, err := r.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, 10, n)
	assert.Equal(t, src.data[990:], buf[:n])
	assert.Equal(t, int64(0), r.Available())
}

func TestChunkReaderInvalidWindowClosesSource(t *testing.T) {
	tests := []struct {
		name        string
		offset, end int64
	}{
		{"empty", 50, 50},
		{"inverted", 60, 50},
		{"past end", 0, 1001},
		{"negative", -1, 10},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := &memStream{data: pattern(1000, 0)}
			r, err := NewChunkReader(src, tt.offset, tt.end)
			require.ErrorIs(t, err, ErrOutOfRange)
			assert.Nil(t, r)
			assert.True(t, src.closed)
		})
	}
}

func TestChunkReaderSkipAndSeek(t *testing.T) {
	src := &memStream{data: pattern(1000, 9)}
	r, err := NewChunkReader(src, 200, 400)
	require.NoError(t, err)

	assert.Equal(t, int64(50), r.Skip(50))
	assert.Equal(t, int64(250), r.FilePointer())
	assert.Equal(t, int64(150), r.Skip(1000))
	assert.Equal(t, int64(0), r.Skip(1))

	pos, err := r.Seek(-20, io.SeekEnd)
	require.NoError(t, err)
	assert.Equal(t, int64(180), pos)
	assert.Equal(t, int64(380), r.FilePointer())

	_, err = r.Seek(201, io.SeekStart)
	require.ErrorIs(t, err, ErrOutOfRange)
	_, err = r.Seek(-1, io.SeekStart)
	require.ErrorIs(t, err, ErrOutOfRange)

	r.Rewind()
	assert.Equal(t, int64(200), r.FilePointer())
	b := make([]byte, 4)
	_, err = io.ReadFull(r, b)
	require.NoError(t, err)
	assert.Equal(t, src.data[200:204], b)
}

func TestChunkReaderSiblingsIndependent(t *testing.T) {
	src := &memStream{data: pattern(4096, 5)}
	shared := WithoutClose(src)

	a, err := NewChunkReader(shared, 0, 2048)
	require.NoError(t, err)
	b, err := NewChunkReader(shared, 2048, 4096)
	require.NoError(t, err)

	bufA := make([]byte, 100)
	bufB := make([]byte, 100)
	_, err = io.ReadFull(a, bufA)
	require.NoError(t, err)
	_, err = io.ReadFull(b, bufB)
	require.NoError(t, err)
	_, err = io.ReadFull(a, bufA)
	require.NoError(t, err)

	assert.Equal(t, src.data[100:200], bufA)
	assert.Equal(t, src.data[2048:2148], bufB)

	require.NoError(t, a.Close())
	assert.False(t, src.closed)
}

func TestChunkReaderProgress(t *testing.T) {
	src := &memStream{data: make([]byte, 1<<20)}
	r, err := NewChunkReader(src, 0, 1<<20)
	require.NoError(t, err)

	var reports []int64
	r.OnProgress = func(pos int64) { reports = append(reports, pos) }

	buf := make([]byte, 64*1024)
	for {
		_, err := r.Read(buf)
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
	}

	require.NotEmpty(t, reports)
	for i := 1; i < len(reports); i++ {
		assert.GreaterOrEqual(t, reports[i]-reports[i-1], int64(readProgressInterval))
	}
}

func TestChunkReaderShrunkSource(t *testing.T) {
	src := &memStream{data: pattern(100, 1)}
	r, err := NewChunkReader(src, 0, 100)
	require.NoError(t, err)

	src.data = src.data[:0]
	_, err = r.Read(make([]byte, 10))
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestChunkReaderProgressOnBoundary(t *testing.T) {
	src := &memStream{data: make([]byte, 2*readProgressInterval)}
	r, err := NewChunkReader(src, 0, 2*readProgressInterval)
	require.NoError(t, err)

	var reports []int64
	r.OnProgress = func(pos int64) { reports = append(reports, pos) }

	_, err = io.ReadFull(r, make([]byte, readProgressInterval-1))
	require.NoError(t, err)
	assert.Empty(t, reports)

	_, err = io.ReadFull(r, make([]byte, 1))
	require.NoError(t, err)
	assert.Equal(t, []int64{readProgressInterval}, reports)
}
