package protocol

import (
	"bytes"
	"errors"
	"io"
	"sync"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReaderOneByteAtATime(t *testing.T) {
	var stream bytes.Buffer
	w := NewWriter(&stream)
	for i := 0; i < 3; i++ {
		require.NoError(t, w.WriteMessage(map[string]any{"jsonrpc": "2.0", "id": i, "result": map[string]any{}}))
	}

	r := NewReader(iotest.OneByteReader(&stream))
	for i := 0; i < 3; i++ {
		frame, err := r.ReadFrame()
		require.NoError(t, err)
		assert.Contains(t, string(frame.Body), `"id":`)
	}
	_, err := r.ReadFrame()
	assert.ErrorIs(t, err, io.EOF)
}

func TestReaderSkipsMalformedFrame(t *testing.T) {
	good, err := Encode(map[string]any{"jsonrpc": "2.0", "id": 1, "method": "bridge.ping"})
	require.NoError(t, err)
	in := append([]byte("Content-Length: x\r\n\r\n"), good...)

	r := NewReader(bytes.NewReader(in))
	_, err = r.ReadFrame()
	var mf *MalformedFrameError
	require.ErrorAs(t, err, &mf)

	frame, err := r.ReadFrame()
	require.NoError(t, err)
	assert.Contains(t, string(frame.Body), "bridge.ping")
}

func TestReaderUnexpectedEOF(t *testing.T) {
	r := NewReader(bytes.NewReader([]byte("Content-Length: 40\r\n\r\n{\"jsonrpc\"")))
	_, err := r.ReadFrame()
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestReaderPropagatesReadError(t *testing.T) {
	boom := errors.New("pipe broken")
	r := NewReader(iotest.ErrReader(boom))
	_, err := r.ReadFrame()
	assert.ErrorIs(t, err, boom)
}

func TestWriterConcurrentFramesDoNotInterleave(t *testing.T) {
	var stream bytes.Buffer
	w := NewWriter(&stream)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			assert.NoError(t, w.WriteMessage(map[string]any{"jsonrpc": "2.0", "id": n, "result": map[string]any{"n": n}}))
		}(i)
	}
	wg.Wait()

	frames, rest, err := DecodeAll(stream.Bytes())
	require.NoError(t, err)
	assert.Empty(t, rest)
	assert.Len(t, frames, 50)
}

type shortWriter struct{}

func (shortWriter) Write(p []byte) (int, error) { return len(p) / 2, nil }

func TestWriterShortWrite(t *testing.T) {
	err := NewWriter(shortWriter{}).WriteFrame([]byte("Content-Length: 2\r\n\r\n{}"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "short frame write")
}
