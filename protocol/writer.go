package protocol

import (
	"fmt"
	"io"
	"sync"
)

// Writer is the only path by which frames reach an output stream.
// Each frame is written with a single Write call under a lock, so frames from
// different goroutines never interleave.
type Writer struct {
	mu sync.Mutex
	w  io.Writer
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// WriteMessage encodes v and writes it as one frame.
func (fw *Writer) WriteMessage(v any) error {
	frame, err := Encode(v)
	if err != nil {
		return err
	}
	return fw.WriteFrame(frame)
}

// WriteFrame writes an already encoded frame.
func (fw *Writer) WriteFrame(frame []byte) error {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	n, err := fw.w.Write(frame)
	if err != nil {
		return fmt.Errorf("protocol: write frame: %w", err)
	}
	if n != len(frame) {
		return fmt.Errorf("protocol: short frame write (%d of %d bytes)", n, len(frame))
	}
	return nil
}
