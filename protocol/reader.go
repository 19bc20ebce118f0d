package protocol

import (
	"bytes"
	"errors"
	"io"
)

const readChunkSize = 4096

// Reader pulls frames off a byte stream, buffering partial frames between reads.
type Reader struct {
	r   io.Reader
	buf []byte
	tmp []byte
}

func NewReader(r io.Reader) *Reader {
	return &Reader{r: r, tmp: make([]byte, readChunkSize)}
}

// ReadFrame blocks until one frame is available.
//
// A *MalformedFrameError is returned after its bytes have been dropped from
// the buffer, so the next call continues behind the bad frame. At end of
// stream it returns io.EOF, or io.ErrUnexpectedEOF if a partial frame was
// left in the buffer.
func (fr *Reader) ReadFrame() (*Frame, error) {
	for {
		frame, rest, err := TryDecode(fr.buf)
		if err == nil {
			fr.buf = rest
			return frame, nil
		}
		var mf *MalformedFrameError
		if errors.As(err, &mf) {
			fr.buf = fr.buf[mf.Skip:]
			return nil, err
		}

		n, rerr := fr.r.Read(fr.tmp)
		if n > 0 {
			fr.buf = append(fr.buf, fr.tmp[:n]...)
			continue
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) && len(bytes.TrimSpace(fr.buf)) > 0 {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, rerr
		}
	}
}

// Buffered reports how many undecoded bytes are held.
func (fr *Reader) Buffered() int {
	return len(fr.buf)
}
