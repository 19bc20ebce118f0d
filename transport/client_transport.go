// Package transport implements the caller side of the bridge protocol.
//
// A Client multiplexes concurrent calls over one stream pair. Each request gets
// a unique id and is registered as pending before it is queued. One long-lived
// goroutine (sendLoop) owns the frame writer, another (recvLoop) owns the frame
// reader and routes each response to its caller by id.
//
//	goroutine-1 ──Go(id=1)──┐
//	goroutine-2 ──Go(id=2)──┼──→ sendq ──→ sendLoop ──→ subordinate stdin
//	goroutine-3 ──Go(id=3)──┘
//
//	recvLoop: ←── response(id=2) → pending["n:2"] → call-2.Done
//
// There is no in-flight cancellation. A call whose context ends is completed
// with an error and forgotten; if its response arrives later it is discarded.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/chenDeepin/pymolcode/codec"
	"github.com/chenDeepin/pymolcode/message"
	"github.com/chenDeepin/pymolcode/protocol"
)

var (
	// ErrTimeout is returned when a call's deadline passes before its response.
	ErrTimeout = fmt.Errorf("transport: request timed out: %w", context.DeadlineExceeded)
	// ErrTransportClosed is returned once the stream has failed or Close was called.
	ErrTransportClosed = errors.New("transport: closed")
)

const sendQueueSize = 64

// Call is an in-flight request. It is sent on Done when complete, after which
// exactly one of Result or Error is set.
type Call struct {
	ID       message.ID
	Method   string
	IssuedAt time.Time
	Deadline time.Time // zero when the call has no deadline
	Result   json.RawMessage
	Error    error
	Done     chan *Call

	cancel context.CancelFunc
	stop   func() bool
}

func (call *Call) finish() {
	if call.stop != nil {
		call.stop()
	}
	if call.cancel != nil {
		call.cancel()
	}
	call.Done <- call
}

type outgoing struct {
	req  *message.Request
	call *Call      // nil for notifications
	errc chan error // notifications only
}

// Client speaks the protocol to one subordinate over its stdin and stdout.
type Client struct {
	reader *protocol.Reader
	writer *protocol.Writer
	rc     io.Closer
	wc     io.Closer
	log    *zap.Logger

	// DefaultTimeout applies to calls whose context has no deadline; 0 means none.
	DefaultTimeout time.Duration

	seq     atomic.Uint64
	pending sync.Map // message.ID.Key() → *Call
	sendq   chan outgoing

	closeOnce sync.Once
	closing   chan struct{}
	closeErr  error
}

// NewClient starts the send and receive workers. r is the subordinate's
// output and w its input.
func NewClient(r io.ReadCloser, w io.WriteCloser, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	c := &Client{
		reader:  protocol.NewReader(r),
		writer:  protocol.NewWriter(w),
		rc:      r,
		wc:      w,
		log:     log,
		sendq:   make(chan outgoing, sendQueueSize),
		closing: make(chan struct{}),
	}
	go c.sendLoop()
	go c.recvLoop()
	return c
}

// Go issues a request and returns without waiting. The call completes when
// its response arrives, ctx ends, or the transport closes.
func (c *Client) Go(ctx context.Context, method string, params any) *Call {
	call := &Call{
		Method:   method,
		IssuedAt: time.Now(),
		Done:     make(chan *Call, 1),
	}

	raw, err := encodeParams(params)
	if err != nil {
		call.Error = err
		call.finish()
		return call
	}

	if _, ok := ctx.Deadline(); !ok && c.DefaultTimeout > 0 {
		ctx, call.cancel = context.WithTimeout(ctx, c.DefaultTimeout)
	}
	call.Deadline, _ = ctx.Deadline()

	call.ID = message.NumberID(c.seq.Add(1))
	key := call.ID.Key()
	call.stop = context.AfterFunc(ctx, func() {
		c.complete(key, nil, contextError(ctx, method, call.IssuedAt))
	})
	// Register before sending so the response can never beat the entry.
	// Both checks below must follow the Store.
	c.pending.Store(key, call)
	if ctx.Err() != nil {
		c.complete(key, nil, contextError(ctx, method, call.IssuedAt))
		return call
	}
	select {
	case <-c.closing:
		c.complete(key, nil, c.closedError())
		return call
	default:
	}

	id := call.ID
	select {
	case c.sendq <- outgoing{req: &message.Request{JSONRPC: message.Version, ID: &id, Method: method, Params: raw}, call: call}:
	case <-c.closing:
		c.complete(key, nil, c.closedError())
	case <-ctx.Done():
		// AfterFunc completes the call
	}
	return call
}

// Call issues a request and waits for its result. A remote error is returned
// as *message.Error.
func (c *Client) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	call := <-c.Go(ctx, method, params).Done
	return call.Result, call.Error
}

// Notify sends a request without an id. No response is expected.
func (c *Client) Notify(ctx context.Context, method string, params any) error {
	raw, err := encodeParams(params)
	if err != nil {
		return err
	}
	errc := make(chan error, 1)
	select {
	case c.sendq <- outgoing{req: &message.Request{JSONRPC: message.Version, Method: method, Params: raw}, errc: errc}:
	case <-c.closing:
		return c.closedError()
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-errc:
		return err
	case <-c.closing:
		return c.closedError()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close fails every pending call with ErrTransportClosed and closes both streams.
func (c *Client) Close() error {
	c.shutdown(ErrTransportClosed)
	werr := c.wc.Close()
	rerr := c.rc.Close()
	if werr != nil {
		return werr
	}
	return rerr
}

// Closed is closed when the transport stops accepting calls.
func (c *Client) Closed() <-chan struct{} {
	return c.closing
}

// Err reports why the transport closed, or nil while it is open.
func (c *Client) Err() error {
	select {
	case <-c.closing:
		return c.closeErr
	default:
		return nil
	}
}

// Pending reports how many calls are awaiting a response.
func (c *Client) Pending() int {
	n := 0
	c.pending.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

func (c *Client) sendLoop() {
	for {
		select {
		case out := <-c.sendq:
			err := c.writer.WriteMessage(out.req)
			if out.call == nil {
				out.errc <- err
			} else if err != nil {
				c.complete(out.call.ID.Key(), nil, fmt.Errorf("%w: %v", ErrTransportClosed, err))
			}
			if err != nil {
				c.log.Warn("write failed", zap.String("method", out.req.Method), zap.Error(err))
				c.shutdown(err)
				return
			}
		case <-c.closing:
			return
		}
	}
}

func (c *Client) recvLoop() {
	for {
		frame, err := c.reader.ReadFrame()
		if err != nil {
			var mf *protocol.MalformedFrameError
			if errors.As(err, &mf) {
				c.log.Warn("discarding malformed frame", zap.String("reason", mf.Reason))
				continue
			}
			c.shutdown(err)
			return
		}

		msg, err := message.Parse(frame.Body)
		if err == nil {
			err = message.Validate(msg)
		}
		if err != nil {
			c.log.Debug("discarding invalid message", zap.Error(err))
			continue
		}
		if msg.IsRequest() {
			c.log.Debug("discarding request from subordinate", zap.String("method", msg.Method()))
			continue
		}

		resp := msg.Response()
		var callErr error
		if resp.Error != nil {
			callErr = resp.Error
		}
		if !c.complete(resp.ID.Key(), resp.Result, callErr) {
			c.log.Debug("discarding response with no pending call", zap.Stringer("id", resp.ID))
		}
	}
}

// complete finishes the pending call under key. Only the first completion for
// a key wins; it reports false when the key was not pending.
func (c *Client) complete(key string, result json.RawMessage, err error) bool {
	v, ok := c.pending.LoadAndDelete(key)
	if !ok {
		return false
	}
	call := v.(*Call)
	if err != nil {
		call.Error = err
	} else {
		call.Result = result
	}
	call.finish()
	return true
}

func (c *Client) shutdown(cause error) {
	c.closeOnce.Do(func() {
		c.closeErr = cause
		close(c.closing)
		if !errors.Is(cause, ErrTransportClosed) {
			c.log.Info("transport closed", zap.Error(cause))
		}
	})
	closed := c.closedError()
	c.pending.Range(func(k, _ any) bool {
		c.complete(k.(string), nil, closed)
		return true
	})
}

func (c *Client) closedError() error {
	if c.closeErr == nil || errors.Is(c.closeErr, ErrTransportClosed) {
		return ErrTransportClosed
	}
	return fmt.Errorf("%w: %v", ErrTransportClosed, c.closeErr)
}

func contextError(ctx context.Context, method string, issued time.Time) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s after %s", ErrTimeout, method, time.Since(issued).Round(time.Millisecond))
	}
	return fmt.Errorf("transport: %s: %w", method, ctx.Err())
}

// encodeParams accepts nil, raw JSON, or any value encoding to an object or array.
func encodeParams(params any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	raw, ok := params.(json.RawMessage)
	if ok {
		raw = bytes.TrimSpace(raw)
	} else {
		b, err := codec.JSON.Encode(params)
		if err != nil {
			return nil, fmt.Errorf("transport: encode params: %w", err)
		}
		raw = b
	}
	if len(raw) == 0 || (raw[0] != '{' && raw[0] != '[') {
		return nil, fmt.Errorf("transport: params must be an object or array, got %.20s", raw)
	}
	return raw, nil
}
