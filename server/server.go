// Package server implements the bridge side of the protocol: a method table and
// the single-stream transport loop that serves it.
//
// Request processing pipeline:
//
//	Reader.ReadFrame → message.Parse → message.Validate
//	  → Middleware Chain (Logging outermost) → Dispatcher → Writer.WriteMessage
//
// The loop is synchronous. The next frame is not decoded until the current
// response has been written, so responses leave in request order.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"

	"github.com/chenDeepin/pymolcode/message"
	"github.com/chenDeepin/pymolcode/middleware"
	"github.com/chenDeepin/pymolcode/protocol"
)

// DefaultMaxMalformed is how many consecutive malformed frames Serve tolerates.
const DefaultMaxMalformed = 8

// ErrTooManyMalformed is returned by Serve when the input stream looks
// permanently desynchronized.
var ErrTooManyMalformed = errors.New("server: too many consecutive malformed frames")

// Server serves one dispatcher over a byte stream pair.
type Server struct {
	dispatcher  *Dispatcher
	log         *zap.Logger
	middlewares []middleware.Middleware // applied inside Logging, in order

	// MaxMalformed bounds consecutive malformed frames; <= 0 disables the bound.
	MaxMalformed int
}

func New(d *Dispatcher, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{dispatcher: d, log: log, MaxMalformed: DefaultMaxMalformed}
}

// Use registers a middleware. Middlewares are applied in the order they are added.
func (s *Server) Use(mw middleware.Middleware) {
	s.middlewares = append(s.middlewares, mw)
}

// Serve reads frames from in and writes responses to out until a shutdown
// request is answered or in reaches EOF, both of which return nil.
//
// out must not be written by anything else while Serve runs. ctx is passed to
// handlers and checked between frames; it cannot interrupt a blocked read.
func (s *Server) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	// Build the chain once per session, not per request
	mws := append([]middleware.Middleware{middleware.Logging(s.log)}, s.middlewares...)
	handler := middleware.Chain(mws...)(s.dispatcher.Handle)

	reader := protocol.NewReader(in)
	writer := protocol.NewWriter(out)

	// Handlers abandoned by a timeout still finish before the next dispatch.
	var inflight sync.WaitGroup
	ctx = middleware.WithInflight(ctx, &inflight)
	defer inflight.Wait()

	malformed := 0
	for {
		if ctx.Err() != nil {
			s.log.Info("serve cancelled", zap.Error(ctx.Err()))
			return nil
		}

		frame, err := reader.ReadFrame()
		if err != nil {
			var mf *protocol.MalformedFrameError
			switch {
			case errors.As(err, &mf):
				malformed++
				s.log.Warn("malformed frame", zap.String("reason", mf.Reason), zap.Int("consecutive", malformed))
				if werr := writer.WriteMessage(message.NewErrorResponse(message.NullID(), message.ErrParse())); werr != nil {
					return werr
				}
				if s.MaxMalformed > 0 && malformed > s.MaxMalformed {
					return fmt.Errorf("%w (%d)", ErrTooManyMalformed, malformed)
				}
				continue
			case errors.Is(err, io.EOF):
				s.log.Info("input closed")
				return nil
			case errors.Is(err, io.ErrUnexpectedEOF):
				s.log.Warn("input closed inside a frame", zap.Int("buffered", reader.Buffered()))
				return nil
			default:
				return fmt.Errorf("server: read frame: %w", err)
			}
		}
		malformed = 0

		stop, err := s.serveFrame(ctx, handler, writer, frame)
		inflight.Wait()
		if err != nil {
			return err
		}
		if stop {
			s.log.Info("session shutdown requested")
			return nil
		}
	}
}

// serveFrame handles one decoded frame and reports whether the loop should stop.
func (s *Server) serveFrame(ctx context.Context, handler middleware.HandlerFunc, w *protocol.Writer, frame *protocol.Frame) (bool, error) {
	msg, err := message.Parse(frame.Body)
	if err != nil {
		return false, s.reject(w, message.NullID(), err)
	}
	if err := message.Validate(msg); err != nil {
		return false, s.reject(w, msg.RecoverID(), err)
	}
	if !msg.IsRequest() {
		return false, s.reject(w, msg.RecoverID(), message.NewError(message.CodeInvalidRequest, "only requests are accepted"))
	}

	req := msg.Request()
	out, err := handler(ctx, req)
	if req.IsNotification() {
		return out.Terminate, nil
	}

	var resp *message.Response
	if err != nil {
		resp = message.NewErrorResponse(*req.ID, toRPCError(err))
	} else {
		result := out.Result
		if len(result) == 0 {
			result = []byte("null")
		}
		resp = message.NewResult(*req.ID, result)
	}
	if err := w.WriteMessage(resp); err != nil {
		return false, err
	}
	return out.Terminate, nil
}

func (s *Server) reject(w *protocol.Writer, id message.ID, err error) error {
	var rpcErr *message.Error
	var ve *message.ValidationError
	switch {
	case errors.As(err, &ve):
		rpcErr = ve.RPCError()
	case errors.As(err, &rpcErr):
	default:
		rpcErr = message.NewError(message.CodeInvalidRequest, err.Error())
	}
	s.log.Warn("rejected message", zap.Stringer("id", id), zap.Int("code", rpcErr.Code), zap.String("reason", rpcErr.Message))
	return w.WriteMessage(message.NewErrorResponse(id, rpcErr))
}
