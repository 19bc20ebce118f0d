package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/chenDeepin/pymolcode/message"
	"github.com/chenDeepin/pymolcode/middleware"
	"github.com/chenDeepin/pymolcode/protocol"
)

type loadArgs struct {
	Path string `json:"path"`
}

type loadReply struct {
	Atoms int `json:"atoms"`
}

func newTestDispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	d := NewDispatcher()
	require.NoError(t, d.Register("scene.load", Typed(func(ctx context.Context, args loadArgs) (loadReply, error) {
		if args.Path == "" {
			return loadReply{}, message.NewError(message.CodeServerError, "path is required")
		}
		return loadReply{Atoms: len(args.Path)}, nil
	}), "Load a structure"))
	require.NoError(t, d.Register("scene.fail", HandlerFunc(func(ctx context.Context, params json.RawMessage) (any, error) {
		return nil, errors.New("renderer crashed")
	}), ""))
	require.NoError(t, d.Register("scene.panic", HandlerFunc(func(ctx context.Context, params json.RawMessage) (any, error) {
		panic("nil scene")
	}), ""))
	return d
}

func frames(t *testing.T, msgs ...any) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	for _, m := range msgs {
		switch v := m.(type) {
		case string:
			buf.WriteString(v)
		default:
			b, err := protocol.Encode(v)
			require.NoError(t, err)
			buf.Write(b)
		}
	}
	return &buf
}

func req(id any, method string, params any) map[string]any {
	m := map[string]any{"jsonrpc": "2.0", "method": method}
	if id != nil {
		m["id"] = id
	}
	if params != nil {
		m["params"] = params
	}
	return m
}

func serve(t *testing.T, s *Server, in *bytes.Buffer) ([]message.Message, error) {
	t.Helper()
	var out bytes.Buffer
	err := s.Serve(context.Background(), in, &out)
	got, rest, derr := protocol.DecodeAll(out.Bytes())
	require.NoError(t, derr)
	require.Empty(t, rest)

	msgs := make([]message.Message, 0, len(got))
	for _, f := range got {
		m, perr := message.Parse(f.Body)
		require.NoError(t, perr)
		require.NoError(t, message.Validate(m))
		msgs = append(msgs, m)
	}
	return msgs, err
}

func errorOf(t *testing.T, m message.Message) *message.Error {
	t.Helper()
	resp := m.Response()
	require.NotNil(t, resp.Error, "expected an error response, got %s", resp.Result)
	return resp.Error
}

func TestServeRequestsInOrder(t *testing.T) {
	s := New(newTestDispatcher(t), zaptest.NewLogger(t))
	in := frames(t,
		req(1, "scene.load", map[string]any{"path": "1abc.pdb"}),
		req("two", message.MethodPing, nil),
		req(3, message.MethodInitialize, nil),
	)

	msgs, err := serve(t, s, in)
	require.NoError(t, err)
	require.Len(t, msgs, 3)

	assert.Equal(t, "1", msgs[0].Response().ID.String())
	assert.JSONEq(t, `{"atoms":8}`, string(msgs[0].Response().Result))

	var ping message.PingResult
	require.NoError(t, json.Unmarshal(msgs[1].Response().Result, &ping))
	assert.Equal(t, `"two"`, msgs[1].Response().ID.String())
	assert.Equal(t, message.ProtocolName, ping.Protocol)
	assert.Equal(t, message.ProtocolVersion, ping.ProtocolVersion)
	assert.Equal(t, "2.0", ping.JSONRPCVersion)
	assert.Equal(t, "Load a structure", ping.MethodCatalog["scene.load"])

	var init message.InitializeResult
	require.NoError(t, json.Unmarshal(msgs[2].Response().Result, &init))
	assert.Equal(t, message.ProtocolVersion, init.ProtocolVersion)
	assert.Equal(t, []string{"bridge.ping", "initialize", "scene.fail", "scene.load", "scene.panic", "shutdown"}, init.Capabilities)
}

func TestServeShutdownStopsAfterResponse(t *testing.T) {
	s := New(newTestDispatcher(t), zaptest.NewLogger(t))
	in := frames(t,
		req(1, message.MethodShutdown, nil),
		req(2, message.MethodPing, nil),
	)

	msgs, err := serve(t, s, in)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.JSONEq(t, `{"ok":true}`, string(msgs[0].Response().Result))
}

func TestServeShutdownNotificationStopsSilently(t *testing.T) {
	s := New(newTestDispatcher(t), zaptest.NewLogger(t))
	in := frames(t, req(nil, message.MethodShutdown, nil), req(2, message.MethodPing, nil))

	msgs, err := serve(t, s, in)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestServeNotificationsNeverAnswered(t *testing.T) {
	s := New(newTestDispatcher(t), zaptest.NewLogger(t))
	in := frames(t,
		req(nil, "scene.fail", nil),
		req(nil, "scene.panic", nil),
		req(nil, "no.such", nil),
		req(nil, "scene.load", []any{1}),
	)

	msgs, err := serve(t, s, in)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestServeDispatchErrors(t *testing.T) {
	s := New(newTestDispatcher(t), zaptest.NewLogger(t))
	in := frames(t,
		req(1, "no.such", nil),
		req(2, "scene.load", []any{"1abc.pdb"}),
		req(3, "scene.load", map[string]any{"path": 42}),
		req(4, "scene.load", map[string]any{}),
		req(5, "scene.fail", nil),
		req(6, "scene.panic", nil),
	)

	msgs, err := serve(t, s, in)
	require.NoError(t, err)
	require.Len(t, msgs, 6)

	want := []int{
		message.CodeMethodNotFound,
		message.CodeInvalidParams,
		message.CodeInvalidParams,
		message.CodeServerError,
		message.CodeInternalError,
		message.CodeInternalError,
	}
	for i, code := range want {
		e := errorOf(t, msgs[i])
		assert.Equal(t, code, e.Code, "response %d", i)
		assert.Equal(t, fmt.Sprint(i+1), msgs[i].Response().ID.String())
	}
	assert.Equal(t, "renderer crashed", errorOf(t, msgs[4]).Message)
	assert.Contains(t, errorOf(t, msgs[5]).Message, "nil scene")
}

func TestServeMalformedFrameContinues(t *testing.T) {
	s := New(newTestDispatcher(t), zaptest.NewLogger(t))
	in := frames(t, "Content-Length: abc\r\n\r\n", req(7, message.MethodPing, nil))

	msgs, err := serve(t, s, in)
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	assert.Equal(t, message.CodeParseError, errorOf(t, msgs[0]).Code)
	assert.True(t, msgs[0].Response().ID.IsNull())
	assert.Equal(t, "7", msgs[1].Response().ID.String())
}

func TestServeTooManyMalformed(t *testing.T) {
	s := New(newTestDispatcher(t), zaptest.NewLogger(t))
	s.MaxMalformed = 2
	bad := "Content-Length: -1\r\n\r\n"
	in := frames(t, bad, bad, bad, req(1, message.MethodPing, nil))

	msgs, err := serve(t, s, in)
	require.ErrorIs(t, err, ErrTooManyMalformed)
	assert.Len(t, msgs, 3)
}

func TestServeValidationFailures(t *testing.T) {
	s := New(newTestDispatcher(t), zaptest.NewLogger(t))
	in := frames(t,
		map[string]any{"jsonrpc": "1.0", "id": 5, "method": "bridge.ping"},
		map[string]any{"jsonrpc": "2.0", "id": true, "method": "bridge.ping"},
		map[string]any{"jsonrpc": "2.0", "id": 9, "result": map[string]any{}},
		"Content-Length: 17\r\n\r\n{\"jsonrpc\":\"2.0\"}",
		"[1,2]\n",
	)

	msgs, err := serve(t, s, in)
	require.NoError(t, err)
	require.Len(t, msgs, 5)

	for i, m := range msgs {
		assert.Equal(t, message.CodeInvalidRequest, errorOf(t, m).Code, "response %d", i)
	}
	assert.Equal(t, "5", msgs[0].Response().ID.String())
	assert.True(t, msgs[1].Response().ID.IsNull(), "boolean id must not be echoed")
	assert.Equal(t, "9", msgs[2].Response().ID.String())
	assert.True(t, msgs[3].Response().ID.IsNull())
}

func TestServeNewlineFallback(t *testing.T) {
	s := New(newTestDispatcher(t), zaptest.NewLogger(t))
	in := frames(t, "{\"jsonrpc\":\"2.0\",\"id\":1,\"method\":\"bridge.ping\"}\n")

	msgs, err := serve(t, s, in)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Nil(t, msgs[0].Response().Error)
}

func TestServeLeadingBlankLines(t *testing.T) {
	s := New(newTestDispatcher(t), zaptest.NewLogger(t))
	in := frames(t, "\r\n\r\n", req(1, message.MethodPing, nil), "\n", req(2, message.MethodPing, nil))

	msgs, err := serve(t, s, in)
	require.NoError(t, err)
	require.Len(t, msgs, 2, "blank lines must not produce parse errors")
	for i, m := range msgs {
		assert.Nil(t, m.Response().Error)
		assert.Equal(t, fmt.Sprint(i+1), m.Response().ID.String())
	}
}

func TestServeTimedOutHandlersNeverOverlap(t *testing.T) {
	var running, peak, finished atomic.Int32
	d := NewDispatcher()
	require.NoError(t, d.Register("scene.render", HandlerFunc(func(ctx context.Context, params json.RawMessage) (any, error) {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		// Ignores ctx on purpose: a stuck renderer.
		time.Sleep(100 * time.Millisecond)
		running.Add(-1)
		finished.Add(1)
		return nil, nil
	}), ""))

	s := New(d, zaptest.NewLogger(t))
	s.Use(middleware.Timeout(10 * time.Millisecond))

	msgs, err := serve(t, s, frames(t,
		req(1, "scene.render", nil),
		req(2, "scene.render", nil),
		req(3, "scene.render", nil),
	))
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	for _, m := range msgs {
		assert.Equal(t, message.CodeRequestTimeout, errorOf(t, m).Code)
	}
	assert.Equal(t, int32(1), peak.Load(), "one dispatch in flight per stream")
	assert.Equal(t, int32(3), finished.Load(), "Serve returns only after abandoned handlers finish")
}

func TestServeMiddleware(t *testing.T) {
	d := NewDispatcher()
	require.NoError(t, d.Register("scene.render", HandlerFunc(func(ctx context.Context, params json.RawMessage) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}), ""))

	core, logs := observer.New(zap.InfoLevel)
	s := New(d, zap.New(core))
	s.Use(middleware.Timeout(20 * time.Millisecond))

	msgs, err := serve(t, s, frames(t, req(1, "scene.render", nil), req(nil, message.MethodPing, nil)))
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, message.CodeRequestTimeout, errorOf(t, msgs[0]).Code)

	completed := logs.FilterMessage("request complete").All()
	require.Len(t, completed, 2)
	assert.Equal(t, middleware.OutcomeError, completed[0].ContextMap()["outcome"])
	assert.Equal(t, middleware.OutcomeNotification, completed[1].ContextMap()["outcome"])
}

func TestServeCancelledContext(t *testing.T) {
	s := New(newTestDispatcher(t), zaptest.NewLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var out bytes.Buffer
	require.NoError(t, s.Serve(ctx, frames(t, req(1, message.MethodPing, nil)), &out))
	assert.Zero(t, out.Len())
}
