package router_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/aelexs/captionsync/internal/domain"
	"github.com/aelexs/captionsync/internal/router"
	"github.com/aelexs/captionsync/pkg/protocol"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func request(t protocol.MessageType) *router.Request {
	return &router.Request{Message: &protocol.Message{Type: t}, From: protocol.Tab(1)}
}

// recorder captures every reply passed to a ResponseFunc.
type recorder struct {
	replies []any
	err     error
}

func (r *recorder) respond(_ context.Context, v any) error {
	r.replies = append(r.replies, v)
	return r.err
}

func TestDispatch_MissingType(t *testing.T) {
	r := router.New(testLogger())
	rec := &recorder{}

	r.Dispatch(context.Background(), request(""), rec.respond)

	require.Len(t, rec.replies, 1)
	assert.Equal(t, protocol.ErrorResponse{Error: "Message missing type field"}, rec.replies[0])
}

func TestDispatch_UnhandledThenRegistered(t *testing.T) {
	r := router.New(testLogger())
	ctx := context.Background()

	resp, replied := r.Call(ctx, request(protocol.TypeGetServiceStatus))
	require.True(t, replied)
	assert.Equal(t, protocol.Failure("No handler for message type: GET_SERVICE_STATUS"), resp)

	status := protocol.ServiceStatus{IsInitialized: true, HandlerCount: 1}
	r.Register(protocol.TypeGetServiceStatus, func(context.Context, *router.Request) (any, error) {
		return status, nil
	})

	resp, replied = r.Call(ctx, request(protocol.TypeGetServiceStatus))
	require.True(t, replied)
	assert.Equal(t, status, resp)
}

func TestDispatch_UnknownTypeNeverRouted(t *testing.T) {
	r := router.New(testLogger())
	called := false
	r.Register("NOT_A_KIND", func(context.Context, *router.Request) (any, error) {
		called = true
		return "x", nil
	})

	resp, _ := r.Call(context.Background(), request("NOT_A_KIND"))
	assert.False(t, called)
	assert.Equal(t, protocol.Failure("No handler for message type: NOT_A_KIND"), resp)
}

func TestRegister_LastWins(t *testing.T) {
	r := router.New(testLogger())
	var calls []string
	r.Register(protocol.TypeGetWords, func(context.Context, *router.Request) (any, error) {
		calls = append(calls, "first")
		return "first", nil
	})
	r.Register(protocol.TypeGetWords, func(context.Context, *router.Request) (any, error) {
		calls = append(calls, "second")
		return "second", nil
	})

	resp, _ := r.Call(context.Background(), request(protocol.TypeGetWords))
	assert.Equal(t, "second", resp)
	assert.Equal(t, []string{"second"}, calls)
	assert.Equal(t, 1, r.HandlerCount())
}

func TestDispatch_HandlerError(t *testing.T) {
	r := router.New(testLogger())
	r.Register(protocol.TypeSaveWord, func(context.Context, *router.Request) (any, error) {
		return nil, errors.New("write rejected")
	})

	resp, replied := r.Call(context.Background(), request(protocol.TypeSaveWord))
	require.True(t, replied)
	assert.Equal(t, protocol.Failure("write rejected"), resp)
}

func TestDispatch_HandlerPanic(t *testing.T) {
	r := router.New(testLogger())
	r.Register(protocol.TypeDeleteWord, func(context.Context, *router.Request) (any, error) {
		panic("nil map")
	})

	resp, replied := r.Call(context.Background(), request(protocol.TypeDeleteWord))
	require.True(t, replied)
	er, ok := resp.(protocol.ErrorResponse)
	require.True(t, ok)
	assert.Contains(t, er.Error, "handler panicked")
	assert.Contains(t, er.Error, "nil map")
	require.NotNil(t, er.Success)
	assert.False(t, *er.Success)

	// The router keeps working after a panic.
	r.Register(protocol.TypeReadyCheck, func(context.Context, *router.Request) (any, error) {
		return protocol.ReadyCheckResponse{Ready: true, Component: "background"}, nil
	})
	resp, _ = r.Call(context.Background(), request(protocol.TypeReadyCheck))
	assert.Equal(t, protocol.ReadyCheckResponse{Ready: true, Component: "background"}, resp)
}

func TestDispatch_HandlerTimeout(t *testing.T) {
	r := router.New(testLogger(), router.WithHandlerTimeout(20*time.Millisecond))
	r.Register(protocol.TypeGenerateAnswer, func(ctx context.Context, _ *router.Request) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	resp, replied := r.Call(context.Background(), request(protocol.TypeGenerateAnswer))
	require.True(t, replied)
	er, ok := resp.(protocol.ErrorResponse)
	require.True(t, ok)
	assert.Contains(t, er.Error, domain.ErrTimeout.Error())
}

func TestDispatch_AsyncResult(t *testing.T) {
	r := router.New(testLogger())
	r.Register(protocol.TypeGetAuthState, func(ctx context.Context, _ *router.Request) (any, error) {
		select {
		case <-time.After(10 * time.Millisecond):
			return protocol.AuthState{IsAuthenticated: true}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})

	resp, replied := r.Call(context.Background(), request(protocol.TypeGetAuthState))
	require.True(t, replied)
	assert.Equal(t, protocol.AuthState{IsAuthenticated: true}, resp)
}

func TestDispatch_DeclinedReply(t *testing.T) {
	r := router.New(testLogger())
	r.Register(protocol.TypeAuthStateChanged, func(context.Context, *router.Request) (any, error) {
		return nil, nil
	})

	_, replied := r.Call(context.Background(), request(protocol.TypeAuthStateChanged))
	assert.False(t, replied)
}

func TestDispatch_RespondFailureIsSwallowed(t *testing.T) {
	r := router.New(testLogger())
	r.Register(protocol.TypeGetWords, func(context.Context, *router.Request) (any, error) {
		return protocol.WordsSnapshot{}, nil
	})
	rec := &recorder{err: domain.ErrConnectionClosed}

	assert.NotPanics(t, func() {
		r.Dispatch(context.Background(), request(protocol.TypeGetWords), rec.respond)
	})
	assert.Len(t, rec.replies, 1)
}

func TestDispatch_PassesRequest(t *testing.T) {
	r := router.New(testLogger())
	var got *router.Request
	r.Register(protocol.TypeWordClicked, func(_ context.Context, req *router.Request) (any, error) {
		got = req
		return protocol.Ack{Success: true}, nil
	})

	req := &router.Request{
		Message: protocol.MustMessage(protocol.TypeWordClicked, protocol.WordClicked{Text: "gato"}),
		From:    protocol.Tab(9),
	}
	r.Dispatch(context.Background(), req, nil)

	require.NotNil(t, got)
	assert.Equal(t, protocol.Tab(9), got.From)
	assert.True(t, r.Has(protocol.TypeWordClicked))
	assert.False(t, r.Has(protocol.TypeSignIn))
}
