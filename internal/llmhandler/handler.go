// Package llmhandler implements the LM Handler described in spec.md §4.4: a
// request server owned by the host process that accepts sub-LM requests
// from REPL-side code and dispatches them, via an injected routing closure,
// to the correct LM Client or a recursively-spawned child controller. The
// handler itself knows nothing about LM Clients or controllers — it is pure
// transport plus concurrency, matching the separation of concerns in
// intelligencedev-manifold/internal/orchestrator's message-handling layer
// (transport/dispatch split from business logic).
package llmhandler

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"rlm/internal/repl"
)

// Dispatch is supplied by the owning Controller. It resolves a single
// repl.LMRequest to a repl.LMResponse: per-depth model routing, recursive
// child-controller spawning, and per-depth time budgets all live in the
// closure the caller provides, not in this package.
type Dispatch func(ctx context.Context, req repl.LMRequest) repl.LMResponse

// Handler owns the stream-channel listener and/or HTTP broker for one
// completion's lifetime, and routes every incoming request through Dispatch.
type Handler struct {
	dispatch Dispatch

	stream *streamServer
	broker *broker
}

// New constructs a Handler around dispatch. Call StartStream and/or
// StartBroker depending on which Environment family the completion uses.
func New(dispatch Dispatch) *Handler {
	return &Handler{dispatch: dispatch}
}

// StartStream binds a length-prefixed stream-channel listener on a free
// loopback port and returns its (host, port). Used by in-process
// Environments per spec.md §4.4.
func (h *Handler) StartStream(ctx context.Context) (host string, port int, err error) {
	s, err := newStreamServer(ctx, h.dispatch)
	if err != nil {
		return "", 0, fmt.Errorf("start stream server: %w", err)
	}
	h.stream = s
	host, port = s.Addr()
	log.Ctx(ctx).Debug().Str("host", host).Int("port", port).Msg("llm handler: stream channel listening")
	return host, port, nil
}

// StartBroker starts the HTTP broker (/enqueue /pending /health) on a free
// loopback port and returns its (host, port). Used by sandbox-backed
// Environments per spec.md §4.4; see broker.go's doc comment for how the
// collapsed enqueue/poll round trip maps onto the spec's literal
// four-endpoint shape.
func (h *Handler) StartBroker(ctx context.Context) (host string, port int, err error) {
	b, err := newBroker(ctx, h.dispatch)
	if err != nil {
		return "", 0, fmt.Errorf("start broker: %w", err)
	}
	h.broker = b
	host, port = b.Addr()
	log.Ctx(ctx).Debug().Str("host", host).Int("port", port).Msg("llm handler: http broker listening")
	return host, port, nil
}

// Shutdown releases whichever transports were started. Safe to call
// multiple times and on a Handler with no transport started.
func (h *Handler) Shutdown(ctx context.Context) error {
	var firstErr error
	if h.stream != nil {
		if err := h.stream.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close stream server: %w", err)
		}
		h.stream = nil
	}
	if h.broker != nil {
		if err := h.broker.Close(ctx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close broker: %w", err)
		}
		h.broker = nil
	}
	return firstErr
}
