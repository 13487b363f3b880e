package llmhandler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"rlm/internal/repl"
)

// broker implements the HTTP-based LM Handler transport for sandbox-backed
// Environments per spec.md §4.4: the worker subprocess cannot share memory or
// a direct socket with the host's dispatch closure, so it enqueues a request
// and polls for the matching response over HTTP instead of dialing a
// stream-channel connection.
//
// Routes:
//
//	POST /enqueue  {LMRequest}              -> {"id": "<uuid>"}
//	GET  /pending?id=<uuid>                 -> {LMResponse} once ready, else 204
//	GET  /health                            -> 200 "ok"
//
// /enqueue spawns a goroutine that runs dispatch and stores the result keyed
// by id; /pending is a non-blocking poll so a single worker process can
// multiplex several in-flight sub-LM calls without a dedicated connection per
// call. The host process still owns every dispatch decision (backend
// selection, recursion spawn) even though the round trip is collapsed into
// one handler rather than a literal host-polls/host-responds split — see
// DESIGN.md.
type broker struct {
	ln  net.Listener
	srv *http.Server

	mu      sync.Mutex
	pending map[string]repl.LMResponse
}

func newBroker(ctx context.Context, dispatch Dispatch) (*broker, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("listen: %w", err)
	}

	b := &broker{ln: ln, pending: make(map[string]repl.LMResponse)}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /enqueue", b.handleEnqueue(ctx, dispatch))
	mux.HandleFunc("GET /pending", b.handlePending)
	mux.HandleFunc("GET /health", b.handleHealth)

	b.srv = &http.Server{Handler: mux}
	go func() {
		if err := b.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Ctx(ctx).Error().Err(err).Msg("llm handler: broker serve failed")
		}
	}()
	return b, nil
}

func (b *broker) Addr() (host string, port int) {
	tcpAddr := b.ln.Addr().(*net.TCPAddr)
	return "127.0.0.1", tcpAddr.Port
}

func (b *broker) Close(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := b.srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func (b *broker) handleEnqueue(ctx context.Context, dispatch Dispatch) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req repl.LMRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, fmt.Sprintf("decode request: %v", err), http.StatusBadRequest)
			return
		}

		id := uuid.NewString()
		go func() {
			resp := dispatch(ctx, req)
			b.mu.Lock()
			b.pending[id] = resp
			b.mu.Unlock()
		}()

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"id": id})
	}
}

func (b *broker) handlePending(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		http.Error(w, "missing id", http.StatusBadRequest)
		return
	}

	b.mu.Lock()
	resp, ok := b.pending[id]
	if ok {
		delete(b.pending, id)
	}
	b.mu.Unlock()

	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (b *broker) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
