package llmhandler

import (
	"context"
	"fmt"
	"net"

	"github.com/rs/zerolog/log"

	"rlm/internal/repl"
)

// streamServer is the stream-channel transport from spec.md §4.4/§6: a
// loopback TCP listener where each connection carries exactly one
// LMRequest frame in and one LMResponse frame out, then closes. Used by
// in-process Environments, which dial it directly per update_handler_address.
type streamServer struct {
	ln       net.Listener
	dispatch Dispatch
	done     chan struct{}
}

func newStreamServer(ctx context.Context, dispatch Dispatch) (*streamServer, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("listen: %w", err)
	}
	s := &streamServer{ln: ln, dispatch: dispatch, done: make(chan struct{})}
	go s.acceptLoop(ctx)
	return s, nil
}

func (s *streamServer) Addr() (host string, port int) {
	tcpAddr := s.ln.Addr().(*net.TCPAddr)
	return "127.0.0.1", tcpAddr.Port
}

func (s *streamServer) Close() error {
	close(s.done)
	return s.ln.Close()
}

func (s *streamServer) acceptLoop(ctx context.Context) {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				log.Ctx(ctx).Debug().Err(err).Msg("llm handler: stream accept failed")
				return
			}
		}
		go s.handleConn(ctx, conn)
	}
}

// handleConn serves exactly one request/response pair per connection,
// mirroring the one-outstanding-request-per-connection client behavior in
// internal/repl/inproc.Environment.dialDispatch.
func (s *streamServer) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	var req repl.LMRequest
	if err := ReadFrame(conn, &req); err != nil {
		log.Ctx(ctx).Debug().Err(err).Msg("llm handler: stream read request failed")
		return
	}

	resp := s.dispatch(ctx, req)

	if err := WriteFrame(conn, resp); err != nil {
		log.Ctx(ctx).Debug().Err(err).Str("remote", conn.RemoteAddr().String()).Msg("llm handler: stream write response failed")
	}
}
