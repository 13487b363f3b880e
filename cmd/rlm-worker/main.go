// Command rlm-worker is the sandbox subprocess spawned by
// internal/repl/sandbox.Environment: it owns one jsvm.Runtime, reads
// newline-delimited wireRequest JSON lines from stdin, and writes exactly
// one wireResponse line per request to stdout, mirroring
// cmd/agentd/main.go's .env-then-logger startup order but with no HTTP
// server of its own — its only outbound traffic is sub-LM dispatch against
// the host's llmhandler broker, reached over plain HTTP rather than an
// in-process closure since this process shares no memory with the host.
package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/joho/godotenv"

	"rlm/internal/observability"
	"rlm/internal/repl"
	"rlm/internal/repl/jsvm"
)

// wire mirrors the unexported types in internal/repl/sandbox/protocol.go.
// The two packages can't share the type directly (sandbox keeps them
// unexported since host and worker are the only two parties on the wire),
// so this is a deliberate, narrow duplication of the contract rather than a
// shared dependency — see DESIGN.md.
type wireRequest struct {
	Op        string        `json:"op"`
	SetupCode string        `json:"setup_code,omitempty"`
	Depth     int           `json:"depth,omitempty"`
	Src       string        `json:"src,omitempty"`
	Payload   string        `json:"payload,omitempty"`
	Session   bool          `json:"session,omitempty"`
	Messages  []wireMessage `json:"messages,omitempty"`
	Host      string        `json:"host,omitempty"`
	Port      int           `json:"port,omitempty"`
}

type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type wireResponse struct {
	Error    string          `json:"error,omitempty"`
	Index    int             `json:"index,omitempty"`
	Result   *wireREPLResult `json:"result,omitempty"`
	Snapshot map[string]any  `json:"snapshot,omitempty"`
}

type wireREPLResult struct {
	Stdout    string `json:"stdout"`
	Stderr    string `json:"stderr"`
	Value     string `json:"value,omitempty"`
	HasValue  bool   `json:"has_value,omitempty"`
	Final     string `json:"final,omitempty"`
	HasFinal  bool   `json:"has_final,omitempty"`
	Error     string `json:"result_error,omitempty"`
	ErrorText string `json:"result_error_text,omitempty"`
	Truncated bool   `json:"truncated,omitempty"`
}

func main() {
	if err := godotenv.Load(".env"); err != nil {
		_ = godotenv.Load("example.env")
	}
	observability.InitLogger("rlm-worker.log", "info")

	w := &worker{httpClient: observability.NewHTTPClient(nil)}

	ctx := context.Background()
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	enc := json.NewEncoder(os.Stdout)

	for scanner.Scan() {
		var req wireRequest
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			_ = enc.Encode(wireResponse{Error: fmt.Sprintf("decode request: %v", err)})
			continue
		}
		resp := w.handle(ctx, req)
		_ = enc.Encode(resp)
		if req.Op == "cleanup" {
			return
		}
	}
}

// worker dispatches wireRequest ops to the jsvm.Runtime and, for
// UpdateHandlerAddress, records the broker address used by every
// subsequent llm_query / llm_query_batched call.
type worker struct {
	rt         *jsvm.Runtime
	httpClient *http.Client
	brokerHost string
	brokerPort int
}

func (w *worker) handle(ctx context.Context, req wireRequest) wireResponse {
	switch req.Op {
	case "setup":
		if w.rt == nil {
			w.rt = jsvm.New(req.Depth)
		}
		if err := w.rt.Setup(ctx, req.SetupCode); err != nil {
			return wireResponse{Error: err.Error()}
		}
		return wireResponse{}

	case "execute_code":
		result, err := w.rt.ExecuteCode(ctx, req.Src)
		if err != nil {
			return wireResponse{Error: err.Error()}
		}
		return wireResponse{Result: &wireREPLResult{
			Stdout:    result.Stdout,
			Stderr:    result.Stderr,
			Value:     result.Value,
			HasValue:  result.HasValue,
			Final:     result.Final,
			HasFinal:  result.HasFinal,
			Error:     string(result.Error),
			ErrorText: result.ErrorText,
			Truncated: result.Truncated,
		}}

	case "load_context":
		idx, err := w.rt.LoadContext(ctx, req.Payload, req.Session)
		if err != nil {
			return wireResponse{Error: err.Error()}
		}
		return wireResponse{Index: idx}

	case "set_completion_context":
		if err := w.rt.SetCompletionContext(ctx, req.Payload); err != nil {
			return wireResponse{Error: err.Error()}
		}
		return wireResponse{}

	case "add_session_context":
		idx, err := w.rt.AddSessionContext(ctx, req.Payload)
		if err != nil {
			return wireResponse{Error: err.Error()}
		}
		return wireResponse{Index: idx}

	case "add_history":
		messages := make([]repl.Message, len(req.Messages))
		for i, m := range req.Messages {
			messages[i] = repl.Message{Role: m.Role, Content: m.Content}
		}
		idx, err := w.rt.AddHistory(ctx, messages)
		if err != nil {
			return wireResponse{Error: err.Error()}
		}
		return wireResponse{Index: idx}

	case "update_handler_address":
		w.brokerHost, w.brokerPort = req.Host, req.Port
		w.rt.SetDispatch(w.dispatch)
		return wireResponse{}

	case "cleanup":
		err := w.rt.Cleanup(ctx)
		if err != nil {
			return wireResponse{Error: err.Error()}
		}
		return wireResponse{}

	case "snapshot":
		return wireResponse{Snapshot: w.rt.Snapshot()}

	default:
		return wireResponse{Error: fmt.Sprintf("unknown op %q", req.Op)}
	}
}

// dispatch is this worker's repl.SubLMFunc: it POSTs to the host broker's
// /enqueue, then polls /pending until a result is ready, since this process
// has no direct channel to the host's Controller/LLM clients — only the
// llmhandler.broker's HTTP contract (see internal/llmhandler/broker.go).
func (w *worker) dispatch(ctx context.Context, req repl.LMRequest) repl.LMResponse {
	if w.brokerHost == "" {
		return repl.LMResponse{Error: repl.ErrorKind("helper_call_error"), ErrorText: "no broker address configured"}
	}

	base := fmt.Sprintf("http://%s:%d", w.brokerHost, w.brokerPort)

	body, err := json.Marshal(req)
	if err != nil {
		return repl.LMResponse{Error: repl.ErrorKind("helper_call_error"), ErrorText: fmt.Sprintf("encode request: %v", err)}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/enqueue", bytes.NewReader(body))
	if err != nil {
		return repl.LMResponse{Error: repl.ErrorKind("helper_call_error"), ErrorText: err.Error()}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := w.httpClient.Do(httpReq)
	if err != nil {
		return repl.LMResponse{Error: repl.ErrorKind("helper_call_error"), ErrorText: fmt.Sprintf("enqueue: %v", err)}
	}
	var enqueued struct {
		ID string `json:"id"`
	}
	decodeErr := json.NewDecoder(httpResp.Body).Decode(&enqueued)
	_ = httpResp.Body.Close()
	if decodeErr != nil {
		return repl.LMResponse{Error: repl.ErrorKind("helper_call_error"), ErrorText: fmt.Sprintf("decode enqueue response: %v", decodeErr)}
	}

	pollURL := fmt.Sprintf("%s/pending?id=%s", base, enqueued.ID)
	for {
		select {
		case <-ctx.Done():
			return repl.LMResponse{Error: repl.ErrorKind("canceled"), ErrorText: ctx.Err().Error()}
		case <-time.After(100 * time.Millisecond):
		}

		pollReq, err := http.NewRequestWithContext(ctx, http.MethodGet, pollURL, nil)
		if err != nil {
			return repl.LMResponse{Error: repl.ErrorKind("helper_call_error"), ErrorText: err.Error()}
		}
		pollResp, err := w.httpClient.Do(pollReq)
		if err != nil {
			return repl.LMResponse{Error: repl.ErrorKind("helper_call_error"), ErrorText: fmt.Sprintf("poll: %v", err)}
		}
		if pollResp.StatusCode == http.StatusNoContent {
			_ = pollResp.Body.Close()
			continue
		}

		var lmResp repl.LMResponse
		err = json.NewDecoder(pollResp.Body).Decode(&lmResp)
		_ = pollResp.Body.Close()
		if err != nil && err != io.EOF {
			return repl.LMResponse{Error: repl.ErrorKind("helper_call_error"), ErrorText: fmt.Sprintf("decode poll response: %v", err)}
		}
		return lmResp
	}
}
