package llmhandler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rlm/internal/repl"
)

func echoDispatch(ctx context.Context, req repl.LMRequest) repl.LMResponse {
	return repl.LMResponse{Response: fmt.Sprintf("echo:%s", req.Prompt), Model: "m"}
}

func httpPost(t *testing.T, url string, body []byte) []byte {
	t.Helper()
	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return b
}

func httpGetWithStatus(t *testing.T, url string) (int, []byte) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, b
}

func TestHandler_StreamRoundTrip(t *testing.T) {
	h := New(echoDispatch)
	host, port, err := h.StartStream(context.Background())
	require.NoError(t, err)
	defer func() { _ = h.Shutdown(context.Background()) }()

	conn, err := net.DialTimeout("tcp", fmt.Sprintf("%s:%d", host, port), time.Second)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, WriteFrame(conn, repl.LMRequest{Prompt: "hi"}))
	var resp repl.LMResponse
	require.NoError(t, ReadFrame(conn, &resp))
	assert.Equal(t, "echo:hi", resp.Response)
}

func TestHandler_StreamServesOneRequestPerConnection(t *testing.T) {
	h := New(echoDispatch)
	host, port, err := h.StartStream(context.Background())
	require.NoError(t, err)
	defer func() { _ = h.Shutdown(context.Background()) }()

	addr := fmt.Sprintf("%s:%d", host, port)
	for i := 0; i < 3; i++ {
		conn, err := net.DialTimeout("tcp", addr, time.Second)
		require.NoError(t, err)
		require.NoError(t, WriteFrame(conn, repl.LMRequest{Prompt: fmt.Sprintf("req-%d", i)}))
		var resp repl.LMResponse
		require.NoError(t, ReadFrame(conn, &resp))
		assert.Equal(t, fmt.Sprintf("echo:req-%d", i), resp.Response)
		conn.Close()
	}
}

func TestHandler_ShutdownIsIdempotent(t *testing.T) {
	h := New(echoDispatch)
	_, _, err := h.StartStream(context.Background())
	require.NoError(t, err)
	require.NoError(t, h.Shutdown(context.Background()))
	assert.NoError(t, h.Shutdown(context.Background()))
}

func TestHandler_BrokerEnqueueThenPending(t *testing.T) {
	h := New(echoDispatch)
	host, port, err := h.StartBroker(context.Background())
	require.NoError(t, err)
	defer func() { _ = h.Shutdown(context.Background()) }()

	base := fmt.Sprintf("http://%s:%d", host, port)
	body, _ := json.Marshal(repl.LMRequest{Prompt: "broker-hi"})

	enqueueResp := httpPost(t, base+"/enqueue", body)
	var enqueued struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(enqueueResp, &enqueued))
	require.NotEmpty(t, enqueued.ID)

	var lmResp repl.LMResponse
	require.Eventually(t, func() bool {
		status, b := httpGetWithStatus(t, fmt.Sprintf("%s/pending?id=%s", base, enqueued.ID))
		if status != 200 {
			return false
		}
		return json.Unmarshal(b, &lmResp) == nil
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, "echo:broker-hi", lmResp.Response)
}

func TestHandler_BrokerHealth(t *testing.T) {
	h := New(echoDispatch)
	host, port, err := h.StartBroker(context.Background())
	require.NoError(t, err)
	defer func() { _ = h.Shutdown(context.Background()) }()

	status, body := httpGetWithStatus(t, fmt.Sprintf("http://%s:%d/health", host, port))
	assert.Equal(t, 200, status)
	assert.Equal(t, "ok", string(body))
}
