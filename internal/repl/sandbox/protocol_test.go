package sandbox

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWireRequest_JSONRoundTrip(t *testing.T) {
	req := wireRequest{
		Op:        opExecuteCode,
		SetupCode: "var x = 1;",
		Depth:     2,
		Src:       "FINAL(1)",
		Payload:   "payload",
		Session:   true,
		Messages:  []wireMessage{{Role: "user", Content: "hi"}},
		Host:      "127.0.0.1",
		Port:      8080,
	}

	b, err := json.Marshal(req)
	require.NoError(t, err)

	var got wireRequest
	require.NoError(t, json.Unmarshal(b, &got))
	assert.Equal(t, req, got)
}

func TestWireRequest_OmitsEmptyOptionalFields(t *testing.T) {
	req := wireRequest{Op: opSnapshot}
	b, err := json.Marshal(req)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(b, &raw))

	for _, field := range []string{"setup_code", "depth", "src", "payload", "session", "messages", "host", "port"} {
		_, present := raw[field]
		assert.False(t, present, "field %q should be omitted when zero-valued", field)
	}
	assert.Equal(t, "snapshot", raw["op"])
}

func TestWireResponse_JSONRoundTripWithResult(t *testing.T) {
	resp := wireResponse{
		Index: 3,
		Result: &wireREPLResult{
			Stdout:    "out",
			Stderr:    "err",
			Value:     "42",
			HasValue:  true,
			Final:     "done",
			HasFinal:  true,
			Error:     "user_code_error",
			ErrorText: "boom",
			Truncated: true,
		},
		Snapshot: map[string]any{"x": float64(1)},
	}

	b, err := json.Marshal(resp)
	require.NoError(t, err)

	var got wireResponse
	require.NoError(t, json.Unmarshal(b, &got))
	assert.Equal(t, resp, got)
}

func TestWireResponse_ErrorFieldIndependentOfResult(t *testing.T) {
	resp := wireResponse{Error: "worker not started"}
	b, err := json.Marshal(resp)
	require.NoError(t, err)

	var got wireResponse
	require.NoError(t, json.Unmarshal(b, &got))
	assert.Equal(t, "worker not started", got.Error)
	assert.Nil(t, got.Result)
}
