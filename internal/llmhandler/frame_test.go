package llmhandler

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rlm/internal/repl"
)

func TestWriteReadFrame_RoundTrip(t *testing.T) {
	req := repl.LMRequest{Prompt: "hello", Depth: 2, Recursive: true, Budget: 30}

	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, req))

	var got repl.LMRequest
	require.NoError(t, ReadFrame(&buf, &got))
	assert.Equal(t, req, got)
}

func TestReadFrame_RejectsOversizedLengthPrefix(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0xFF, 0xFF, 0xFF, 0xFF}) // declares ~4GiB payload
	var got repl.LMRequest
	err := ReadFrame(&buf, &got)
	assert.Error(t, err)
}

func TestReadFrame_TruncatedStreamIsError(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0, 0, 0, 10}) // declares 10 bytes, writes none
	var got repl.LMRequest
	err := ReadFrame(&buf, &got)
	assert.Error(t, err)
}
