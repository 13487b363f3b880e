package llmclient

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rlm/internal/repl"
)

func TestCompleteAsync_DeliversCompleteResultOverChannel(t *testing.T) {
	calls := 0
	complete := func(ctx context.Context, req repl.LMRequest) repl.LMResponse {
		calls++
		return repl.LMResponse{Response: "async:" + req.Prompt}
	}

	ch := completeAsync(context.Background(), complete, repl.LMRequest{Prompt: "hi"})
	resp, ok := <-ch
	require.True(t, ok)
	assert.Equal(t, "async:hi", resp.Response)
	assert.Equal(t, 1, calls)

	_, ok = <-ch
	assert.False(t, ok, "the channel must be closed after delivering its one result")
}

func TestUsageCounter_RecordAccumulatesAcrossCalls(t *testing.T) {
	var u usageCounter
	u.record("gpt-test", 10, 5)
	u.record("gpt-test", 3, 1)

	stats := u.Stats()
	assert.Equal(t, "gpt-test", stats.Model)
	assert.Equal(t, 2, stats.Calls)
	assert.Equal(t, 13, stats.InputTokens)
	assert.Equal(t, 6, stats.OutputTokens)
	assert.Equal(t, 0, stats.Errors)
}

func TestUsageCounter_RecordErrorCountsAsCallButNotTokens(t *testing.T) {
	var u usageCounter
	u.record("gpt-test", 10, 5)
	u.recordError("gpt-test")

	stats := u.Stats()
	assert.Equal(t, 2, stats.Calls)
	assert.Equal(t, 1, stats.Errors)
	assert.Equal(t, 10, stats.InputTokens, "a recorded error must not add token counts")
}

func TestUsageCounter_SnapshotIsCumulativeAcrossCalls(t *testing.T) {
	var u usageCounter
	u.record("model-a", 1, 1)
	u.record("model-b", 2, 2)

	snap := u.snapshot()
	assert.Equal(t, "model-b", snap.Model, "snapshot reports the last-seen model name")
	assert.Equal(t, 3, snap.InputTok, "snapshot sums every call's tokens, per get_usage_summary()")
	assert.Equal(t, 3, snap.OutputTok)
}

func TestUsageCounter_LastUsageReportsOnlyMostRecentCall(t *testing.T) {
	var u usageCounter
	u.record("model-a", 1, 1)
	u.record("model-b", 2, 2)

	last := u.lastUsage()
	assert.Equal(t, "model-b", last.Model)
	assert.Equal(t, 2, last.InputTok, "get_last_usage() must report only the most recent call, not the running total")
	assert.Equal(t, 2, last.OutputTok)
	assert.Empty(t, last.Error)
}

func TestUsageCounter_LastUsageAfterErrorReflectsTheFailedCall(t *testing.T) {
	var u usageCounter
	u.record("model-a", 5, 5)
	u.recordError("model-a")

	last := u.lastUsage()
	assert.NotEmpty(t, last.Error)
	assert.Equal(t, 0, last.InputTok)

	snap := u.snapshot()
	assert.Equal(t, 5, snap.InputTok, "the cumulative summary must still reflect the earlier successful call")
}

func TestUsageCounter_EmptyModelNameDoesNotOverwritePrior(t *testing.T) {
	var u usageCounter
	u.record("model-a", 1, 1)
	u.record("", 2, 2)

	stats := u.Stats()
	assert.Equal(t, "model-a", stats.Model, "an unnamed response must not blank out the last known model")
	assert.Equal(t, 3, stats.InputTokens)
}

func TestUsageCounter_ConcurrentRecordsAreRaceFree(t *testing.T) {
	var u usageCounter
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			u.record("model", 1, 1)
		}()
	}
	wg.Wait()

	stats := u.Stats()
	assert.Equal(t, 50, stats.Calls)
	assert.Equal(t, 50, stats.InputTokens)
}
