package rlm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rlm/internal/repl"
)

func TestSession_ChatAppendsUserAndAssistantToHistory(t *testing.T) {
	backend := &scriptedClient{responses: []repl.LMResponse{
		{Response: `FINAL("first answer")`, Model: "test-model"},
	}}
	newController := func() *Controller { return newTestController(t, backend, 5) }

	sess := NewSession(newController, false)
	comp, err := sess.Chat(context.Background(), "first question")
	require.NoError(t, err)
	assert.Equal(t, "first answer", comp.Response)

	hist := sess.MessageHistory()
	require.Len(t, hist, 2)
	assert.Equal(t, RoleUser, hist[0].Role)
	assert.Equal(t, "first question", hist[0].Content)
	assert.Equal(t, RoleAssistant, hist[1].Role)
	assert.Equal(t, "first answer", hist[1].Content)
}

func TestSession_NonPersistentSpawnsFreshControllerPerTurn(t *testing.T) {
	backend := &scriptedClient{responses: []repl.LMResponse{
		{Response: `FINAL("ok")`, Model: "test-model"},
	}}
	spawned := 0
	newController := func() *Controller {
		spawned++
		return newTestController(t, backend, 5)
	}

	sess := NewSession(newController, false)
	_, err := sess.Chat(context.Background(), "turn one")
	require.NoError(t, err)
	_, err = sess.Chat(context.Background(), "turn two")
	require.NoError(t, err)

	assert.Equal(t, 2, spawned, "non-persistent sessions must build a fresh Controller per turn")
}

func TestSession_PersistentReusesControllerAcrossTurns(t *testing.T) {
	backend := &scriptedClient{responses: []repl.LMResponse{
		{Response: `FINAL("ok")`, Model: "test-model"},
	}}
	spawned := 0
	newController := func() *Controller {
		spawned++
		return newTestController(t, backend, 5)
	}

	sess := NewSession(newController, true)
	defer func() { _ = sess.Close(context.Background()) }()

	_, err := sess.Chat(context.Background(), "turn one")
	require.NoError(t, err)
	_, err = sess.Chat(context.Background(), "turn two")
	require.NoError(t, err)

	assert.Equal(t, 1, spawned, "persistent sessions must reuse one Controller across turns")
}

func TestSession_SystemPromptNamesLatestSessionContextSlot(t *testing.T) {
	backend := &scriptedClient{responses: []repl.LMResponse{
		{Response: `FINAL("ok")`, Model: "test-model"},
	}}
	newController := func() *Controller { return newTestController(t, backend, 5) }

	sess := NewSession(newController, true)
	defer func() { _ = sess.Close(context.Background()) }()

	_, err := sess.Chat(context.Background(), "turn one")
	require.NoError(t, err)
	assert.Contains(t, sess.controller.opts.CustomSystemPrompt, "session_context_0")

	_, err = sess.Chat(context.Background(), "turn two")
	require.NoError(t, err)
	assert.Contains(t, sess.controller.opts.CustomSystemPrompt, "session_context_1")
}

func TestSession_CloseOnNonPersistentIsNoop(t *testing.T) {
	backend := &scriptedClient{responses: []repl.LMResponse{
		{Response: `FINAL("ok")`, Model: "test-model"},
	}}
	newController := func() *Controller { return newTestController(t, backend, 5) }

	sess := NewSession(newController, false)
	assert.NoError(t, sess.Close(context.Background()))
}

func TestSession_ChatPropagatesCompletionError(t *testing.T) {
	backend := &scriptedClient{responses: []repl.LMResponse{
		{Error: repl.ErrorKind("provider_error"), ErrorText: "down"},
	}}
	newController := func() *Controller { return newTestController(t, backend, 3) }

	sess := NewSession(newController, false)
	_, err := sess.Chat(context.Background(), "hello")
	require.Error(t, err)
}
