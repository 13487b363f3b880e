package rlm

import (
	"context"
	"fmt"
)

// Session is the multi-turn convenience wrapper from spec.md §4.5: it keeps
// an externally visible message_history across chat() calls and, in
// persistent mode, reuses one Controller/Environment instead of spawning a
// fresh one per turn.
type Session struct {
	newController func() *Controller

	persistent       bool
	controller       *Controller
	baseSystemPrompt string
	sessionTurnCount int

	messageHistory []Message
}

// NewSession builds a Session. newController constructs a fresh Controller
// for one chat turn; when persistent is true the first Controller built is
// reused (and its Environment kept alive) across subsequent turns.
func NewSession(newController func() *Controller, persistent bool) *Session {
	return &Session{newController: newController, persistent: persistent}
}

// Chat implements spec.md §4.5's four numbered steps: reuse or spawn a
// controller, push prompt into message_history and the next session_context
// slot, annotate the system prompt with which slot is newest, run one
// completion, and append the resulting assistant Message to message_history.
func (s *Session) Chat(ctx context.Context, prompt string) (*RLMChatCompletion, error) {
	ctrl := s.controller
	if ctrl == nil || !s.persistent {
		ctrl = s.newController()
		ctrl.opts.Persistent = s.persistent
		ctrl.opts.SessionMode = true
		if s.baseSystemPrompt == "" {
			s.baseSystemPrompt = ctrl.opts.CustomSystemPrompt
			if s.baseSystemPrompt == "" {
				s.baseSystemPrompt = ctrl.systemPrompt()
			}
		}
		if s.persistent {
			s.controller = ctrl
		}
	}

	s.messageHistory = append(s.messageHistory, Message{Role: RoleUser, Content: prompt})
	latestIdx := s.sessionTurnCount
	s.sessionTurnCount++

	ctrl.opts.CustomSystemPrompt = fmt.Sprintf(
		"%s\n\nThe latest session context is session_context_%d; earlier session_context_i entries are historical.",
		s.baseSystemPrompt, latestIdx,
	)

	comp := ctrl.Complete(ctx, prompt, "")
	if comp.Error != nil {
		return comp, comp.Error
	}

	s.messageHistory = append(s.messageHistory, Message{Role: RoleAssistant, Content: comp.Response})
	return comp, nil
}

// MessageHistory returns the externally held transcript across all chat()
// calls on this Session, oldest first.
func (s *Session) MessageHistory() []Message {
	return append([]Message(nil), s.messageHistory...)
}

// Close tears down a persistent Session's retained Environment. A no-op for
// non-persistent sessions, which never retain one between calls.
func (s *Session) Close(ctx context.Context) error {
	if s.controller == nil || s.controller.env == nil {
		return nil
	}
	return s.controller.env.Cleanup(ctx)
}
