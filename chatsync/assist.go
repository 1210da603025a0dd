package chatsync

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vovakirdan/chatsync/chatsync/rest"
)

// Completer is the external request/response completion service.
type Completer interface {
	Complete(ctx context.Context, req rest.CompletionRequest) (*rest.CompletionResponse, error)
}

// Assistant appends prompt/response pairs to the message log. It does not
// use the transport and never produces provisional entries.
type Assistant struct {
	identity      Identity
	store         *MessageStore
	completer     Completer
	systemContext string
	timeout       time.Duration
	logger        Logger
	metrics       *Metrics
}

// NewAssistant binds an assistant to the store. completer may be nil, in
// which case Ask fails with ErrorInvalidConfig.
func NewAssistant(identity Identity, store *MessageStore, completer Completer, cfg Config) *Assistant {
	return &Assistant{
		identity:      identity,
		store:         store,
		completer:     completer,
		systemContext: cfg.AssistSystemContext,
		timeout:       cfg.AssistTimeout,
		logger:        noopLogger{},
	}
}

// SetLogger overrides logger (optional).
func (a *Assistant) SetLogger(l Logger) {
	if l != nil {
		a.logger = l
	}
}

// SetMetrics attaches metrics (optional).
func (a *Assistant) SetMetrics(m *Metrics) { a.metrics = m }

// Ask appends the prompt as a user message, performs one completion request
// and appends either the reply or a system notice describing the failure.
// The returned error mirrors the notice. There are no retries.
func (a *Assistant) Ask(ctx context.Context, prompt string) (Message, error) {
	text := strings.TrimSpace(prompt)
	if text == "" {
		return Message{}, ErrEmptyMessage
	}
	if a.completer == nil {
		return Message{}, NewError(ErrorInvalidConfig, "assist service not configured")
	}

	a.store.Append(Message{
		ID:         uuid.NewString(),
		Content:    text,
		SenderID:   a.identity.UserID,
		SenderName: a.identity.UserName,
		CreatedAt:  time.Now(),
		Type:       MessageText,
	})

	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}
	resp, err := a.completer.Complete(ctx, rest.CompletionRequest{Prompt: text, SystemContext: a.systemContext})
	if err == nil && strings.TrimSpace(resp.Message) == "" {
		err = NewError(ErrorAssistFailed, "empty completion")
	}
	if err != nil {
		a.logger.Warn("assist request failed", map[string]any{"error": err.Error()})
		a.metrics.assist("error")
		a.store.Append(newSystemMessage("Assist request failed: " + err.Error()))
		return Message{}, WrapError(ErrorAssistFailed, "assist request", err)
	}

	reply := Message{
		ID:         uuid.NewString(),
		Content:    resp.Message,
		SenderID:   AssistantSenderID,
		SenderName: AssistantSenderName,
		CreatedAt:  time.Now(),
		Type:       MessageText,
	}
	a.store.Append(reply)
	a.metrics.assist("ok")
	return reply, nil
}
