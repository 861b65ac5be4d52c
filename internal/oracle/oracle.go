package oracle

import (
	"context"
	"errors"
	"fmt"
)

// Task names route requests to the configured model for that stage.
const (
	TaskRanking   = "ranking"
	TaskCleaning  = "cleaning"
	TaskSynthesis = "synthesis"
	TaskNaming    = "naming"
)

// ErrContentPolicy marks a request the provider refused on content grounds.
// Callers with a safe fallback (cleaning) treat it as a soft failure.
var ErrContentPolicy = errors.New("oracle rejected content")

// SchemaError reports an oracle reply that did not match the declared output
// schema. The raw reply is retained for diagnosis.
type SchemaError struct {
	Task string
	Raw  string
	Err  error
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("oracle %s reply did not match schema: %v", e.Task, e.Err)
}

func (e *SchemaError) Unwrap() error { return e.Err }

// Oracle is the reasoning collaborator: one-shot structured requests plus
// long-lived conversational sessions whose handles the caller owns.
//
// Submit and ReadStructured deserialize the reply into out, which declares the
// expected schema; a mismatch surfaces as *SchemaError.
type Oracle interface {
	Submit(ctx context.Context, task, systemPrompt, userPrompt string, out any) error

	CreateSession(ctx context.Context, task, systemPrompt string) (string, error)
	AddTurn(ctx context.Context, sessionID, content string) error
	ReadStructured(ctx context.Context, sessionID string, out any) error
	EndSession(ctx context.Context, sessionID string) error
}
