package publish

import (
	"errors"
	"fmt"
)

// Step names the phase of a full-dataset publish that failed. A publish
// is not atomic: the old artifact may already be gone when a later step
// fails, so the failing step must always be reported.
type Step string

// Publish steps, in execution order.
const (
	StepFind    Step = "find"
	StepDelete  Step = "delete"
	StepCreate  Step = "create"
	StepPublish Step = "publish"
	StepQuery   Step = "query"
	StepSubmit  Step = "submit"
)

// PublishError wraps a remote store failure with the step and artifact
// title it occurred on. Fatal: it aborts the current publish call.
type PublishError struct {
	Step  Step
	Title string
	Err   error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish %q: %s failed: %v", e.Title, e.Step, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

// BatchItemError records one feature update the store rejected.
// Non-fatal: it is logged and counted, remaining batches proceed.
type BatchItemError struct {
	ObjectID int64
	Message  string
}

func (e *BatchItemError) Error() string {
	return fmt.Sprintf("update rejected for object %d: %s", e.ObjectID, e.Message)
}

// ErrUnmatchedKeys is returned by Patch under PolicyError when local
// records had no remote counterpart.
var ErrUnmatchedKeys = errors.New("local records with no matching remote feature")
