package eventlog

import (
	"github.com/worldkernel/worldkernel/internal/core"
)

// Recorder provides a convenient interface for recording action outcomes
type Recorder struct {
	log *Log
}

// NewRecorder creates a recorder for the given log
func NewRecorder(log *Log) *Recorder {
	return &Recorder{log: log}
}

// RecordAction records the outcome of one action envelope. A nil err is
// outcome "ok"; otherwise the error's code and message go into the event.
func (r *Recorder) RecordAction(env *core.Envelope, err error, detail map[string]any) (*core.Event, error) {
	if detail == nil {
		detail = make(map[string]any)
	}
	if env.Method != "" {
		detail["method"] = env.Method
	}
	if env.Amount != 0 {
		detail["amount"] = env.Amount
	}
	if env.RecipientID != "" {
		detail["recipient_id"] = env.RecipientID
	}
	outcome := core.CodeOf(err)
	if err != nil {
		detail["error"] = err.Error()
		if retry := core.RetryAfterOf(err); retry > 0 {
			detail["retry_after_ms"] = retry.Milliseconds()
		}
	}
	return r.log.Append(env.ActionType, env.ActorID, env.TargetID, outcome, detail)
}

// RecordSystem records a kernel-originated event such as an auction
// resolution.
func (r *Recorder) RecordSystem(action core.ActionType, target string, err error, detail map[string]any) (*core.Event, error) {
	if err != nil {
		if detail == nil {
			detail = make(map[string]any)
		}
		detail["error"] = err.Error()
	}
	return r.log.Append(action, core.KernelActor, target, core.CodeOf(err), detail)
}
