package event

import "context"

// Handler consumes an event and optionally returns a follow-up value. A
// returned *Event (or []*Event) is resubmitted by the processor; any other
// value is ignored. Handlers must treat the input event as read-only.
type Handler func(ctx context.Context, ev *Event) (any, error)
