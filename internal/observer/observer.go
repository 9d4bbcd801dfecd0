// Package observer implements the declarative event-emission composition
// helper from spec.md §4.I. Rather than language-specific method
// decorators, a call is wrapped with a pre-declared extraction config and
// emits exactly one event once the wrapped operation's result is known.
package observer

import (
	"go.uber.org/zap"

	domainevent "github.com/radiusmatch/rendezvous/internal/domain/event"
)

// EventEmitter is the narrow event bus surface this package needs.
type EventEmitter interface {
	Emit(evt domainevent.Event)
}

// Hook describes how to turn a call's arguments and result into an event.
// UserID and the optional extractors receive both the argument value and
// the result value the wrapped call produced.
type Hook[TArgs, TResult any] struct {
	Type          domainevent.Type
	UserID        func(TArgs, TResult) (string, error)
	RelatedUserID func(TArgs, TResult) (string, error)
	CircleID      func(TArgs, TResult) (string, error)
	Metadata      func(TArgs, TResult) (map[string]interface{}, error)
	EmitOnError   bool
}

// Wrap composes fn with hook: after fn returns, exactly one event is
// emitted (unless extraction fails, or the call errored and EmitOnError is
// false). Wrap never alters fn's return value and never itself panics or
// returns an error — extraction failures are logged and the event is
// dropped, per spec.md §4.I.
func Wrap[TArgs, TResult any](events EventEmitter, logger *zap.Logger, hook Hook[TArgs, TResult], fn func(TArgs) (TResult, error)) func(TArgs) (TResult, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(args TArgs) (TResult, error) {
		result, err := fn(args)

		if err != nil && !hook.EmitOnError {
			return result, err
		}

		evt, ok := buildEvent(logger, hook, args, result)
		if ok {
			events.Emit(evt)
		}
		return result, err
	}
}

func buildEvent[TArgs, TResult any](logger *zap.Logger, hook Hook[TArgs, TResult], args TArgs, result TResult) (domainevent.Event, bool) {
	userID, err := hook.UserID(args, result)
	if err != nil {
		logger.Warn("observer: user_id extraction failed, dropping event", zap.String("event_type", string(hook.Type)), zap.Error(err))
		return domainevent.Event{}, false
	}

	evt := domainevent.Event{Type: hook.Type, UserID: userID}

	if hook.RelatedUserID != nil {
		related, err := hook.RelatedUserID(args, result)
		if err != nil {
			logger.Warn("observer: related_user_id extraction failed, dropping event", zap.String("event_type", string(hook.Type)), zap.Error(err))
			return domainevent.Event{}, false
		}
		evt.RelatedUserID = related
	}

	if hook.CircleID != nil {
		circleID, err := hook.CircleID(args, result)
		if err != nil {
			logger.Warn("observer: circle_id extraction failed, dropping event", zap.String("event_type", string(hook.Type)), zap.Error(err))
			return domainevent.Event{}, false
		}
		evt.CircleID = circleID
	}

	if hook.Metadata != nil {
		meta, err := hook.Metadata(args, result)
		if err != nil {
			logger.Warn("observer: metadata extraction failed, dropping event", zap.String("event_type", string(hook.Type)), zap.Error(err))
			return domainevent.Event{}, false
		}
		evt.Metadata = meta
	}

	return evt, true
}
