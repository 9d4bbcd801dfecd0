package observer

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domainevent "github.com/radiusmatch/rendezvous/internal/domain/event"
)

type fakeEmitter struct {
	events []domainevent.Event
}

func (f *fakeEmitter) Emit(evt domainevent.Event) { f.events = append(f.events, evt) }

func TestWrapEmitsOnSuccess(t *testing.T) {
	emitter := &fakeEmitter{}
	hook := Hook[string, int]{
		Type:   domainevent.TypeLocationAdmitted,
		UserID: func(args string, result int) (string, error) { return args, nil },
	}
	wrapped := Wrap(emitter, nil, hook, func(userID string) (int, error) { return 42, nil })

	result, err := wrapped("u1")

	require.NoError(t, err)
	assert.Equal(t, 42, result)
	require.Len(t, emitter.events, 1)
	assert.Equal(t, "u1", emitter.events[0].UserID)
}

func TestWrapSkipsEmitOnErrorByDefault(t *testing.T) {
	emitter := &fakeEmitter{}
	hook := Hook[string, int]{
		Type:   domainevent.TypeLocationAdmitted,
		UserID: func(args string, result int) (string, error) { return args, nil },
	}
	wrapped := Wrap(emitter, nil, hook, func(userID string) (int, error) { return 0, errors.New("boom") })

	_, err := wrapped("u1")

	require.Error(t, err)
	assert.Empty(t, emitter.events)
}

func TestWrapEmitsOnErrorWhenConfigured(t *testing.T) {
	emitter := &fakeEmitter{}
	hook := Hook[string, int]{
		Type:        domainevent.TypeLocationAdmitted,
		UserID:      func(args string, result int) (string, error) { return args, nil },
		EmitOnError: true,
	}
	wrapped := Wrap(emitter, nil, hook, func(userID string) (int, error) { return 0, errors.New("boom") })

	_, err := wrapped("u1")

	require.Error(t, err)
	require.Len(t, emitter.events, 1)
}

func TestWrapDropsEventOnExtractionFailure(t *testing.T) {
	emitter := &fakeEmitter{}
	hook := Hook[string, int]{
		Type:   domainevent.TypeLocationAdmitted,
		UserID: func(args string, result int) (string, error) { return "", errors.New("cannot extract") },
	}
	wrapped := Wrap(emitter, nil, hook, func(userID string) (int, error) { return 42, nil })

	result, err := wrapped("u1")

	require.NoError(t, err)
	assert.Equal(t, 42, result)
	assert.Empty(t, emitter.events)
}

func TestWrapNeverAltersReturnValue(t *testing.T) {
	emitter := &fakeEmitter{}
	hook := Hook[string, int]{
		Type:   domainevent.TypeLocationAdmitted,
		UserID: func(args string, result int) (string, error) { return args, nil },
	}
	wrapped := Wrap(emitter, nil, hook, func(userID string) (int, error) { return 7, nil })

	result, err := wrapped("u2")

	require.NoError(t, err)
	assert.Equal(t, 7, result)
}
