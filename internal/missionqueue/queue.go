// Package missionqueue is the durable, at-least-once mission dispatch
// surface described in spec.md §4.G, built on NATS JetStream (the
// teacher's existing nats.go connection, promoted from fire-and-forget
// pub/sub to a durable stream+consumer for this one queue).
package missionqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/radiusmatch/rendezvous/internal/agentmatch"
)

const (
	streamName    = "MISSIONS"
	subjectName   = "missions.dispatch"
	durableName   = "mission-worker"
	msgIDHeader   = "Nats-Msg-Id"
)

// Config holds the tunables from spec.md §6: 3 attempts, exponential
// backoff base 1s, and a configurable per-process concurrency ceiling.
type Config struct {
	MaxDeliveries     int
	BackoffBase       time.Duration
	WorkerConcurrency int
	AckWait           time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxDeliveries:     3,
		BackoffBase:       time.Second,
		WorkerConcurrency: 4,
		AckWait:           2 * time.Minute,
	}
}

// Queue wraps a JetStream context bound to the mission stream.
type Queue struct {
	js     nats.JetStreamContext
	logger *zap.Logger
}

// EnsureStream declares (or updates) the durable stream backing the
// mission queue. Idempotent: safe to call on every process start.
func EnsureStream(js nats.JetStreamContext, cfg Config) (*Queue, error) {
	_, err := js.AddStream(&nats.StreamConfig{
		Name:      streamName,
		Subjects:  []string{subjectName},
		Retention: nats.WorkQueuePolicy,
		Storage:   nats.FileStorage,
		MaxAge:    24 * time.Hour,
	})
	if err != nil && err != nats.ErrStreamNameAlreadyInUse {
		return nil, fmt.Errorf("missionqueue: declaring stream: %w", err)
	}
	return &Queue{js: js, logger: zap.NewNop()}, nil
}

// SetLogger attaches a structured logger.
func (q *Queue) SetLogger(logger *zap.Logger) {
	if logger != nil {
		q.logger = logger
	}
}

// Enqueue publishes a mission job. The job id (mission id) is carried as
// the JetStream message id, so a duplicate publish within the stream's
// dedup window is itself deduplicated at the broker, and any deliveries
// that do slip through are still caught by the worker's idempotent status
// check per spec.md §4.G.
func (q *Queue) Enqueue(ctx context.Context, jobID string, payload agentmatch.MissionPayload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("missionqueue: encoding payload: %w", err)
	}

	msg := nats.NewMsg(subjectName)
	msg.Data = data
	msg.Header.Set(msgIDHeader, jobID)

	_, err = q.js.PublishMsg(msg, nats.Context(ctx))
	if err != nil {
		return fmt.Errorf("missionqueue: publishing job %s: %w", jobID, err)
	}
	return nil
}

// Subscribe creates the durable pull consumer the worker pool drains from.
// Redeliveries are spaced out with exponential backoff (base cfg.BackoffBase,
// doubling per attempt) per spec.md line 189, instead of firing at the fixed
// AckWait cadence.
func (q *Queue) Subscribe(cfg Config) (*nats.Subscription, error) {
	sub, err := q.js.PullSubscribe(subjectName, durableName,
		nats.MaxDeliver(cfg.MaxDeliveries),
		nats.AckWait(cfg.AckWait),
		nats.BackOff(backoffSchedule(cfg)),
		nats.ManualAck(),
	)
	if err != nil {
		return nil, fmt.Errorf("missionqueue: creating pull subscription: %w", err)
	}
	return sub, nil
}

// backoffSchedule builds the per-redelivery delay schedule JetStream applies
// between attempts: cfg.BackoffBase, doubling, one entry per redelivery (the
// first delivery is immediate and isn't part of the schedule).
func backoffSchedule(cfg Config) []time.Duration {
	attempts := cfg.MaxDeliveries - 1
	if attempts < 1 {
		attempts = 1
	}
	schedule := make([]time.Duration, attempts)
	delay := cfg.BackoffBase
	for i := range schedule {
		schedule[i] = delay
		delay *= 2
	}
	return schedule
}
