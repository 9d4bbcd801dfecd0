package missionqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/radiusmatch/rendezvous/internal/agentmatch"
	"github.com/radiusmatch/rendezvous/internal/collaborators"
	"github.com/radiusmatch/rendezvous/internal/domain/match"
	"github.com/radiusmatch/rendezvous/internal/domain/mission"
)

// MaxOwnerTurns bounds the interview length per spec.md §6's
// max_owner_turns knob.
const MaxOwnerTurns = 3

// ResultHandler is the component F surface the worker reports mission
// outcomes to, called exactly once per job per spec.md §4.G.
type ResultHandler interface {
	HandleMissionResult(ctx context.Context, missionID string, result mission.Result) (*match.Match, error)
}

// MissionStatusReader lets the worker check whether a mission is already
// terminal before re-running it (the idempotency guard spec.md §4.G
// requires for redelivered jobs), and move it into the running state once
// picked up, per the pending -> running -> completed|failed state machine
// in internal/domain/mission.
type MissionStatusReader interface {
	Get(ctx context.Context, id string) (mission.Mission, error)
	UpdateStatus(ctx context.Context, id string, prevStatus, newStatus mission.Status, transcript []mission.TranscriptTurn, decision *mission.JudgeDecision, failureReason string) (bool, error)
}

// Worker pulls mission jobs from the durable queue and runs interviews via
// the external agent/judge collaborators.
type Worker struct {
	cfg      Config
	queue    *Queue
	sub      *nats.Subscription
	missions MissionStatusReader
	results  ResultHandler
	runtime  collaborators.AgentRuntime
	judge    collaborators.Judge
	notifier collaborators.NotificationGateway
	logger   *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWorker constructs a mission worker pool. notifier may be nil, in
// which case a successful match is recorded without a user notification.
func NewWorker(cfg Config, queue *Queue, sub *nats.Subscription, missions MissionStatusReader, results ResultHandler, runtime collaborators.AgentRuntime, judge collaborators.Judge, notifier collaborators.NotificationGateway, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		cfg: cfg, queue: queue, sub: sub, missions: missions, results: results,
		runtime: runtime, judge: judge, notifier: notifier, logger: logger,
	}
}

// Start launches cfg.WorkerConcurrency pull loops.
func (w *Worker) Start(ctx context.Context) {
	w.ctx, w.cancel = context.WithCancel(ctx)
	for i := 0; i < w.cfg.WorkerConcurrency; i++ {
		w.wg.Add(1)
		go w.pullLoop()
	}
}

// Stop signals all pull loops to exit and waits for in-flight jobs.
func (w *Worker) Stop(ctx context.Context) error {
	if w.cancel == nil {
		return nil
	}
	w.cancel()
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Worker) pullLoop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.ctx.Done():
			return
		default:
		}

		msgs, err := w.sub.Fetch(1, nats.MaxWait(2*time.Second))
		if err != nil {
			if err != nats.ErrTimeout {
				w.logger.Warn("missionqueue: fetch failed", zap.Error(err))
			}
			continue
		}
		for _, msg := range msgs {
			w.handle(msg)
		}
	}
}

func (w *Worker) handle(msg *nats.Msg) {
	var payload agentmatch.MissionPayload
	if err := json.Unmarshal(msg.Data, &payload); err != nil {
		w.logger.Error("missionqueue: malformed job payload, acking to drop", zap.Error(err))
		_ = msg.Ack()
		return
	}

	existing, err := w.missions.Get(w.ctx, payload.MissionID)
	if err != nil {
		w.logger.Error("missionqueue: failed to load mission, nacking for redelivery", zap.String("mission_id", payload.MissionID), zap.Error(err))
		_ = msg.Nak()
		return
	}
	if existing.Status == mission.StatusCompleted || existing.Status == mission.StatusFailed {
		// Stalled-job redelivery of an already-terminal mission: ack without
		// re-running, per spec.md §4.G's idempotency requirement.
		_ = msg.Ack()
		return
	}

	ok, err := w.missions.UpdateStatus(w.ctx, payload.MissionID, mission.StatusPending, mission.StatusRunning, nil, nil, "")
	if err != nil {
		w.logger.Error("missionqueue: failed to mark mission running, nacking for redelivery", zap.String("mission_id", payload.MissionID), zap.Error(err))
		_ = msg.Nak()
		return
	}
	if !ok && existing.Status != mission.StatusRunning {
		// Lost the pending->running race to another delivery of the same
		// job; let that delivery's ack/nak decide the job's fate.
		w.logger.Warn("missionqueue: mission already claimed by another delivery", zap.String("mission_id", payload.MissionID))
		return
	}

	result := w.runInterview(w.ctx, payload)
	if !result.Success {
		// Collaborator failure on a non-final delivery: leave the mission
		// running and let the queue redeliver; only the last delivery's
		// failure is reported as a failed mission.
		if meta, err := msg.Metadata(); err == nil && int(meta.NumDelivered) < w.cfg.MaxDeliveries {
			w.logger.Warn("missionqueue: interview attempt failed, nacking for redelivery", zap.String("mission_id", payload.MissionID), zap.String("reason", result.Err))
			_ = msg.Nak()
			return
		}
	}
	m, err := w.results.HandleMissionResult(w.ctx, payload.MissionID, result)
	if err != nil {
		w.logger.Error("missionqueue: result handling failed, nacking for redelivery", zap.String("mission_id", payload.MissionID), zap.Error(err))
		_ = msg.Nak()
		return
	}
	if m != nil && w.notifier != nil {
		w.notify(payload, result, *m)
	}
	_ = msg.Ack()
}

// notify delivers the judge's notification text to both participants.
// Failures are logged and swallowed: the match itself is already durable,
// and notification delivery is out of scope per spec.md §1.
func (w *Worker) notify(payload agentmatch.MissionPayload, result mission.Result, m match.Match) {
	text := ""
	if result.JudgeDecision != nil {
		text = result.JudgeDecision.NotificationText
	}
	for _, userID := range []string{m.PrimaryUserID, m.SecondaryUserID} {
		err := w.notifier.NotifySuccessfulInteraction(w.ctx, collaborators.NotificationPayload{
			UserID:  userID,
			Subject: "You matched",
			Body:    text,
		})
		if err != nil {
			w.logger.Warn("missionqueue: notification delivery failed", zap.String("user_id", userID), zap.Error(err))
		}
	}
}

// runInterview runs up to MaxOwnerTurns owner turns interleaved with
// visitor turns, stopping early if either turn sets StopSuggested, then
// asks the judge to evaluate the transcript. Any collaborator failure
// marks the result as unsuccessful rather than propagating, per spec.md
// §7's bounded-retry-then-failed policy (retries happen at the job-queue
// level via redelivery, not inside a single attempt).
func (w *Worker) runInterview(ctx context.Context, payload agentmatch.MissionPayload) mission.Result {
	var transcript []mission.TranscriptTurn
	var rawTranscript []string

	stop := false
	for turn := 0; turn < MaxOwnerTurns && !stop; turn++ {
		ownerOut, err := w.runtime.RunOwnerTurn(ctx, collaborators.TurnInput{Transcript: rawTranscript, TurnIndex: turn})
		if err != nil {
			return mission.Result{Success: false, Err: fmt.Sprintf("owner turn %d: %v", turn, err)}
		}
		transcript = append(transcript, mission.TranscriptTurn{Speaker: "owner", Message: ownerOut.AsUserMessage, StopSuggested: ownerOut.StopSuggested, TurnIndex: turn})
		rawTranscript = append(rawTranscript, ownerOut.AsUserMessage)
		if ownerOut.StopSuggested {
			stop = true
			break
		}

		visitorOut, err := w.runtime.RunVisitorTurn(ctx, collaborators.TurnInput{Transcript: rawTranscript, TurnIndex: turn})
		if err != nil {
			return mission.Result{Success: false, Err: fmt.Sprintf("visitor turn %d: %v", turn, err)}
		}
		transcript = append(transcript, mission.TranscriptTurn{Speaker: "visitor", Message: visitorOut.AsUserMessage, StopSuggested: visitorOut.StopSuggested, TurnIndex: turn})
		rawTranscript = append(rawTranscript, visitorOut.AsUserMessage)
		if visitorOut.StopSuggested {
			stop = true
		}
	}

	judgeOut, err := w.judge.Evaluate(ctx, collaborators.JudgeInput{Transcript: rawTranscript})
	if err != nil {
		return mission.Result{Success: false, Err: fmt.Sprintf("judge evaluation: %v", err)}
	}

	decision := &mission.JudgeDecision{
		ShouldNotify:     judgeOut.ShouldNotify,
		NotificationText: judgeOut.NotificationText,
		SummaryText:      judgeOut.SummaryText,
		Confidence:       judgeOut.Confidence,
	}

	return mission.Result{
		Success:       true,
		MatchMade:     judgeOut.ShouldNotify,
		Transcript:    transcript,
		JudgeDecision: decision,
	}
}
