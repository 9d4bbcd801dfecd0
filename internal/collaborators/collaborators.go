// Package collaborators defines the external-collaborator contracts from
// spec.md §6 (agent runtime, judge, notification gateway) and minimal
// net/http JSON clients for them, following the teacher's
// interface-plus-default-implementation idiom (see its GeocoderService /
// defaultGeocoderService pair).
package collaborators

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// TurnInput is the shared input shape for an owner or visitor turn.
type TurnInput struct {
	OwnerObjective   string   `json:"owner_objective"`
	VisitorObjective string   `json:"visitor_objective"`
	Transcript       []string `json:"transcript"`
	TurnIndex        int      `json:"turn_index"`
}

// TurnOutput is what the agent runtime returns for a single turn.
type TurnOutput struct {
	AsUserMessage string `json:"as_user_message"`
	StopSuggested bool   `json:"stop_suggested"`
}

// AgentRuntime runs one conversational turn on behalf of a user, per
// spec.md §6.
type AgentRuntime interface {
	RunOwnerTurn(ctx context.Context, input TurnInput) (TurnOutput, error)
	RunVisitorTurn(ctx context.Context, input TurnInput) (TurnOutput, error)
}

// JudgeInput is what the judge evaluates.
type JudgeInput struct {
	OwnerObjective string   `json:"owner_objective"`
	Transcript     []string `json:"transcript"`
}

// JudgeOutput is the judge's decision.
type JudgeOutput struct {
	ShouldNotify     bool    `json:"should_notify"`
	NotificationText string  `json:"notification_text,omitempty"`
	SummaryText      string  `json:"summary_text,omitempty"`
	Confidence       float64 `json:"confidence,omitempty"`
}

// Judge decides whether a completed interview transcript warrants a
// human-visible match.
type Judge interface {
	Evaluate(ctx context.Context, input JudgeInput) (JudgeOutput, error)
}

// NotificationPayload is sent to the notification gateway after a
// successful interaction.
type NotificationPayload struct {
	UserID  string `json:"user_id"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// NotificationGateway delivers a user-facing notification. Out of scope
// for this core per spec.md §1; only the contract it is invoked through
// lives here.
type NotificationGateway interface {
	NotifySuccessfulInteraction(ctx context.Context, payload NotificationPayload) error
}

// httpClient is the minimal surface this package's default
// implementations need, so tests can substitute a fake transport.
type httpClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// defaultAgentRuntime is the production AgentRuntime: a JSON-over-HTTP
// client against a configured agent runtime endpoint.
type defaultAgentRuntime struct {
	client  httpClient
	baseURL string
	timeout time.Duration
}

// NewAgentRuntimeClient constructs the default HTTP-backed AgentRuntime.
func NewAgentRuntimeClient(baseURL string, timeout time.Duration) AgentRuntime {
	return &defaultAgentRuntime{
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
		timeout: timeout,
	}
}

func (a *defaultAgentRuntime) RunOwnerTurn(ctx context.Context, input TurnInput) (TurnOutput, error) {
	return a.postTurn(ctx, "/owner-turn", input)
}

func (a *defaultAgentRuntime) RunVisitorTurn(ctx context.Context, input TurnInput) (TurnOutput, error) {
	return a.postTurn(ctx, "/visitor-turn", input)
}

func (a *defaultAgentRuntime) postTurn(ctx context.Context, path string, input TurnInput) (TurnOutput, error) {
	var out TurnOutput
	if err := postJSON(ctx, a.client, a.baseURL+path, input, &out); err != nil {
		return TurnOutput{}, fmt.Errorf("collaborators: agent runtime %s: %w", path, err)
	}
	return out, nil
}

// defaultJudge is the production Judge: a JSON-over-HTTP client.
type defaultJudge struct {
	client  httpClient
	baseURL string
}

// NewJudgeClient constructs the default HTTP-backed Judge.
func NewJudgeClient(baseURL string, timeout time.Duration) Judge {
	return &defaultJudge{client: &http.Client{Timeout: timeout}, baseURL: baseURL}
}

func (j *defaultJudge) Evaluate(ctx context.Context, input JudgeInput) (JudgeOutput, error) {
	var out JudgeOutput
	if err := postJSON(ctx, j.client, j.baseURL+"/evaluate", input, &out); err != nil {
		return JudgeOutput{}, fmt.Errorf("collaborators: judge evaluate: %w", err)
	}
	return out, nil
}

// defaultNotificationGateway is the production NotificationGateway.
type defaultNotificationGateway struct {
	client  httpClient
	baseURL string
}

// NewNotificationGatewayClient constructs the default HTTP-backed gateway.
func NewNotificationGatewayClient(baseURL string, timeout time.Duration) NotificationGateway {
	return &defaultNotificationGateway{client: &http.Client{Timeout: timeout}, baseURL: baseURL}
}

func (n *defaultNotificationGateway) NotifySuccessfulInteraction(ctx context.Context, payload NotificationPayload) error {
	if err := postJSON(ctx, n.client, n.baseURL+"/notify", payload, nil); err != nil {
		return fmt.Errorf("collaborators: notification gateway: %w", err)
	}
	return nil
}

func postJSON(ctx context.Context, client httpClient, url string, body interface{}, out interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d from %s", resp.StatusCode, url)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
