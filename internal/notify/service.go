// Package notify posts plan lifecycle notifications to a webhook.
//
// Events:
//   - plan.approval_required: a submitted plan is waiting for a human
//   - plan.completed / plan.failed: execution reached a terminal status
//
// Deliveries are JSON POSTs, optionally signed with HMAC-SHA256 over the
// body, retried with exponential backoff. Delivery never blocks the caller.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"github.com/planguard/control-plane/pkg/models"
)

// EventType describes what happened.
type EventType string

const (
	EventApprovalRequired EventType = "plan.approval_required"
	EventPlanCompleted    EventType = "plan.completed"
	EventPlanFailed       EventType = "plan.failed"
)

// SignatureHeader carries "sha256=<hex hmac>" when a secret is configured.
const SignatureHeader = "X-Planguard-Signature"

// Event is the webhook payload.
type Event struct {
	Type      EventType              `json:"type"`
	PlanID    string                 `json:"plan_id"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// Service delivers events to a single webhook URL.
type Service struct {
	url        string
	secret     string
	client     *http.Client
	maxElapsed time.Duration
	wg         sync.WaitGroup
}

// NewService creates a notifier. An empty url disables delivery.
func NewService(url, secret string) *Service {
	return &Service{
		url:        url,
		secret:     secret,
		client:     &http.Client{Timeout: 15 * time.Second},
		maxElapsed: 30 * time.Second,
	}
}

// Enabled reports whether a webhook is configured.
func (s *Service) Enabled() bool { return s != nil && s.url != "" }

// ApprovalRequired announces a plan waiting for approval.
func (s *Service) ApprovalRequired(_ context.Context, plan *models.Plan, violations []models.PolicyViolation) {
	s.dispatch(Event{
		Type:   EventApprovalRequired,
		PlanID: plan.ID,
		Payload: map[string]interface{}{
			"prompt_id":  plan.PromptID,
			"violations": violations,
		},
		Timestamp: time.Now().UTC(),
	})
}

// PlanFinished announces a terminal execution outcome.
func (s *Service) PlanFinished(_ context.Context, summary models.ExecutionSummary) {
	t := EventPlanCompleted
	if summary.Status != models.ExecutionCompleted {
		t = EventPlanFailed
	}
	payload := map[string]interface{}{
		"status":         summary.Status,
		"total_steps":    summary.TotalSteps,
		"executed_steps": summary.ExecutedSteps,
		"failed_steps":   summary.FailedSteps,
	}
	if summary.Error != "" {
		payload["error"] = summary.Error
	}
	s.dispatch(Event{Type: t, PlanID: summary.PlanID, Payload: payload, Timestamp: time.Now().UTC()})
}

// Wait blocks until in-flight deliveries finish.
func (s *Service) Wait() {
	if s != nil {
		s.wg.Wait()
	}
}

func (s *Service) dispatch(event Event) {
	if !s.Enabled() {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.maxElapsed)
		defer cancel()
		if err := s.Send(ctx, event); err != nil {
			log.Warn().Err(err).Str("event", string(event.Type)).Str("plan_id", event.PlanID).Msg("Webhook notification failed")
			return
		}
		log.Info().Str("event", string(event.Type)).Str("plan_id", event.PlanID).Msg("🔔 Webhook notification dispatched")
	}()
}

// Send posts event synchronously, retrying on transport errors and non-2xx
// responses. 4xx responses other than 429 are not retried.
func (s *Service) Send(ctx context.Context, event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	attempt := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("build webhook request: %w", err))
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", "Planguard-Webhook/1.0")
		req.Header.Set("X-Planguard-Event", string(event.Type))
		if s.secret != "" {
			req.Header.Set(SignatureHeader, "sha256="+Sign(s.secret, body))
		}

		resp, err := s.client.Do(req)
		if err != nil {
			return err
		}
		resp.Body.Close()
		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return nil
		case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests:
			return backoff.Permanent(fmt.Errorf("webhook HTTP %d from %s", resp.StatusCode, s.url))
		default:
			return fmt.Errorf("webhook HTTP %d from %s", resp.StatusCode, s.url)
		}
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxElapsedTime = s.maxElapsed
	if err := backoff.Retry(attempt, backoff.WithContext(backoff.WithMaxRetries(b, 2), ctx)); err != nil {
		return fmt.Errorf("webhook failed: %w", err)
	}
	return nil
}

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
