// Package notify publishes job lifecycle events to a configured webhook.
package notify

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"containerops/internal/config"
	"containerops/internal/dispatcher"
	"containerops/internal/job"
	"containerops/pkg/cloudevent"
)

const eventSource = "containerops/jobs-service"

// Event types emitted for job lifecycle transitions.
const (
	EventJobCompleted = "containerops.job.completed"
	EventJobFailed    = "containerops.job.failed"
	EventJobCancelled = "containerops.job.cancelled"
)

// Config holds webhook notification configuration.
type Config struct {
	WebhookURL string   // destination, empty disables notifications
	SigningKey string   // HMAC key for signing, empty = no signing
	Events     []string // event type filter, empty = all
}

// LoadConfigFromEnv loads notification configuration from environment variables.
func LoadConfigFromEnv() Config {
	cfg := Config{
		WebhookURL: config.GetEnv("WEBHOOK_URL", ""),
		SigningKey: config.GetSecretFile(config.GetEnv("WEBHOOK_KEY_FILE", "")),
	}
	if events := config.GetEnv("WEBHOOK_EVENTS", ""); events != "" {
		cfg.Events = strings.Split(events, ",")
	}
	return cfg
}

// Notifier turns terminal job transitions into CloudEvents and hands them
// to the dispatcher for async delivery. A nil Notifier is valid and drops
// everything.
type Notifier struct {
	dispatcher dispatcher.Dispatcher
	config     Config
	logger     *slog.Logger
}

// New creates a notifier. Returns nil when no webhook URL is configured;
// callers treat a nil notifier as disabled.
func New(d dispatcher.Dispatcher, cfg Config) *Notifier {
	if cfg.WebhookURL == "" {
		return nil
	}
	return &Notifier{
		dispatcher: d,
		config:     cfg,
		logger:     slog.With("component", "notify"),
	}
}

// JobFinished publishes the event for a job that reached a terminal state.
// Delivery is best effort: a full dispatcher buffer drops the event.
func (n *Notifier) JobFinished(ctx context.Context, j *job.Job) {
	if n == nil {
		return
	}

	eventType, ok := eventTypeFor(j.Status)
	if !ok || !n.wants(eventType) {
		return
	}

	data := map[string]any{
		"jobId":      j.ID,
		"type":       string(j.Type),
		"targetType": string(j.Target.Type),
		"targetId":   j.Target.ID,
		"status":     string(j.Status),
	}
	if j.CompletedAt != nil {
		data["completedAt"] = j.CompletedAt.UTC().Format(time.RFC3339)
	}
	if j.Error != nil {
		data["errorCode"] = j.Error.Code
		data["errorMessage"] = j.Error.Message
	}

	event := cloudevent.New(eventType, eventSource, j.Target.ID, j.ID, data)
	if err := n.dispatcher.Dispatch(&dispatcher.Event{
		Payload:     event,
		Destination: n.config.WebhookURL,
		SigningKey:  n.config.SigningKey,
	}); err != nil {
		n.logger.Warn("Event dropped", "jobId", j.ID, "type", eventType, "error", err)
	}
}

func eventTypeFor(status job.Status) (string, bool) {
	switch status {
	case job.StatusCompleted:
		return EventJobCompleted, true
	case job.StatusFailed:
		return EventJobFailed, true
	case job.StatusCancelled:
		return EventJobCancelled, true
	default:
		return "", false
	}
}

// wants reports whether the event type passes the configured filter.
func (n *Notifier) wants(eventType string) bool {
	if len(n.config.Events) == 0 {
		return true
	}
	for _, e := range n.config.Events {
		if strings.TrimSpace(e) == eventType {
			return true
		}
	}
	return false
}
