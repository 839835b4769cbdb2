package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/otherjamesbrown/nls/pkg/logging"
)

// ChannelScrapeRunCompleted receives one event per finished run.
const ChannelScrapeRunCompleted = "events.scrape_run.completed"

// BaseEvent contains common fields for all events.
type BaseEvent struct {
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
	Version   string    `json:"version"`
}

// NewBaseEvent creates a BaseEvent with defaults.
func NewBaseEvent(eventType string) BaseEvent {
	return BaseEvent{
		EventType: eventType,
		Timestamp: time.Now().UTC(),
		Source:    "nls",
		Version:   "1.0",
	}
}

// ScrapeRunCompletedEvent is published when a run ends, whatever its status.
type ScrapeRunCompletedEvent struct {
	BaseEvent

	RunID  string `json:"run_id"`
	Status string `json:"status"`

	Total     int `json:"total"`
	Successes int `json:"successes"`
	Failures  int `json:"failures"`
	Empty     int `json:"empty"`
	Filtered  int `json:"filtered"`

	StartedAt       time.Time `json:"started_at"`
	CompletedAt     time.Time `json:"completed_at"`
	DurationSeconds float64   `json:"duration_seconds"`

	Error *string `json:"error,omitempty"`
}

// NewScrapeRunCompletedEvent builds the event for a summary.
func NewScrapeRunCompletedEvent(s *Summary) ScrapeRunCompletedEvent {
	event := ScrapeRunCompletedEvent{
		BaseEvent:       NewBaseEvent("scrape_run.completed"),
		RunID:           s.RunID,
		Status:          s.Status,
		Total:           s.Total,
		Successes:       s.Successes,
		Failures:        s.Failures,
		Empty:           s.Empty,
		Filtered:        s.Filtered,
		StartedAt:       s.StartedAt,
		CompletedAt:     s.CompletedAt,
		DurationSeconds: s.Duration().Seconds(),
	}
	if s.Error != "" {
		msg := s.Error
		event.Error = &msg
	}
	return event
}

// EventPublisher announces finished runs.
type EventPublisher interface {
	PublishRunCompleted(ctx context.Context, s *Summary) error
}

// NopPublisher discards events.
type NopPublisher struct{}

// PublishRunCompleted does nothing.
func (NopPublisher) PublishRunCompleted(context.Context, *Summary) error { return nil }

// RedisPublisher publishes run events to Redis.
type RedisPublisher struct {
	client redis.UniversalClient
	logger logging.Logger
}

// NewRedisPublisher creates a publisher on client.
func NewRedisPublisher(client redis.UniversalClient, logger logging.Logger) *RedisPublisher {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &RedisPublisher{
		client: client,
		logger: logger.With(logging.F("component", "event_publisher")),
	}
}

// PublishRunCompleted publishes the completion event of s.
func (p *RedisPublisher) PublishRunCompleted(ctx context.Context, s *Summary) error {
	return p.publish(ctx, ChannelScrapeRunCompleted, NewScrapeRunCompletedEvent(s))
}

func (p *RedisPublisher) publish(ctx context.Context, channel string, event any) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if err := p.client.Publish(ctx, channel, data).Err(); err != nil {
		p.logger.Error("Failed to publish event",
			logging.Err(err),
			logging.F("channel", channel))
		return fmt.Errorf("failed to publish to %s: %w", channel, err)
	}

	p.logger.Debug("Event published",
		logging.F("channel", channel),
		logging.F("payload_size", len(data)))
	return nil
}
