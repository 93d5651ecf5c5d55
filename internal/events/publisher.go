// Package events publishes stage outcomes to Kafka and consumes run triggers.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/helixir/crawler-extractor/internal/domain"
	"github.com/helixir/crawler-extractor/internal/observability"
	"github.com/helixir/crawler-extractor/internal/pipeline"
)

// EventTypeStageCompleted is the type of outcome events.
const EventTypeStageCompleted = "paper.stage_completed"

// defaultPublishTimeout bounds a single publish from a completion callback.
const defaultPublishTimeout = 5 * time.Second

// OutcomeEvent is the JSON body of an outcome message.
type OutcomeEvent struct {
	EventID    string                 `json:"event_id"`
	EventType  string                 `json:"event_type"`
	Source     string                 `json:"source"`
	OccurredAt time.Time              `json:"occurred_at"`
	RunID      string                 `json:"run_id,omitempty"`
	PaperID    string                 `json:"paper_id"`
	Level      int                    `json:"level"`
	SeedNumber *int                   `json:"seed_number,omitempty"`
	State      domain.PaperState      `json:"state"`
	Stage      domain.StageName       `json:"stage"`
	Success    bool                   `json:"success"`
	Message    string                 `json:"message"`
	Metadata   map[string]interface{} `json:"metadata"`
}

// PublisherConfig configures the outcome publisher.
type PublisherConfig struct {
	Brokers      []string
	Topic        string
	BatchSize    int
	BatchTimeout time.Duration
	// Source identifies this service in published events.
	Source string
}

// messageWriter is the subset of *kafka.Writer the publisher needs.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher writes stage outcomes to a Kafka topic keyed by paper ID.
type Publisher struct {
	writer  messageWriter
	topic   string
	source  string
	timeout time.Duration
	metrics *observability.Metrics
	logger  zerolog.Logger
	now     func() time.Time
}

// NewPublisher creates a publisher backed by a kafka.Writer. metrics may be
// nil.
func NewPublisher(cfg PublisherConfig, metrics *observability.Metrics, logger zerolog.Logger) *Publisher {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchSize:    cfg.BatchSize,
		BatchTimeout: cfg.BatchTimeout,
	}
	return newPublisher(writer, cfg, metrics, logger)
}

func newPublisher(writer messageWriter, cfg PublisherConfig, metrics *observability.Metrics, logger zerolog.Logger) *Publisher {
	source := cfg.Source
	if source == "" {
		source = "crawler-extractor"
	}
	return &Publisher{
		writer:  writer,
		topic:   cfg.Topic,
		source:  source,
		timeout: defaultPublishTimeout,
		metrics: metrics,
		logger:  logger.With().Str("component", "outcome_publisher").Str("topic", cfg.Topic).Logger(),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Publish writes one outcome event.
func (p *Publisher) Publish(ctx context.Context, paper *domain.PaperRecord, outcome domain.StageOutcome) error {
	event := OutcomeEvent{
		EventID:    uuid.NewString(),
		EventType:  EventTypeStageCompleted,
		Source:     p.source,
		OccurredAt: p.now(),
		RunID:      observability.RunIDFromContext(ctx),
		PaperID:    outcome.PaperID,
		Stage:      outcome.Stage,
		Success:    outcome.Success,
		Message:    outcome.Message,
		Metadata:   outcome.Metadata,
	}
	if paper != nil {
		event.Level = paper.Level
		event.SeedNumber = paper.SeedNumber
		event.State = paper.State
	}

	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal outcome event: %w", err)
	}

	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(outcome.PaperID),
		Value: body,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(EventTypeStageCompleted)},
			{Key: "stage", Value: []byte(outcome.Stage)},
		},
	})
	if err != nil {
		if p.metrics != nil {
			p.metrics.RecordEventFailed(p.topic)
		}
		return fmt.Errorf("publish outcome for paper %s: %w", outcome.PaperID, err)
	}
	if p.metrics != nil {
		p.metrics.RecordEventPublished(p.topic)
	}
	return nil
}

// CompletionFunc adapts the publisher to a batch completion callback.
// Publish failures are logged and never interrupt the batch.
func (p *Publisher) CompletionFunc(ctx context.Context) pipeline.CompletionFunc {
	return func(_ domain.StageName, paper *domain.PaperRecord, outcome domain.StageOutcome) {
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
		defer cancel()
		if err := p.Publish(pctx, paper, outcome); err != nil {
			p.logger.Warn().Err(err).Str("paper_id", outcome.PaperID).Msg("failed to publish outcome")
		}
	}
}

// Close flushes and closes the writer.
func (p *Publisher) Close() error {
	return p.writer.Close()
}
