package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/helixir/crawler-extractor/internal/domain"
)

// TriggerKind selects what a trigger starts.
type TriggerKind string

const (
	// TriggerCycle runs one orchestrator cycle.
	TriggerCycle TriggerKind = "cycle"
	// TriggerStage runs one stage batch.
	TriggerStage TriggerKind = "stage"
	// TriggerPgx runs one PGX batch.
	TriggerPgx TriggerKind = "pgx"
	// TriggerSweep fails exhausted records.
	TriggerSweep TriggerKind = "sweep"
)

// Trigger is the JSON body of a run trigger message. Zero values mean the
// configured defaults.
type Trigger struct {
	Kind       TriggerKind      `json:"kind"`
	Stage      domain.StageName `json:"stage,omitempty"`
	Level      *int             `json:"level,omitempty"`
	SeedNumber *int             `json:"seed_number,omitempty"`
	BatchSize  int              `json:"batch_size,omitempty"`
	Workers    int              `json:"workers,omitempty"`
	Requery    bool             `json:"requery,omitempty"`
}

// Validate checks the trigger shape.
func (t Trigger) Validate() error {
	switch t.Kind {
	case TriggerCycle, TriggerPgx, TriggerSweep:
	case TriggerStage:
		if !t.Stage.IsValid() || t.Stage == domain.StagePgxExtraction {
			return domain.NewValidationError("stage", fmt.Sprintf("unsupported stage %q", t.Stage))
		}
	default:
		return domain.NewValidationError("kind", fmt.Sprintf("unknown trigger kind %q", t.Kind))
	}
	if t.BatchSize < 0 || t.Workers < 0 {
		return domain.NewValidationError("batch_size", "batch size and workers must not be negative")
	}
	return nil
}

// TriggerHandler starts the run a trigger asks for.
type TriggerHandler interface {
	HandleTrigger(ctx context.Context, trigger Trigger) error
}

// ListenerConfig configures the trigger listener.
type ListenerConfig struct {
	// Brokers is the list of Kafka broker addresses.
	Brokers []string
	// Topic is the Kafka topic for run triggers.
	Topic string
	// GroupID is the consumer group ID.
	GroupID string
}

// messageReader is the subset of *kafka.Reader the listener needs.
type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// Listener consumes run triggers and hands them to a TriggerHandler.
type Listener struct {
	reader  messageReader
	handler TriggerHandler
	logger  zerolog.Logger
}

// NewListener creates a trigger listener.
func NewListener(cfg ListenerConfig, handler TriggerHandler, logger zerolog.Logger) *Listener {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 1,
		MaxBytes: 10e6,
		MaxWait:  3 * time.Second,
	})
	return newListener(reader, handler, logger)
}

func newListener(reader messageReader, handler TriggerHandler, logger zerolog.Logger) *Listener {
	return &Listener{
		reader:  reader,
		handler: handler,
		logger:  logger.With().Str("component", "trigger_listener").Logger(),
	}
}

// Run starts the listener loop. Blocks until ctx is cancelled.
func (l *Listener) Run(ctx context.Context) error {
	l.logger.Info().Msg("starting trigger listener")

	for {
		msg, err := l.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				l.logger.Info().Msg("trigger listener stopped via context cancellation")
				return ctx.Err()
			}
			l.logger.Error().Err(err).Msg("failed to read message from Kafka")
			continue
		}

		l.logger.Debug().
			Int("partition", msg.Partition).
			Int64("offset", msg.Offset).
			Msg("received run trigger")

		var trigger Trigger
		if err := json.Unmarshal(msg.Value, &trigger); err != nil {
			l.logger.Error().Err(err).
				Str("raw_value", string(msg.Value)).
				Msg("failed to unmarshal run trigger")
			continue
		}
		if err := trigger.Validate(); err != nil {
			l.logger.Error().Err(err).Str("kind", string(trigger.Kind)).Msg("invalid run trigger")
			continue
		}

		if err := l.handler.HandleTrigger(ctx, trigger); err != nil {
			l.logger.Error().Err(err).
				Str("kind", string(trigger.Kind)).
				Str("stage", string(trigger.Stage)).
				Msg("failed to handle run trigger")
		}
	}
}

// Close closes the Kafka reader.
func (l *Listener) Close() error {
	l.logger.Info().Msg("closing trigger listener")
	return l.reader.Close()
}
