// Package analytics streams query events to Kafka and aggregates them into
// running statistics with optional PostgreSQL snapshots. The whole
// subsystem is opt-in; a nil *Collector drops events silently.
package analytics

import (
	"context"
	"log/slog"

	"github.com/calvinfo/livegrep/pkg/kafka"
	"github.com/calvinfo/livegrep/pkg/resilience"
)

// Collector buffers query events and publishes them to Kafka in the
// background. Track never blocks the query path: when the buffer is full
// the event is dropped.
type Collector struct {
	producer *kafka.Producer
	eventCh  chan QueryEvent
	logger   *slog.Logger
	done     chan struct{}
}

// NewCollector creates a Collector publishing through producer.
func NewCollector(producer *kafka.Producer, bufferSize int) *Collector {
	if bufferSize <= 0 {
		bufferSize = 10000
	}
	return &Collector{
		producer: producer,
		eventCh:  make(chan QueryEvent, bufferSize),
		logger:   slog.Default().With("component", "analytics-collector"),
		done:     make(chan struct{}),
	}
}

// Start launches the publish loop. It drains buffered events on context
// cancellation.
func (c *Collector) Start(ctx context.Context) {
	go func() {
		defer close(c.done)
		for {
			select {
			case event, ok := <-c.eventCh:
				if !ok {
					return
				}
				c.publish(ctx, event)
			case <-ctx.Done():
				c.drainRemaining()
				return
			}
		}
	}()
	c.logger.Info("analytics collector started", "buffer_size", cap(c.eventCh))
}

// Track enqueues an event. Safe to call on a nil Collector.
func (c *Collector) Track(event QueryEvent) {
	if c == nil {
		return
	}
	select {
	case c.eventCh <- event:
	default:
		c.logger.Warn("analytics event dropped (buffer full)")
	}
}

// Close stops accepting events and waits for the publish loop to exit.
func (c *Collector) Close() {
	if c == nil {
		return
	}
	close(c.eventCh)
	<-c.done
}

func (c *Collector) publish(ctx context.Context, event QueryEvent) {
	err := resilience.Retry(ctx, "analytics-publish", resilience.RetryConfig{}, func() error {
		return c.producer.Publish(ctx, kafka.Event{
			Key:   string(event.Type),
			Value: event,
		})
	})
	if err != nil {
		c.logger.Error("failed to publish analytics event", "error", err)
	}
}

func (c *Collector) drainRemaining() {
	for {
		select {
		case event, ok := <-c.eventCh:
			if !ok {
				return
			}
			ctx := context.Background()
			if err := c.producer.Publish(ctx, kafka.Event{
				Key:   string(event.Type),
				Value: event,
			}); err != nil {
				c.logger.Error("failed to publish remaining event", "error", err)
			}
		default:
			return
		}
	}
}
