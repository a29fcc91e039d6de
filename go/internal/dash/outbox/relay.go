package outbox

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/dashtrack/go/internal/metrics"
	"github.com/mcdev12/dashtrack/go/internal/sqlutil"
	"github.com/rs/zerolog/log"
)

type RelayConfig struct {
	FallbackInterval time.Duration `mapstructure:"fallback_interval"`
	MaxRetries       int           `mapstructure:"max_retries"`
	RetryDelay       time.Duration `mapstructure:"retry_delay"`
	BatchSize        int           `mapstructure:"batch_size"`
}

func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		FallbackInterval: 30 * time.Second,
		MaxRetries:       5,
		RetryDelay:       200 * time.Millisecond,
		BatchSize:        100,
	}
}

// Wakeup hints that new outbox rows may exist.
type Wakeup interface {
	C() <-chan struct{}
	Close() error
}

// Relay publishes unsent outbox rows in creation order and marks them sent. It drains
// on every wakeup and on a fallback poll so missed notifications are picked up.
type Relay struct {
	db        *sql.DB
	queries   *Queries
	publisher Publisher
	wakeup    Wakeup
	clock     clockwork.Clock
	cfg       RelayConfig

	mu        sync.Mutex
	running   bool
	lastDrain time.Time
	published uint64
}

// NewRelay builds a relay. wakeup may be nil, in which case only the poll runs.
func NewRelay(db *sql.DB, dialect sqlutil.Dialect, publisher Publisher, wakeup Wakeup, clock clockwork.Clock, cfg RelayConfig) *Relay {
	return &Relay{
		db:        db,
		queries:   New(db, dialect),
		publisher: publisher,
		wakeup:    wakeup,
		clock:     clock,
		cfg:       cfg,
	}
}

func (r *Relay) Start(ctx context.Context) error {
	log.Info().
		Dur("fallback_interval", r.cfg.FallbackInterval).
		Bool("listen", r.wakeup != nil).
		Msg("outbox relay started")

	fallback := r.clock.NewTicker(r.cfg.FallbackInterval)
	defer fallback.Stop()

	var wake <-chan struct{}
	if r.wakeup != nil {
		wake = r.wakeup.C()
		defer r.wakeup.Close()
	}

	r.setRunning(true)
	defer r.setRunning(false)

	if _, err := r.Drain(ctx); err != nil {
		log.Error().Err(err).Msg("failed to drain outbox")
	}

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("outbox relay shutting down")
			return nil
		case <-wake:
			if _, err := r.Drain(ctx); err != nil {
				log.Error().Err(err).Msg("failed to drain outbox after notification")
			}
		case <-fallback.Chan():
			if _, err := r.Drain(ctx); err != nil {
				log.Error().Err(err).Msg("failed to drain outbox on poll")
			}
		}
	}
}

// Drain publishes one batch of unsent events and returns how many were sent. It stops at
// the first event that cannot be published so ordering is kept.
func (r *Relay) Drain(ctx context.Context) (int, error) {
	unsent, err := r.queries.FetchUnsentOutbox(ctx, r.cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	sent := 0
	defer func() { r.recordDrain(sent) }()

	for _, event := range unsent {
		if err := r.publishWithRetry(ctx, event); err != nil {
			metrics.OutboxPublished.WithLabelValues(event.EventType, "error").Inc()
			return sent, fmt.Errorf("event %s: %w", event.ID, err)
		}
		metrics.OutboxPublished.WithLabelValues(event.EventType, "ok").Inc()

		if err := r.queries.MarkOutboxSent(ctx, event.ID, r.clock.Now()); err != nil {
			return sent, err
		}
		sent++
	}
	return sent, nil
}

func (r *Relay) setRunning(running bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.running = running
}

func (r *Relay) recordDrain(sent int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastDrain = r.clock.Now()
	r.published += uint64(sent)
}

func (r *Relay) publishWithRetry(ctx context.Context, event OutboxEvent) error {
	var lastErr error

	for attempt := 0; attempt <= r.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-r.clock.After(r.cfg.RetryDelay * time.Duration(attempt)):
			}
		}

		if err := r.publisher.Publish(ctx, event); err != nil {
			lastErr = err
			log.Warn().
				Err(err).
				Int("attempt", attempt+1).
				Str("event_id", event.ID.String()).
				Msg("failed to publish, retrying")
			continue
		}
		return nil
	}

	return fmt.Errorf("publish failed after %d attempts: %w", r.cfg.MaxRetries+1, lastErr)
}
