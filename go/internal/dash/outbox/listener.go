package outbox

import (
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog/log"
)

// NotifyChannel is the Postgres channel the outbox insert trigger notifies.
const NotifyChannel = "work_session_outbox"

// PQWakeup turns Postgres LISTEN notifications into relay wakeups.
type PQWakeup struct {
	listener *pq.Listener
	ch       chan struct{}
	done     chan struct{}
}

// ListenPostgres opens a dedicated LISTEN connection on channel.
func ListenPostgres(dsn, channel string, pingInterval time.Duration) (*PQWakeup, error) {
	l := pq.NewListener(
		dsn,
		10*time.Second,
		time.Minute,
		func(ev pq.ListenerEventType, err error) {
			if err != nil {
				log.Error().Err(err).Msg("listener event")
			}
		},
	)
	if err := l.Listen(channel); err != nil {
		_ = l.Close()
		return nil, fmt.Errorf("failed to listen to channel: %w", err)
	}

	log.Info().Str("channel", channel).Msg("listening for outbox notifications")

	w := &PQWakeup{
		listener: l,
		ch:       make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	go w.run(pingInterval)
	return w, nil
}

func (w *PQWakeup) C() <-chan struct{} {
	return w.ch
}

func (w *PQWakeup) Close() error {
	close(w.done)
	return w.listener.Close()
}

func (w *PQWakeup) run(pingInterval time.Duration) {
	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-w.listener.Notify:
			// A nil notification means the connection was re-established; the
			// relay drains either way.
			select {
			case w.ch <- struct{}{}:
			default:
			}
		case <-ping.C:
			if err := w.listener.Ping(); err != nil {
				log.Error().Err(err).Msg("failed to ping listener")
			}
		}
	}
}
