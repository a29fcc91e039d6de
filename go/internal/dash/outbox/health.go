package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/mcdev12/dashtrack/go/internal/metrics"
)

// PendingAlertThreshold is the unsent backlog reported as an error.
const PendingAlertThreshold = 1000

type HealthStatus struct {
	Healthy           bool      `json:"healthy"`
	Running           bool      `json:"running"`
	LastDrainAt       time.Time `json:"last_drain_at"`
	EventsPublished   uint64    `json:"events_published"`
	PendingEvents     int       `json:"pending_events"`
	DatabaseConnected bool      `json:"database_connected"`
	BrokerConnected   *bool     `json:"broker_connected,omitempty"`
	Errors            []string  `json:"errors"`
}

// connectivity is implemented by publishers with a broker connection.
type connectivity interface {
	Connected() bool
}

// Health reports whether the relay is running and keeping up. A backlog older than
// staleAfter since the last drain is unhealthy.
func (r *Relay) Health(ctx context.Context, staleAfter time.Duration) HealthStatus {
	r.mu.Lock()
	status := HealthStatus{
		Healthy:         true,
		Running:         r.running,
		LastDrainAt:     r.lastDrain,
		EventsPublished: r.published,
		Errors:          []string{},
	}
	r.mu.Unlock()

	if !status.Running {
		status.Healthy = false
		status.Errors = append(status.Errors, "relay not running")
	}

	if err := r.db.PingContext(ctx); err != nil {
		status.Healthy = false
		status.Errors = append(status.Errors, fmt.Sprintf("database ping failed: %v", err))
	} else {
		status.DatabaseConnected = true
	}

	if c, ok := r.publisher.(connectivity); ok {
		connected := c.Connected()
		status.BrokerConnected = &connected
		if !connected {
			status.Healthy = false
			status.Errors = append(status.Errors, "broker disconnected")
		}
	}

	if status.DatabaseConnected {
		pending, err := r.queries.CountUnsentOutbox(ctx)
		if err != nil {
			status.Errors = append(status.Errors, err.Error())
		} else {
			status.PendingEvents = pending
			metrics.OutboxPending.Set(float64(pending))
			if pending > PendingAlertThreshold {
				status.Errors = append(status.Errors, fmt.Sprintf("high pending event count: %d", pending))
			}
		}
	}

	if status.PendingEvents > 0 && r.clock.Since(status.LastDrainAt) > staleAfter {
		status.Healthy = false
		status.Errors = append(status.Errors, fmt.Sprintf("no drain for %s", r.clock.Since(status.LastDrainAt)))
	}

	return status
}

// HealthHandler answers 503 while the relay is unhealthy.
func (r *Relay) HealthHandler(staleAfter time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		ctx, cancel := context.WithTimeout(req.Context(), 5*time.Second)
		defer cancel()

		status := r.Health(ctx, staleAfter)
		w.Header().Set("Content-Type", "application/json")
		if !status.Healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(status)
	}
}
