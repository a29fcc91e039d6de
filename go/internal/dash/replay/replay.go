// Package replay rebuilds stopwatch counters from a session event log.
//
// Counters are never stored: every call starts from zero and walks the log, so a live
// tick and a client reconnecting mid-session see the same numbers for the same "now".
package replay

import (
	"sort"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/dashtrack/go/internal/models"
)

// Mode is the stopwatch mode in effect after the last replayed event.
type Mode string

const (
	ModeNotStarted Mode = "not_started"
	ModeWork       Mode = "work"
	ModeBreak      Mode = "break"
	ModeStopped    Mode = "stopped"
)

// Running reports whether time is still accruing to a counter.
func (m Mode) Running() bool {
	return m == ModeWork || m == ModeBreak
}

// Timers holds elapsed milliseconds.
type Timers struct {
	Total int64 `json:"total"`
	Work  int64 `json:"work"`
	Break int64 `json:"break"`
}

// Result is the outcome of a replay.
type Result struct {
	Timers Timers `json:"timers"`
	Mode   Mode   `json:"mode"`
}

// Replay computes counters for events as of now (ms epoch). Only stopwatch events
// affect the result. The input slice is not modified.
func Replay(events []models.Event, now int64) Result {
	sorted := sortedStopwatch(events)

	var (
		t             Timers
		mode          = ModeNotStarted
		sessionStart  int64
		lastEventTime int64
		started       bool
	)

	for _, e := range sorted {
		switch mode {
		case ModeWork:
			t.Work += e.Timestamp - lastEventTime
		case ModeBreak:
			t.Break += e.Timestamp - lastEventTime
		}

		switch e.Action {
		case models.ActionStart:
			sessionStart = e.Timestamp
			started = true
			mode = ModeWork
		case models.ActionBreak:
			mode = ModeBreak
		case models.ActionResume:
			mode = ModeWork
		case models.ActionFinish:
			mode = ModeStopped
		}

		lastEventTime = e.Timestamp
	}

	switch mode {
	case ModeWork:
		t.Work += now - lastEventTime
	case ModeBreak:
		t.Break += now - lastEventTime
	}

	if started {
		end := now
		if mode == ModeStopped {
			end = lastEventTime
		}
		t.Total = end - sessionStart
	}

	return Result{Timers: t, Mode: mode}
}

// At replays events against the clock's current time.
func At(clock clockwork.Clock, events []models.Event) Result {
	return Replay(events, Now(clock))
}

// Now returns the clock's time as a millisecond epoch.
func Now(clock clockwork.Clock) int64 {
	return clock.Now().UnixMilli()
}

func sortedStopwatch(events []models.Event) []models.Event {
	out := make([]models.Event, 0, len(events))
	for _, e := range events {
		if e.Domain == models.DomainStopwatch {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp < out[j].Timestamp
	})
	return out
}
