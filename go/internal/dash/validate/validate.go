// Package validate checks that a finished session log is well formed before it is committed.
package validate

import (
	"errors"
	"fmt"
	"sort"

	"github.com/mcdev12/dashtrack/go/internal/models"
)

// Reason names the rule a log broke.
type Reason string

const (
	ReasonEmptyLog                Reason = "EmptyLog"
	ReasonMustStartWithStart      Reason = "MustStartWithStart"
	ReasonMustEndWithFinish       Reason = "MustEndWithFinish"
	ReasonUnexpectedRestart       Reason = "UnexpectedRestart"
	ReasonConsecutiveBreak        Reason = "ConsecutiveBreak"
	ReasonResumeWithoutBreak      Reason = "ResumeWithoutBreak"
	ReasonFinishNotLast           Reason = "FinishNotLast"
	ReasonFinishWhileOnBreak      Reason = "FinishWhileOnBreak"
	ReasonBrowserEventOutOfWindow Reason = "BrowserEventOutOfWindow"
)

var (
	ErrEmptyLog                = errors.New("event log is empty")
	ErrMustStartWithStart      = errors.New("log must start with stopwatch start")
	ErrMustEndWithFinish       = errors.New("log must end with stopwatch finish")
	ErrUnexpectedRestart       = errors.New("stopwatch started more than once")
	ErrConsecutiveBreak        = errors.New("break without intervening resume")
	ErrResumeWithoutBreak      = errors.New("resume without preceding break")
	ErrFinishNotLast           = errors.New("finish is not the last event")
	ErrFinishWhileOnBreak      = errors.New("finished while on break")
	ErrBrowserEventOutOfWindow = errors.New("browser event outside session window")
)

var reasonErrors = map[Reason]error{
	ReasonEmptyLog:                ErrEmptyLog,
	ReasonMustStartWithStart:      ErrMustStartWithStart,
	ReasonMustEndWithFinish:       ErrMustEndWithFinish,
	ReasonUnexpectedRestart:       ErrUnexpectedRestart,
	ReasonConsecutiveBreak:        ErrConsecutiveBreak,
	ReasonResumeWithoutBreak:      ErrResumeWithoutBreak,
	ReasonFinishNotLast:           ErrFinishNotLast,
	ReasonFinishWhileOnBreak:      ErrFinishWhileOnBreak,
	ReasonBrowserEventOutOfWindow: ErrBrowserEventOutOfWindow,
}

// ValidationError reports the first rule a log broke. It matches the
// per-reason sentinel with errors.Is.
type ValidationError struct {
	Reason    Reason
	Timestamp int64
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid event log (%s at %d): %v", e.Reason, e.Timestamp, reasonErrors[e.Reason])
}

func (e *ValidationError) Unwrap() error {
	return reasonErrors[e.Reason]
}

// Window is the durable time range of a valid log.
type Window struct {
	StartTime int64
	EndTime   int64
}

// Validate runs every rule in order and stops at the first failure. The window is
// bounded by the first start and the final finish; startTime and endTime of the durable
// record are exactly those timestamps.
func Validate(events []models.Event) (Window, error) {
	if len(events) == 0 {
		return Window{}, fail(ReasonEmptyLog, 0)
	}

	sorted := make([]models.Event, len(events))
	copy(sorted, events)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp < sorted[j].Timestamp
	})

	var stopwatch []models.Event
	for _, e := range sorted {
		if e.Domain == models.DomainStopwatch {
			stopwatch = append(stopwatch, e)
		}
	}

	if len(stopwatch) == 0 || stopwatch[0].Action != models.ActionStart {
		return Window{}, fail(ReasonMustStartWithStart, sorted[0].Timestamp)
	}
	last := stopwatch[len(stopwatch)-1]
	if len(stopwatch) < 2 || last.Action != models.ActionFinish {
		return Window{}, fail(ReasonMustEndWithFinish, last.Timestamp)
	}

	onBreak := false
	for _, e := range stopwatch[1 : len(stopwatch)-1] {
		switch e.Action {
		case models.ActionStart:
			return Window{}, fail(ReasonUnexpectedRestart, e.Timestamp)
		case models.ActionBreak:
			if onBreak {
				return Window{}, fail(ReasonConsecutiveBreak, e.Timestamp)
			}
			onBreak = true
		case models.ActionResume:
			if !onBreak {
				return Window{}, fail(ReasonResumeWithoutBreak, e.Timestamp)
			}
			onBreak = false
		case models.ActionFinish:
			return Window{}, fail(ReasonFinishNotLast, e.Timestamp)
		}
	}
	if onBreak {
		return Window{}, fail(ReasonFinishWhileOnBreak, last.Timestamp)
	}

	w := Window{StartTime: stopwatch[0].Timestamp, EndTime: last.Timestamp}
	for _, e := range sorted {
		if e.Domain != models.DomainBrowser {
			continue
		}
		if e.Timestamp < w.StartTime || e.Timestamp > w.EndTime {
			return Window{}, fail(ReasonBrowserEventOutOfWindow, e.Timestamp)
		}
	}

	return w, nil
}

// ReasonOf extracts the rule name from err, if it is a validation failure.
func ReasonOf(err error) (Reason, bool) {
	var verr *ValidationError
	if errors.As(err, &verr) {
		return verr.Reason, true
	}
	return "", false
}

func fail(reason Reason, ts int64) error {
	return &ValidationError{Reason: reason, Timestamp: ts}
}
