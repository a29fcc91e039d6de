package validate

import (
	"errors"
	"testing"

	"github.com/mcdev12/dashtrack/go/internal/models"
)

func sw(action models.Action, ts int64) models.Event {
	return models.StopwatchEvent(action, ts)
}

func browser(action models.Action, ts int64) models.Event {
	return models.Event{Domain: models.DomainBrowser, Action: action, Timestamp: ts}
}

func TestValidateAccepts(t *testing.T) {
	tests := []struct {
		name   string
		events []models.Event
		want   Window
	}{
		{
			name:   "start and finish",
			events: []models.Event{sw(models.ActionStart, 0), sw(models.ActionFinish, 1000)},
			want:   Window{StartTime: 0, EndTime: 1000},
		},
		{
			name: "nested breaks",
			events: []models.Event{
				sw(models.ActionStart, 0),
				sw(models.ActionBreak, 1000),
				sw(models.ActionResume, 1500),
				sw(models.ActionFinish, 5000),
			},
			want: Window{StartTime: 0, EndTime: 5000},
		},
		{
			name: "several break cycles",
			events: []models.Event{
				sw(models.ActionStart, 10),
				sw(models.ActionBreak, 20),
				sw(models.ActionResume, 30),
				sw(models.ActionBreak, 40),
				sw(models.ActionResume, 50),
				sw(models.ActionFinish, 60),
			},
			want: Window{StartTime: 10, EndTime: 60},
		},
		{
			name: "browser events on window edges",
			events: []models.Event{
				sw(models.ActionStart, 100),
				browser(models.ActionTabOpen, 100),
				browser(models.ActionWebsiteVisit, 150),
				browser(models.ActionTabClose, 200),
				sw(models.ActionFinish, 200),
			},
			want: Window{StartTime: 100, EndTime: 200},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Validate(tt.events)
			if err != nil {
				t.Fatalf("Validate() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("Validate() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name     string
		events   []models.Event
		reason   Reason
		sentinel error
	}{
		{
			name:     "empty",
			events:   nil,
			reason:   ReasonEmptyLog,
			sentinel: ErrEmptyLog,
		},
		{
			name:     "missing start",
			events:   []models.Event{sw(models.ActionBreak, 0), sw(models.ActionFinish, 10)},
			reason:   ReasonMustStartWithStart,
			sentinel: ErrMustStartWithStart,
		},
		{
			name:     "browser only",
			events:   []models.Event{browser(models.ActionTabOpen, 0)},
			reason:   ReasonMustStartWithStart,
			sentinel: ErrMustStartWithStart,
		},
		{
			name:     "missing finish",
			events:   []models.Event{sw(models.ActionStart, 0), sw(models.ActionBreak, 10)},
			reason:   ReasonMustEndWithFinish,
			sentinel: ErrMustEndWithFinish,
		},
		{
			name:     "start alone",
			events:   []models.Event{sw(models.ActionStart, 0)},
			reason:   ReasonMustEndWithFinish,
			sentinel: ErrMustEndWithFinish,
		},
		{
			name: "restart",
			events: []models.Event{
				sw(models.ActionStart, 0),
				sw(models.ActionStart, 10),
				sw(models.ActionFinish, 20),
			},
			reason:   ReasonUnexpectedRestart,
			sentinel: ErrUnexpectedRestart,
		},
		{
			name: "consecutive break",
			events: []models.Event{
				sw(models.ActionStart, 0),
				sw(models.ActionBreak, 1000),
				sw(models.ActionBreak, 2000),
				sw(models.ActionFinish, 3000),
			},
			reason:   ReasonConsecutiveBreak,
			sentinel: ErrConsecutiveBreak,
		},
		{
			name: "resume without break",
			events: []models.Event{
				sw(models.ActionStart, 0),
				sw(models.ActionResume, 10),
				sw(models.ActionFinish, 20),
			},
			reason:   ReasonResumeWithoutBreak,
			sentinel: ErrResumeWithoutBreak,
		},
		{
			name: "finish twice",
			events: []models.Event{
				sw(models.ActionStart, 0),
				sw(models.ActionFinish, 10),
				sw(models.ActionFinish, 20),
			},
			reason:   ReasonFinishNotLast,
			sentinel: ErrFinishNotLast,
		},
		{
			name: "finish while on break",
			events: []models.Event{
				sw(models.ActionStart, 0),
				sw(models.ActionBreak, 10),
				sw(models.ActionFinish, 20),
			},
			reason:   ReasonFinishWhileOnBreak,
			sentinel: ErrFinishWhileOnBreak,
		},
		{
			name: "browser before start",
			events: []models.Event{
				browser(models.ActionTabOpen, 5),
				sw(models.ActionStart, 10),
				sw(models.ActionFinish, 20),
			},
			reason:   ReasonBrowserEventOutOfWindow,
			sentinel: ErrBrowserEventOutOfWindow,
		},
		{
			name: "browser after finish",
			events: []models.Event{
				sw(models.ActionStart, 10),
				sw(models.ActionFinish, 20),
				browser(models.ActionWebsiteVisit, 21),
			},
			reason:   ReasonBrowserEventOutOfWindow,
			sentinel: ErrBrowserEventOutOfWindow,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Validate(tt.events)
			if err == nil {
				t.Fatal("Validate() succeeded, want error")
			}
			reason, ok := ReasonOf(err)
			if !ok {
				t.Fatalf("error %v is not a ValidationError", err)
			}
			if reason != tt.reason {
				t.Errorf("reason = %s, want %s", reason, tt.reason)
			}
			if !errors.Is(err, tt.sentinel) {
				t.Errorf("errors.Is(%v, %v) = false", err, tt.sentinel)
			}
		})
	}
}

func TestValidateSortsByTimestamp(t *testing.T) {
	events := []models.Event{
		sw(models.ActionFinish, 5000),
		sw(models.ActionStart, 0),
		sw(models.ActionResume, 1500),
		sw(models.ActionBreak, 1000),
	}
	got, err := Validate(events)
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if got.StartTime != 0 || got.EndTime != 5000 {
		t.Errorf("Validate() = %+v", got)
	}
}
