package models

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrUnknownDomain = errors.New("unknown event domain")
	ErrUnknownAction = errors.New("unknown event action")
)

// Domain groups event actions by the source that produced them.
type Domain string

const (
	DomainStopwatch Domain = "stopwatch"
	DomainBrowser   Domain = "browser"
)

// Action is a domain-specific event tag.
type Action string

const (
	ActionStart  Action = "start"
	ActionBreak  Action = "break"
	ActionResume Action = "resume"
	ActionFinish Action = "finish"

	ActionTabOpen      Action = "tab_open"
	ActionTabClose     Action = "tab_close"
	ActionWebsiteVisit Action = "website_visit"
)

var domainActions = map[Domain][]Action{
	DomainStopwatch: {ActionStart, ActionBreak, ActionResume, ActionFinish},
	DomainBrowser:   {ActionTabOpen, ActionTabClose, ActionWebsiteVisit},
}

// Event is one immutable entry of a session log. Timestamp is a millisecond epoch.
type Event struct {
	Domain    Domain          `json:"domain"`
	Action    Action          `json:"action"`
	Timestamp int64           `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// WebsiteVisitPayload is the payload carried by browser website_visit events.
type WebsiteVisitPayload struct {
	URL   string `json:"url"`
	Title string `json:"title,omitempty"`
}

// Validate checks that the action belongs to the event's domain.
func (e Event) Validate() error {
	actions, ok := domainActions[e.Domain]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownDomain, e.Domain)
	}
	for _, a := range actions {
		if a == e.Action {
			return nil
		}
	}
	return fmt.Errorf("%w: %q in domain %q", ErrUnknownAction, e.Action, e.Domain)
}

// Is reports whether the event matches the given domain and action.
func (e Event) Is(domain Domain, action Action) bool {
	return e.Domain == domain && e.Action == action
}

// StopwatchEvent builds a stopwatch event without payload.
func StopwatchEvent(action Action, timestamp int64) Event {
	return Event{Domain: DomainStopwatch, Action: action, Timestamp: timestamp}
}
