package models

// Kind identifies an activity tracked by the lifecycle engine. Each Kind gets its own
// ephemeral keyspace, durable kind column and realtime route.
type Kind interface {
	Namespace() string
}

// Dash is a work session tied to a task.
type Dash struct{}

func (Dash) Namespace() string { return "dash" }

// Focus is a free-standing focus session.
type Focus struct{}

func (Focus) Namespace() string { return "session" }
