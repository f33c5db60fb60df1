package models

// HandlingMode is who is currently handling a session.
type HandlingMode string

const (
	ModeUnassigned HandlingMode = "unassigned"
	ModeEscalated  HandlingMode = "escalated"
	ModeAssigned   HandlingMode = "assigned"
	ModeResolved   HandlingMode = "resolved"
	ModeDeleted    HandlingMode = "deleted"
)
