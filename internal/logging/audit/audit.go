// Package audit writes structured audit events for registry changes and the
// ticket lifecycle.
package audit

import (
	"github.com/rs/zerolog"
)

// Logger provides structured audit logging.
// All audit events carry an event_type field for easy filtering.
type Logger struct {
	logger zerolog.Logger
}

// NewLogger creates a new audit logger from a zerolog.Logger.
func NewLogger(logger zerolog.Logger) *Logger {
	return &Logger{logger: logger}
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return &Logger{logger: zerolog.Nop()}
}

// LogRegistration logs a peer registration attempt.
// result: "allowed" or "denied"
func (l *Logger) LogRegistration(name, token, result, reason, sourceIP string) {
	level := zerolog.InfoLevel
	if result == "denied" {
		level = zerolog.WarnLevel
	}

	event := l.logger.WithLevel(level).
		Str("event_type", "registration").
		Str("name", name).
		Str("result", result).
		Str("source_ip", sourceIP)

	if token != "" {
		event = event.Str("token", token)
	}
	if reason != "" {
		event = event.Str("reason", reason)
	}

	event.Msg("Registration event")
}

// LogStore logs creation of a store.
func (l *Logger) LogStore(token, storeID, name string) {
	l.logger.Info().
		Str("event_type", "store").
		Str("token", token).
		Str("store", storeID).
		Str("name", name).
		Msg("Store created")
}

// LogGrant logs a permission change on a store inventory.
// action: "permit", "revoke" or "permit_dir"
func (l *Logger) LogGrant(action, storeID, path string, changed int) {
	l.logger.Info().
		Str("event_type", "grant").
		Str("action", action).
		Str("store", storeID).
		Str("path", path).
		Int("changed", changed).
		Msg("Grant event")
}

// LogTicket logs a step in a ticket's lifecycle.
// stage: "minted", "pushed", "push_failed", "staged", "served", "expired" or "rejected"
func (l *Logger) LogTicket(stage, opID, ticketType, storeID, path, details string) {
	level := zerolog.InfoLevel
	switch stage {
	case "push_failed", "rejected":
		level = zerolog.WarnLevel
	case "expired":
		level = zerolog.DebugLevel
	}

	event := l.logger.WithLevel(level).
		Str("event_type", "ticket").
		Str("stage", stage).
		Str("op_id", opID).
		Str("ticket_type", ticketType).
		Str("store", storeID)

	if path != "" {
		event = event.Str("path", path)
	}
	if details != "" {
		event = event.Str("details", details)
	}

	event.Msg("Ticket event")
}
