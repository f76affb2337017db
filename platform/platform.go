// Package platform defines the interfaces the automation engine consumes from
// the external tabular-data platform. The HTTP client implementing them lives
// outside this subsystem; everything here is a collaborator contract.
package platform

import (
	"context"
	"time"
)

// Fields is a record's field values keyed by field name.
type Fields map[string]interface{}

// FieldMeta describes one field of a table's schema.
type FieldMeta struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"`
}

// TableClient fetches and mutates records and schemas on the data platform.
type TableClient interface {
	// GetRecord returns the current field values of one record.
	GetRecord(ctx context.Context, source, tableID, recordID string) (Fields, error)

	// UpdateRecord writes field values onto an existing record.
	UpdateRecord(ctx context.Context, source, tableID, recordID string, fields Fields) error

	// UpsertRecord updates the record whose keyField matches, or creates it.
	UpsertRecord(ctx context.Context, source, tableID, keyField string, fields Fields) error

	// ListFields returns the table's current field schema.
	ListFields(ctx context.Context, source, tableID string) ([]FieldMeta, error)
}

// Messenger delivers chat messages and calendar events.
type Messenger interface {
	// SendMessage posts a text message to a chat or user target.
	SendMessage(ctx context.Context, target, text string) error

	// CreateCalendarEvent creates a calendar event.
	CreateCalendarEvent(ctx context.Context, calendarID, summary string, start, end time.Time) error
}
