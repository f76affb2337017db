package platform

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DryRun implements TableClient and Messenger without touching any external
// platform. Reads return what was previously written, writes and messages
// are logged. Used when the daemon runs without platform credentials.
type DryRun struct {
	logger *zap.SugaredLogger

	mu      sync.Mutex
	records map[string]Fields
	fields  map[string][]FieldMeta
}

// NewDryRun creates a dry-run platform client.
func NewDryRun(logger *zap.SugaredLogger) *DryRun {
	return &DryRun{
		logger:  logger,
		records: map[string]Fields{},
		fields:  map[string][]FieldMeta{},
	}
}

func recordKey(source, tableID, recordID string) string {
	return source + "/" + tableID + "/" + recordID
}

// GetRecord returns the locally stored record, or an empty field set when
// nothing was written yet.
func (d *DryRun) GetRecord(_ context.Context, source, tableID, recordID string) (Fields, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if fields, ok := d.records[recordKey(source, tableID, recordID)]; ok {
		out := Fields{}
		for k, v := range fields {
			out[k] = v
		}
		return out, nil
	}
	return Fields{}, nil
}

func (d *DryRun) UpdateRecord(_ context.Context, source, tableID, recordID string, fields Fields) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	key := recordKey(source, tableID, recordID)
	existing := d.records[key]
	if existing == nil {
		existing = Fields{}
		d.records[key] = existing
	}
	for k, v := range fields {
		existing[k] = v
	}
	d.logger.Infow("Dry-run record update", "table_id", tableID, "record_id", recordID, "fields", fields)
	return nil
}

func (d *DryRun) UpsertRecord(ctx context.Context, source, tableID, keyField string, fields Fields) error {
	recordID, _ := fields[keyField].(string)
	if recordID == "" {
		recordID = keyField
	}
	return d.UpdateRecord(ctx, source, tableID, recordID, fields)
}

func (d *DryRun) ListFields(_ context.Context, source, tableID string) ([]FieldMeta, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.fields[source+"/"+tableID], nil
}

// SetFields seeds a table schema so the drift watcher has something to read.
func (d *DryRun) SetFields(source, tableID string, fields []FieldMeta) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fields[source+"/"+tableID] = fields
}

func (d *DryRun) SendMessage(_ context.Context, target, text string) error {
	d.logger.Infow("Dry-run message", "target", target, "text", text)
	return nil
}

func (d *DryRun) CreateCalendarEvent(_ context.Context, calendarID, summary string, start, end time.Time) error {
	d.logger.Infow("Dry-run calendar event", "calendar_id", calendarID, "summary", summary,
		"start", start, "end", end)
	return nil
}
