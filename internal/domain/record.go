package domain

import (
	"fmt"
	"time"
)

// Record is one harvested item. Fields vary per platform, but every record
// carries a "timestamp" (ISO-8601 string) and a content field used for identity.
type Record map[string]any

// Record field names shared by every platform
const (
	FieldTimestamp = "timestamp"
	FieldAddedToDB = "added_to_db"
)

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.000Z07:00",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	time.RFC1123Z,
	time.RFC1123,
}

// Timestamp parses the record's timestamp field
func (r Record) Timestamp() (time.Time, bool) {
	switch v := r[FieldTimestamp].(type) {
	case string:
		for _, layout := range timestampLayouts {
			if t, err := time.Parse(layout, v); err == nil {
				return t, true
			}
		}
	case float64:
		return time.UnixMilli(int64(v)).UTC(), true
	case int64:
		return time.UnixMilli(v).UTC(), true
	case time.Time:
		return v, true
	}
	return time.Time{}, false
}

// String returns field as a string, formatting non-string values
func (r Record) String(field string) string {
	v, ok := r[field]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// Clone returns a shallow copy of the record
func (r Record) Clone() Record {
	c := make(Record, len(r))
	for k, v := range r {
		c[k] = v
	}
	return c
}

// ExportFile is the persisted incremental record store for one platform account
type ExportFile struct {
	Company   string   `json:"company"`
	Name      string   `json:"name"`
	RunID     string   `json:"runID"`
	Timestamp int64    `json:"timestamp"`
	Content   []Record `json:"content"`
}

// NewExportFile returns an empty export file stamped with now
func NewExportFile(company, name, runID string) *ExportFile {
	return &ExportFile{
		Company:   company,
		Name:      name,
		RunID:     runID,
		Timestamp: time.Now().UnixMilli(),
		Content:   []Record{},
	}
}

// CredentialBundle is the captured auth material for one platform account
type CredentialBundle map[string]string

// Missing returns the required keys that are absent or empty
func (b CredentialBundle) Missing(required ...string) []string {
	var missing []string
	for _, k := range required {
		if b[k] == "" {
			missing = append(missing, k)
		}
	}
	return missing
}
