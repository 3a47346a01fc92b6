package domain

import (
	"strings"
	"time"
)

// Run is one export job instance for a given platform account
type Run struct {
	ID          string     `json:"id"`
	PlatformID  string     `json:"platformId"`
	Company     string     `json:"company"`
	ProductName string     `json:"name"`
	Status      RunStatus  `json:"status"`
	StartDate   time.Time  `json:"startDate"`
	EndDate     *time.Time `json:"endDate,omitempty"`
	IsConnected bool       `json:"isConnected"`
	IsUpdated   bool       `json:"isUpdated"`
	URL         string     `json:"url,omitempty"`
	ExportPath  string     `json:"exportPath,omitempty"`
	ExportSize  int64      `json:"exportSize,omitempty"`
	Logs        []string   `json:"logs"`
}

// Key returns the (company, productName, platformID) tuple owning the run's export file
func (r *Run) Key() ExportKey {
	return ExportKey{Company: r.Company, Name: r.ProductName, PlatformID: r.PlatformID}
}

// Clone returns a deep copy safe to hand to observers
func (r *Run) Clone() *Run {
	if r == nil {
		return nil
	}
	c := *r
	if r.EndDate != nil {
		end := *r.EndDate
		c.EndDate = &end
	}
	c.Logs = append(make([]string, 0, len(r.Logs)), r.Logs...)
	return &c
}

// Duration returns how long the run has been (or was) active
func (r *Run) Duration() time.Duration {
	if r.StartDate.IsZero() {
		return 0
	}
	if r.EndDate != nil {
		return r.EndDate.Sub(r.StartDate)
	}
	return time.Since(r.StartDate)
}

// LastLog returns the most recent log line, or ""
func (r *Run) LastLog() string {
	if len(r.Logs) == 0 {
		return ""
	}
	return r.Logs[len(r.Logs)-1]
}

// RunPatch is a partial update applied to a run. Nil fields are left untouched,
// AppendLogs is appended to the existing log lines.
type RunPatch struct {
	URL         *string
	AppendLogs  []string
	ExportPath  *string
	ExportSize  *int64
	IsConnected *bool
}

// IsEmpty reports whether applying the patch would change nothing
func (p RunPatch) IsEmpty() bool {
	return p.URL == nil && len(p.AppendLogs) == 0 && p.ExportPath == nil &&
		p.ExportSize == nil && p.IsConnected == nil
}

// Apply writes the patch onto r
func (p RunPatch) Apply(r *Run) {
	if p.URL != nil {
		r.URL = *p.URL
	}
	if len(p.AppendLogs) > 0 {
		r.Logs = append(r.Logs, p.AppendLogs...)
	}
	if p.ExportPath != nil {
		r.ExportPath = *p.ExportPath
	}
	if p.ExportSize != nil {
		r.ExportSize = *p.ExportSize
	}
	if p.IsConnected != nil {
		r.IsConnected = *p.IsConnected
	}
}

// LogPatch builds a patch appending the given lines
func LogPatch(lines ...string) RunPatch {
	return RunPatch{AppendLogs: lines}
}

// ExportKey identifies the export file of one platform account
type ExportKey struct {
	Company    string `json:"company"`
	Name       string `json:"name"`
	PlatformID string `json:"platformId"`
}

func (k ExportKey) String() string {
	return strings.Join([]string{k.Company, k.Name, k.PlatformID}, "/")
}
