// Package ledger owns the per-platform export files and answers whether a
// record has already been exported.
package ledger

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/CEREBRUS-MAXIMUS/surfer-orchestrator/internal/domain"
)

// Checker is the read side drivers consult before submitting a record
type Checker interface {
	Exists(key domain.ExportKey, rec domain.Record) (bool, error)
}

type entry struct {
	file  *domain.ExportFile
	index map[string]struct{}
}

// Ledger reads and writes export files under a root directory laid out as
// <root>/<company>/<name>/<platformID>/<platformID>.json
type Ledger struct {
	root       string
	identities map[string]KeyFunc
	defaultKey KeyFunc
	cache      map[domain.ExportKey]*entry
	logger     *slog.Logger
	now        func() time.Time
	mu         sync.Mutex
}

// New creates a Ledger rooted at root
func New(root string) *Ledger {
	return &Ledger{
		root:       root,
		identities: make(map[string]KeyFunc),
		defaultKey: Identity("text"),
		cache:      make(map[domain.ExportKey]*entry),
		logger:     slog.Default(),
		now:        time.Now,
	}
}

// SetLogger sets the logger used for structural repairs
func (l *Ledger) SetLogger(logger *slog.Logger) {
	l.logger = logger
}

// SetClock overrides the time source used for added_to_db stamps
func (l *Ledger) SetClock(now func() time.Time) {
	l.now = now
}

// SetIdentity sets the identity function for one company/product pair
func (l *Ledger) SetIdentity(company, name string, fn KeyFunc) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.identities[company+"/"+name] = fn
	for k := range l.cache {
		if k.Company == company && k.Name == name {
			delete(l.cache, k)
		}
	}
}

// Root returns the directory export files live under
func (l *Ledger) Root() string {
	return l.root
}

// Dir returns the directory holding the export file for key
func (l *Ledger) Dir(key domain.ExportKey) string {
	return filepath.Join(l.root, key.Company, key.Name, key.PlatformID)
}

// Path returns the export file path for key
func (l *Ledger) Path(key domain.ExportKey) string {
	return filepath.Join(l.Dir(key), key.PlatformID+".json")
}

// Exists reports whether a record with the same identity is already exported
func (l *Ledger) Exists(key domain.ExportKey, rec domain.Record) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, err := l.load(key, "")
	if err != nil {
		return false, err
	}
	_, ok := e.index[l.identity(key)(rec)]
	return ok, nil
}

// Append stamps rec with added_to_db and persists the whole export file.
// No dedup check is made here; appending the same record twice stores it twice.
func (l *Ledger) Append(key domain.ExportKey, runID string, recs ...domain.Record) error {
	if len(recs) == 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	e, err := l.load(key, runID)
	if err != nil {
		return err
	}

	if e.file.RunID == "" {
		e.file.RunID = runID
	}
	keyFn := l.identity(key)
	stamp := l.now().UTC().Format(time.RFC3339Nano)
	prev := len(e.file.Content)
	for _, rec := range recs {
		stored := rec.Clone()
		stored[domain.FieldAddedToDB] = stamp
		e.file.Content = append(e.file.Content, stored)
	}

	if err := l.write(key, e.file); err != nil {
		e.file.Content = e.file.Content[:prev]
		return err
	}
	for _, rec := range recs {
		e.index[keyFn(rec)] = struct{}{}
	}
	return nil
}

// Load returns a copy of the export file for key. A missing file yields an
// empty export file.
func (l *Ledger) Load(key domain.ExportKey) (*domain.ExportFile, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, err := l.load(key, "")
	if err != nil {
		return nil, err
	}
	cp := *e.file
	cp.Content = append([]domain.Record(nil), e.file.Content...)
	return &cp, nil
}

// Count returns the number of records exported for key
func (l *Ledger) Count(key domain.ExportKey) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, err := l.load(key, "")
	if err != nil {
		return 0, err
	}
	return len(e.file.Content), nil
}

// Forget drops the cached file and index for key
func (l *Ledger) Forget(key domain.ExportKey) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.cache, key)
}

func (l *Ledger) identity(key domain.ExportKey) KeyFunc {
	if fn, ok := l.identities[key.Company+"/"+key.Name]; ok {
		return fn
	}
	return l.defaultKey
}

// load must be called with l.mu held
func (l *Ledger) load(key domain.ExportKey, runID string) (*entry, error) {
	if e, ok := l.cache[key]; ok {
		return e, nil
	}

	file, err := l.read(key, runID)
	if err != nil {
		return nil, err
	}

	keyFn := l.identity(key)
	e := &entry{file: file, index: make(map[string]struct{}, len(file.Content))}
	for _, rec := range file.Content {
		e.index[keyFn(rec)] = struct{}{}
	}
	l.cache[key] = e
	return e, nil
}

func (l *Ledger) read(key domain.ExportKey, runID string) (*domain.ExportFile, error) {
	path := l.Path(key)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return domain.NewExportFile(key.Company, key.Name, runID), nil
		}
		return nil, fmt.Errorf("reading export file: %w", err)
	}

	file, ok := decode(data)
	if !ok {
		l.logger.Warn("invalid export file structure, starting fresh", "path", path, "platform", key.PlatformID)
		return domain.NewExportFile(key.Company, key.Name, runID), nil
	}
	return file, nil
}

// decode accepts only files that carry every top-level field with a content array
func decode(data []byte) (*domain.ExportFile, bool) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, false
	}
	for _, field := range []string{"company", "name", "runID", "timestamp", "content"} {
		if _, ok := raw[field]; !ok {
			return nil, false
		}
	}
	var content []domain.Record
	if err := json.Unmarshal(raw["content"], &content); err != nil || content == nil {
		return nil, false
	}

	var file domain.ExportFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, false
	}
	file.Content = content
	return &file, true
}

func (l *Ledger) write(key domain.ExportKey, file *domain.ExportFile) error {
	dir := l.Dir(key)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating export dir: %w", err)
	}

	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding export file: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+key.PlatformID+"-*.json")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("writing export file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), l.Path(key)); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replacing export file: %w", err)
	}
	return nil
}
