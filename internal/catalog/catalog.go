// Package catalog holds the platforms runs can be started for and how each
// one is driven.
package catalog

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/CEREBRUS-MAXIMUS/surfer-orchestrator/internal/domain"
	"github.com/CEREBRUS-MAXIMUS/surfer-orchestrator/internal/ledger"
	"github.com/CEREBRUS-MAXIMUS/surfer-orchestrator/internal/orchestrator"
)

// Kind selects how a platform's driver is built
type Kind string

const (
	// KindAPI drivers talk to the platform from the engine using captured credentials
	KindAPI Kind = "api"
	// KindBackup drivers decrypt a local device backup through a worker script
	KindBackup Kind = "backup"
	// KindWorker drivers are plain worker scripts
	KindWorker Kind = "worker"
)

// IdentityTimestamp keys a platform's records by timestamp alone
const IdentityTimestamp = "timestamp"

// Platform is one exportable platform account
type Platform struct {
	ID          string `yaml:"id" json:"id"`
	Name        string `yaml:"name" json:"name"`
	Company     string `yaml:"company" json:"company"`
	Description string `yaml:"description" json:"description,omitempty"`
	HomeURL     string `yaml:"home_url" json:"homeUrl,omitempty"`
	Driver      string `yaml:"driver" json:"driver"`
	Kind        Kind   `yaml:"kind" json:"kind"`
	// Identity is the content field records are deduplicated on, or
	// "timestamp" to dedup on timestamp alone. Empty uses the ledger default.
	Identity  string `yaml:"identity" json:"identity,omitempty"`
	StopAfter int    `yaml:"stop_after" json:"stopAfter,omitempty"`

	Script       string   `yaml:"script" json:"script,omitempty"`
	Args         []string `yaml:"args" json:"args,omitempty"`
	Requirements string   `yaml:"requirements" json:"requirements,omitempty"`
	BackupDir    string   `yaml:"backup_dir" json:"backupDir,omitempty"`
}

type file struct {
	Platforms []Platform `yaml:"platforms"`
}

// Catalog is an immutable set of platforms keyed by id
type Catalog struct {
	platforms map[string]Platform
	order     []string
}

var _ orchestrator.Resolver = (*Catalog)(nil)

// Builtin returns the catalog shipped with the binary
func Builtin() *Catalog {
	c, err := Parse(builtin)
	if err != nil {
		panic(fmt.Sprintf("builtin catalog: %v", err))
	}
	return c
}

// Load reads a catalog file. An empty path yields the builtin catalog.
func Load(path string) (*Catalog, error) {
	if path == "" {
		return Builtin(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	c, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return c, nil
}

// Parse decodes and validates a YAML catalog
func Parse(data []byte) (*Catalog, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, err
	}

	c := &Catalog{platforms: make(map[string]Platform, len(f.Platforms))}
	var errs []error
	for i, p := range f.Platforms {
		if p.Kind == "" {
			p.Kind = KindAPI
		}
		if err := p.validate(); err != nil {
			errs = append(errs, fmt.Errorf("platform %d: %w", i, err))
			continue
		}
		if _, dup := c.platforms[p.ID]; dup {
			errs = append(errs, fmt.Errorf("platform %d: duplicate id %q", i, p.ID))
			continue
		}
		c.platforms[p.ID] = p
		c.order = append(c.order, p.ID)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return c, nil
}

func (p Platform) validate() error {
	switch {
	case p.ID == "":
		return errors.New("missing id")
	case p.Name == "":
		return fmt.Errorf("%s: missing name", p.ID)
	case p.Company == "":
		return fmt.Errorf("%s: missing company", p.ID)
	case p.Driver == "":
		return fmt.Errorf("%s: missing driver", p.ID)
	}
	switch p.Kind {
	case KindAPI:
	case KindBackup, KindWorker:
		if p.Script == "" {
			return fmt.Errorf("%s: %s platforms need a script", p.ID, p.Kind)
		}
	default:
		return fmt.Errorf("%s: unknown kind %q", p.ID, p.Kind)
	}
	return nil
}

// Key returns the export file key of the platform
func (p Platform) Key() domain.ExportKey {
	return domain.ExportKey{Company: p.Company, Name: p.Name, PlatformID: p.ID}
}

// Get returns the platform with the given id
func (c *Catalog) Get(id string) (Platform, error) {
	p, ok := c.platforms[id]
	if !ok {
		return Platform{}, fmt.Errorf("%w: %s", domain.ErrUnknownPlatform, id)
	}
	return p, nil
}

// List returns all platforms in catalog order
func (c *Catalog) List() []Platform {
	out := make([]Platform, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.platforms[id])
	}
	return out
}

// Companies returns the distinct companies, sorted
func (c *Catalog) Companies() []string {
	seen := make(map[string]bool)
	var out []string
	for _, p := range c.platforms {
		if !seen[p.Company] {
			seen[p.Company] = true
			out = append(out, p.Company)
		}
	}
	sort.Strings(out)
	return out
}

// Resolve maps a run request to the platform's driver and start page. The
// request's company and product name must match the catalog entry.
func (c *Catalog) Resolve(platformID, company, productName string) (orchestrator.Platform, error) {
	p, err := c.Get(platformID)
	if err != nil {
		return orchestrator.Platform{}, err
	}
	if p.Company != company || p.Name != productName {
		return orchestrator.Platform{}, fmt.Errorf("%w: %s is %s/%s, not %s/%s",
			domain.ErrUnknownPlatform, platformID, p.Company, p.Name, company, productName)
	}
	return orchestrator.Platform{DriverKey: p.Driver, StartURL: p.HomeURL}, nil
}

// ApplyIdentities configures the ledger's per-platform record identity
func (c *Catalog) ApplyIdentities(l *ledger.Ledger) {
	for _, p := range c.platforms {
		switch p.Identity {
		case "":
		case IdentityTimestamp:
			l.SetIdentity(p.Company, p.Name, ledger.TimestampOnly())
		default:
			l.SetIdentity(p.Company, p.Name, ledger.Identity(p.Identity))
		}
	}
}
