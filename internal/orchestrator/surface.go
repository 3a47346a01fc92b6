package orchestrator

import "sync"

// Surface is one browsing-surface slot bound to a run
type Surface interface {
	// Load navigates the surface to url
	Load(url string) error
	// Close releases the slot
	Close() error
}

// SurfaceFactory opens browsing-surface slots. The host owns the surfaces;
// navigation-complete events come back through Orchestrator.Navigated.
type SurfaceFactory interface {
	Open(runID, url string) (Surface, error)
}

// Foregrounder is implemented by factories that can bring one run's surface
// to the front for user interaction
type Foregrounder interface {
	Foreground(runID string) error
}

// NopSurfaces is a SurfaceFactory for headless use. It remembers the last URL
// loaded per run.
type NopSurfaces struct {
	mu   sync.Mutex
	urls map[string][]string
}

// NewNopSurfaces creates a NopSurfaces
func NewNopSurfaces() *NopSurfaces {
	return &NopSurfaces{urls: make(map[string][]string)}
}

func (n *NopSurfaces) Open(runID, url string) (Surface, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if url != "" {
		n.urls[runID] = append(n.urls[runID], url)
	}
	return &nopSurface{runID: runID, parent: n}, nil
}

// Loaded returns the URLs loaded for a run, in order
func (n *NopSurfaces) Loaded(runID string) []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.urls[runID]...)
}

type nopSurface struct {
	runID  string
	parent *NopSurfaces
}

func (s *nopSurface) Load(url string) error {
	s.parent.mu.Lock()
	defer s.parent.mu.Unlock()
	s.parent.urls[s.runID] = append(s.parent.urls[s.runID], url)
	return nil
}

func (s *nopSurface) Close() error { return nil }
