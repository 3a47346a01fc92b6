package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/CEREBRUS-MAXIMUS/surfer-orchestrator/internal/credentials"
	"github.com/CEREBRUS-MAXIMUS/surfer-orchestrator/internal/orchestrator"
	"github.com/CEREBRUS-MAXIMUS/surfer-orchestrator/internal/surfaceproto"
)

var errNoHost = errors.New("no surface host connected")

// SurfaceBridge connects the orchestrator to a browsing-surface host over a
// WebSocket. It is the orchestrator's SurfaceFactory: open/load/close requests
// are sent to the host, and navigation, request, sign-in and download events
// from the host are routed back into the engine.
//
// Surfaces opened while no host is connected are replayed when one connects.
type SurfaceBridge struct {
	capture  *credentials.Capture
	upgrader websocket.Upgrader

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	mu         sync.Mutex
	orch       *orchestrator.Orchestrator
	host       *hostConn
	surfaces   map[string]*bridgeSurface
	foreground string
	logger     *slog.Logger
}

type hostConn struct {
	id      string
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (h *hostConn) send(msgType string, payload interface{}) error {
	data, err := surfaceproto.MarshalEnvelope(msgType, payload)
	if err != nil {
		return err
	}
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	return h.conn.WriteMessage(websocket.TextMessage, data)
}

var (
	_ orchestrator.SurfaceFactory = (*SurfaceBridge)(nil)
	_ orchestrator.Foregrounder   = (*SurfaceBridge)(nil)
)

// NewSurfaceBridge creates a bridge. Request events are fed to capture.
func NewSurfaceBridge(capture *credentials.Capture) *SurfaceBridge {
	return &SurfaceBridge{
		capture: capture,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		HeartbeatInterval: 30 * time.Second,
		HeartbeatTimeout:  90 * time.Second,
		surfaces:          make(map[string]*bridgeSurface),
		logger:            slog.Default(),
	}
}

// SetOrchestrator sets the engine host events are routed to. The bridge is
// built first since the orchestrator takes it as its SurfaceFactory.
func (b *SurfaceBridge) SetOrchestrator(o *orchestrator.Orchestrator) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.orch = o
}

// SetLogger sets the logger
func (b *SurfaceBridge) SetLogger(logger *slog.Logger) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.logger = logger
}

// Connected reports whether a host is connected
func (b *SurfaceBridge) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.host != nil
}

// HostID returns the id the connected host announced, or "" when none is
func (b *SurfaceBridge) HostID() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.host == nil {
		return ""
	}
	return b.host.id
}

// Surfaces returns the run ids with an open surface
func (b *SurfaceBridge) Surfaces() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	ids := make([]string, 0, len(b.surfaces))
	for id := range b.surfaces {
		ids = append(ids, id)
	}
	return ids
}

// Open creates a surface for a run
func (b *SurfaceBridge) Open(runID, url string) (orchestrator.Surface, error) {
	s := &bridgeSurface{bridge: b, runID: runID, url: url}
	b.mu.Lock()
	b.surfaces[runID] = s
	host := b.host
	b.mu.Unlock()

	if host != nil {
		if err := host.send(surfaceproto.TypeOpen, surfaceproto.OpenMessage{RunID: runID, URL: url}); err != nil {
			b.log().Warn("sending open", "run_id", runID, "error", err)
		}
	}
	return s, nil
}

// Foreground asks the host to show a run's surface
func (b *SurfaceBridge) Foreground(runID string) error {
	b.mu.Lock()
	if _, ok := b.surfaces[runID]; !ok {
		b.mu.Unlock()
		return fmt.Errorf("run %s has no surface", runID)
	}
	b.foreground = runID
	host := b.host
	b.mu.Unlock()

	if host == nil {
		return nil
	}
	return host.send(surfaceproto.TypeForeground, surfaceproto.ForegroundMessage{RunID: runID})
}

func (b *SurfaceBridge) log() *slog.Logger {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.logger
}

func (b *SurfaceBridge) engine() *orchestrator.Orchestrator {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.orch
}

type bridgeSurface struct {
	bridge *SurfaceBridge
	runID  string
	url    string
}

func (s *bridgeSurface) Load(url string) error {
	b := s.bridge
	b.mu.Lock()
	s.url = url
	host := b.host
	b.mu.Unlock()

	if host == nil {
		return nil
	}
	return host.send(surfaceproto.TypeLoad, surfaceproto.LoadMessage{RunID: s.runID, URL: url})
}

func (s *bridgeSurface) Close() error {
	b := s.bridge
	b.mu.Lock()
	if b.surfaces[s.runID] == s {
		delete(b.surfaces, s.runID)
	}
	if b.foreground == s.runID {
		b.foreground = ""
	}
	host := b.host
	b.mu.Unlock()

	if host == nil {
		return nil
	}
	return host.send(surfaceproto.TypeClose, surfaceproto.CloseMessage{RunID: s.runID})
}

// HandleWebSocket accepts the surface host connection. A newer connection
// replaces the previous one.
func (b *SurfaceBridge) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.log().Warn("websocket upgrade failed", "error", err)
		return
	}
	go b.handleHost(conn)
}

func (b *SurfaceBridge) handleHost(conn *websocket.Conn) {
	host := &hostConn{conn: conn}
	defer func() {
		conn.Close()
		b.mu.Lock()
		if b.host == host {
			b.host = nil
		}
		id := host.id
		b.mu.Unlock()
		b.log().Info("surface host disconnected", "host_id", id)
	}()

	conn.SetReadDeadline(time.Now().Add(b.HeartbeatTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(b.HeartbeatTimeout))
		return nil
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				b.log().Warn("surface host read error", "error", err)
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(b.HeartbeatTimeout))

		var env surfaceproto.EnvelopeRaw
		if err := json.Unmarshal(message, &env); err != nil {
			b.reply(host, "", fmt.Errorf("invalid message: %w", err))
			continue
		}
		if env.Type == surfaceproto.TypeHello {
			hello, err := surfaceproto.Decode[surfaceproto.HelloMessage](env)
			if err != nil {
				b.reply(host, "", err)
				continue
			}
			b.attach(host, hello.HostID)
			continue
		}
		if runID, err := b.dispatch(env); err != nil {
			b.reply(host, runID, err)
		}
	}
}

// attach makes host the current host and replays the live surfaces to it.
// host.id is guarded by b.mu.
func (b *SurfaceBridge) attach(host *hostConn, id string) {
	b.mu.Lock()
	prev := b.host
	host.id = id
	b.host = host
	open := make([]surfaceproto.OpenMessage, 0, len(b.surfaces))
	for id, s := range b.surfaces {
		open = append(open, surfaceproto.OpenMessage{RunID: id, URL: s.url})
	}
	foreground := b.foreground
	logger := b.logger
	b.mu.Unlock()

	if prev != nil && prev != host {
		prev.conn.Close()
	}
	logger.Info("surface host connected", "host_id", id, "surfaces", len(open))

	for _, msg := range open {
		if err := host.send(surfaceproto.TypeOpen, msg); err != nil {
			logger.Warn("replaying surface", "run_id", msg.RunID, "error", err)
			return
		}
	}
	if foreground != "" {
		host.send(surfaceproto.TypeForeground, surfaceproto.ForegroundMessage{RunID: foreground})
	}
}

func (b *SurfaceBridge) dispatch(env surfaceproto.EnvelopeRaw) (string, error) {
	orch := b.engine()

	switch env.Type {
	case surfaceproto.TypeNavigated:
		msg, err := surfaceproto.Decode[surfaceproto.NavigatedMessage](env)
		if err != nil {
			return "", err
		}
		if orch == nil {
			return msg.RunID, errors.New("engine not ready")
		}
		b.mu.Lock()
		if s, ok := b.surfaces[msg.RunID]; ok {
			s.url = msg.URL
		}
		b.mu.Unlock()
		orch.Navigated(msg.RunID, msg.URL)
		return msg.RunID, nil

	case surfaceproto.TypeRequest:
		msg, err := surfaceproto.Decode[surfaceproto.RequestMessage](env)
		if err != nil {
			return "", err
		}
		if b.capture != nil {
			b.capture.Observe(credentials.RequestEvent{URL: msg.URL, Headers: msg.Headers})
		}
		return msg.RunID, nil

	case surfaceproto.TypeSignedIn:
		msg, err := surfaceproto.Decode[surfaceproto.SignedInMessage](env)
		if err != nil {
			return "", err
		}
		if orch == nil {
			return msg.RunID, errors.New("engine not ready")
		}
		return msg.RunID, orch.SignedIn(msg.RunID)

	case surfaceproto.TypeDownloadComplete:
		msg, err := surfaceproto.Decode[surfaceproto.DownloadCompleteMessage](env)
		if err != nil {
			return "", err
		}
		if orch == nil {
			return msg.RunID, errors.New("engine not ready")
		}
		return msg.RunID, orch.CompleteDownload(msg.RunID, msg.Path)

	case surfaceproto.TypeError:
		msg, err := surfaceproto.Decode[surfaceproto.ErrorMessage](env)
		if err != nil {
			return "", err
		}
		b.log().Warn("surface host error", "run_id", msg.RunID, "message", msg.Message)
		return msg.RunID, nil

	default:
		return "", fmt.Errorf("unknown message type %q", env.Type)
	}
}

func (b *SurfaceBridge) reply(host *hostConn, runID string, err error) {
	b.log().Debug("rejecting surface message", "run_id", runID, "error", err)
	if sendErr := host.send(surfaceproto.TypeError, surfaceproto.ErrorMessage{RunID: runID, Message: err.Error()}); sendErr != nil {
		b.log().Warn("sending error to surface host", "error", sendErr)
	}
}

func (b *SurfaceBridge) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(b.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			b.mu.Lock()
			host := b.host
			b.mu.Unlock()
			if host != nil {
				host.writeMu.Lock()
				host.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
					time.Now().Add(time.Second))
				host.writeMu.Unlock()
				host.conn.Close()
			}
			return
		case <-ticker.C:
			b.mu.Lock()
			host := b.host
			var id string
			if host != nil {
				id = host.id
			}
			b.mu.Unlock()
			if host == nil {
				continue
			}
			host.writeMu.Lock()
			err := host.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second))
			host.writeMu.Unlock()
			if err != nil {
				b.log().Warn("ping failed, dropping surface host", "host_id", id, "error", err)
				host.conn.Close()
			}
		}
	}
}
