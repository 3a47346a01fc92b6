// Package supervisor locates the bundled interpreter and runs helper worker
// scripts for extraction tasks that cannot run inside a browsing context.
package supervisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/CEREBRUS-MAXIMUS/surfer-orchestrator/internal/domain"
)

// Config configures interpreter discovery and output capture
type Config struct {
	// AssetsDir holds languages/<OS>/python bundles shipped with the app
	AssetsDir string
	// Interpreter overrides discovery when set
	Interpreter string
	// StderrTail is how many trailing stderr lines a failure carries
	StderrTail int
}

// CommandFunc builds the command for one spawn
type CommandFunc func(ctx context.Context, name string, args ...string) *exec.Cmd

// Stream names which pipe a line came from
type Stream string

const (
	Stdout Stream = "stdout"
	Stderr Stream = "stderr"
)

// Line is one line of worker output
type Line struct {
	Stream Stream
	Text   string
}

// LineSink receives worker output as it arrives. It may be called from
// two goroutines concurrently.
type LineSink func(Line)

// Supervisor spawns and tracks worker processes
type Supervisor struct {
	cfg      Config
	command  CommandFunc
	lookPath func(string) (string, error)
	goos     string
	logger   *slog.Logger

	interpreter string
	procs       map[string]map[*exec.Cmd]context.CancelFunc
	mu          sync.Mutex
}

// New creates a Supervisor
func New(cfg Config) *Supervisor {
	if cfg.StderrTail <= 0 {
		cfg.StderrTail = 20
	}
	return &Supervisor{
		cfg:      cfg,
		command:  exec.CommandContext,
		lookPath: exec.LookPath,
		goos:     runtime.GOOS,
		logger:   slog.Default(),
		procs:    make(map[string]map[*exec.Cmd]context.CancelFunc),
	}
}

// SetCommand replaces the command builder
func (s *Supervisor) SetCommand(fn CommandFunc) {
	s.command = fn
}

// SetLogger sets the logger
func (s *Supervisor) SetLogger(logger *slog.Logger) {
	s.logger = logger
}

// CandidatePaths lists bundled interpreter locations to try for goos
func CandidatePaths(goos, assetsDir string) []string {
	if assetsDir == "" {
		return nil
	}
	langs := filepath.Join(assetsDir, "languages")
	switch goos {
	case "windows":
		return []string{filepath.Join(langs, "Windows", "python", "python.exe")}
	case "darwin":
		return []string{
			filepath.Join(langs, "Mac", "python", "bin", "python3.11"),
			filepath.Join(langs, "Mac", "python", "bin", "python3"),
		}
	default:
		return nil
	}
}

// FindInterpreter returns the interpreter binary, searching bundled
// locations first and then PATH. The result is cached.
func (s *Supervisor) FindInterpreter() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.interpreter != "" {
		return s.interpreter, nil
	}
	if s.cfg.Interpreter != "" {
		s.interpreter = s.cfg.Interpreter
		return s.interpreter, nil
	}

	for _, p := range CandidatePaths(s.goos, s.cfg.AssetsDir) {
		if info, err := os.Stat(p); err == nil && !info.IsDir() {
			s.interpreter = p
			return p, nil
		}
	}
	for _, name := range []string{"python3", "python"} {
		if p, err := s.lookPath(name); err == nil {
			s.interpreter = p
			return p, nil
		}
	}
	return "", domain.ErrInterpreterNotFound
}

// Kill cancels every live worker of runID and reports whether any existed
func (s *Supervisor) Kill(runID string) bool {
	s.mu.Lock()
	procs := s.procs[runID]
	delete(s.procs, runID)
	s.mu.Unlock()

	for _, cancel := range procs {
		cancel()
	}
	return len(procs) > 0
}

func (s *Supervisor) track(runID string, cmd *exec.Cmd, cancel context.CancelFunc) {
	if runID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.procs[runID] == nil {
		s.procs[runID] = make(map[*exec.Cmd]context.CancelFunc)
	}
	s.procs[runID][cmd] = cancel
}

func (s *Supervisor) untrack(runID string, cmd *exec.Cmd) {
	if runID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.procs[runID], cmd)
	if len(s.procs[runID]) == 0 {
		delete(s.procs, runID)
	}
}

// result is the captured output of one spawn
type result struct {
	stdout []string
	stderr []string
	err    error
}

func (r *result) combined() []string {
	out := make([]string, 0, len(r.stdout)+len(r.stderr))
	out = append(out, r.stdout...)
	return append(out, r.stderr...)
}

// spawn runs the interpreter with args, streaming lines to sink. A non-zero
// exit is reported in result.err as a *domain.SubprocessError.
func (s *Supervisor) spawn(ctx context.Context, runID string, args []string, sink LineSink) (*result, error) {
	interp, err := s.FindInterpreter()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	cmd := s.command(ctx, interp, args...)
	cmd.WaitDelay = 2 * time.Second

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", filepath.Base(interp), err)
	}
	s.track(runID, cmd, cancel)
	defer s.untrack(runID, cmd)

	s.logger.Debug("worker started", "run_id", runID, "pid", cmd.Process.Pid, "args", args)

	res := &result{}
	s.streamOutput(cmd, stdout, stderr, res, sink)
	return res, nil
}

func (s *Supervisor) streamOutput(cmd *exec.Cmd, stdout, stderr io.ReadCloser, res *result, sink LineSink) {
	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	wg.Add(2)

	readLines := func(r io.Reader, stream Stream, dst *[]string) {
		defer wg.Done()
		scanner := bufio.NewScanner(r)
		buf := make([]byte, 0, 64*1024)
		scanner.Buffer(buf, 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			mu.Lock()
			*dst = append(*dst, line)
			mu.Unlock()
			if sink != nil {
				sink(Line{Stream: stream, Text: line})
			}
		}
	}

	go readLines(stdout, Stdout, &res.stdout)
	go readLines(stderr, Stderr, &res.stderr)
	wg.Wait()

	err := cmd.Wait()
	if err == nil {
		return
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.err = &domain.SubprocessError{ExitCode: exitErr.ExitCode(), StderrTail: tail(res.stderr, s.cfg.StderrTail)}
		return
	}
	res.err = err
}

func tail(lines []string, n int) []string {
	if len(lines) <= n {
		return append([]string(nil), lines...)
	}
	return append([]string(nil), lines[len(lines)-n:]...)
}
