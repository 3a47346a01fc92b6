package supervisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/CEREBRUS-MAXIMUS/surfer-orchestrator/internal/domain"
)

// RunWorker spawns script with args and streams every output line to sink as
// it arrives. It returns once the process exits; a non-zero exit yields a
// *domain.SubprocessError carrying the stderr tail.
func (s *Supervisor) RunWorker(ctx context.Context, runID, script string, args []string, sink LineSink) error {
	res, err := s.spawn(ctx, runID, append([]string{script}, args...), sink)
	if err != nil {
		return err
	}
	if res.err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %v", domain.ErrCancelled, ctx.Err())
		}
		return res.err
	}
	return nil
}

// RunModule runs the interpreter in module mode and returns stdout.
// Arguments are passed to the process verbatim, without a shell.
func (s *Supervisor) RunModule(ctx context.Context, runID, module string, args []string) (string, error) {
	res, err := s.spawn(ctx, runID, append([]string{"-m", module}, args...), nil)
	if err != nil {
		return "", err
	}
	if res.err != nil {
		if ctx.Err() != nil {
			return "", fmt.Errorf("%w: %v", domain.ErrCancelled, ctx.Err())
		}
		return "", res.err
	}
	return strings.Join(res.stdout, "\n"), nil
}

// SecretPlaceholder marks where the user's secret goes in interactive args.
// Without it the secret is appended as the last argument.
const SecretPlaceholder = "{{secret}}"

// Sentinels are the output markers the interactive loop reacts to
type Sentinels struct {
	Success       string
	InvalidSecret string
}

// DefaultSentinels matches the encrypted backup decryption worker
func DefaultSentinels() Sentinels {
	return Sentinels{
		Success:       "Backup decrypted successfully",
		InvalidSecret: "INVALID_PASSWORD",
	}
}

// SecretPrompt asks the user for a secret. attempt starts at 0; lastErr is
// domain.ErrInvalidSecret after a rejected attempt. Returning
// domain.ErrCancelled aborts the loop.
type SecretPrompt func(ctx context.Context, attempt int, lastErr error) (string, error)

// RunInteractive runs the credential loop: prompt, spawn a fresh process,
// re-prompt on the invalid-secret sentinel, return the output on the success
// sentinel. Any other output is a hard error.
func (s *Supervisor) RunInteractive(ctx context.Context, runID, script string, args []string, prompt SecretPrompt, sentinels Sentinels) (string, error) {
	if sentinels.Success == "" || sentinels.InvalidSecret == "" {
		sentinels = DefaultSentinels()
	}

	var lastErr error
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", fmt.Errorf("%w: %v", domain.ErrCancelled, err)
		}

		secret, err := prompt(ctx, attempt, lastErr)
		if err != nil {
			if errors.Is(err, domain.ErrCancelled) || errors.Is(err, context.Canceled) {
				return "", fmt.Errorf("%w: secret input cancelled", domain.ErrCancelled)
			}
			return "", err
		}

		res, err := s.spawn(ctx, runID, append([]string{script}, withSecret(args, secret)...), nil)
		if err != nil {
			return "", err
		}

		output := strings.Join(res.combined(), "\n")
		switch {
		case strings.Contains(output, sentinels.Success):
			return output, nil
		case strings.Contains(output, sentinels.InvalidSecret):
			s.logger.Info("secret rejected, prompting again", "run_id", runID, "attempt", attempt+1)
			lastErr = domain.ErrInvalidSecret
			continue
		case res.err != nil:
			return "", res.err
		default:
			return "", fmt.Errorf("unexpected worker output: %s", lastLines(res.combined(), 5))
		}
	}
}

func withSecret(args []string, secret string) []string {
	out := make([]string, 0, len(args)+1)
	replaced := false
	for _, a := range args {
		if a == SecretPlaceholder {
			out = append(out, secret)
			replaced = true
			continue
		}
		out = append(out, a)
	}
	if !replaced {
		out = append(out, secret)
	}
	return out
}

func lastLines(lines []string, n int) string {
	return strings.Join(tail(lines, n), "\n")
}

// InstallReport summarizes a requirements install
type InstallReport struct {
	Installed []string
	Skipped   []string
	Failed    []string
}

// InstallRequirements installs every package listed in a requirements file,
// skipping ones already satisfied. A failed package is logged and recorded
// but later packages are still attempted; the returned error is then a
// *domain.InstallError.
func (s *Supervisor) InstallRequirements(ctx context.Context, path string) (InstallReport, error) {
	var report InstallReport

	reqs, err := readRequirements(path)
	if err != nil {
		return report, err
	}

	failed := make(map[string]error)
	for _, req := range reqs {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		name := packageName(req)

		res, err := s.spawn(ctx, "", []string{"-m", "pip", "show", name}, nil)
		if err != nil {
			return report, err
		}
		if res.err == nil {
			s.logger.Debug("requirement already satisfied", "package", name)
			report.Skipped = append(report.Skipped, name)
			continue
		}

		s.logger.Info("installing requirement", "package", req)
		res, err = s.spawn(ctx, "", []string{"-m", "pip", "install", req}, nil)
		if err == nil {
			err = res.err
		}
		if err != nil {
			s.logger.Error("requirement install failed", "package", name, "error", err)
			report.Failed = append(report.Failed, name)
			failed[name] = err
			continue
		}
		report.Installed = append(report.Installed, name)
	}

	if len(failed) > 0 {
		return report, &domain.InstallError{Failed: failed}
	}
	return report, nil
}

func readRequirements(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening requirements: %w", err)
	}
	defer f.Close()

	var reqs []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if i := strings.Index(line, "#"); i >= 0 {
			line = strings.TrimSpace(line[:i])
		}
		if line == "" || strings.HasPrefix(line, "-") {
			continue
		}
		reqs = append(reqs, line)
	}
	return reqs, scanner.Err()
}

// packageName strips version specifiers, extras and markers from a requirement
func packageName(req string) string {
	if i := strings.IndexAny(req, "=<>!~[;@ "); i >= 0 {
		return strings.TrimSpace(req[:i])
	}
	return req
}
