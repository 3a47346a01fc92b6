package notify

import (
	"context"
	"os/exec"
	"runtime"
	"strings"
)

// DesktopNotifier shows notifications through osascript on macOS and
// notify-send on Linux. Other systems are skipped.
type DesktopNotifier struct {
	enabled bool
	goos    string
	command func(ctx context.Context, name string, args ...string) *exec.Cmd
}

func NewDesktopNotifier(enabled bool) *DesktopNotifier {
	return &DesktopNotifier{enabled: enabled, goos: runtime.GOOS, command: exec.CommandContext}
}

func (d *DesktopNotifier) Send(ctx context.Context, n Notification) error {
	if !d.enabled {
		return nil
	}
	name, args := d.invocation(n)
	if name == "" {
		return nil
	}
	return d.command(ctx, name, args...).Run()
}

func (d *DesktopNotifier) invocation(n Notification) (string, []string) {
	switch d.goos {
	case "darwin":
		return "osascript", []string{"-e", appleScript(n)}
	case "linux":
		args := []string{"--app-name", "Surfer", "--icon", linuxIcon(n.Severity)}
		if n.Severity == SeverityError {
			args = append(args, "--urgency", "critical")
		}
		return "notify-send", append(args, n.Title, n.Message)
	}
	return "", nil
}

func appleScript(n Notification) string {
	script := `display notification ` + quoteAppleScript(n.Message) + ` with title ` + quoteAppleScript(n.Title)
	if n.Platform != "" {
		script += ` subtitle ` + quoteAppleScript(n.Platform)
	}
	return script
}

var appleScriptEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`)

func quoteAppleScript(s string) string {
	return `"` + appleScriptEscaper.Replace(s) + `"`
}

func linuxIcon(s Severity) string {
	switch s {
	case SeveritySuccess:
		return "dialog-positive"
	case SeverityWarning:
		return "dialog-warning"
	case SeverityError:
		return "dialog-error"
	default:
		return "dialog-information"
	}
}
