//go:build integration

package integration

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

// binaryPath returns the path to the built CLI binary, building it when missing
func binaryPath(t *testing.T) string {
	t.Helper()
	paths := []string{
		"../surfer-orch",
		filepath.Join(os.Getenv("GOPATH"), "bin", "surfer-orch"),
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			abs, _ := filepath.Abs(p)
			return abs
		}
	}

	t.Log("Binary not found, building...")
	cmd := exec.Command("go", "build", "-o", "../surfer-orch", "../cmd/surfer-orch")
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("Failed to build binary: %v\n%s", err, out)
	}
	abs, _ := filepath.Abs("../surfer-orch")
	return abs
}

// testEnv is an isolated data directory with its own config file
type testEnv struct {
	root       string
	configPath string
	dbPath     string
}

// general is appended to the [general] table
func newTestEnv(t *testing.T, general string) *testEnv {
	t.Helper()
	root := t.TempDir()
	env := &testEnv{
		root:       root,
		configPath: filepath.Join(root, "config.toml"),
		dbPath:     filepath.Join(root, "runs.db"),
	}

	config := `[general]
data_dir = "` + filepath.Join(root, "exported_data") + `"
assets_dir = "` + filepath.Join(root, "assets") + `"
database_path = "` + env.dbPath + `"
` + general + `

[orchestrator]
debounce = "10ms"
min_spacing = "10ms"
credential_timeout = "200ms"

[notifications]
desktop = false

[logging]
level = "error"
`

	if err := os.WriteFile(env.configPath, []byte(config), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	return env
}

// run executes the binary against the env's config and returns combined output
func (e *testEnv) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	args = append([]string{"--config", e.configPath}, args...)
	cmd := exec.Command(binaryPath(t), args...)
	cmd.Env = append(os.Environ(), "SURFER_DATA_DIR=", "SURFER_LOG_LEVEL=")
	out, err := cmd.CombinedOutput()
	return string(out), err
}

func assertContains(t *testing.T, output, want string) {
	t.Helper()
	if !strings.Contains(output, want) {
		t.Errorf("Expected output to contain %q, got:\n%s", want, output)
	}
}
