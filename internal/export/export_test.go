package export

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/CEREBRUS-MAXIMUS/surfer-orchestrator/internal/domain"
)

func writeZip(t *testing.T, path string, files map[string][]byte) {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, data := range files {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := w.Write(data); err != nil {
			t.Fatal(err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		t.Fatal(err)
	}
}

func zipBytes(t *testing.T, files map[string][]byte) []byte {
	t.Helper()
	path := filepath.Join(t.TempDir(), "inner.zip")
	writeZip(t, path, files)
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func TestFolderSize(t *testing.T) {
	dir := t.TempDir()
	os.MkdirAll(filepath.Join(dir, "a", "b"), 0755)
	os.WriteFile(filepath.Join(dir, "one.json"), make([]byte, 100), 0644)
	os.WriteFile(filepath.Join(dir, "a", "b", "two.bin"), make([]byte, 23), 0644)

	size, err := FolderSize(dir)
	if err != nil {
		t.Fatalf("FolderSize: %v", err)
	}
	if size != 123 {
		t.Errorf("size = %d, want 123", size)
	}

	if _, err := FolderSize(filepath.Join(dir, "missing")); err == nil {
		t.Error("expected error for missing folder")
	}
}

func TestExtractZip_RejectsEscapingEntries(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "evil.zip")
	writeZip(t, archive, map[string][]byte{"../../escape.txt": []byte("x")})

	if err := ExtractZip(context.Background(), archive, filepath.Join(dir, "out")); err == nil {
		t.Fatal("expected zip-slip entry to be rejected")
	}
	if _, err := os.Stat(filepath.Join(dir, "..", "escape.txt")); err == nil {
		t.Error("escaping entry was written")
	}
}

func TestExtractDownload_UnwrapsNestedArchive(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "Export-123.zip")
	writeZip(t, archive, map[string][]byte{
		"Export-123-Part-1.zip": zipBytes(t, map[string][]byte{"Workspace/Page.md": []byte("# Page")}),
	})

	out := filepath.Join(dir, "extracted")
	if err := ExtractDownload(context.Background(), archive, out); err != nil {
		t.Fatalf("ExtractDownload: %v", err)
	}

	if _, err := os.Stat(filepath.Join(out, "Workspace", "Page.md")); err != nil {
		t.Errorf("inner file missing: %v", err)
	}
	if _, err := os.Stat(filepath.Join(out, "Export-123-Part-1.zip")); !os.IsNotExist(err) {
		t.Error("inner archive should be removed")
	}
	if _, err := os.Stat(archive); !os.IsNotExist(err) {
		t.Error("downloaded archive should be removed")
	}
}

func TestProcessDownload_CollectsMarkdown(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "export.zip")
	writeZip(t, archive, map[string][]byte{
		"Notes/Ideas.md":  []byte("ship it"),
		"Notes/image.png": {0x89, 0x50},
	})

	key := domain.ExportKey{Company: "Notion", Name: "Notion", PlatformID: "notion-001"}
	now := time.UnixMilli(1700000000000)
	out, err := ProcessDownload(context.Background(), archive, dir, key, "run-1", now)
	if err != nil {
		t.Fatalf("ProcessDownload: %v", err)
	}
	if out != filepath.Join(dir, "extracted") {
		t.Errorf("out = %s", out)
	}

	data, err := os.ReadFile(filepath.Join(out, "notion-001-1700000000000.json"))
	if err != nil {
		t.Fatalf("export file missing: %v", err)
	}
	var file domain.ExportFile
	if err := json.Unmarshal(data, &file); err != nil {
		t.Fatal(err)
	}
	if file.Company != "Notion" || file.RunID != "run-1" || file.Timestamp != 1700000000000 {
		t.Errorf("header = %+v", file)
	}
	if len(file.Content) != 1 || file.Content[0]["title"] != "Ideas" || file.Content[0]["text"] != "ship it" {
		t.Errorf("content = %v", file.Content)
	}
}

func TestProcessDownload_PlainFileMovedIntoExportFolder(t *testing.T) {
	dir := t.TempDir()
	downloads := filepath.Join(t.TempDir(), "Downloads")
	path := filepath.Join(downloads, "mail.mbox")
	os.MkdirAll(downloads, 0755)
	os.WriteFile(path, []byte("From "), 0644)
	os.WriteFile(filepath.Join(downloads, "unrelated.iso"), make([]byte, 4096), 0644)

	out, err := ProcessDownload(context.Background(), path, dir, domain.ExportKey{}, "run-1", time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if out != filepath.Join(dir, "downloads") {
		t.Errorf("out = %s, want %s", out, filepath.Join(dir, "downloads"))
	}
	if _, err := os.Stat(filepath.Join(out, "mail.mbox")); err != nil {
		t.Errorf("download not moved: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("original download should be gone")
	}
	size, err := FolderSize(out)
	if err != nil {
		t.Fatal(err)
	}
	if size != 5 {
		t.Errorf("export size = %d, want only the downloaded file", size)
	}
}

func TestProcessDownload_Cancelled(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "export.zip")
	writeZip(t, archive, map[string][]byte{"Notes/Ideas.md": []byte("ship it")})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := ProcessDownload(ctx, archive, dir, domain.ExportKey{PlatformID: "notion-001"}, "run-1", time.Now())
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "extracted", "Notes", "Ideas.md")); err == nil {
		t.Error("cancelled extraction wrote files")
	}
}
