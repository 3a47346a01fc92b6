// Package export post-processes finished exports on disk: archive
// extraction, size accounting and markdown collection.
package export

import (
	"archive/zip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/CEREBRUS-MAXIMUS/surfer-orchestrator/internal/domain"
)

// FolderSize returns the total size in bytes of regular files under dir
func FolderSize(dir string) (int64, error) {
	var total int64
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	if err != nil {
		return 0, err
	}
	return total, nil
}

// ExtractZip extracts src into dst. Entries that would land outside dst are
// rejected. Cancelling ctx stops between entries and mid-copy.
func ExtractZip(ctx context.Context, src, dst string) error {
	r, err := zip.OpenReader(src)
	if err != nil {
		return fmt.Errorf("opening archive: %w", err)
	}
	defer r.Close()

	root, err := filepath.Abs(dst)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return err
	}

	for _, f := range r.File {
		if err := ctx.Err(); err != nil {
			return err
		}
		target := filepath.Join(root, filepath.FromSlash(f.Name))
		if target != root && !strings.HasPrefix(target, root+string(os.PathSeparator)) {
			return fmt.Errorf("archive entry %q escapes %s", f.Name, dst)
		}
		if f.FileInfo().IsDir() || strings.HasSuffix(f.Name, "/") {
			if err := os.MkdirAll(target, 0755); err != nil {
				return err
			}
			continue
		}
		if err := extractFile(ctx, f, target); err != nil {
			return fmt.Errorf("extracting %s: %w", f.Name, err)
		}
	}
	return nil
}

func extractFile(ctx context.Context, f *zip.File, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return err
	}
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, &ctxReader{ctx: ctx, r: rc}); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// ctxReader fails reads once ctx is done
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

// ExtractDownload extracts a downloaded archive into dst, unwraps one nested
// archive if the download contains one, and removes the archives afterwards
func ExtractDownload(ctx context.Context, archive, dst string) error {
	if err := ExtractZip(ctx, archive, dst); err != nil {
		return err
	}

	entries, err := os.ReadDir(dst)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(strings.ToLower(e.Name()), ".zip") {
			continue
		}
		inner := filepath.Join(dst, e.Name())
		if err := ExtractZip(ctx, inner, dst); err != nil {
			return err
		}
		if err := os.Remove(inner); err != nil {
			return err
		}
		break
	}
	return os.Remove(archive)
}

// CollectMarkdown gathers every .md file under dir into an export file of
// {title, text} records
func CollectMarkdown(dir string, key domain.ExportKey, runID string, now time.Time) (*domain.ExportFile, error) {
	file := domain.NewExportFile(key.Company, key.Name, runID)
	file.Timestamp = now.UnixMilli()

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".md") {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		file.Content = append(file.Content, domain.Record{
			"title": strings.TrimSuffix(d.Name(), ".md"),
			"text":  string(data),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return file, nil
}

// WriteFile persists an export file as indented JSON
func WriteFile(path string, file *domain.ExportFile) error {
	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// ProcessDownload turns a finished download into an export folder under
// dir and returns it. Zip archives are extracted into dir/extracted; when
// the archive holds markdown, a <platformID>-<ms>.json export file is written
// next to it. Other files are moved into dir/downloads.
func ProcessDownload(ctx context.Context, path, dir string, key domain.ExportKey, runID string, now time.Time) (string, error) {
	if !strings.HasSuffix(strings.ToLower(path), ".zip") {
		downloads := filepath.Join(dir, "downloads")
		if err := moveFile(ctx, path, filepath.Join(downloads, filepath.Base(path))); err != nil {
			return "", err
		}
		return downloads, nil
	}

	extracted := filepath.Join(dir, "extracted")
	if err := ExtractDownload(ctx, path, extracted); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	file, err := CollectMarkdown(extracted, key, runID, now)
	if err != nil {
		return "", err
	}
	if len(file.Content) > 0 {
		name := fmt.Sprintf("%s-%d.json", key.PlatformID, file.Timestamp)
		if err := WriteFile(filepath.Join(extracted, name), file); err != nil {
			return "", err
		}
	}
	return extracted, nil
}

// moveFile renames src to dst, copying when they sit on different volumes
func moveFile(ctx context.Context, src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	if err := os.Rename(src, dst); err == nil {
		return nil
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, &ctxReader{ctx: ctx, r: in}); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Remove(src)
}
