package pipeline

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const defaultMaxMemberBytes = 256 << 20

var errNoMarkdown = errors.New("no .md file found in archive")

// extractMarkdown unpacks every member of archivePath into dir and returns
// the content of the first .md member in path order.
func extractMarkdown(archivePath, dir string, maxBytes int64) (string, error) {
	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return "", fmt.Errorf("open archive: %w", err)
	}
	defer zr.Close()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	root, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}

	var markdown []string
	for _, f := range zr.File {
		target := filepath.Join(root, filepath.FromSlash(f.Name))
		if target != root && !strings.HasPrefix(target, root+string(os.PathSeparator)) {
			return "", fmt.Errorf("archive member escapes extraction dir: %s", f.Name)
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return "", err
			}
			continue
		}
		if err := writeMember(f, target, maxBytes); err != nil {
			return "", err
		}
		if strings.EqualFold(filepath.Ext(f.Name), ".md") {
			markdown = append(markdown, target)
		}
	}

	if len(markdown) == 0 {
		return "", errNoMarkdown
	}
	sort.Strings(markdown)

	data, err := os.ReadFile(markdown[0])
	if err != nil {
		return "", err
	}
	text := string(data)
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("markdown member %s is empty", filepath.Base(markdown[0]))
	}
	return text, nil
}

func writeMember(f *zip.File, target string, maxBytes int64) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("open member %s: %w", f.Name, err)
	}
	defer rc.Close()

	out, err := os.Create(target)
	if err != nil {
		return err
	}
	n, err := io.Copy(out, io.LimitReader(rc, maxBytes+1))
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("extract member %s: %w", f.Name, err)
	}
	if n > maxBytes {
		return fmt.Errorf("member %s exceeds %d bytes", f.Name, maxBytes)
	}
	return nil
}
