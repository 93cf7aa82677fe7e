package pipeline

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	pdfsDir      = "pdfs"
	zipsDir      = "zips"
	extractedDir = "extracted"
)

var unsafeNameChars = strings.NewReplacer(
	"<", "_", ">", "_", ":", "_", `"`, "_", "/", "_",
	`\`, "_", "|", "_", "?", "_", "*", "_",
)

// SanitizeFilename replaces characters that are invalid in file names.
func SanitizeFilename(name string) string {
	return strings.TrimSpace(unsafeNameChars.Replace(name))
}

// Staging lays out scratch space under one root. Every path is keyed by
// record ID so concurrent records never share a file.
type Staging struct {
	root string
}

func NewStaging(root string) *Staging {
	return &Staging{root: root}
}

func (s *Staging) Root() string { return s.root }

// EnsureDirs creates the top-level staging directories.
func (s *Staging) EnsureDirs() error {
	for _, dir := range []string{pdfsDir, zipsDir, extractedDir} {
		if err := os.MkdirAll(filepath.Join(s.root, dir), 0o755); err != nil {
			return fmt.Errorf("create staging dir %s: %w", dir, err)
		}
	}
	return nil
}

// PDFPath is where the downloaded source document lives.
func (s *Staging) PDFPath(recordID, name string) string {
	return filepath.Join(s.recordDir(pdfsDir, recordID), fileBase(name, recordID)+".pdf")
}

// ArchiveDir receives the converter output for a record.
func (s *Staging) ArchiveDir(recordID string) string {
	return s.recordDir(zipsDir, recordID)
}

// ExtractDir receives the unpacked archive members.
func (s *Staging) ExtractDir(recordID string) string {
	return s.recordDir(extractedDir, recordID)
}

// Cleanup removes every staged file of the given records.
func (s *Staging) Cleanup(recordIDs ...string) error {
	var errs []error
	for _, id := range recordIDs {
		for _, dir := range []string{pdfsDir, zipsDir, extractedDir} {
			if err := os.RemoveAll(s.recordDir(dir, id)); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func (s *Staging) recordDir(kind, recordID string) string {
	return filepath.Join(s.root, kind, fileBase(recordID, "record"))
}

// fileBase sanitizes name and falls back when nothing usable is left.
func fileBase(name, fallback string) string {
	base := SanitizeFilename(name)
	if base == "" || base == "." || base == ".." {
		base = SanitizeFilename(fallback)
	}
	return base
}
