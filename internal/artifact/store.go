// Package artifact keeps uploaded originals and produced outputs on the
// local filesystem. References handed out are absolute file paths.
package artifact

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/cuongbtq/imagepipe/internal/domain"
)

// ErrOutsideStore is returned for references that do not belong to the store
var ErrOutsideStore = errors.New("artifact reference outside store")

// Store handles image files on the local filesystem
type Store struct {
	uploadDir string
	outputDir string
}

// NewStore creates the directories and returns a Store rooted at them
func NewStore(uploadDir, outputDir string) (*Store, error) {
	var err error
	if uploadDir, err = filepath.Abs(uploadDir); err != nil {
		return nil, fmt.Errorf("failed to resolve upload dir: %w", err)
	}
	if outputDir, err = filepath.Abs(outputDir); err != nil {
		return nil, fmt.Errorf("failed to resolve output dir: %w", err)
	}

	for _, dir := range []string{uploadDir, outputDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	return &Store{uploadDir: uploadDir, outputDir: outputDir}, nil
}

// SaveOriginal writes the uploaded bytes for jobID and returns the reference
func (s *Store) SaveOriginal(jobID, ext string, data []byte) (string, error) {
	ref := filepath.Join(s.uploadDir, jobID+"."+ext)

	tmp, err := os.CreateTemp(s.uploadDir, ".upload-*")
	if err != nil {
		return "", fmt.Errorf("failed to create upload file: %w", err)
	}
	defer os.Remove(tmp.Name())

	_, err = tmp.Write(data)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return "", fmt.Errorf("failed to write upload: %w", err)
	}

	if err := os.Rename(tmp.Name(), ref); err != nil {
		return "", fmt.Errorf("failed to store upload: %w", err)
	}
	return ref, nil
}

// ReserveOutput returns where the result for jobID will be written
func (s *Store) ReserveOutput(jobID, format string) string {
	return filepath.Join(s.outputDir, jobID+"_processed."+Extension(format))
}

// Extension maps an output format to its file extension
func Extension(format string) string {
	if format == domain.FormatJPEG {
		return "jpg"
	}
	return format
}

// Stat returns the size of a stored artifact
func (s *Store) Stat(ref string) (int64, error) {
	if err := s.contains(ref); err != nil {
		return 0, err
	}

	info, err := os.Stat(ref)
	if err != nil {
		return 0, err
	}
	if info.IsDir() {
		return 0, fmt.Errorf("artifact %s is a directory", ref)
	}
	return info.Size(), nil
}

// Open opens a stored artifact for reading
func (s *Store) Open(ref string) (*os.File, error) {
	if err := s.contains(ref); err != nil {
		return nil, err
	}
	return os.Open(ref)
}

// Remove deletes a stored artifact; a missing file is not an error
func (s *Store) Remove(ref string) error {
	if err := s.contains(ref); err != nil {
		return err
	}
	if err := os.Remove(ref); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (s *Store) contains(ref string) error {
	clean := filepath.Clean(ref)
	for _, dir := range []string{s.uploadDir, s.outputDir} {
		if strings.HasPrefix(clean, dir+string(filepath.Separator)) {
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrOutsideStore, ref)
}
