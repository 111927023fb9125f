package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"

	"storf/internal/apperrors"
)

// Log files kept next to each job's input.
const (
	StdoutLog = "stdout.log"
	StderrLog = "stderr.log"
	ErrorLog  = "error.log"

	outputDir = "output"
)

var logNames = map[string]bool{StdoutLog: true, StderrLog: true, ErrorLog: true}

// Storage manages the per-job working area:
//
//	<base>/<job id>/input.<ext>
//	<base>/<job id>/output/
//	<base>/<job id>/stdout.log, stderr.log, error.log
type Storage struct {
	basePath string
}

// NewStorage creates a new storage instance
func NewStorage(basePath string) (*Storage, error) {
	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve storage directory: %w", err)
	}
	if err := os.MkdirAll(abs, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}
	return &Storage{basePath: abs}, nil
}

func (s *Storage) BasePath() string {
	return s.basePath
}

// JobDir returns the working directory of a job. Only well-formed job ids
// are accepted so a path can never escape the base directory.
func (s *Storage) JobDir(jobID string) (string, error) {
	if _, err := uuid.Parse(jobID); err != nil {
		return "", apperrors.NotFound("job %s", jobID)
	}
	return filepath.Join(s.basePath, jobID), nil
}

func (s *Storage) OutputDir(jobID string) (string, error) {
	dir, err := s.JobDir(jobID)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, outputDir), nil
}

// InputName is the name the input is stored under: "input" plus the
// lower-cased extension of the uploaded filename.
func InputName(filename string) string {
	return "input" + strings.ToLower(filepath.Ext(filename))
}

// SaveInput streams an upload into the job directory and returns its path,
// sha256 and size. Uploads larger than maxBytes are rejected and nothing is
// left behind.
func (s *Storage) SaveInput(jobID, filename string, r io.Reader, maxBytes int64) (path, hash string, size int64, err error) {
	dir, err := s.JobDir(jobID)
	if err != nil {
		return "", "", 0, err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", "", 0, apperrors.Storage("create job directory", err)
	}

	path = filepath.Join(dir, InputName(filename))
	file, err := os.Create(path)
	if err != nil {
		return "", "", 0, apperrors.Storage("create input", err)
	}
	defer file.Close()

	hasher := sha256.New()
	multiWriter := io.MultiWriter(file, hasher)

	src := r
	if maxBytes > 0 {
		src = io.LimitReader(r, maxBytes+1)
	}
	size, err = io.Copy(multiWriter, src)
	if err != nil {
		os.RemoveAll(dir)
		return "", "", 0, apperrors.Storage("write input", err)
	}
	if maxBytes > 0 && size > maxBytes {
		os.RemoveAll(dir)
		verr := &apperrors.ValidationError{}
		verr.Addf("file exceeds the %d byte upload limit", maxBytes)
		return "", "", 0, verr
	}

	hash = hex.EncodeToString(hasher.Sum(nil))
	return path, hash, size, nil
}

// Materialize writes embedded input bytes into the job directory so the
// analysis can read them from disk.
func (s *Storage) Materialize(jobID, filename string, content []byte) (string, error) {
	dir, err := s.JobDir(jobID)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", apperrors.Storage("create job directory", err)
	}
	path := filepath.Join(dir, InputName(filename))
	if err := os.WriteFile(path, content, 0644); err != nil {
		return "", apperrors.Storage("materialize input", err)
	}
	return path, nil
}

// ResetOutputDir empties the output directory so a retried attempt starts
// from nothing, and removes the previous attempt's error log.
func (s *Storage) ResetOutputDir(jobID string) (string, error) {
	out, err := s.OutputDir(jobID)
	if err != nil {
		return "", err
	}
	if err := os.RemoveAll(out); err != nil {
		return "", apperrors.Storage("clear output directory", err)
	}
	if err := os.MkdirAll(out, 0777); err != nil {
		return "", apperrors.Storage("create output directory", err)
	}
	// The analysis container may run as another user.
	_ = os.Chmod(out, 0777)
	_ = os.Remove(filepath.Join(filepath.Dir(out), ErrorLog))
	return out, nil
}

func (s *Storage) logPath(jobID, name string) (string, error) {
	if !logNames[name] {
		return "", fmt.Errorf("unknown log %q", name)
	}
	dir, err := s.JobDir(jobID)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, name), nil
}

func (s *Storage) WriteLog(jobID, name string, data []byte) error {
	path, err := s.logPath(jobID, name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return apperrors.Storage("create job directory", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return apperrors.Storage("write "+name, err)
	}
	return nil
}

func (s *Storage) ReadLog(jobID, name string) ([]byte, error) {
	path, err := s.logPath(jobID, name)
	if err != nil {
		return nil, err
	}
	return readFile(path, "read "+name)
}

// ListOutputs returns the regular files in the output directory, sorted by
// name.
func (s *Storage) ListOutputs(jobID string) ([]string, error) {
	out, err := s.OutputDir(jobID)
	if err != nil {
		return nil, err
	}
	return ListFiles(out)
}

// ReadOutput reads one file from the output directory.
func (s *Storage) ReadOutput(jobID, name string) ([]byte, error) {
	out, err := s.OutputDir(jobID)
	if err != nil {
		return nil, err
	}
	if name != filepath.Base(name) || name == "." || name == ".." {
		return nil, apperrors.NotFound("output %s", name)
	}
	return readFile(filepath.Join(out, name), "read output")
}

// RemoveJob deletes everything stored for a job. Missing directories are
// not an error.
func (s *Storage) RemoveJob(jobID string) error {
	dir, err := s.JobDir(jobID)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return apperrors.Storage("remove job directory", err)
	}
	return nil
}

// ListFiles returns the names of regular files in dir, sorted.
func ListFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.Storage("list directory", err)
	}
	var names []string
	for _, e := range entries {
		if e.Type().IsRegular() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func readFile(path, op string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, apperrors.NotFound("%s", filepath.Base(path))
	}
	if err != nil {
		return nil, apperrors.Storage(op, err)
	}
	return data, nil
}
