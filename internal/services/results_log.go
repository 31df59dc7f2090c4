package services

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"

	"glb-processor/internal/models"
)

// ResultsLog appends one JSON line per processed asset. Lines are flushed as
// soon as each asset finishes so an interrupted run keeps its progress.
type ResultsLog struct {
	mu   sync.Mutex
	path string
}

// NewResultsLog returns a log writing to path, creating parent directories.
func NewResultsLog(path string) (*ResultsLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(err, "create results directory")
	}
	return &ResultsLog{path: path}, nil
}

// Path is the file the log writes to.
func (l *ResultsLog) Path() string {
	return l.path
}

// Append writes r as a single line.
func (l *ResultsLog) Append(r models.ProcessingResult) error {
	line, err := json.Marshal(r)
	if err != nil {
		return errors.Wrap(err, "encode result")
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return errors.Wrap(err, "open results log")
	}
	if _, err := f.Write(line); err != nil {
		f.Close()
		return errors.Wrap(err, "write results log")
	}
	return errors.Wrap(f.Close(), "close results log")
}

// ReadResults loads every result from a log file.
func ReadResults(path string) ([]models.ProcessingResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open results log")
	}
	defer f.Close()

	var out []models.ProcessingResult
	dec := json.NewDecoder(f)
	for dec.More() {
		var r models.ProcessingResult
		if err := dec.Decode(&r); err != nil {
			return nil, errors.Wrap(err, "decode results log")
		}
		out = append(out, r)
	}
	return out, nil
}
