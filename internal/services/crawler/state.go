package crawler

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// StateFileName is the resume file kept at the crawl output root
const StateFileName = ".crawl-state.json"

// CrawlState is the on-disk resume format: URLs that finished in a
// previous attempt
type CrawlState struct {
	Succeeded []string `json:"succeeded"`
	Failed    []string `json:"failed"`
}

// LoadState reads the resume file from an output dir. Returns nil with no
// error when the file does not exist; a parse failure is an error so the
// caller can log the invalid-format decision.
func LoadState(outputDir string) (*CrawlState, error) {
	data, err := os.ReadFile(filepath.Join(outputDir, StateFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read state file: %w", err)
	}

	var state CrawlState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("state file has invalid format: %w", err)
	}
	if state.Succeeded == nil && state.Failed == nil {
		return nil, fmt.Errorf("state file has invalid format: missing succeeded/failed arrays")
	}
	return &state, nil
}

// StateWriter appends page outcomes and persists the state file after
// every change. Writes are atomic (temp file + rename) so a crash never
// leaves a truncated file.
type StateWriter struct {
	mu        sync.Mutex
	outputDir string
	state     CrawlState
}

// NewStateWriter starts from a prior state when resuming, or empty
func NewStateWriter(outputDir string, prior *CrawlState) *StateWriter {
	w := &StateWriter{outputDir: outputDir}
	if prior != nil {
		w.state.Succeeded = append(w.state.Succeeded, prior.Succeeded...)
		w.state.Failed = append(w.state.Failed, prior.Failed...)
	}
	return w
}

func (w *StateWriter) AddSucceeded(url string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.state.Succeeded = append(w.state.Succeeded, url)
	return w.persist()
}

func (w *StateWriter) AddFailed(url string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.state.Failed = append(w.state.Failed, url)
	return w.persist()
}

func (w *StateWriter) persist() error {
	data, err := json.Marshal(w.state)
	if err != nil {
		return err
	}

	target := filepath.Join(w.outputDir, StateFileName)
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write state file: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to finalize state file: %w", err)
	}
	return nil
}
