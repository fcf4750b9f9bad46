package workflow

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/meridianhq/meridian/internal/logger"
)

// RunSnapshot is the persisted state of one research run. During streaming
// it is rewritten repeatedly (throttled); after completion it is the durable
// record a reconnecting client recovers from.
type RunSnapshot struct {
	WorkflowID     string    `json:"workflow_id"`
	ConversationID string    `json:"conversation_id"`
	Phase          string    `json:"phase"`
	Content        string    `json:"content"`
	Completed      bool      `json:"completed"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// RunStore persists run snapshots as one JSON file per workflow.
type RunStore struct {
	logger *logger.Logger
	dir    string
	mu     sync.RWMutex
}

// NewRunStore creates the store, creating dir if needed.
func NewRunStore(dir string, log *logger.Logger) (*RunStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create run store directory: %w", err)
	}
	return &RunStore{
		logger: log.WithComponent("run-store"),
		dir:    dir,
	}, nil
}

func (s *RunStore) path(workflowID string) string {
	return filepath.Join(s.dir, fmt.Sprintf("run_%s.json", workflowID))
}

// Save writes a snapshot, overwriting any previous state for the run.
func (s *RunStore) Save(snap RunSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal run snapshot: %w", err)
	}
	if err := os.WriteFile(s.path(snap.WorkflowID), data, 0644); err != nil {
		return fmt.Errorf("failed to write run snapshot: %w", err)
	}
	return nil
}

// Load reads a run's snapshot. A missing run returns os.ErrNotExist.
func (s *RunStore) Load(workflowID string) (*RunSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(s.path(workflowID))
	if err != nil {
		return nil, err
	}
	var snap RunSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to unmarshal run snapshot: %w", err)
	}
	return &snap, nil
}

// CleanupOld removes snapshots not updated within maxAge.
func (s *RunStore) CleanupOld(maxAge time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("failed to read run store directory: %w", err)
	}

	cutoff := time.Now().Add(-maxAge)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(filepath.Join(s.dir, entry.Name())); err != nil {
				s.logger.Warn("Failed to remove stale run snapshot", "file", entry.Name(), "error", err)
			}
		}
	}
	return nil
}
