package checkpoints

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/tsawler/go-trainer/optimizer"
	"github.com/tsawler/go-trainer/tensor"
)

const checkpointDirPrefix = "ckpt-"

// ManagerConfig configures checkpoint retention and format.
type ManagerConfig struct {
	// Dir is the directory checkpoints are stored under. Each save
	// creates a numbered subdirectory inside it.
	Dir string

	// MaxToKeep bounds how many checkpoints are retained. When a save
	// would exceed the bound the oldest checkpoint is deleted. Zero or
	// negative keeps everything.
	MaxToKeep int

	Format CheckpointFormat
}

// DefaultManagerConfig returns a config keeping the last 5 JSON
// checkpoints under ./checkpoint.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		Dir:       "./checkpoint",
		MaxToKeep: 5,
		Format:    FormatJSON,
	}
}

// Manager is a versioned checkpoint store. Saves are numbered
// monotonically; restores pick any saved version, usually the latest.
// Existing checkpoints in the directory are picked up on creation so a
// restarted process continues the numbering and retention of its
// predecessor.
type Manager struct {
	config ManagerConfig
	saver  *CheckpointSaver
	saved  []string
	next   int
}

// NewManager creates a checkpoint manager over config.Dir, creating the
// directory if needed and adopting any checkpoints already in it.
func NewManager(config ManagerConfig) (*Manager, error) {
	if config.Dir == "" {
		return nil, fmt.Errorf("checkpoint directory is required")
	}
	if err := os.MkdirAll(config.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint directory: %v", err)
	}

	m := &Manager{
		config: config,
		saver:  NewCheckpointSaver(config.Format),
	}
	if err := m.scanExisting(); err != nil {
		return nil, err
	}
	return m, nil
}

// scanExisting adopts numbered checkpoint directories left by a
// previous process, oldest first.
func (m *Manager) scanExisting() error {
	entries, err := os.ReadDir(m.config.Dir)
	if err != nil {
		return fmt.Errorf("failed to read checkpoint directory: %v", err)
	}

	numbers := make([]int, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), checkpointDirPrefix) {
			continue
		}
		n, err := strconv.Atoi(strings.TrimPrefix(entry.Name(), checkpointDirPrefix))
		if err != nil {
			continue
		}
		numbers = append(numbers, n)
	}
	sort.Ints(numbers)

	for _, n := range numbers {
		m.saved = append(m.saved, filepath.Join(m.config.Dir, fmt.Sprintf("%s%d", checkpointDirPrefix, n)))
		m.next = n + 1
	}
	return nil
}

// Save writes checkpoint as the next numbered version and enforces the
// retention bound, evicting the oldest version first. It returns the
// directory the checkpoint was written to.
func (m *Manager) Save(checkpoint *Checkpoint) (string, error) {
	dir := filepath.Join(m.config.Dir, fmt.Sprintf("%s%d", checkpointDirPrefix, m.next))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create checkpoint directory: %v", err)
	}

	if err := m.saver.SaveCheckpoint(checkpoint, filepath.Join(dir, m.fileName())); err != nil {
		return "", err
	}

	m.saved = append(m.saved, dir)
	m.next++

	if m.config.MaxToKeep > 0 {
		for len(m.saved) > m.config.MaxToKeep {
			oldest := m.saved[0]
			m.saved = m.saved[1:]
			if err := os.RemoveAll(oldest); err != nil {
				fmt.Printf("Warning: failed to remove old checkpoint %s: %v\n", oldest, err)
			}
		}
	}

	return dir, nil
}

// Latest returns the newest checkpoint directory, or "" when nothing
// has been saved.
func (m *Manager) Latest() string {
	if len(m.saved) == 0 {
		return ""
	}
	return m.saved[len(m.saved)-1]
}

// Saved returns the retained checkpoint directories, oldest first.
func (m *Manager) Saved() []string {
	out := make([]string, len(m.saved))
	copy(out, m.saved)
	return out
}

// Load reads the checkpoint stored under dir.
func (m *Manager) Load(dir string) (*Checkpoint, error) {
	return m.saver.LoadCheckpoint(filepath.Join(dir, m.fileName()))
}

// Restore loads the checkpoint under dir and applies it: weights are
// copied into matching variables and the optimizer state is restored.
// The restore is best effort; unmatched weights and missing optimizer
// state are skipped rather than rejected. It returns the training state
// recorded at save time.
func (m *Manager) Restore(dir string, vars []*tensor.Variable, opt optimizer.Optimizer) (*TrainingState, error) {
	checkpoint, err := m.Load(dir)
	if err != nil {
		return nil, err
	}

	if err := LoadWeights(checkpoint.Weights, vars); err != nil {
		return nil, fmt.Errorf("failed to restore weights: %v", err)
	}
	if opt != nil && checkpoint.OptimizerState != nil {
		if err := opt.LoadState(checkpoint.OptimizerState); err != nil {
			return nil, fmt.Errorf("failed to restore optimizer state: %v", err)
		}
	}

	state := checkpoint.TrainingState
	return &state, nil
}

func (m *Manager) fileName() string {
	if m.config.Format == FormatBinary {
		return "checkpoint.bin"
	}
	return "checkpoint.json"
}
