package pipeline

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrNoState is returned when the control directory has no state document.
var ErrNoState = errors.New("no pipeline state found")

// ErrLocked is returned when the state lock could not be acquired in time.
var ErrLocked = errors.New("state document is locked by another writer")

// DefaultLockTimeout bounds how long a writer waits for the state lock.
const DefaultLockTimeout = 10 * time.Second

// Defaults seeds a new state document.
type Defaults struct {
	MaxCriticFixer        int
	Thresholds            Thresholds
	TokenWarningThreshold int
}

// DefaultSeed returns the stock thresholds and bounds.
func DefaultSeed() Defaults {
	return Defaults{
		MaxCriticFixer: 3,
		Thresholds: Thresholds{
			TestCoverage:          70,
			CriticScore:           80,
			PRDRequiredCoverage:   100,
			PRDNiceToHaveCoverage: 80,
		},
		TokenWarningThreshold: 8000,
	}
}

// Store manages the state document under a control directory. Every write
// is a read-merge-write under an exclusive file lock.
type Store struct {
	dir         string
	mu          sync.Mutex
	lockTimeout time.Duration
}

// NewStore creates a Store rooted at the control directory dir.
func NewStore(dir string) *Store {
	return &Store{dir: dir, lockTimeout: DefaultLockTimeout}
}

// Dir returns the control directory.
func (s *Store) Dir() string {
	return s.dir
}

// SetLockTimeout overrides how long writers wait for the lock.
func (s *Store) SetLockTimeout(d time.Duration) {
	s.lockTimeout = d
}

func (s *Store) statePath() string {
	return filepath.Join(s.dir, "state.json")
}

func (s *Store) lockPath() string {
	return filepath.Join(s.dir, "state.lock")
}

// Exists reports whether a state document is present.
func (s *Store) Exists() bool {
	_, err := os.Stat(s.statePath())
	return err == nil
}

// Create writes a fresh state document with every stage pending.
// An existing document is replaced.
func (s *Store) Create(goal, runID string, d Defaults) (*State, error) {
	now := time.Now().UTC().Format(time.RFC3339)
	st := &State{
		Goal:       goal,
		RunID:      runID,
		Status:     StatusInitialising,
		Phase:      "0",
		Agents:     make(map[string]AgentState, len(StageOrder)),
		Gates:      make(map[string]*bool, len(GateNames)),
		Iterations: Iterations{MaxCriticFixer: d.MaxCriticFixer},
		Thresholds: d.Thresholds,

		TokenWarningThreshold: d.TokenWarningThreshold,
		DetectedFeatures:      map[string]bool{},
		StartedAt:             now,
		UpdatedAt:             now,
	}
	for _, name := range StageOrder {
		st.Agents[name] = AgentState{Status: AgentPending}
	}
	for _, g := range GateNames {
		st.Gates[g] = nil
	}

	err := s.withLock(func() error {
		return WriteJSON(s.statePath(), st)
	})
	if err != nil {
		return nil, fmt.Errorf("write state.json: %w", err)
	}
	return st, nil
}

// Get reads the state document.
func (s *Store) Get() (*State, error) {
	var st State
	if err := ReadJSON(s.statePath(), &st); err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoState
		}
		return nil, err
	}
	if st.Agents == nil {
		st.Agents = map[string]AgentState{}
	}
	if st.Gates == nil {
		st.Gates = map[string]*bool{}
	}
	if st.DetectedFeatures == nil {
		st.DetectedFeatures = map[string]bool{}
	}
	return &st, nil
}

// Merge applies p to the stored document atomically and returns the result.
func (s *Store) Merge(p Patch) (*State, error) {
	return s.Update(func(State) Patch { return p })
}

// Update computes a patch from the current document and applies it, all
// under the lock, so the patch can depend on values another writer just stored.
func (s *Store) Update(fn func(State) Patch) (*State, error) {
	var out *State
	err := s.withLock(func() error {
		cur, err := s.Get()
		if err != nil {
			return err
		}
		next := Merge(*cur, fn(*cur))
		next.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
		if err := WriteJSON(s.statePath(), &next); err != nil {
			return err
		}
		out = &next
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// withLock serialises writers in this process with a mutex and across
// processes with an exclusive flock on state.lock.
func (s *Store) withLock(fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", s.dir, err)
	}
	f, err := os.OpenFile(s.lockPath(), os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return fmt.Errorf("open lock: %w", err)
	}
	defer f.Close()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 10 * time.Millisecond
	bo.MaxInterval = 250 * time.Millisecond
	bo.MaxElapsedTime = s.lockTimeout
	err = backoff.Retry(func() error {
		err := tryLock(f)
		if err == nil || errors.Is(err, errWouldBlock) {
			return err
		}
		return backoff.Permanent(err)
	}, bo)
	if err != nil {
		if errors.Is(err, errWouldBlock) {
			return ErrLocked
		}
		return fmt.Errorf("lock state: %w", err)
	}
	defer unlock(f)

	return fn()
}
