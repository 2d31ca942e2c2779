package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/ameliahq/amelia/engine/driver"
)

// TrustLevel controls how much autonomy a run grants the pipeline
// before pausing for human approval.
type TrustLevel string

const (
	// TrustParanoid pauses after every plan step.
	TrustParanoid TrustLevel = "paranoid"

	// TrustStandard pauses after every batch.
	TrustStandard TrustLevel = "standard"

	// TrustAutonomous auto-approves low and medium risk batches and
	// pauses only for high risk ones. Blockers always pause regardless
	// of trust level.
	TrustAutonomous TrustLevel = "autonomous"
)

// Valid reports whether t is a known trust level.
func (t TrustLevel) Valid() bool {
	switch t {
	case TrustParanoid, TrustStandard, TrustAutonomous:
		return true
	}
	return false
}

// Profile bundles the per-run execution settings a workflow is submitted
// with: which driver runs the agents, which tracker resolves issues, how
// much autonomy the run gets, and optional per-agent model overrides.
// Profiles are read-only during a run.
type Profile struct {
	ID string `json:"id"`

	// Driver names the registered agent driver ("subprocess", "api").
	Driver string `json:"driver"`

	// Tracker names the issue tracker adapter issues are fetched from.
	Tracker string `json:"tracker"`

	// Trust is the default trust level for runs under this profile.
	Trust TrustLevel `json:"trust"`

	// Models maps agent names to model overrides. Agents without an
	// entry use the driver's default model.
	Models map[string]string `json:"models,omitempty"`

	// AllowedTools restricts which tools agents may be offered. Empty
	// allows every tool the pipeline defines.
	AllowedTools []string `json:"allowed_tools,omitempty"`
}

// DefaultProfileID is used when a submission does not name a profile.
const DefaultProfileID = "default"

// DefaultProfile returns the built-in profile: subprocess driver,
// in-memory tracker, standard trust.
func DefaultProfile() Profile {
	return Profile{
		ID:      DefaultProfileID,
		Driver:  driver.NameSubprocess,
		Tracker: "memory",
		Trust:   TrustStandard,
	}
}

// ProfileStore resolves profile ids at submit time.
//
// Implementations must be safe for concurrent use.
type ProfileStore interface {
	// Get returns the profile, or an error wrapping ErrNotFound when the
	// id is unknown.
	Get(ctx context.Context, id string) (Profile, error)
}

// MemProfileStore is an in-memory ProfileStore.
type MemProfileStore struct {
	mu       sync.RWMutex
	profiles map[string]Profile
}

// NewMemProfileStore creates a store holding the given profiles. With no
// arguments it holds only DefaultProfile.
func NewMemProfileStore(profiles ...Profile) *MemProfileStore {
	s := &MemProfileStore{profiles: make(map[string]Profile)}
	if len(profiles) == 0 {
		profiles = []Profile{DefaultProfile()}
	}
	for _, p := range profiles {
		s.profiles[p.ID] = p
	}
	return s
}

// Get implements ProfileStore.
func (s *MemProfileStore) Get(ctx context.Context, id string) (Profile, error) {
	if err := ctx.Err(); err != nil {
		return Profile{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[id]
	if !ok {
		return Profile{}, fmt.Errorf("profile %q: %w", id, ErrNotFound)
	}
	return p, nil
}

// Put adds or replaces a profile.
func (s *MemProfileStore) Put(p Profile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[p.ID] = p
}
