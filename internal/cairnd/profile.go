package cairnd

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"cairn/internal/cairn"
)

// ProfileRecord is what the daemon remembers about one profile: the
// address of its root archive, recorded when the archive is first
// created and updated on every checkpoint.
type ProfileRecord struct {
	RootAddr     string `json:"rootAddr"`
	LastModified string `json:"lastModified,omitempty"`
}

type profileFileState struct {
	DefaultProfileID string                   `json:"defaultProfileId"`
	Profiles         map[string]ProfileRecord `json:"profiles"`
}

// ProfileStore persists profile records under var/profiles.json with
// atomic temp-file-and-rename writes.
type ProfileStore struct {
	config *cairn.Config
	state  profileFileState
	mtx    sync.Mutex
}

func LoadProfileStore(config *cairn.Config) (*ProfileStore, error) {
	ps := &ProfileStore{
		config: config,
		state: profileFileState{
			Profiles: make(map[string]ProfileRecord),
		},
	}

	data, err := os.ReadFile(config.ServerPath("var/profiles.json"))
	if err != nil {
		if os.IsNotExist(err) {
			// First run: mint a default profile id and persist it.
			ps.state.DefaultProfileID = uuid.NewString()
			if err := ps.save(); err != nil {
				return nil, err
			}
			return ps, nil
		}
		return nil, fmt.Errorf("failed to read profiles file: %v", err)
	}

	if err := json.Unmarshal(data, &ps.state); err != nil {
		return nil, fmt.Errorf("failed to unmarshal profiles: %v", err)
	}
	if ps.state.Profiles == nil {
		ps.state.Profiles = make(map[string]ProfileRecord)
	}

	return ps, nil
}

// DefaultProfileID returns the profile id minted on first run.
func (ps *ProfileStore) DefaultProfileID() string {
	ps.mtx.Lock()
	defer ps.mtx.Unlock()

	return ps.state.DefaultProfileID
}

// Get returns the record for a profile and whether one exists.
func (ps *ProfileStore) Get(profileID string) (ProfileRecord, bool) {
	ps.mtx.Lock()
	defer ps.mtx.Unlock()

	record, exists := ps.state.Profiles[profileID]
	return record, exists
}

// Update replaces the record for a profile and persists the store.
func (ps *ProfileStore) Update(profileID string, record ProfileRecord) error {
	ps.mtx.Lock()
	defer ps.mtx.Unlock()

	record.LastModified = time.Now().UTC().Format(time.RFC3339)
	ps.state.Profiles[profileID] = record

	return ps.save()
}

// save writes the store state. Callers hold the mutex (or are in
// single-threaded startup).
func (ps *ProfileStore) save() error {
	data, err := json.MarshalIndent(ps.state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal profiles: %v", err)
	}

	tempFileName := ps.config.ServerPath("var/profiles.json.tmp")
	finalFileName := ps.config.ServerPath("var/profiles.json")

	if err := os.WriteFile(tempFileName, data, 0644); err != nil {
		return fmt.Errorf("failed to write profiles temp file: %w", err)
	}

	if err := os.Rename(tempFileName, finalFileName); err != nil {
		return fmt.Errorf("failed to replace profiles file: %w", err)
	}

	return nil
}
