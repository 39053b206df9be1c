package cairnd

import (
	"os"
	"testing"

	"cairn/internal/cairn"
)

func setupProfileTestEnv(t *testing.T) (*cairn.Config, func()) {
	t.Helper()

	tempDir, err := os.MkdirTemp("", "cairn_profile_test")
	if err != nil {
		t.Fatalf("Failed to create temp directory: %v", err)
	}

	config := cairn.NewConfig(tempDir)
	if err := os.MkdirAll(config.ServerPath("var"), 0755); err != nil {
		t.Fatalf("Failed to create var directory: %v", err)
	}

	return config, func() { os.RemoveAll(tempDir) }
}

func TestFirstRunMintsDefaultProfile(t *testing.T) {
	config, cleanup := setupProfileTestEnv(t)
	defer cleanup()

	store, err := LoadProfileStore(config)
	if err != nil {
		t.Fatalf("Failed to load profile store: %v", err)
	}

	id := store.DefaultProfileID()
	if id == "" {
		t.Fatalf("No default profile ID on first run")
	}

	// Reloading should find the same ID, not mint a new one.
	reloaded, err := LoadProfileStore(config)
	if err != nil {
		t.Fatalf("Failed to reload profile store: %v", err)
	}
	if reloaded.DefaultProfileID() != id {
		t.Errorf("Default profile ID changed on reload: %s != %s",
			reloaded.DefaultProfileID(), id)
	}
}

func TestProfileUpdatePersists(t *testing.T) {
	config, cleanup := setupProfileTestEnv(t)
	defer cleanup()

	store, err := LoadProfileStore(config)
	if err != nil {
		t.Fatalf("Failed to load profile store: %v", err)
	}

	id := store.DefaultProfileID()

	if _, exists := store.Get(id); exists {
		t.Errorf("Expected no record before first update")
	}

	rootAddr := cairn.ComputeBlobAddr([]byte("some root")).String()
	if err := store.Update(id, ProfileRecord{RootAddr: rootAddr}); err != nil {
		t.Fatalf("Failed to update profile: %v", err)
	}

	record, exists := store.Get(id)
	if !exists {
		t.Fatalf("No record after update")
	}
	if record.RootAddr != rootAddr {
		t.Errorf("Expected root address %s, got %s", rootAddr, record.RootAddr)
	}
	if record.LastModified == "" {
		t.Errorf("Update did not stamp LastModified")
	}

	reloaded, err := LoadProfileStore(config)
	if err != nil {
		t.Fatalf("Failed to reload profile store: %v", err)
	}
	record, exists = reloaded.Get(id)
	if !exists || record.RootAddr != rootAddr {
		t.Errorf("Record did not survive reload: %+v", record)
	}
}
