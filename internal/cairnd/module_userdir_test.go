package cairnd

import (
	"testing"

	"cairn/internal/cairn"
)

func TestDiffOwners(t *testing.T) {
	alice := cairn.Owner{Label: "alice", Address: "addr-a"}
	aliceMoved := cairn.Owner{Label: "alice", Address: "addr-a2"}
	bob := cairn.Owner{Label: "bob", Address: "addr-b"}

	tests := []struct {
		name            string
		oldOwners       []cairn.Owner
		newOwners       []cairn.Owner
		expectedAdded   int
		expectedRemoved int
	}{
		{"no change", []cairn.Owner{alice}, []cairn.Owner{alice}, 0, 0},
		{"new owner", []cairn.Owner{alice}, []cairn.Owner{alice, bob}, 1, 0},
		{"removed owner", []cairn.Owner{alice, bob}, []cairn.Owner{alice}, 0, 1},
		{"changed address", []cairn.Owner{alice}, []cairn.Owner{aliceMoved}, 1, 0},
		{"rename", []cairn.Owner{alice}, []cairn.Owner{bob}, 1, 1},
		{"from empty", nil, []cairn.Owner{alice, bob}, 2, 0},
		{"to empty", []cairn.Owner{alice, bob}, nil, 0, 2},
	}

	for _, test := range tests {
		added, removed := diffOwners(test.oldOwners, test.newOwners)
		if len(added) != test.expectedAdded || len(removed) != test.expectedRemoved {
			t.Errorf("%s: got %d added / %d removed, expected %d / %d",
				test.name, len(added), len(removed),
				test.expectedAdded, test.expectedRemoved)
		}
	}
}

func TestSetUsersPersistsAndNotifies(t *testing.T) {
	server, cleanup := SetupTestServer(t, WithUserDirModule(""))
	defer cleanup()

	userDir := server.GetModules("userdir")[0].(*UserDirModule)
	if err := userDir.Start(); err != nil {
		t.Fatalf("Failed to start userdir module: %v", err)
	}
	defer userDir.Stop()

	var gotAdded, gotRemoved []cairn.Owner
	userDir.OnMembershipChange(func(added, removed []cairn.Owner) {
		gotAdded = added
		gotRemoved = removed
	})

	alice := cairn.Owner{Label: "alice", Address: "addr-a"}
	if err := userDir.SetUsers([]cairn.Owner{alice}); err != nil {
		t.Fatalf("SetUsers failed: %v", err)
	}

	if len(gotAdded) != 1 || gotAdded[0].Label != "alice" {
		t.Errorf("Expected alice in added set, got %+v", gotAdded)
	}
	if len(gotRemoved) != 0 {
		t.Errorf("Expected empty removed set, got %+v", gotRemoved)
	}

	users := userDir.ListUsers()
	if len(users) != 1 || users[0] != alice {
		t.Errorf("Unexpected user list: %+v", users)
	}

	// A fresh module over the same file should see the persisted set.
	reloaded := NewUserDirModule(server, &UserDirModuleConfig{})
	owners, err := reloaded.loadUsers()
	if err != nil {
		t.Fatalf("Failed to reload users file: %v", err)
	}
	if len(owners) != 1 || owners[0] != alice {
		t.Errorf("Persisted user list wrong: %+v", owners)
	}

	if err := userDir.SetUsers(nil); err != nil {
		t.Fatalf("SetUsers failed: %v", err)
	}
	if len(gotRemoved) != 1 || gotRemoved[0].Label != "alice" {
		t.Errorf("Expected alice in removed set, got %+v", gotRemoved)
	}
}

func TestListUsersReturnsCopy(t *testing.T) {
	server, cleanup := SetupTestServer(t, WithUserDirModule(""))
	defer cleanup()

	userDir := server.GetModules("userdir")[0].(*UserDirModule)
	if err := userDir.Start(); err != nil {
		t.Fatalf("Failed to start userdir module: %v", err)
	}
	defer userDir.Stop()

	err := userDir.SetUsers([]cairn.Owner{{Label: "alice", Address: "addr-a"}})
	if err != nil {
		t.Fatalf("SetUsers failed: %v", err)
	}

	users := userDir.ListUsers()
	users[0].Label = "mallory"

	if userDir.ListUsers()[0].Label != "alice" {
		t.Errorf("ListUsers exposed internal state")
	}
}
