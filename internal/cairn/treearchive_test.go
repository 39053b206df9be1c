package cairn

import (
	"errors"
	"os"
	"reflect"
	"testing"
)

func setupTreeArchiveTestEnv(t *testing.T) (*TreeArchive, *BlobStore, func()) {
	t.Helper()

	tempDir, err := os.MkdirTemp("", "treearchive_test")
	if err != nil {
		t.Fatalf("Failed to create temporary directory: %v", err)
	}

	config := NewConfig(tempDir)
	blobStore := NewBlobStore(config)
	if blobStore == nil {
		t.Fatalf("Failed to initialize BlobStore")
	}

	cleanup := func() {
		blobStore.Close()
		os.RemoveAll(tempDir)
	}

	return EmptyTreeArchive(blobStore), blobStore, cleanup
}

func TestMkdirAndStat(t *testing.T) {
	archive, _, cleanup := setupTreeArchiveTestEnv(t)
	defer cleanup()

	if err := archive.Mkdir("docs"); err != nil {
		t.Fatalf("Failed to mkdir docs: %v", err)
	}
	if err := archive.Mkdir("docs/drafts"); err != nil {
		t.Fatalf("Failed to mkdir docs/drafts: %v", err)
	}

	info, err := archive.Stat("docs/drafts")
	if err != nil {
		t.Fatalf("Failed to stat docs/drafts: %v", err)
	}
	if info.Kind != KindDirectory {
		t.Errorf("Expected directory, got %s", info.Kind)
	}

	// Root resolves as a directory too.
	info, err = archive.Stat("")
	if err != nil {
		t.Fatalf("Failed to stat root: %v", err)
	}
	if info.Kind != KindDirectory {
		t.Errorf("Expected root to be a directory, got %s", info.Kind)
	}
}

func TestStatMissingIsNotFound(t *testing.T) {
	archive, _, cleanup := setupTreeArchiveTestEnv(t)
	defer cleanup()

	_, err := archive.Stat("nope")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestMkdirExistingFails(t *testing.T) {
	archive, _, cleanup := setupTreeArchiveTestEnv(t)
	defer cleanup()

	if err := archive.Mkdir("docs"); err != nil {
		t.Fatalf("Failed to mkdir: %v", err)
	}
	if err := archive.Mkdir("docs"); err == nil {
		t.Errorf("Expected second mkdir to fail")
	}
}

func TestMkdirMissingParentFails(t *testing.T) {
	archive, _, cleanup := setupTreeArchiveTestEnv(t)
	defer cleanup()

	if err := archive.Mkdir("a/b/c"); err == nil {
		t.Errorf("Expected mkdir with missing parents to fail")
	}
}

func TestMountUnmount(t *testing.T) {
	archive, _, cleanup := setupTreeArchiveTestEnv(t)
	defer cleanup()

	if err := archive.Mkdir("owners"); err != nil {
		t.Fatalf("Failed to mkdir owners: %v", err)
	}

	key := ArchiveKey(ComputeBlobAddr([]byte("alice")).String())
	if err := archive.Mount("owners/alice", key); err != nil {
		t.Fatalf("Failed to mount: %v", err)
	}

	info, err := archive.Stat("owners/alice")
	if err != nil {
		t.Fatalf("Failed to stat mount: %v", err)
	}
	if info.Kind != KindMount {
		t.Fatalf("Expected mount, got %s", info.Kind)
	}
	if info.Target != key {
		t.Errorf("Expected target %s, got %s", key, info.Target)
	}

	// Mounting over an occupied path fails.
	if err := archive.Mount("owners/alice", key); err == nil {
		t.Errorf("Expected mount over existing entry to fail")
	}

	if err := archive.Unmount("owners/alice"); err != nil {
		t.Fatalf("Failed to unmount: %v", err)
	}
	if _, err := archive.Stat("owners/alice"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected mount gone after unmount, got %v", err)
	}
}

func TestUnmountNonMountFails(t *testing.T) {
	archive, _, cleanup := setupTreeArchiveTestEnv(t)
	defer cleanup()

	if err := archive.Mkdir("docs"); err != nil {
		t.Fatalf("Failed to mkdir: %v", err)
	}
	if err := archive.Unmount("docs"); err == nil {
		t.Errorf("Expected unmount of a directory to fail")
	}
	if err := archive.Unmount("missing"); err == nil {
		t.Errorf("Expected unmount of a missing path to fail")
	}
}

func TestReaddirSorted(t *testing.T) {
	archive, _, cleanup := setupTreeArchiveTestEnv(t)
	defer cleanup()

	for _, name := range []string{"zebra", "apple", "mango"} {
		if err := archive.Mkdir(name); err != nil {
			t.Fatalf("Failed to mkdir %s: %v", name, err)
		}
	}

	names, err := archive.Readdir("")
	if err != nil {
		t.Fatalf("Failed to readdir root: %v", err)
	}

	expected := []string{"apple", "mango", "zebra"}
	if !reflect.DeepEqual(names, expected) {
		t.Errorf("Expected %v, got %v", expected, names)
	}
}

func TestLinkAndOpenBlob(t *testing.T) {
	archive, blobStore, cleanup := setupTreeArchiveTestEnv(t)
	defer cleanup()

	content := []byte("file body")
	cachedFile, err := blobStore.AddDataBlock(content)
	if err != nil {
		t.Fatalf("Failed to add blob: %v", err)
	}
	defer cachedFile.Release()

	if err := archive.LinkBlob("notes.txt", cachedFile.Address, cachedFile.Size); err != nil {
		t.Fatalf("Failed to link blob: %v", err)
	}

	info, err := archive.Stat("notes.txt")
	if err != nil {
		t.Fatalf("Failed to stat blob: %v", err)
	}
	if info.Kind != KindPlain {
		t.Errorf("Expected plain, got %s", info.Kind)
	}

	opened, err := archive.OpenBlob("notes.txt")
	if err != nil {
		t.Fatalf("Failed to open blob: %v", err)
	}
	defer opened.Release()

	data, err := opened.Contents()
	if err != nil {
		t.Fatalf("Failed to read blob: %v", err)
	}
	if string(data) != string(content) {
		t.Errorf("Content mismatch: expected %q, got %q", content, data)
	}
}

func TestCheckpointAndDeserialize(t *testing.T) {
	archive, blobStore, cleanup := setupTreeArchiveTestEnv(t)
	defer cleanup()

	key := ArchiveKey(ComputeBlobAddr([]byte("bob")).String())

	if err := archive.Mkdir("owners"); err != nil {
		t.Fatalf("Failed to mkdir: %v", err)
	}
	if err := archive.Mount("owners/bob", key); err != nil {
		t.Fatalf("Failed to mount: %v", err)
	}

	content := []byte("settings payload")
	cachedFile, err := blobStore.AddDataBlock(content)
	if err != nil {
		t.Fatalf("Failed to add blob: %v", err)
	}
	defer cachedFile.Release()
	if err := archive.LinkBlob("owners/readme", cachedFile.Address, cachedFile.Size); err != nil {
		t.Fatalf("Failed to link blob: %v", err)
	}

	rootAddr, err := archive.Checkpoint()
	if err != nil {
		t.Fatalf("Failed to checkpoint: %v", err)
	}

	reloaded, err := DeserializeTreeArchive(blobStore, rootAddr)
	if err != nil {
		t.Fatalf("Failed to deserialize archive: %v", err)
	}

	info, err := reloaded.Stat("owners/bob")
	if err != nil {
		t.Fatalf("Failed to stat mount after reload: %v", err)
	}
	if info.Kind != KindMount || info.Target != key {
		t.Errorf("Mount didn't survive reload: %+v", info)
	}

	info, err = reloaded.Stat("owners/readme")
	if err != nil {
		t.Fatalf("Failed to stat blob after reload: %v", err)
	}
	if info.Kind != KindPlain {
		t.Errorf("Expected plain after reload, got %s", info.Kind)
	}

	// An unchanged tree checkpoints to the same address.
	reloadedAddr, err := reloaded.Checkpoint()
	if err != nil {
		t.Fatalf("Failed to re-checkpoint: %v", err)
	}
	if !rootAddr.Equals(reloadedAddr) {
		t.Errorf("Checkpoint address changed without mutation: %s != %s",
			rootAddr.String(), reloadedAddr.String())
	}
}
