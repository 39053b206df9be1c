package cairn

import (
	"os"
	"testing"
)

func setupBlobStoreTestEnv(t *testing.T) (*BlobStore, *Config, func()) {
	t.Helper()

	tempDir, err := os.MkdirTemp("", "blobstore_test")
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

	return blobStore, config, cleanup
}

func TestAddAndReadDataBlock(t *testing.T) {
	blobStore, _, cleanup := setupBlobStoreTestEnv(t)
	defer cleanup()

	content := []byte("Hello, cairn!")
	cachedFile, err := blobStore.AddDataBlock(content)
	if err != nil {
		t.Fatalf("Failed to add data block: %v", err)
	}
	defer cachedFile.Release()

	readBack, err := blobStore.ReadFile(cachedFile.Address)
	if err != nil {
		t.Fatalf("Failed to read blob back: %v", err)
	}
	defer readBack.Release()

	data, err := readBack.Contents()
	if err != nil {
		t.Fatalf("Failed to read blob contents: %v", err)
	}
	if string(data) != string(content) {
		t.Errorf("Content mismatch: expected %q, got %q", content, data)
	}
}

func TestAddDataBlockDeduplicates(t *testing.T) {
	blobStore, _, cleanup := setupBlobStoreTestEnv(t)
	defer cleanup()

	content := []byte("same bytes")

	first, err := blobStore.AddDataBlock(content)
	if err != nil {
		t.Fatalf("Failed to add data block: %v", err)
	}
	second, err := blobStore.AddDataBlock(content)
	if err != nil {
		t.Fatalf("Failed to re-add data block: %v", err)
	}

	if first != second {
		t.Errorf("Expected the same CachedFile for identical content")
	}
	if first.RefCount != 2 {
		t.Errorf("Expected refcount 2, got %d", first.RefCount)
	}
}

func TestReadMissingBlob(t *testing.T) {
	blobStore, _, cleanup := setupBlobStoreTestEnv(t)
	defer cleanup()

	missing := ComputeBlobAddr([]byte("never stored"))
	if _, err := blobStore.ReadFile(missing); err == nil {
		t.Errorf("Expected error reading a missing blob")
	}
}

func TestBlobStoreReloadsExistingFiles(t *testing.T) {
	blobStore, config, cleanup := setupBlobStoreTestEnv(t)
	defer cleanup()

	content := []byte("persistent blob")
	cachedFile, err := blobStore.AddDataBlock(content)
	if err != nil {
		t.Fatalf("Failed to add data block: %v", err)
	}
	addr := cachedFile.Address

	// A fresh store over the same directory should rediscover the blob.
	reloaded := NewBlobStore(config)
	if reloaded == nil {
		t.Fatalf("Failed to reopen BlobStore")
	}
	defer reloaded.Close()

	readBack, err := reloaded.ReadFile(addr)
	if err != nil {
		t.Fatalf("Failed to read blob after reload: %v", err)
	}
	defer readBack.Release()

	data, err := readBack.Contents()
	if err != nil {
		t.Fatalf("Failed to read blob contents: %v", err)
	}
	if string(data) != string(content) {
		t.Errorf("Content mismatch after reload: expected %q, got %q", content, data)
	}
}

func TestBlobAddrRoundTrip(t *testing.T) {
	addr := ComputeBlobAddr([]byte("some data"))

	parsed, err := ParseBlobAddr(addr.String())
	if err != nil {
		t.Fatalf("Failed to parse address %s: %v", addr.String(), err)
	}

	if !addr.Equals(parsed) {
		t.Errorf("Parsed address %s != original %s", parsed.String(), addr.String())
	}
}

func TestParseBlobAddrRejectsGarbage(t *testing.T) {
	for _, bad := range []string{"", "not base58 at all!!", "abc"} {
		if _, err := ParseBlobAddr(bad); err == nil {
			t.Errorf("Expected error parsing %q", bad)
		}
	}
}
