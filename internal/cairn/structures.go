package cairn

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/mr-tron/base58"
	"github.com/multiformats/go-multihash"
)

// BlobAddr is the content address of a blob: a SHA2-256 multihash,
// rendered as base58 in all string and on-disk forms.
type BlobAddr struct {
	Hash []byte
}

func NewBlobAddr(hash []byte) *BlobAddr {
	return &BlobAddr{Hash: hash}
}

func (ba *BlobAddr) Equals(other *BlobAddr) bool {
	if ba == nil || other == nil {
		return ba == other
	}
	return bytes.Equal(ba.Hash, other.Hash)
}

func (ba *BlobAddr) String() string {
	encoded, err := multihash.Encode(ba.Hash, multihash.SHA2_256)
	if err != nil {
		panic(fmt.Sprintf("can't encode multihash: %v", err))
	}
	return base58.Encode(encoded)
}

// ParseBlobAddr parses the base58 multihash form produced by String().
func ParseBlobAddr(s string) (*BlobAddr, error) {
	raw, err := base58.Decode(s)
	if err != nil {
		return nil, fmt.Errorf("can't decode address %s: %v", s, err)
	}

	decoded, err := multihash.Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("can't decode multihash in %s: %v", s, err)
	}
	if decoded.Code != multihash.SHA2_256 {
		return nil, fmt.Errorf("unsupported hash type %d in %s", decoded.Code, s)
	}

	return &BlobAddr{Hash: decoded.Digest}, nil
}

func ComputeBlobAddr(data []byte) *BlobAddr {
	hash := sha256.Sum256(data)
	return &BlobAddr{Hash: hash[:]}
}

func ComputeFileAddr(path string) (*BlobAddr, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, file); err != nil {
		return nil, err
	}

	return &BlobAddr{Hash: hasher.Sum(nil)}, nil
}

// ArchiveKey is the raw key identifying an archive: the base58 address of
// the archive's root node. Shareable addresses resolve down to this form.
type ArchiveKey string

// NodeKind classifies what occupies a path in an archive's namespace.
type NodeKind int

const (
	KindAbsent NodeKind = iota
	KindPlain
	KindDirectory
	KindMount
)

func (k NodeKind) String() string {
	switch k {
	case KindAbsent:
		return "absent"
	case KindPlain:
		return "plain"
	case KindDirectory:
		return "directory"
	case KindMount:
		return "mount"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// NodeInfo describes what Stat found at a path. Target is set only for
// mount nodes.
type NodeInfo struct {
	Kind   NodeKind
	Target ArchiveKey
}

// Owner is one entry from the user directory: a label unique among
// owners, the address of that owner's archive, and placement flags.
// Temporary owners get no persistent mounts.
type Owner struct {
	Label     string `json:"label"`
	Address   string `json:"address"`
	Default   bool   `json:"default,omitempty"`
	Temporary bool   `json:"temporary,omitempty"`
}

// CachedFile is a local file in the blob store, tracked for eviction.
type CachedFile struct {
	Path        string
	Size        uint64
	RefCount    int
	Address     *BlobAddr
	LastTouched time.Time
}

func (c *CachedFile) Read(offset int, length int) ([]byte, error) {
	file, err := os.Open(c.Path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	buffer := make([]byte, length)
	n, err := file.ReadAt(buffer, int64(offset))
	if err != nil && err != io.EOF {
		return nil, err
	}
	return buffer[:n], nil
}

func (c *CachedFile) Contents() ([]byte, error) {
	return os.ReadFile(c.Path)
}

func (c *CachedFile) Release() {
	c.RefCount -= 1
}
