package cairn

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
)

////////////////////////
// Node Types

type archiveNode interface {
	info() NodeInfo
}

type blobNode struct {
	addr *BlobAddr
	size uint64
}

func (bn *blobNode) info() NodeInfo {
	return NodeInfo{Kind: KindPlain}
}

type mountNode struct {
	target ArchiveKey
}

func (mn *mountNode) info() NodeInfo {
	return NodeInfo{Kind: KindMount, Target: mn.target}
}

type treeNode struct {
	children map[string]archiveNode
	blob     *CachedFile // serialized directory blob; nil while dirty
}

func (tn *treeNode) info() NodeInfo {
	return NodeInfo{Kind: KindDirectory}
}

// dirEntry is the serialized form of one directory entry.
type dirEntry struct {
	Type   string `json:"type"`
	Addr   string `json:"addr,omitempty"`
	Size   uint64 `json:"size,omitempty"`
	Target string `json:"target,omitempty"`
}

////////////////////////
// TreeArchive

// TreeArchive implements Archive with copy-on-write directory trees over
// a BlobStore. Every mutation rebuilds the spine of tree nodes from the
// changed entry up to the root; Checkpoint serializes the tree and
// returns the new root address.
type TreeArchive struct {
	BlobStore *BlobStore
	root      *treeNode
	mtx       sync.RWMutex
}

func EmptyTreeArchive(bs *BlobStore) *TreeArchive {
	return &TreeArchive{
		BlobStore: bs,
		root:      &treeNode{children: make(map[string]archiveNode)},
	}
}

// DeserializeTreeArchive reloads an archive from the root address
// produced by an earlier Checkpoint.
func DeserializeTreeArchive(bs *BlobStore, rootAddr *BlobAddr) (*TreeArchive, error) {
	ta := &TreeArchive{BlobStore: bs}

	root, err := ta.loadTreeNode(rootAddr)
	if err != nil {
		return nil, fmt.Errorf("error loading root node: %v", err)
	}

	ta.root = root
	return ta, nil
}

func (ta *TreeArchive) Stat(path string) (NodeInfo, error) {
	ta.mtx.RLock()
	defer ta.mtx.RUnlock()

	node, err := ta.resolvePath(path)
	if err != nil {
		return NodeInfo{}, err
	}
	return node.info(), nil
}

func (ta *TreeArchive) Mkdir(path string) error {
	ta.mtx.Lock()
	defer ta.mtx.Unlock()

	if _, err := ta.resolvePath(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	}

	return ta.link(path, &treeNode{children: make(map[string]archiveNode)})
}

func (ta *TreeArchive) Mount(path string, target ArchiveKey) error {
	ta.mtx.Lock()
	defer ta.mtx.Unlock()

	if _, err := ta.resolvePath(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	}

	return ta.link(path, &mountNode{target: target})
}

func (ta *TreeArchive) Unmount(path string) error {
	ta.mtx.Lock()
	defer ta.mtx.Unlock()

	node, err := ta.resolvePath(path)
	if err != nil {
		return err
	}
	if _, isMount := node.(*mountNode); !isMount {
		return fmt.Errorf("%s is not a mount", path)
	}

	return ta.link(path, nil)
}

// LinkBlob places a plain file node at path, replacing any existing
// plain file there.
func (ta *TreeArchive) LinkBlob(path string, addr *BlobAddr, size uint64) error {
	ta.mtx.Lock()
	defer ta.mtx.Unlock()

	if node, err := ta.resolvePath(path); err == nil {
		if _, isBlob := node.(*blobNode); !isBlob {
			return fmt.Errorf("%s exists and is not a plain file", path)
		}
	}

	return ta.link(path, &blobNode{addr: addr, size: size})
}

func (ta *TreeArchive) Readdir(path string) ([]string, error) {
	ta.mtx.RLock()
	defer ta.mtx.RUnlock()

	node, err := ta.resolvePath(path)
	if err != nil {
		return nil, err
	}

	tn, isTree := node.(*treeNode)
	if !isTree {
		return nil, fmt.Errorf("%s is not a directory", path)
	}

	names := make([]string, 0, len(tn.children))
	for name := range tn.children {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// OpenBlob opens the plain file at path for reading. The returned
// CachedFile has a reference taken; the caller releases it.
func (ta *TreeArchive) OpenBlob(path string) (*CachedFile, error) {
	ta.mtx.RLock()
	defer ta.mtx.RUnlock()

	node, err := ta.resolvePath(path)
	if err != nil {
		return nil, err
	}

	bn, isBlob := node.(*blobNode)
	if !isBlob {
		return nil, fmt.Errorf("%s is not a plain file", path)
	}

	return ta.BlobStore.ReadFile(bn.addr)
}

// RootAddr serializes any dirty tree nodes and returns the content
// address of the root.
func (ta *TreeArchive) RootAddr() (*BlobAddr, error) {
	ta.mtx.Lock()
	defer ta.mtx.Unlock()

	if err := ta.ensureSerialized(ta.root); err != nil {
		return nil, err
	}
	return ta.root.blob.Address, nil
}

// Checkpoint is RootAddr under its exported persistence name; callers
// record the returned address to reopen the archive later.
func (ta *TreeArchive) Checkpoint() (*BlobAddr, error) {
	return ta.RootAddr()
}

////////////////////////
// Core path helpers

func splitArchivePath(path string) ([]string, error) {
	path = strings.TrimRight(path, "/")
	if path != "" && path[0] == '/' {
		return nil, fmt.Errorf("paths must be relative")
	}

	var parts []string
	for _, part := range strings.Split(path, "/") {
		if part == "" {
			continue
		}
		parts = append(parts, part)
	}
	return parts, nil
}

// resolvePath walks from the root to the node at path. Callers hold
// the mutex.
func (ta *TreeArchive) resolvePath(path string) (archiveNode, error) {
	parts, err := splitArchivePath(path)
	if err != nil {
		return nil, err
	}

	var node archiveNode = ta.root
	for _, part := range parts {
		tn, isTree := node.(*treeNode)
		if !isTree {
			return nil, fmt.Errorf("non-directory traversing %s", path)
		}

		child, exists := tn.children[part]
		if !exists {
			return nil, fmt.Errorf("%s: %w", path, ErrNotFound)
		}
		node = child
	}

	return node, nil
}

// link places newValue at path (nil removes the entry), rebuilding the
// spine of directory nodes copy-on-write. All intermediate directories
// must already exist. Callers hold the mutex.
func (ta *TreeArchive) link(path string, newValue archiveNode) error {
	parts, err := splitArchivePath(path)
	if err != nil {
		return err
	}
	if len(parts) == 0 {
		return fmt.Errorf("can't replace the archive root")
	}

	newRoot, err := ta.recursiveLink(parts, newValue, ta.root)
	if err != nil {
		return err
	}

	ta.root = newRoot
	return nil
}

func (ta *TreeArchive) recursiveLink(parts []string, newValue archiveNode, oldParent *treeNode) (*treeNode, error) {
	newChildren := make(map[string]archiveNode, len(oldParent.children))
	for k, v := range oldParent.children {
		newChildren[k] = v
	}

	if len(parts) == 1 {
		if newValue != nil {
			newChildren[parts[0]] = newValue
		} else {
			delete(newChildren, parts[0])
		}
	} else {
		oldChild, exists := oldParent.children[parts[0]]
		if !exists {
			return nil, fmt.Errorf("no such directory %s in path", parts[0])
		}
		childTree, isTree := oldChild.(*treeNode)
		if !isTree {
			return nil, fmt.Errorf("%s is not a directory", parts[0])
		}

		newChild, err := ta.recursiveLink(parts[1:], newValue, childTree)
		if err != nil {
			return nil, err
		}
		newChildren[parts[0]] = newChild
	}

	return &treeNode{children: newChildren}, nil
}

////////////////////////
// Serialization

func (ta *TreeArchive) ensureSerialized(tn *treeNode) error {
	if tn.blob != nil {
		// Already serialized
		return nil
	}

	dirMap := make(map[string]dirEntry, len(tn.children))
	for name, child := range tn.children {
		switch node := child.(type) {
		case *blobNode:
			dirMap[name] = dirEntry{Type: "plain", Addr: node.addr.String(), Size: node.size}
		case *mountNode:
			dirMap[name] = dirEntry{Type: "mount", Target: string(node.target)}
		case *treeNode:
			if err := ta.ensureSerialized(node); err != nil {
				return err
			}
			dirMap[name] = dirEntry{Type: "directory", Addr: node.blob.Address.String()}
		default:
			return fmt.Errorf("unknown node type for %s", name)
		}
	}

	dirData, err := json.Marshal(dirMap)
	if err != nil {
		return fmt.Errorf("error marshalling directory: %v", err)
	}

	cf, err := ta.BlobStore.AddDataBlock(dirData)
	if err != nil {
		return fmt.Errorf("error writing directory: %v", err)
	}

	tn.blob = cf
	return nil
}

func (ta *TreeArchive) loadTreeNode(addr *BlobAddr) (*treeNode, error) {
	dirFile, err := ta.BlobStore.ReadFile(addr)
	if err != nil {
		return nil, fmt.Errorf("error reading %s: %v", addr.String(), err)
	}

	dirData, err := dirFile.Contents()
	if err != nil {
		return nil, fmt.Errorf("error reading %s: %v", addr.String(), err)
	}

	dirMap := make(map[string]dirEntry)
	if err := json.Unmarshal(dirData, &dirMap); err != nil {
		return nil, fmt.Errorf("error unmarshalling %s: %v", addr.String(), err)
	}

	tn := &treeNode{
		children: make(map[string]archiveNode, len(dirMap)),
		blob:     dirFile,
	}

	for name, entry := range dirMap {
		switch entry.Type {
		case "plain":
			childAddr, err := ParseBlobAddr(entry.Addr)
			if err != nil {
				return nil, fmt.Errorf("error parsing address %s: %v", entry.Addr, err)
			}
			tn.children[name] = &blobNode{addr: childAddr, size: entry.Size}

		case "mount":
			tn.children[name] = &mountNode{target: ArchiveKey(entry.Target)}

		case "directory":
			childAddr, err := ParseBlobAddr(entry.Addr)
			if err != nil {
				return nil, fmt.Errorf("error parsing address %s: %v", entry.Addr, err)
			}
			child, err := ta.loadTreeNode(childAddr)
			if err != nil {
				return nil, fmt.Errorf("error loading %s: %v", entry.Addr, err)
			}
			tn.children[name] = child

		default:
			return nil, fmt.Errorf("unknown entry type %q for %s", entry.Type, name)
		}
	}

	return tn, nil
}
