package cairn

import "errors"

// ErrNotFound is returned by Stat and lookups when nothing occupies a
// path. Callers that treat absence as a normal outcome branch on it
// with errors.Is.
var ErrNotFound = errors.New("not found")

// Archive is the namespace surface of one root archive. Paths are
// relative, slash-separated. Mkdir and Mount fail if the path is already
// occupied; the reconciler probes first and unmounts before reassigning.
type Archive interface {
	Stat(path string) (NodeInfo, error)
	Mkdir(path string) error
	Mount(path string, target ArchiveKey) error
	Unmount(path string) error
	Readdir(path string) ([]string, error)
	RootAddr() (*BlobAddr, error)
}
