package cairnd

import (
	"context"
	"fmt"
	"log"
	"os"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"cairn/internal/cairn"
)

/////
// Module stuff

type FuseModuleConfig struct {
	MountPoint string `json:"mountPoint"`
	Debug      bool   `json:"debug,omitempty"`
}

// FuseModule exposes the reconciled root archive read-only through the
// kernel. Mount entries appear as empty directories; their contents
// live in other archives.
type FuseModule struct {
	config      *FuseModuleConfig
	cairnServer *Server
	fsServer    *fuse.Server
}

func NewFuseModule(server *Server, config *FuseModuleConfig) *FuseModule {
	return &FuseModule{
		config:      config,
		cairnServer: server,
	}
}

func (*FuseModule) GetModuleName() string {
	return "fuse"
}

func (fm *FuseModule) GetConfig() any {
	return fm.config
}

func (*FuseModule) GetDependencies() []*Dependency {
	return []*Dependency{
		{
			ModuleType: "topology",
			Type:       DependRequired,
		},
	}
}

// blobOpener is the extra surface the FUSE view needs beyond Archive.
type blobOpener interface {
	OpenBlob(path string) (*cairn.CachedFile, error)
}

func (fm *FuseModule) Start() error {
	mntDir := fm.config.MountPoint
	os.Mkdir(mntDir, 0755)

	topology := fm.cairnServer.FindTopology()
	if topology == nil {
		return fmt.Errorf("fuse module requires a topology module")
	}

	archive := topology.GetRootArchive()
	if archive == nil {
		return fmt.Errorf("topology has no root archive")
	}

	root := &cairnFuseNode{
		archive: archive,
		store:   fm.cairnServer.BlobStore,
		path:    "",
	}

	var err error
	fm.fsServer, err = fs.Mount(mntDir, root, &fs.Options{
		MountOptions: fuse.MountOptions{
			FsName: "cairn",
			Debug:  fm.config.Debug,
		},
	})
	if err != nil {
		return err
	}

	log.Printf("Mounted on %s", mntDir)
	log.Printf("Unmount by calling 'fusermount -u %s'", mntDir)
	return nil
}

func (fm *FuseModule) Stop() error {
	if fm.fsServer == nil {
		return nil
	}

	if err := fm.fsServer.Unmount(); err != nil {
		log.Printf("Error unmounting: %v", err)
	}

	// Wait until unmount before exiting
	fm.fsServer.Wait()
	return nil
}

/////
// FUSE stuff

type cairnFuseNode struct {
	fs.Inode
	archive cairn.Archive
	store   *cairn.BlobStore
	path    string
}

// loadMountedArchive opens the archive a mount points at, if its root
// blob is locally present. Returns nil otherwise; the mount then shows
// as an empty directory.
func loadMountedArchive(store *cairn.BlobStore, target cairn.ArchiveKey) cairn.Archive {
	if store == nil {
		return nil
	}

	addr, err := cairn.ParseBlobAddr(string(target))
	if err != nil {
		return nil
	}

	archive, err := cairn.DeserializeTreeArchive(store, addr)
	if err != nil {
		return nil
	}
	return archive
}

func (cn *cairnFuseNode) childPath(name string) string {
	if cn.path == "" {
		return name
	}
	return cn.path + "/" + name
}

func fuseMode(kind cairn.NodeKind) uint32 {
	if kind == cairn.KindPlain {
		return fuse.S_IFREG | 0o644
	}
	// Directories and mounts both present as directories.
	return fuse.S_IFDIR | 0o755
}

var _ = (fs.NodeReaddirer)((*cairnFuseNode)(nil))

func (cn *cairnFuseNode) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	info, err := cn.archive.Stat(cn.path)
	if err != nil {
		return nil, syscall.ENOENT
	}
	if info.Kind == cairn.KindMount {
		// Target archive wasn't locally available at lookup time.
		return fs.NewListDirStream(nil), 0
	}

	names, err := cn.archive.Readdir(cn.path)
	if err != nil {
		return nil, syscall.ENOTDIR
	}

	entries := make([]fuse.DirEntry, 0, len(names))
	for _, name := range names {
		childInfo, err := cn.archive.Stat(cn.childPath(name))
		if err != nil {
			continue
		}

		entries = append(entries, fuse.DirEntry{
			Name: name,
			Mode: fuseMode(childInfo.Kind),
		})
	}

	return fs.NewListDirStream(entries), 0
}

var _ = (fs.NodeLookuper)((*cairnFuseNode)(nil))

func (cn *cairnFuseNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	fullPath := cn.childPath(name)

	info, err := cn.archive.Stat(fullPath)
	if err != nil {
		return nil, syscall.ENOENT
	}

	stable := fs.StableAttr{
		Mode: fuseMode(info.Kind),
	}
	operations := &cairnFuseNode{
		archive: cn.archive,
		store:   cn.store,
		path:    fullPath,
	}

	if info.Kind == cairn.KindMount {
		if inner := loadMountedArchive(cn.store, info.Target); inner != nil {
			// Descend into the mounted archive at its root.
			operations = &cairnFuseNode{
				archive: inner,
				store:   cn.store,
				path:    "",
			}
		}
	}

	child := cn.NewInode(ctx, operations, stable)
	return child, 0
}

var _ = (fs.NodeGetattrer)((*cairnFuseNode)(nil))

func (cn *cairnFuseNode) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	info, err := cn.archive.Stat(cn.path)
	if err != nil {
		return syscall.ENOENT
	}

	out.Mode = fuseMode(info.Kind)

	if info.Kind == cairn.KindPlain {
		opener, ok := cn.archive.(blobOpener)
		if ok {
			if cachedFile, err := opener.OpenBlob(cn.path); err == nil {
				out.Size = cachedFile.Size
				cachedFile.Release()
			}
		}
	}

	return 0
}

var _ = (fs.NodeOpener)((*cairnFuseNode)(nil))

func (cn *cairnFuseNode) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	if flags&(syscall.O_WRONLY|syscall.O_RDWR) != 0 {
		return nil, 0, syscall.EROFS
	}

	opener, ok := cn.archive.(blobOpener)
	if !ok {
		return nil, 0, syscall.EIO
	}

	cachedFile, err := opener.OpenBlob(cn.path)
	if err != nil {
		return nil, 0, syscall.ENOENT
	}

	return &cairnFuseHandle{cachedFile: cachedFile}, fuse.FOPEN_KEEP_CACHE, 0
}

type cairnFuseHandle struct {
	cachedFile *cairn.CachedFile
}

var _ = (fs.FileReader)((*cairnFuseHandle)(nil))

func (fh *cairnFuseHandle) Read(ctx context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	data, err := fh.cachedFile.Read(int(off), len(dest))
	if err != nil {
		return nil, syscall.EIO
	}
	return fuse.ReadResultData(data), 0
}

var _ = (fs.FileReleaser)((*cairnFuseHandle)(nil))

func (fh *cairnFuseHandle) Release(ctx context.Context) syscall.Errno {
	fh.cachedFile.Release()
	return 0
}
