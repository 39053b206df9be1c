package cairn

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// BlobStore is a local content-addressed file store. Blobs live under
// var/blobs named by their base58 address; unreferenced blobs are
// evicted oldest-first when the store grows past its configured size.
type BlobStore struct {
	config      *Config
	files       map[string]*CachedFile // All files in the store
	mtx         sync.RWMutex
	currentSize uint64
	storageDir  string
	logger      *Logger
}

func NewBlobStore(config *Config) *BlobStore {
	bs := &BlobStore{
		config: config,
		files:  make(map[string]*CachedFile),
		logger: NewLogger(),
	}
	bs.logger.Start()

	bs.storageDir = config.ServerPath("var/blobs")
	if err := os.MkdirAll(bs.storageDir, 0755); err != nil {
		log.Printf("Failed to create storage directory: %v\n", err)
		bs.logger.Stop()
		return nil
	}

	// Initialize the BlobStore by scanning the existing files in the storage path
	err := bs.scanAndLoadExistingFiles()
	if err != nil {
		log.Printf("Can't read existing BlobStore files: %v\n", err)
		bs.logger.Stop()
		return nil
	}

	return bs
}

// Close shuts down the blob store's log writer. The store itself holds
// no other resources open between calls.
func (bs *BlobStore) Close() {
	bs.logger.Stop()
}

func (bs *BlobStore) scanAndLoadExistingFiles() error {
	bs.mtx.Lock()
	defer bs.mtx.Unlock()

	return filepath.Walk(bs.storageDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err // return error to stop the walk
		}
		if info.IsDir() {
			return nil
		}

		blobAddr, err := ComputeFileAddr(path)
		if err != nil {
			log.Printf("Error computing hash for file %s: %v\n", path, err)
			return err
		}

		relativePath, _ := filepath.Rel(bs.storageDir, path)
		if relativePath != blobAddr.String() {
			bs.logger.Warn("blobstore", "File %s seems not to be a blob %s != %s. Skipping...",
				path, relativePath, blobAddr.String())
			return nil
		}

		bs.files[relativePath] = &CachedFile{
			Path:        path,
			Size:        uint64(info.Size()),
			RefCount:    0, // Initially, no references to the file
			Address:     blobAddr,
			LastTouched: info.ModTime(),
		}
		bs.currentSize += uint64(info.Size())
		return nil
	})
}

func (bs *BlobStore) ReadFile(blobAddr *BlobAddr) (*CachedFile, error) {
	bs.mtx.RLock()
	defer bs.mtx.RUnlock()

	cachedFile, ok := bs.files[blobAddr.String()]
	if !ok {
		return nil, fmt.Errorf("blob %s not found in store", blobAddr.String())
	}

	// Increment RefCount to reserve the file and protect it from cleanup
	cachedFile.RefCount++
	return cachedFile, nil
}

func (bs *BlobStore) AddLocalFile(srcPath string) (*CachedFile, error) {
	blobAddr, err := ComputeFileAddr(srcPath)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(srcPath)
	if err != nil {
		return nil, err
	}

	bs.mtx.Lock()
	defer bs.mtx.Unlock()

	if cachedFile, exists := bs.files[blobAddr.String()]; exists {
		cachedFile.RefCount++
		return cachedFile, nil
	}

	destPath := filepath.Join(bs.storageDir, blobAddr.String())
	if err := copyFile(srcPath, destPath); err != nil {
		return nil, err
	}

	cachedFile := &CachedFile{
		Path:        destPath,
		Size:        uint64(info.Size()),
		RefCount:    1,
		Address:     blobAddr,
		LastTouched: time.Now(),
	}

	bs.files[blobAddr.String()] = cachedFile
	bs.currentSize += cachedFile.Size
	return cachedFile, nil
}

func (bs *BlobStore) AddDataBlock(data []byte) (*CachedFile, error) {
	blobAddr := ComputeBlobAddr(data)
	size := uint64(len(data))

	bs.mtx.Lock()
	defer bs.mtx.Unlock()

	// Check if the data block already exists in the store
	if cachedFile, exists := bs.files[blobAddr.String()]; exists {
		cachedFile.RefCount++
		return cachedFile, nil
	}

	destPath := filepath.Join(bs.storageDir, blobAddr.String())
	if err := os.WriteFile(destPath, data, 0644); err != nil {
		return nil, fmt.Errorf("error writing data block to store: %v", err)
	}

	cachedFile := &CachedFile{
		Path:        destPath,
		Size:        size,
		RefCount:    1, // Initialize RefCount to 1 for new data blocks
		Address:     blobAddr,
		LastTouched: time.Now(),
	}

	bs.files[blobAddr.String()] = cachedFile
	bs.currentSize += size

	return cachedFile, nil
}

func (bs *BlobStore) Touch(cf *CachedFile) {
	bs.mtx.Lock()
	defer bs.mtx.Unlock()

	cf.LastTouched = time.Now()
	os.Chtimes(cf.Path, time.Now(), time.Now())
}

func (bs *BlobStore) Take(cachedFile *CachedFile) {
	bs.mtx.Lock()
	defer bs.mtx.Unlock()

	cachedFile.RefCount++
}

func (bs *BlobStore) Release(cachedFile *CachedFile) {
	bs.mtx.Lock()
	defer bs.mtx.Unlock()

	cachedFile.RefCount--
}

func (bs *BlobStore) EvictOldFiles() {
	bs.mtx.Lock()
	defer bs.mtx.Unlock()

	if bs.currentSize <= bs.config.StorageSize {
		return
	}

	var sortedFiles []*CachedFile
	for _, file := range bs.files {
		sortedFiles = append(sortedFiles, file)
	}

	sort.Slice(sortedFiles, func(i, j int) bool {
		return sortedFiles[i].LastTouched.Before(sortedFiles[j].LastTouched)
	})

	evicted := 0
	for _, file := range sortedFiles {
		if bs.currentSize <= bs.config.StorageFreeSize {
			break
		}
		if file.RefCount > 0 {
			continue
		}

		bs.currentSize -= file.Size
		delete(bs.files, file.Address.String())
		evicted++

		err := os.Remove(file.Path)
		if err != nil {
			bs.logger.Warn("blobstore", "Couldn't delete expired blob %s: %v", file.Path, err)
		}
	}

	if evicted > 0 {
		bs.logger.Log("blobstore", "Evicted %d blobs, store now at %d bytes", evicted, bs.currentSize)
	}
}

func copyFile(srcPath, destPath string) error {
	input, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer input.Close()

	output, err := os.Create(destPath)
	if err != nil {
		return err
	}
	defer output.Close()

	_, err = io.Copy(output, input)
	return err
}
