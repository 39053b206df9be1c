package cairnd

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"cairn/internal/cairn"
)

// UserDirModule is the user directory: the set of known owners, backed
// by a JSON file. It watches the file and reports membership changes to
// registered listeners, which is how the topology module learns about
// added and removed owners between full reconciliation passes.
type UserDirModule struct {
	config *UserDirModuleConfig
	server *Server

	owners []cairn.Owner
	mtx    sync.RWMutex

	onChange []func(added, removed []cairn.Owner)

	watcher  *fsnotify.Watcher
	stopChan chan struct{}
	doneChan chan struct{}
}

type UserDirModuleConfig struct {
	// UsersFile is relative to the server directory unless absolute.
	UsersFile string `json:"usersFile"`
}

func NewUserDirModule(server *Server, config *UserDirModuleConfig) *UserDirModule {
	if config.UsersFile == "" {
		config.UsersFile = "var/users.json"
	}

	return &UserDirModule{
		config:   config,
		server:   server,
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}
}

func (um *UserDirModule) GetModuleName() string {
	return "userdir"
}

func (um *UserDirModule) GetConfig() any {
	return um.config
}

func (*UserDirModule) GetDependencies() []*Dependency {
	return []*Dependency{}
}

func (um *UserDirModule) usersFilePath() string {
	if filepath.IsAbs(um.config.UsersFile) {
		return um.config.UsersFile
	}
	return um.server.Config.ServerPath(um.config.UsersFile)
}

func (um *UserDirModule) Start() error {
	owners, err := um.loadUsers()
	if err != nil {
		return fmt.Errorf("failed to load users file: %v", err)
	}

	um.mtx.Lock()
	um.owners = owners
	um.mtx.Unlock()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %v", err)
	}
	um.watcher = watcher

	// Watch the containing directory: editors and atomic writers
	// replace the file rather than writing in place.
	watchDir := filepath.Dir(um.usersFilePath())
	if err := os.MkdirAll(watchDir, 0755); err != nil {
		watcher.Close()
		return fmt.Errorf("cannot create users directory: %v", err)
	}
	if err := watcher.Add(watchDir); err != nil {
		watcher.Close()
		return fmt.Errorf("cannot watch %s: %v", watchDir, err)
	}

	go um.watchLoop()
	return nil
}

func (um *UserDirModule) Stop() error {
	close(um.stopChan)
	um.watcher.Close()
	<-um.doneChan
	return nil
}

// ListUsers returns a snapshot of the current owner set.
func (um *UserDirModule) ListUsers() []cairn.Owner {
	um.mtx.RLock()
	defer um.mtx.RUnlock()

	owners := make([]cairn.Owner, len(um.owners))
	copy(owners, um.owners)
	return owners
}

// SetUsers replaces the owner set, persists it, and notifies listeners
// of the difference from the previous set.
func (um *UserDirModule) SetUsers(owners []cairn.Owner) error {
	data, err := json.MarshalIndent(owners, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal users: %v", err)
	}

	usersFile := um.usersFilePath()
	tempFile := usersFile + ".tmp"
	if err := os.WriteFile(tempFile, data, 0644); err != nil {
		return fmt.Errorf("failed to write users temp file: %w", err)
	}
	if err := os.Rename(tempFile, usersFile); err != nil {
		return fmt.Errorf("failed to replace users file: %w", err)
	}

	um.applyOwners(owners)
	return nil
}

// OnMembershipChange registers a callback invoked with the owners added
// (or modified) and removed whenever the owner set changes.
func (um *UserDirModule) OnMembershipChange(cb func(added, removed []cairn.Owner)) {
	um.mtx.Lock()
	defer um.mtx.Unlock()

	um.onChange = append(um.onChange, cb)
}

func (um *UserDirModule) loadUsers() ([]cairn.Owner, error) {
	data, err := os.ReadFile(um.usersFilePath())
	if err != nil {
		if os.IsNotExist(err) {
			// No users file yet means no owners.
			return nil, nil
		}
		return nil, err
	}

	var owners []cairn.Owner
	if err := json.Unmarshal(data, &owners); err != nil {
		return nil, fmt.Errorf("failed to unmarshal users: %v", err)
	}
	return owners, nil
}

func (um *UserDirModule) applyOwners(owners []cairn.Owner) {
	um.mtx.Lock()
	added, removed := diffOwners(um.owners, owners)
	um.owners = owners
	callbacks := make([]func(added, removed []cairn.Owner), len(um.onChange))
	copy(callbacks, um.onChange)
	um.mtx.Unlock()

	if len(added) == 0 && len(removed) == 0 {
		return
	}

	for _, cb := range callbacks {
		cb(added, removed)
	}
}

func (um *UserDirModule) watchLoop() {
	defer close(um.doneChan)

	usersFile := um.usersFilePath()

	for {
		select {
		case event, ok := <-um.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(usersFile) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}

			owners, err := um.loadUsers()
			if err != nil {
				log.Printf("Error reloading users file: %v", err)
				continue
			}
			um.applyOwners(owners)

		case err, ok := <-um.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("Users file watcher error: %v", err)

		case <-um.stopChan:
			return
		}
	}
}

// diffOwners compares owner sets by label. An owner whose label is new,
// or whose record changed in any way, counts as added; the reconciler's
// ensure step sorts out what actually needs doing.
func diffOwners(oldOwners, newOwners []cairn.Owner) (added, removed []cairn.Owner) {
	oldByLabel := make(map[string]cairn.Owner, len(oldOwners))
	for _, owner := range oldOwners {
		oldByLabel[owner.Label] = owner
	}

	newLabels := make(map[string]bool, len(newOwners))
	for _, owner := range newOwners {
		newLabels[owner.Label] = true

		oldOwner, existed := oldByLabel[owner.Label]
		if !existed || oldOwner != owner {
			added = append(added, owner)
		}
	}

	for _, owner := range oldOwners {
		if !newLabels[owner.Label] {
			removed = append(removed, owner)
		}
	}

	return added, removed
}
