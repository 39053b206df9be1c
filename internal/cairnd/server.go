package cairnd

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"cairn/internal/cairn"
)

type Server struct {
	// Core stuff
	Config    *cairn.Config
	BlobStore *cairn.BlobStore
	Profiles  *ProfileStore
	Resolver  *cairn.LocalKeyResolver

	// Module stuff
	Modules     []Module
	moduleHooks []func(Module)

	// Periodic tasks
	taskStop chan struct{}
	taskWg   sync.WaitGroup

	// Shutdown channel
	shutdownChan   chan struct{}
	shutdownOnce   sync.Once // Ensures shutdown logic runs only once
	shutdownDoneWg sync.WaitGroup
}

// NewServer initializes and returns a new Server instance.
func NewServer(config *cairn.Config) (*Server, error) {
	bs := cairn.NewBlobStore(config)
	if bs == nil {
		return nil, fmt.Errorf("failed to initialize blob store")
	}

	err := os.MkdirAll(filepath.Join(config.ServerDir, "var"), 0755)
	if err != nil {
		return nil, fmt.Errorf("cannot create var directory in %s", config.ServerDir)
	}

	profiles, err := LoadProfileStore(config)
	if err != nil {
		return nil, fmt.Errorf("failed to load profile store: %v", err)
	}

	srv := &Server{
		Config:       config,
		BlobStore:    bs,
		Profiles:     profiles,
		Resolver:     cairn.NewLocalKeyResolver(""),
		taskStop:     make(chan struct{}),
		shutdownChan: make(chan struct{}),
	}

	return srv, nil
}

func (s *Server) BlobMaintenance() error {
	s.BlobStore.EvictOldFiles()
	return nil
}

func (s *Server) Start() error {
	s.AddPeriodicTask(15*time.Second, s.BlobMaintenance)

	// Load modules from config
	if err := s.LoadModules(s.Config.Modules); err != nil {
		return fmt.Errorf("failed to load modules: %v", err)
	}

	if err := s.resolveModuleDependencies(); err != nil {
		return fmt.Errorf("failed to resolve module dependencies: %v", err)
	}
	s.Modules = sortModulesByDependency(s.Modules)

	// Start modules
	for _, module := range s.Modules {
		log.Printf("Starting module %s\n", module.GetModuleName())
		if err := module.Start(); err != nil {
			return fmt.Errorf("failed to start %s module: %v", module.GetModuleName(), err)
		}
	}

	s.shutdownDoneWg.Add(1)
	go func() {
		defer s.shutdownDoneWg.Done()

		<-s.shutdownChan

		s.StopPeriodicTasks()

		for i := len(s.Modules) - 1; i >= 0; i-- {
			module := s.Modules[i]
			log.Printf("Stopping module %s\n", module.GetModuleName())
			if err := module.Stop(); err != nil {
				log.Printf("Error stopping %s module: %v", module.GetModuleName(), err)
			}
		}

		s.BlobStore.Close()
	}()

	return nil
}

func (s *Server) Stop() {
	s.shutdownOnce.Do(func() {
		close(s.shutdownChan) // Safely close channel
	})

	// Wait for all shutdown tasks to complete
	s.shutdownDoneWg.Wait()
}

func (s *Server) AddPeriodicTask(interval time.Duration, task func() error) {
	ticker := time.NewTicker(interval)
	s.taskWg.Add(1)
	go func() {
		defer ticker.Stop()
		defer s.taskWg.Done()
		for {
			select {
			case <-ticker.C:
				err := task()
				if err != nil {
					log.Printf("Periodic task failed: %v\n", err)
				}
			case <-s.taskStop:
				return
			}
		}
	}()
}

func (s *Server) StopPeriodicTasks() {
	close(s.taskStop)
	s.taskWg.Wait()
}
