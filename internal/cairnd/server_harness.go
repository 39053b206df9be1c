package cairnd

import (
	"os"
	"testing"

	"cairn/internal/cairn"
)

// TestModuleInitializer is a function that initializes a specific module for a server.
type TestModuleInitializer func(*testing.T, *Server)

// SetupTestServer sets up a test server with optional modules.
func SetupTestServer(t *testing.T, initializers ...TestModuleInitializer) (*Server, func()) {
	tempDir, err := os.MkdirTemp("", "cairn_test")
	if err != nil {
		t.Fatalf("Failed to create temp directory: %v", err)
	}
	config := cairn.NewConfig(tempDir)

	s, err := NewServer(config)
	if err != nil {
		t.Fatalf("Failed to initialize server: %v", err)
	}

	// Initialize requested modules
	for _, init := range initializers {
		init(t, s)
	}

	cleanup := func() {
		os.RemoveAll(tempDir)
	}

	return s, cleanup
}

// WithTopologyModule is an initializer for adding the topology module to the server.
func WithTopologyModule(config *TopologyModuleConfig) TestModuleInitializer {
	return func(t *testing.T, s *Server) {
		if config == nil {
			config = &TopologyModuleConfig{}
		}
		s.AddModule(NewTopologyModule(s, config))
	}
}

// WithUserDirModule is an initializer for adding a userdir module to the server.
func WithUserDirModule(usersFile string) TestModuleInitializer {
	return func(t *testing.T, s *Server) {
		s.AddModule(NewUserDirModule(s, &UserDirModuleConfig{UsersFile: usersFile}))
	}
}
