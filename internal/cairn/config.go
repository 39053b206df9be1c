package cairn

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// Config represents the core daemon configuration.
type Config struct {
	// File locations
	ServerDir string `json:"-"`

	// Storage configuration
	StorageSize     uint64 `json:"StorageSize"`
	StorageFreeSize uint64 `json:"StorageFreeSize"`

	// Modules and configs for same
	Modules []json.RawMessage `json:"Modules"`
}

// NewConfig creates a new configuration instance with default values.
func NewConfig(serverDir string) *Config {
	return &Config{
		ServerDir: serverDir,

		StorageSize:     100 * 1024 * 1024, // Max size of data
		StorageFreeSize: 80 * 1024 * 1024,  // Size to clean down to when overfull
	}
}

func (c *Config) ServerPath(path string) string {
	return filepath.Join(c.ServerDir, path)
}

func (c *Config) LoadFromFile(filename string) error {
	file, err := os.Open(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	if err := decoder.Decode(c); err != nil {
		return err
	}

	return nil
}

func (c *Config) SaveToFile(filename string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(filename, data, 0644)
}
