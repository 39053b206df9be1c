package cairnd

import (
	"encoding/json"
	"fmt"
)

// Module is an interface that all modules must implement.
type Module interface {
	Start() error
	Stop() error
	GetModuleName() string
	GetConfig() any
	GetDependencies() []*Dependency // Return required module types
}

// DependencyType represents how a dependency should be handled
type DependencyType int

const (
	// DependOptional - Use if available, but don't require it. Only affects ordering of
	// when the module loads.
	DependOptional DependencyType = iota

	// DependRequired - Must exist, error if not found
	DependRequired

	// DependAutoCreate - Create with default config if not found
	DependAutoCreate
)

// Dependency represents a module dependency with its handling type
type Dependency struct {
	ModuleType string
	Type       DependencyType

	// For dynamic configuration based on parent module
	ConfigGenerator func(parentModule Module) (json.RawMessage, error)
}

// ModuleConfig represents a generic module configuration.
type ModuleConfig struct {
	Type   string          `json:"type"`
	Config json.RawMessage `json:"config"`
}

func (s *Server) GetModules(name string) []Module {
	var matches []Module
	for _, module := range s.Modules {
		if module.GetModuleName() == name {
			matches = append(matches, module)
		}
	}
	return matches
}

// FindTopology returns the topology module, if one is loaded.
func (s *Server) FindTopology() *TopologyModule {
	for _, module := range s.Modules {
		if topology, ok := module.(*TopologyModule); ok {
			return topology
		}
	}
	return nil
}

func (s *Server) AddModule(module Module) {
	s.Modules = append(s.Modules, module)
	// Call all hooks for the newly added module
	for _, hook := range s.moduleHooks {
		hook(module)
	}
}

// AddModuleHook adds a new hook to be called whenever a new module is added.
func (s *Server) AddModuleHook(hook func(Module)) {
	s.moduleHooks = append(s.moduleHooks, hook)
	// Call the hook immediately for all existing modules
	for _, module := range s.Modules {
		hook(module)
	}
}

func (s *Server) createModuleFromConfig(moduleType string, rawConfig json.RawMessage) (Module, error) {
	switch moduleType {
	case "topology":
		var topologyConfig TopologyModuleConfig
		if err := json.Unmarshal(rawConfig, &topologyConfig); err != nil {
			return nil, fmt.Errorf("failed to unmarshal topology module config: %v", err)
		}

		return NewTopologyModule(s, &topologyConfig), nil

	case "userdir":
		var userDirConfig UserDirModuleConfig
		if err := json.Unmarshal(rawConfig, &userDirConfig); err != nil {
			return nil, fmt.Errorf("failed to unmarshal userdir module config: %v", err)
		}

		return NewUserDirModule(s, &userDirConfig), nil

	case "gateway":
		var gatewayConfig GatewayModuleConfig
		if err := json.Unmarshal(rawConfig, &gatewayConfig); err != nil {
			return nil, fmt.Errorf("failed to unmarshal gateway module config: %v", err)
		}

		gatewayModule, err := NewGatewayModule(s, &gatewayConfig)
		if err != nil {
			return nil, fmt.Errorf("can't create gateway module: %v", err)
		}
		return gatewayModule, nil

	case "fuse":
		var fuseConfig FuseModuleConfig
		if err := json.Unmarshal(rawConfig, &fuseConfig); err != nil {
			return nil, fmt.Errorf("failed to unmarshal fuse module config: %v", err)
		}

		return NewFuseModule(s, &fuseConfig), nil

	default:
		return nil, fmt.Errorf("unknown module type: %s", moduleType)
	}
}

func (s *Server) LoadModules(rawModuleConfigs []json.RawMessage) error {
	for _, rawConfig := range rawModuleConfigs {
		var baseConfig ModuleConfig
		if err := json.Unmarshal(rawConfig, &baseConfig); err != nil {
			return fmt.Errorf("error unmarshalling base module config: %v", err)
		}

		module, err := s.createModuleFromConfig(baseConfig.Type, rawConfig)
		if err != nil {
			return err
		}

		s.AddModule(module)
	}
	return nil
}

func (s *Server) resolveModuleDependencies() error {
	// Track which module types exist
	moduleTypesExist := make(map[string]bool)

	for _, module := range s.Modules {
		moduleTypesExist[module.GetModuleName()] = true
	}

	// Process modules, allowing for list growth during iteration
	for i := 0; i < len(s.Modules); i++ {
		module := s.Modules[i]

		for _, dependency := range module.GetDependencies() {
			if moduleTypesExist[dependency.ModuleType] {
				continue
			}

			switch dependency.Type {
			case DependRequired:
				return fmt.Errorf("module %s requires %s, but no such module exists",
					module.GetModuleName(), dependency.ModuleType)

			case DependAutoCreate:
				if dependency.ConfigGenerator == nil {
					return fmt.Errorf("auto-create dependency on %s requires a config generator",
						dependency.ModuleType)
				}

				config, err := dependency.ConfigGenerator(module)
				if err != nil {
					return fmt.Errorf("failed to generate config for %s: %v",
						dependency.ModuleType, err)
				}

				newModule, err := s.createModuleFromConfig(dependency.ModuleType, config)
				if err != nil {
					return fmt.Errorf("failed to auto-create %s module: %v",
						dependency.ModuleType, err)
				}

				s.AddModule(newModule)
				moduleTypesExist[dependency.ModuleType] = true

			case DependOptional:
				// Nothing to do for optional dependencies that don't exist
			}
		}
	}

	return nil
}

// sortModulesByDependency performs topological sort of modules based on dependencies
func sortModulesByDependency(modules []Module) []Module {
	modulesByType := make(map[string][]Module)
	for _, module := range modules {
		moduleType := module.GetModuleName()
		modulesByType[moduleType] = append(modulesByType[moduleType], module)
	}

	visited := make(map[Module]bool)
	sorted := make([]Module, 0, len(modules))

	var visit func(Module)
	visit = func(module Module) {
		if visited[module] {
			return
		}

		visited[module] = true

		// Visit dependencies first (of any type)
		for _, dep := range module.GetDependencies() {
			if deps, exists := modulesByType[dep.ModuleType]; exists {
				for _, depModule := range deps {
					visit(depModule)
				}
			}
		}

		// Add this module after its dependencies
		sorted = append(sorted, module)
	}

	for _, module := range modules {
		if !visited[module] {
			visit(module)
		}
	}

	return sorted
}

// SerializeModuleConfig converts any module's configuration into JSON
// with its type field set properly
func SerializeModuleConfig(module Module, config any) (json.RawMessage, error) {
	configBytes, err := json.Marshal(config)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config: %v", err)
	}

	var configMap map[string]any
	if err := json.Unmarshal(configBytes, &configMap); err != nil {
		return nil, fmt.Errorf("failed to convert config to map: %v", err)
	}

	configMap["type"] = module.GetModuleName()

	return json.Marshal(configMap)
}
