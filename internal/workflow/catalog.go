package workflow

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

var ErrWorkflowNotFound = errors.New("workflow not found")

// ParseDefinition decodes YAML or JSON (JSON is valid YAML) and validates
// the result.
func ParseDefinition(data []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("failed to parse workflow definition: %w", err)
	}
	if err := Validate(&def); err != nil {
		return nil, err
	}
	return &def, nil
}

// Catalog holds the named definitions available to the API. Registering a
// name again replaces the previous definition.
type Catalog struct {
	mu   sync.RWMutex
	defs map[string]*Definition
}

func NewCatalog() *Catalog {
	return &Catalog{defs: make(map[string]*Definition)}
}

func (c *Catalog) Register(def *Definition) error {
	if err := Validate(def); err != nil {
		return err
	}
	c.mu.Lock()
	c.defs[def.Name] = def
	c.mu.Unlock()
	return nil
}

func (c *Catalog) Get(name string) (*Definition, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	def, ok := c.defs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrWorkflowNotFound, name)
	}
	return def, nil
}

func (c *Catalog) List() []*Definition {
	c.mu.RLock()
	out := make([]*Definition, 0, len(c.defs))
	for _, d := range c.defs {
		out = append(out, d)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// LoadDir registers every .yaml, .yml and .json file in dir. It stops at the
// first invalid file and reports how many were loaded before it.
func (c *Catalog) LoadDir(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("failed to read workflow directory: %w", err)
	}

	loaded := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(entry.Name())) {
		case ".yaml", ".yml", ".json":
		default:
			continue
		}

		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return loaded, fmt.Errorf("failed to read %s: %w", path, err)
		}
		def, err := ParseDefinition(data)
		if err != nil {
			return loaded, fmt.Errorf("%s: %w", path, err)
		}
		if err := c.Register(def); err != nil {
			return loaded, fmt.Errorf("%s: %w", path, err)
		}
		loaded++
	}
	return loaded, nil
}
