// Package config holds the configuration of the scene demo driver.
package config

import (
	"fmt"
	"os"

	"sigs.k8s.io/yaml"
)

const (
	// DefaultGenerations is the number of generations of a run.
	DefaultGenerations = 100
	// DefaultEntities is the size of the scene.
	DefaultEntities = 1000
	// DefaultChurnPercent is the share of entities mutated per generation.
	DefaultChurnPercent = 5
	// DefaultInitialCapacity is the initial size of the vertex buffer.
	DefaultInitialCapacity = 1024
	// DefaultMaxCapacity bounds the growth of the vertex buffer.
	DefaultMaxCapacity = 1 << 20
)

// Config is the configuration of a demo run.
type Config struct {
	// Generations is the number of polling generations to run.
	Generations int `json:"generations,omitempty"`
	// Entities is the number of scene entities created at start.
	Entities int `json:"entities,omitempty"`
	// ChurnPercent is the share of the entities mutated in each generation.
	ChurnPercent int `json:"churnPercent,omitempty"`
	// Seed seeds the mutation generator. Zero means a fixed default seed.
	Seed int64 `json:"seed,omitempty"`
	// WorkerPoolSize limits the async upload tasks running at the same time.
	WorkerPoolSize int `json:"workerPoolSize,omitempty"`
	// Allocator configures the vertex buffer allocator.
	Allocator AllocatorConfig `json:"allocator,omitempty"`
}

// AllocatorConfig configures a reactive allocator.
type AllocatorConfig struct {
	// InitialCapacity is the size of the address space at start.
	InitialCapacity uint32 `json:"initialCapacity,omitempty"`
	// MaxCapacity bounds the growth of the address space.
	MaxCapacity uint32 `json:"maxCapacity,omitempty"`
}

// ErrConfig is returned for an invalid configuration.
type ErrConfig = error

// NewConfigError creates an error for an invalid field.
func NewConfigError(field, message string) ErrConfig {
	return fmt.Errorf("invalid configuration: %s: %s", field, message)
}

// Default returns the default configuration.
func Default() *Config {
	c := &Config{}
	c.SetDefaults()
	return c
}

// Load reads a YAML configuration file.
func Load(file string) (*Config, error) {
	b, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	return Parse(b)
}

// Parse parses a YAML configuration, applies the defaults and validates the result.
func Parse(b []byte) (*Config, error) {
	c := &Config{}
	if err := yaml.UnmarshalStrict(b, c); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	c.SetDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// SetDefaults fills in the unset fields.
func (c *Config) SetDefaults() {
	if c.Generations == 0 {
		c.Generations = DefaultGenerations
	}
	if c.Entities == 0 {
		c.Entities = DefaultEntities
	}
	if c.ChurnPercent == 0 {
		c.ChurnPercent = DefaultChurnPercent
	}
	if c.Allocator.InitialCapacity == 0 {
		c.Allocator.InitialCapacity = DefaultInitialCapacity
	}
	if c.Allocator.MaxCapacity == 0 {
		c.Allocator.MaxCapacity = max(DefaultMaxCapacity, c.Allocator.InitialCapacity)
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Generations < 0 {
		return NewConfigError("generations", "must not be negative")
	}
	if c.Entities < 0 {
		return NewConfigError("entities", "must not be negative")
	}
	if c.ChurnPercent < 0 || c.ChurnPercent > 100 {
		return NewConfigError("churnPercent", fmt.Sprintf("%d is not a percentage", c.ChurnPercent))
	}
	if c.WorkerPoolSize < 0 {
		return NewConfigError("workerPoolSize", "must not be negative")
	}
	if c.Allocator.MaxCapacity < c.Allocator.InitialCapacity {
		return NewConfigError("allocator.maxCapacity",
			fmt.Sprintf("%d is below the initial capacity %d", c.Allocator.MaxCapacity,
				c.Allocator.InitialCapacity))
	}
	return nil
}

// String renders the configuration as YAML.
func (c *Config) String() string {
	b, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Sprintf("<invalid config: %s>", err)
	}
	return string(b)
}
