// Package tasks loads the named-goal catalog behind `run --task`. A catalog
// entry packages a reusable goal with an optional complexity hint and device
// overrides, so recurring automation jobs are invoked by name instead of
// retyped goal text.
package tasks

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/xkilldash9x/marionette-cli/internal/config"
)

// Task is one catalog entry. Complexity is an optional 1..5 hint that scales
// the episode step budget; zero leaves the configured budget untouched.
type Task struct {
	Name       string          `yaml:"name"`
	Goal       string          `yaml:"goal"`
	Complexity int             `yaml:"complexity,omitempty"`
	Device     *DeviceOverride `yaml:"device,omitempty"`
}

// DeviceOverride pins a task to a specific transport, device or endpoint.
type DeviceOverride struct {
	Kind      config.DeviceKind `yaml:"kind,omitempty"`
	Serial    string            `yaml:"serial,omitempty"`
	TargetURL string            `yaml:"target_url,omitempty"`
}

// Apply overlays the override onto a copy of the configured device settings.
// Empty fields keep the configured value.
func (o *DeviceOverride) Apply(cfg config.DeviceConfig) config.DeviceConfig {
	if o == nil {
		return cfg
	}
	if o.Kind != "" {
		cfg.Kind = o.Kind
	}
	if o.Serial != "" {
		cfg.Serial = o.Serial
	}
	if o.TargetURL != "" {
		cfg.TargetURL = o.TargetURL
	}
	return cfg
}

// EpisodeSteps converts the complexity hint into a total step budget. Zero
// means the task carries no override.
func (t Task) EpisodeSteps(multiplier int) int {
	if t.Complexity <= 0 || multiplier <= 0 {
		return 0
	}
	return t.Complexity * multiplier
}

// Catalog is a parsed, validated task file.
type Catalog struct {
	Tasks []Task `yaml:"tasks"`

	byName map[string]int
}

// Load reads and validates the catalog at path.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read task catalog: %w", err)
	}
	c, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("task catalog %s: %w", path, err)
	}
	return c, nil
}

// Parse decodes and validates catalog bytes.
func Parse(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	c.byName = make(map[string]int, len(c.Tasks))
	for i := range c.Tasks {
		c.byName[c.Tasks[i].Name] = i
	}
	return &c, nil
}

func (c *Catalog) validate() error {
	seen := make(map[string]struct{}, len(c.Tasks))
	for i := range c.Tasks {
		t := &c.Tasks[i]
		if t.Name == "" {
			return fmt.Errorf("task %d: name is required", i)
		}
		if t.Goal == "" {
			return fmt.Errorf("task %q: goal is required", t.Name)
		}
		if _, dup := seen[t.Name]; dup {
			return fmt.Errorf("task %q: duplicate name", t.Name)
		}
		seen[t.Name] = struct{}{}
		if t.Complexity < 0 || t.Complexity > 5 {
			return fmt.Errorf("task %q: complexity %d outside 1..5", t.Name, t.Complexity)
		}
		if t.Device != nil && t.Device.Kind != "" {
			switch t.Device.Kind {
			case config.DeviceADB, config.DeviceCDP:
			default:
				return fmt.Errorf("task %q: unknown device kind %q", t.Name, t.Device.Kind)
			}
		}
	}
	return nil
}

// Get returns the named task.
func (c *Catalog) Get(name string) (Task, error) {
	i, ok := c.byName[name]
	if !ok {
		return Task{}, fmt.Errorf("task %q not in catalog (%d tasks loaded)", name, len(c.Tasks))
	}
	return c.Tasks[i], nil
}

// Names lists the task names in file order.
func (c *Catalog) Names() []string {
	names := make([]string, len(c.Tasks))
	for i := range c.Tasks {
		names[i] = c.Tasks[i].Name
	}
	return names
}
