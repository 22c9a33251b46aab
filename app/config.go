package app

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"nvos/kernel"
	"nvos/pmem"
)

var ErrInvalidConfig = errors.New("app: invalid config")

// ProcessConfig declares one persistent process.
type ProcessConfig struct {
	Name    string `yaml:"name"`
	Program string `yaml:"program"`
	Args    string `yaml:"args,omitempty"`
}

// LayoutConfig overrides segment sizes of kernel.DefaultLayout. Zero keeps
// the default.
type LayoutConfig struct {
	DataBytes  uint64 `yaml:"data_bytes,omitempty"`
	HeapBytes  uint64 `yaml:"heap_bytes,omitempty"`
	StackBytes uint64 `yaml:"stack_bytes,omitempty"`
}

type Config struct {
	// QuantumTicks is the number of timer ticks between forced switches.
	QuantumTicks uint64 `yaml:"quantum_ticks"`
	// TickBuffer is the capacity of the timer tick ring.
	TickBuffer int `yaml:"tick_buffer"`
	// Reformat wipes the image on boot.
	Reformat  bool            `yaml:"reformat,omitempty"`
	Layout    LayoutConfig    `yaml:"layout,omitempty"`
	Processes []ProcessConfig `yaml:"processes"`
}

func DefaultConfig() Config {
	return Config{
		QuantumTicks: 10,
		TickBuffer:   64,
		Processes: []ProcessConfig{
			{Name: "counter", Program: "counter"},
			{Name: "heap", Program: "heap"},
			{Name: "echo", Program: "echo", Args: `echo "hello from nvos"`},
		},
	}
}

// LoadConfig reads a YAML file over DefaultConfig. Unknown keys are errors.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.QuantumTicks == 0 {
		return fmt.Errorf("%w: quantum_ticks must be positive", ErrInvalidConfig)
	}
	if c.TickBuffer <= 0 {
		return fmt.Errorf("%w: tick_buffer must be positive", ErrInvalidConfig)
	}
	for name, v := range map[string]uint64{
		"data_bytes":  c.Layout.DataBytes,
		"heap_bytes":  c.Layout.HeapBytes,
		"stack_bytes": c.Layout.StackBytes,
	} {
		if v%pmem.PageBytes != 0 {
			return fmt.Errorf("%w: layout.%s %d is not page aligned", ErrInvalidConfig, name, v)
		}
	}
	// The idle process takes one table slot.
	if len(c.Processes) > kernel.MaxProcesses-1 {
		return fmt.Errorf("%w: %d processes, at most %d", ErrInvalidConfig, len(c.Processes), kernel.MaxProcesses-1)
	}
	seen := make(map[string]bool, len(c.Processes))
	for i, p := range c.Processes {
		switch {
		case p.Name == "":
			return fmt.Errorf("%w: process %d has no name", ErrInvalidConfig, i)
		case len(p.Name) > pmem.NameBytes:
			return fmt.Errorf("%w: process name %q longer than %d bytes", ErrInvalidConfig, p.Name, pmem.NameBytes)
		case seen[p.Name]:
			return fmt.Errorf("%w: duplicate process %q", ErrInvalidConfig, p.Name)
		}
		if _, ok := programs[p.Program]; !ok {
			return fmt.Errorf("%w: process %q: unknown program %q", ErrInvalidConfig, p.Name, p.Program)
		}
		seen[p.Name] = true
	}
	return nil
}

func (c Config) layout() kernel.Layout {
	l := kernel.DefaultLayout()
	if c.Layout.DataBytes != 0 {
		l.DataSize = c.Layout.DataBytes
	}
	if c.Layout.HeapBytes != 0 {
		l.HeapSize = c.Layout.HeapBytes
	}
	if c.Layout.StackBytes != 0 {
		l.StackSize = c.Layout.StackBytes
	}
	return l
}
