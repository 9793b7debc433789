// Package config loads scheduler settings from CUE files.
//
// A config file is unified with an embedded schema, so defaults come from
// the schema and a typo or an out-of-range value fails validation with a
// CUE position. Durations are written as Go duration strings ("17ms").
package config

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"

	"github.com/roach88/gpuchan/internal/engine"
)

// Schema is the CUE definition every config file is unified with.
const Schema = `
#Duration: =~"^[0-9]+(\\.[0-9]+)?(ns|us|ms|s|m)$"

#Config: {
	preemption: {
		vsync_interval: #Duration | *"17ms"
		preempt_wait?:  #Duration
		max_preempt?:   #Duration
		stop_threshold?: #Duration
	}
	log: {
		level:  *"info" | "debug" | "warn" | "error"
		format: *"text" | "json"
	}
	simulation: {
		max_steps: int & >0 | *10000
	}
}
`

// Config is the decoded scheduler configuration.
type Config struct {
	Preemption Preemption `json:"preemption"`
	Log        Log        `json:"log"`
	Simulation Simulation `json:"simulation"`
}

// Preemption holds the preemption thresholds. Unset thresholds derive from
// VsyncInterval.
type Preemption struct {
	VsyncInterval string `json:"vsync_interval"`
	PreemptWait   string `json:"preempt_wait,omitempty"`
	MaxPreempt    string `json:"max_preempt,omitempty"`
	StopThreshold string `json:"stop_threshold,omitempty"`
}

// Log selects the slog handler.
type Log struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

// Simulation bounds harness runs.
type Simulation struct {
	// MaxSteps caps worker tasks per drain so a preempted channel cannot
	// spin forever.
	MaxSteps int `json:"max_steps"`
}

// Default returns the schema defaults.
func Default() Config {
	cfg, err := Parse("default.cue", nil)
	if err != nil {
		panic(fmt.Sprintf("config: embedded schema: %v", err))
	}
	return *cfg
}

// Load reads and validates the CUE file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(path, data)
}

// Parse validates src against the schema and decodes it. filename is used
// in error positions only.
func Parse(filename string, src []byte) (*Config, error) {
	ctx := cuecontext.New()

	schema := ctx.CompileString(Schema, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	value := ctx.CompileBytes(src, cue.Filename(filename))
	if err := value.Err(); err != nil {
		return nil, fmt.Errorf("compile %s: %w", filename, formatCUEError(filename, err))
	}

	unified := schema.LookupPath(cue.ParsePath("#Config")).Unify(value)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return nil, fmt.Errorf("validate %s: %w", filename, formatCUEError(filename, err))
	}

	var cfg Config
	if err := unified.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode %s: %w", filename, formatCUEError(filename, err))
	}

	if _, err := cfg.Thresholds(); err != nil {
		return nil, fmt.Errorf("validate %s: %w", filename, err)
	}
	return &cfg, nil
}

// Thresholds converts the preemption settings into controller thresholds.
func (c Config) Thresholds() (engine.PreemptionConfig, error) {
	vsync, err := time.ParseDuration(c.Preemption.VsyncInterval)
	if err != nil {
		return engine.PreemptionConfig{}, fmt.Errorf("vsync_interval: %w", err)
	}
	if vsync <= 0 {
		return engine.PreemptionConfig{}, fmt.Errorf("vsync_interval must be positive")
	}

	out := engine.PreemptionConfig{
		PreemptWait:   2 * vsync,
		MaxPreempt:    vsync,
		StopThreshold: vsync,
	}
	for _, f := range []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"preempt_wait", c.Preemption.PreemptWait, &out.PreemptWait},
		{"max_preempt", c.Preemption.MaxPreempt, &out.MaxPreempt},
		{"stop_threshold", c.Preemption.StopThreshold, &out.StopThreshold},
	} {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return engine.PreemptionConfig{}, fmt.Errorf("%s: %w", f.name, err)
		}
		*f.dst = d
	}
	return out, nil
}

// SlogLevel maps the configured level onto slog.
func (c Config) SlogLevel() slog.Level {
	switch c.Log.Level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
