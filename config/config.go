// Package config holds the deterministic-mode configuration record, the only
// configuration the core loads from outside. Records round-trip through JSON
// and YAML with snake_case field names.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/comalice/lockstepx/simerr"
)

// Deterministic configures lockstep execution.
type Deterministic struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
	// DtSeconds is the fixed simulated step.
	DtSeconds float64 `json:"dt_seconds" yaml:"dt_seconds"`
	// DeltaMicrosOverride, when set, replaces the step size sent to firmware.
	DeltaMicrosOverride *uint32 `json:"delta_micros_override,omitempty" yaml:"delta_micros_override,omitempty"`
	RandomSeed          int64   `json:"random_seed" yaml:"random_seed"`
	// FirmwareConnectTimeoutMs bounds connect plus handshake.
	FirmwareConnectTimeoutMs uint32 `json:"firmware_connect_timeout_ms" yaml:"firmware_connect_timeout_ms"`
}

// Default returns the default configuration: enabled, 10ms steps, seed 1337,
// 5s connect timeout.
func Default() Deterministic {
	return Deterministic{
		Enabled:                  true,
		DtSeconds:                0.01,
		RandomSeed:               1337,
		FirmwareConnectTimeoutMs: 5000,
	}
}

func (c *Deterministic) applyDefaults() {
	d := Default()
	if c.DtSeconds == 0 {
		c.DtSeconds = d.DtSeconds
	}
	if c.FirmwareConnectTimeoutMs == 0 {
		c.FirmwareConnectTimeoutMs = d.FirmwareConnectTimeoutMs
	}
}

// Validate checks the record.
func (c *Deterministic) Validate() error {
	if math.IsNaN(c.DtSeconds) || math.IsInf(c.DtSeconds, 0) || c.DtSeconds <= 0 {
		return simerr.New(simerr.KindInvalidArgument, "validate config", "dt_not_positive",
			fmt.Errorf("dt_seconds = %v", c.DtSeconds))
	}
	if c.DtSeconds > float64(math.MaxInt64)/float64(time.Second) {
		return simerr.New(simerr.KindInvalidArgument, "validate config", "dt_out_of_range",
			fmt.Errorf("dt_seconds = %v", c.DtSeconds))
	}
	if c.DeltaMicrosOverride != nil && *c.DeltaMicrosOverride == 0 {
		return simerr.InvalidArgument("validate config", "delta_micros_override_zero")
	}
	if c.FirmwareConnectTimeoutMs == 0 {
		return simerr.InvalidArgument("validate config", "connect_timeout_zero")
	}
	return nil
}

// Dt is the step size as a Duration, rounded to the nearest nanosecond.
func (c *Deterministic) Dt() time.Duration {
	return time.Duration(math.Round(c.DtSeconds * float64(time.Second)))
}

// DeltaMicros is the step size sent to firmware: the override if present,
// otherwise round(dt * 1e6), never less than 1.
func (c *Deterministic) DeltaMicros() uint32 {
	if c.DeltaMicrosOverride != nil {
		return *c.DeltaMicrosOverride
	}
	us := math.Round(c.DtSeconds * 1e6)
	switch {
	case us < 1 || math.IsNaN(us):
		return 1
	case us > math.MaxUint32:
		return math.MaxUint32
	}
	return uint32(us)
}

// DefaultHostDt is the host step used when deterministic mode is disabled.
const DefaultHostDt = 10 * time.Millisecond

func (c *Deterministic) active() bool {
	return c.Enabled && c.DtSeconds > 0
}

// StepDt is the step the host advances by: Dt in deterministic mode,
// otherwise host (DefaultHostDt when host is not positive).
func (c *Deterministic) StepDt(host time.Duration) time.Duration {
	if c.active() {
		return c.Dt()
	}
	if host <= 0 {
		return DefaultHostDt
	}
	return host
}

// StepDeltaMicros is the step size sent to firmware for StepDt(host). The
// override only applies in deterministic mode.
func (c *Deterministic) StepDeltaMicros(host time.Duration) uint32 {
	if c.active() {
		return c.DeltaMicros()
	}
	us := c.StepDt(host).Microseconds()
	switch {
	case us < 1:
		return 1
	case us > math.MaxUint32:
		return math.MaxUint32
	}
	return uint32(us)
}

// ConnectTimeout is the firmware connect timeout.
func (c *Deterministic) ConnectTimeout() time.Duration {
	return time.Duration(c.FirmwareConnectTimeoutMs) * time.Millisecond
}

type format int

const (
	formatJSON format = iota
	formatYAML
)

func formatOf(path string) (format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return formatJSON, nil
	case ".yaml", ".yml":
		return formatYAML, nil
	default:
		return 0, simerr.New(simerr.KindInvalidArgument, "config format", "unknown_extension",
			fmt.Errorf("%q", path))
	}
}

// Load reads a record from a .json, .yaml or .yml file. Fields missing from
// the file keep their defaults.
func Load(path string) (Deterministic, error) {
	f, err := formatOf(path)
	if err != nil {
		return Deterministic{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Deterministic{}, fmt.Errorf("config %q: %w", path, os.ErrNotExist)
		}
		return Deterministic{}, fmt.Errorf("read %s: %w", path, err)
	}
	return Parse(data, f == formatYAML)
}

// Parse decodes a record from JSON, or from YAML when yamlData is set.
func Parse(data []byte, yamlData bool) (Deterministic, error) {
	cfg := Default()
	if yamlData {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Deterministic{}, fmt.Errorf("yaml unmarshal: %w", err)
		}
	} else {
		if err := json.Unmarshal(data, &cfg); err != nil {
			return Deterministic{}, fmt.Errorf("json unmarshal: %w", err)
		}
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Deterministic{}, fmt.Errorf("config validation after load: %w", err)
	}
	return cfg, nil
}

// Save writes the record to path in the format chosen by its extension.
func Save(path string, c Deterministic) error {
	f, err := formatOf(path)
	if err != nil {
		return err
	}
	var data []byte
	if f == formatYAML {
		data, err = yaml.Marshal(c)
		if err != nil {
			return fmt.Errorf("yaml marshal: %w", err)
		}
	} else {
		data, err = json.MarshalIndent(c, "", "  ")
		if err != nil {
			return fmt.Errorf("json marshal: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// Environment variables read by ApplyEnv.
const (
	EnvEnabled        = "LOCKSTEP_ENABLED"
	EnvDtSeconds      = "LOCKSTEP_DT_SECONDS"
	EnvDeltaMicros    = "LOCKSTEP_DELTA_MICROS"
	EnvRandomSeed     = "LOCKSTEP_RANDOM_SEED"
	EnvConnectTimeout = "LOCKSTEP_FIRMWARE_CONNECT_TIMEOUT_MS"
)

// ApplyEnv overrides fields from environment variables looked up with
// lookup (os.LookupEnv in production) and validates the result.
func ApplyEnv(c *Deterministic, lookup func(string) (string, bool)) error {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	var errs []error
	if v, ok := lookup(EnvEnabled); ok {
		b, err := strconv.ParseBool(v)
		errs = append(errs, envErr(EnvEnabled, err))
		if err == nil {
			c.Enabled = b
		}
	}
	if v, ok := lookup(EnvDtSeconds); ok {
		f, err := strconv.ParseFloat(v, 64)
		errs = append(errs, envErr(EnvDtSeconds, err))
		if err == nil {
			c.DtSeconds = f
		}
	}
	if v, ok := lookup(EnvDeltaMicros); ok {
		n, err := strconv.ParseUint(v, 10, 32)
		errs = append(errs, envErr(EnvDeltaMicros, err))
		if err == nil {
			us := uint32(n)
			c.DeltaMicrosOverride = &us
		}
	}
	if v, ok := lookup(EnvRandomSeed); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		errs = append(errs, envErr(EnvRandomSeed, err))
		if err == nil {
			c.RandomSeed = n
		}
	}
	if v, ok := lookup(EnvConnectTimeout); ok {
		n, err := strconv.ParseUint(v, 10, 32)
		errs = append(errs, envErr(EnvConnectTimeout, err))
		if err == nil {
			c.FirmwareConnectTimeoutMs = uint32(n)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}
	return c.Validate()
}

func envErr(name string, err error) error {
	if err == nil {
		return nil
	}
	return simerr.New(simerr.KindInvalidArgument, "apply env", "bad_env_value", fmt.Errorf("%s: %w", name, err))
}
