// Package config loads the coordinator's configuration table: the set of
// ServerSpecs, cache tuning, and daemon-level settings. Configuration
// arrives from a YAML file, is overridden by environment variables, and is
// checked by the hand-written Table.Validate before a single subprocess is
// spawned.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/invopop/jsonschema"
	"github.com/joeshaw/envdecode"
	"gopkg.in/yaml.v3"
)

// Transport identifies how the coordinator talks to one MCP server.
type Transport string

const (
	TransportStdio       Transport = "stdio"
	TransportLocalSocket Transport = "local-socket"
	TransportHTTP        Transport = "http"
)

// ServerSpec is the on-disk description of one MCP server entry. It is
// decoded verbatim from YAML; Validate fills in defaults and checks
// required fields per transport kind.
type ServerSpec struct {
	Name           string            `yaml:"-" jsonschema:"description=unique logical server name"`
	Transport      Transport         `yaml:"transport" jsonschema:"enum=stdio,enum=local-socket,enum=http"`
	Command        []string          `yaml:"command,omitempty"`
	Endpoint       string            `yaml:"endpoint,omitempty"`
	Env            map[string]string `yaml:"env,omitempty"`
	StartupTimeout time.Duration     `yaml:"startup_timeout,omitempty"`
	IdleTimeout    time.Duration     `yaml:"idle_timeout,omitempty"`
}

// Validate checks that a ServerSpec carries the fields its transport kind
// requires, and fills in timeout defaults.
func (s *ServerSpec) Validate(defaultIdleTimeout time.Duration) error {
	switch s.Transport {
	case TransportStdio, TransportLocalSocket:
		if len(s.Command) == 0 {
			return fmt.Errorf("config: server %q: transport %q requires a non-empty command", s.Name, s.Transport)
		}
	case TransportHTTP:
		if s.Endpoint == "" {
			return fmt.Errorf("config: server %q: transport %q requires an endpoint", s.Name, s.Transport)
		}
	default:
		return fmt.Errorf("config: server %q: unknown transport %q", s.Name, s.Transport)
	}
	if s.StartupTimeout <= 0 {
		s.StartupTimeout = 10 * time.Second
	}
	if s.IdleTimeout <= 0 {
		s.IdleTimeout = defaultIdleTimeout
	}
	return nil
}

// CacheConfig tunes the Response Cache.
type CacheConfig struct {
	DefaultTTL        time.Duration            `yaml:"default_ttl" env:"MCPD_CACHE_DEFAULT_TTL"`
	MaxBytes          int64                    `yaml:"max_bytes" env:"MCPD_CACHE_MAX_BYTES"`
	MethodTTL         map[string]time.Duration `yaml:"method_ttl,omitempty"`
	CacheServerErrors bool                     `yaml:"cache_server_errors,omitempty" env:"MCPD_CACHE_SERVER_ERRORS"`
}

// DaemonConfig tunes process-lifetime behavior.
type DaemonConfig struct {
	Socket        string        `yaml:"socket" env:"MCPD_SOCKET"`
	IdleShutdown  time.Duration `yaml:"idle_shutdown" env:"MCPD_IDLE_SHUTDOWN"`
	DrainDeadline time.Duration `yaml:"drain_deadline" env:"MCPD_DRAIN_DEADLINE"`
}

// envOverrides is the subset of configuration that may be supplied via
// environment variables, decoded with envdecode. YAML values are the
// baseline; a present env var always wins.
type envOverrides struct {
	CacheDefaultTTL   time.Duration `env:"MCPD_CACHE_DEFAULT_TTL"`
	CacheMaxBytes     int64         `env:"MCPD_CACHE_MAX_BYTES"`
	CacheServerErrors *bool         `env:"MCPD_CACHE_SERVER_ERRORS"`
	Socket            string        `env:"MCPD_SOCKET"`
	IdleShutdown      time.Duration `env:"MCPD_IDLE_SHUTDOWN"`
	DrainDeadline     time.Duration `env:"MCPD_DRAIN_DEADLINE"`
}

// Table is the fully decoded, env-overridden, validated configuration.
type Table struct {
	Servers map[string]*ServerSpec `yaml:"servers"`
	Cache   CacheConfig            `yaml:"cache"`
	Daemon  DaemonConfig           `yaml:"daemon"`
}

// defaultTable returns the baseline values applied before a file is
// decoded on top of them.
func defaultTable() *Table {
	return &Table{
		Servers: map[string]*ServerSpec{},
		Cache: CacheConfig{
			DefaultTTL: 5 * time.Minute,
			MaxBytes:   64 << 20,
		},
		Daemon: DaemonConfig{
			IdleShutdown:  5 * time.Minute,
			DrainDeadline: 10 * time.Second,
		},
	}
}

// Load reads path (if non-empty and present), applies environment
// overrides, validates the result, and returns the merged Table. An empty
// or missing path is not an error: the daemon can run with zero
// configured servers, gaining entries only via hot-reload or future CLI
// flags.
func Load(path string) (*Table, error) {
	t := defaultTable()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return applyOverridesAndValidate(t)
			}
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, t); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	for name, spec := range t.Servers {
		spec.Name = name
	}

	return applyOverridesAndValidate(t)
}

func applyOverridesAndValidate(t *Table) (*Table, error) {
	var env envOverrides
	if err := envdecode.Decode(&env); err != nil && err != envdecode.ErrNoTargetFieldsAreSet {
		return nil, fmt.Errorf("config: decode environment: %w", err)
	}
	if env.CacheDefaultTTL != 0 {
		t.Cache.DefaultTTL = env.CacheDefaultTTL
	}
	if env.CacheMaxBytes != 0 {
		t.Cache.MaxBytes = env.CacheMaxBytes
	}
	if env.CacheServerErrors != nil {
		t.Cache.CacheServerErrors = *env.CacheServerErrors
	}
	if env.Socket != "" {
		t.Daemon.Socket = env.Socket
	}
	if env.IdleShutdown != 0 {
		t.Daemon.IdleShutdown = env.IdleShutdown
	}
	if env.DrainDeadline != 0 {
		t.Daemon.DrainDeadline = env.DrainDeadline
	}

	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

// Validate checks every ServerSpec and rejects configuration switches this
// coordinator does not yet support.
func (t *Table) Validate() error {
	if t.Cache.CacheServerErrors {
		return fmt.Errorf("config: cache.cache_server_errors is reserved and must be false in this version")
	}
	for name, spec := range t.Servers {
		if spec.Name == "" {
			spec.Name = name
		}
		if err := spec.Validate(t.Daemon.IdleShutdown); err != nil {
			return err
		}
	}
	return nil
}

// Schema returns the JSON Schema for Table, generated from the Go structs
// via invopop/jsonschema. Load does not use it; Load's validation is
// Table.Validate.
func Schema() *jsonschema.Schema {
	r := &jsonschema.Reflector{ExpandedStruct: true}
	return r.Reflect(&Table{})
}

// Diff reports the server names added, removed, or changed between two
// configuration snapshots, by name only — field-level changes to an
// existing server do not apply to already-running entries, matching
// ServerSpec's "never mutated once created" invariant.
type Diff struct {
	Added   []string
	Removed []string
	Changed []string
}

// DiffServers computes the per-name difference between old and next.
func DiffServers(old, next map[string]*ServerSpec) Diff {
	var d Diff
	for name := range next {
		if _, ok := old[name]; !ok {
			d.Added = append(d.Added, name)
		}
	}
	for name := range old {
		if _, ok := next[name]; !ok {
			d.Removed = append(d.Removed, name)
		}
	}
	for name, oldSpec := range old {
		if newSpec, ok := next[name]; ok && !specsEqual(oldSpec, newSpec) {
			d.Changed = append(d.Changed, name)
		}
	}
	return d
}

func specsEqual(a, b *ServerSpec) bool {
	if a.Transport != b.Transport || a.Endpoint != b.Endpoint ||
		a.StartupTimeout != b.StartupTimeout || a.IdleTimeout != b.IdleTimeout {
		return false
	}
	if len(a.Command) != len(b.Command) {
		return false
	}
	for i := range a.Command {
		if a.Command[i] != b.Command[i] {
			return false
		}
	}
	if len(a.Env) != len(b.Env) {
		return false
	}
	for k, v := range a.Env {
		if b.Env[k] != v {
			return false
		}
	}
	return true
}
