package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/nidhogg/atlas/internal/dream"
	"github.com/nidhogg/atlas/internal/drive"
	"github.com/nidhogg/atlas/internal/embedding"
	"github.com/nidhogg/atlas/internal/heartbeat"
	"github.com/nidhogg/atlas/internal/mcp"
	"github.com/nidhogg/atlas/internal/oracle"
	"github.com/nidhogg/atlas/internal/provider"
)

// Config is the top-level configuration structure.
type Config struct {
	Server    ServerConfig     `json:"server"`
	Heartbeat HeartbeatConfig  `json:"heartbeat"`
	Drives    Drives           `json:"drives"`
	Memory    MemoryConfig     `json:"memory"`
	Dream     dream.Config     `json:"dream"`
	Oracle    OracleConfig     `json:"oracle"`
	Providers []ProviderConfig `json:"providers"`
	Embedding EmbeddingConfig  `json:"embedding"`
	Database  DatabaseConfig   `json:"database"`
	MCP       MCPConfig        `json:"mcp"`
	Workspace WorkspaceConfig  `json:"workspace"`
	Snapshot  SnapshotConfig   `json:"snapshot"`
	Events    EventsConfig     `json:"events"`
}

type ServerConfig struct {
	Port        int      `json:"port"`
	LogLevel    string   `json:"log_level"`
	Dev         bool     `json:"dev"`
	CORSOrigins []string `json:"cors_origins,omitempty"`
}

type HeartbeatConfig struct {
	Interval      Duration          `json:"interval"`
	MaxActions    int               `json:"max_actions"`
	OracleTimeout Duration          `json:"oracle_timeout"`
	ToolTimeout   Duration          `json:"tool_timeout"`
	SnapshotEvery int               `json:"snapshot_every"`
	MaxCycles     int64             `json:"max_cycles"`
	WorkingWindow int               `json:"working_window"`
	Effects       heartbeat.Effects `json:"effects"`
}

type MemoryConfig struct {
	WorkingCapacity   int     `json:"working_capacity"`
	RecallK           int     `json:"recall_k"`
	MinRelevance      float64 `json:"min_relevance"`
	PromoteImportance int     `json:"promote_importance"`
	FactLimit         int     `json:"fact_limit"`
}

type OracleConfig struct {
	Provider    string   `json:"provider,omitempty"` // bound to the decide and dream purposes
	Fallbacks   []string `json:"fallbacks,omitempty"`
	Model       string   `json:"model,omitempty"`
	Temperature float64  `json:"temperature"`
	MaxTokens   int      `json:"max_tokens"`
	Retries     int      `json:"retries"`
	ProfileDir  string   `json:"profile_dir,omitempty"`
}

type ProviderConfig struct {
	ID       string            `json:"id"`
	Type     string            `json:"type"`
	Name     string            `json:"name"`
	Endpoint string            `json:"endpoint"`
	APIKey   string            `json:"api_key"`
	Model    string            `json:"model,omitempty"`
	Extra    map[string]string `json:"extra,omitempty"`
	Timeout  Duration          `json:"timeout"`
}

type EmbeddingConfig struct {
	Provider  string   `json:"provider"`
	Endpoint  string   `json:"endpoint"`
	Model     string   `json:"model"`
	APIKey    string   `json:"api_key"`
	Dimension int      `json:"dimension"`
	Timeout   Duration `json:"timeout"`
	CacheTTL  Duration `json:"cache_ttl"`
}

type DatabaseConfig struct {
	Postgres PostgresConfig `json:"postgres"`
	Neo4j    Neo4jConfig    `json:"neo4j"`
	Redis    RedisConfig    `json:"redis"`
	Qdrant   QdrantConfig   `json:"qdrant"`
}

type PostgresConfig struct {
	DSN           string `json:"dsn"`
	KeepSnapshots int    `json:"keep_snapshots"`
}

type Neo4jConfig struct {
	URI      string `json:"uri"`
	User     string `json:"user"`
	Password string `json:"password"`
}

type RedisConfig struct {
	URL    string `json:"url"`
	Stream string `json:"stream"`
}

type QdrantConfig struct {
	Host       string `json:"host"`
	Port       int    `json:"port"`
	Collection string `json:"collection"`
}

type MCPConfig struct {
	Servers []mcp.ServerConfig `json:"servers"`
}

type WorkspaceConfig struct {
	Root      string   `json:"root"`
	Protected []string `json:"protected,omitempty"`
	BackupDir string   `json:"backup_dir,omitempty"`
}

type SnapshotConfig struct {
	Path string `json:"path"`
}

type EventsConfig struct {
	QueueSize int `json:"queue_size"`
	TraceSize int `json:"trace_size"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	hb := heartbeat.DefaultConfig()
	return &Config{
		Server: ServerConfig{Port: 8080, LogLevel: "info"},
		Heartbeat: HeartbeatConfig{
			Interval:      Duration(hb.Interval),
			MaxActions:    hb.MaxActions,
			OracleTimeout: Duration(hb.OracleTimeout),
			ToolTimeout:   Duration(hb.ToolTimeout),
			SnapshotEvery: hb.SnapshotEvery,
			WorkingWindow: hb.WorkingWindow,
			Effects:       hb.Effects,
		},
		Drives: Drives{drive.DefaultConfig()},
		Memory: MemoryConfig{
			WorkingCapacity:   10,
			RecallK:           hb.RecallK,
			MinRelevance:      hb.MinRelevance,
			PromoteImportance: hb.PromoteImportance,
			FactLimit:         hb.FactLimit,
		},
		Dream:     dream.DefaultConfig(),
		Oracle:    OracleConfig{Temperature: 0.7, MaxTokens: 2048, Retries: 3},
		Embedding: EmbeddingConfig{Provider: "hash", Dimension: 256, CacheTTL: Duration(30 * time.Minute)},
		Database: DatabaseConfig{
			Postgres: PostgresConfig{KeepSnapshots: 50},
			Redis:    RedisConfig{Stream: "atlas:events"},
			Qdrant:   QdrantConfig{Port: 6334, Collection: "episodes"},
		},
		Workspace: WorkspaceConfig{Root: "workspace", BackupDir: ".atlas/backups"},
		Snapshot:  SnapshotConfig{Path: ".atlas/snapshot.json"},
		Events:    EventsConfig{QueueSize: 1024, TraceSize: 256},
	}
}

// envVarRe matches ${VAR} and ${VAR:default} patterns.
var envVarRe = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// Load reads a JSON config file over the defaults and substitutes
// environment variable references. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, cfg.Validate()
	}
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := json.Unmarshal([]byte(expand(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// expand substitutes ${VAR} and ${VAR:default} with environment values.
func expand(s string) string {
	return envVarRe.ReplaceAllStringFunc(s, func(match string) string {
		parts := envVarRe.FindStringSubmatch(match)
		if v := os.Getenv(parts[1]); v != "" {
			return v
		}
		return parts[2]
	})
}

// Validate rejects settings the agent cannot run with.
func (c *Config) Validate() error {
	if c.Memory.WorkingCapacity < 1 {
		return fmt.Errorf("memory.working_capacity %d < 1", c.Memory.WorkingCapacity)
	}
	if c.Memory.MinRelevance < 0 || c.Memory.MinRelevance > 1 {
		return fmt.Errorf("memory.min_relevance %v outside [0,1]", c.Memory.MinRelevance)
	}
	if c.Heartbeat.Interval <= 0 {
		return fmt.Errorf("heartbeat.interval must be positive")
	}
	if c.Heartbeat.MaxCycles < 0 {
		return fmt.Errorf("heartbeat.max_cycles %d < 0", c.Heartbeat.MaxCycles)
	}
	if err := c.Drives.Validate(); err != nil {
		return fmt.Errorf("drives: %w", err)
	}
	if err := c.Dream.Validate(); err != nil {
		return err
	}
	if err := c.HeartbeatSettings().Validate(); err != nil {
		return err
	}
	seen := make(map[string]bool, len(c.Providers))
	for _, p := range c.Providers {
		if p.ID == "" {
			return fmt.Errorf("provider without id")
		}
		if seen[p.ID] {
			return fmt.Errorf("duplicate provider id %q", p.ID)
		}
		seen[p.ID] = true
	}
	if c.Oracle.Provider != "" && !seen[c.Oracle.Provider] {
		return fmt.Errorf("oracle.provider %q is not configured", c.Oracle.Provider)
	}
	return nil
}

// HeartbeatSettings assembles the scheduler configuration.
func (c *Config) HeartbeatSettings() heartbeat.Config {
	return heartbeat.Config{
		Interval:          c.Heartbeat.Interval.Std(),
		MaxActions:        c.Heartbeat.MaxActions,
		OracleTimeout:     c.Heartbeat.OracleTimeout.Std(),
		ToolTimeout:       c.Heartbeat.ToolTimeout.Std(),
		SnapshotEvery:     c.Heartbeat.SnapshotEvery,
		WorkingWindow:     c.Heartbeat.WorkingWindow,
		RecallK:           c.Memory.RecallK,
		MinRelevance:      c.Memory.MinRelevance,
		PromoteImportance: c.Memory.PromoteImportance,
		FactLimit:         c.Memory.FactLimit,
		Effects:           c.Heartbeat.Effects,
	}
}

// EmbeddingSettings converts the embedding section.
func (c *Config) EmbeddingSettings() embedding.Config {
	e := c.Embedding
	return embedding.Config{
		Provider:  e.Provider,
		Endpoint:  e.Endpoint,
		Model:     e.Model,
		APIKey:    e.APIKey,
		Dimension: e.Dimension,
		Timeout:   e.Timeout.Std(),
		CacheTTL:  e.CacheTTL.Std(),
	}
}

// ProviderSettings converts one provider entry.
func (p ProviderConfig) ProviderSettings() provider.ProviderConfig {
	return provider.ProviderConfig{
		ID:       p.ID,
		Type:     p.Type,
		Name:     p.Name,
		Endpoint: p.Endpoint,
		APIKey:   p.APIKey,
		Model:    p.Model,
		Extra:    p.Extra,
		Timeout:  p.Timeout.Std(),
	}
}

// LLMSettings converts the oracle section.
func (c *Config) LLMSettings() oracle.LLMConfig {
	return oracle.LLMConfig{
		Model:       c.Oracle.Model,
		Temperature: c.Oracle.Temperature,
		MaxTokens:   c.Oracle.MaxTokens,
	}
}

// Drives wraps drive.Config so a file can override single fields of single
// variables; everything not mentioned keeps its default.
type Drives struct {
	drive.Config
}

type plainDrives drive.Config

func (d *Drives) UnmarshalJSON(b []byte) error {
	if d.Variables == nil {
		d.Config = drive.DefaultConfig()
	}
	top := struct {
		*plainDrives
		Variables map[drive.Name]json.RawMessage `json:"variables"`
		TimeUnit  Duration                       `json:"time_unit"`
	}{plainDrives: (*plainDrives)(&d.Config), TimeUnit: Duration(d.TimeUnit)}
	if err := json.Unmarshal(b, &top); err != nil {
		return err
	}
	d.TimeUnit = top.TimeUnit.Std()
	for name, raw := range top.Variables {
		if !name.Valid() {
			return fmt.Errorf("unknown drive %q", name)
		}
		p := d.Variables[name]
		if err := json.Unmarshal(raw, &p); err != nil {
			return fmt.Errorf("drive %s: %w", name, err)
		}
		d.Variables[name] = p
	}
	return nil
}

// Duration is a time.Duration written as "30s" or "5m" in JSON. Bare
// numbers are seconds.
type Duration time.Duration

// Std returns the standard library value.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch x := v.(type) {
	case string:
		parsed, err := time.ParseDuration(x)
		if err != nil {
			return fmt.Errorf("duration %q: %w", x, err)
		}
		*d = Duration(parsed)
	case float64:
		*d = Duration(x * float64(time.Second))
	case nil:
	default:
		return fmt.Errorf("duration must be a string or number, got %s", b)
	}
	return nil
}
