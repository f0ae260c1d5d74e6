// Package config loads the node configuration of a segment replication node from YAML,
// with SEGREP_* environment variables taking precedence over the file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/dd0wney/cluso-segrep/pkg/auth"
	"github.com/dd0wney/cluso-segrep/pkg/checkpoint"
	"github.com/dd0wney/cluso-segrep/pkg/cluster"
	"github.com/dd0wney/cluso-segrep/pkg/logging"
	"github.com/dd0wney/cluso-segrep/pkg/pressure"
	"github.com/dd0wney/cluso-segrep/pkg/replication"
	"github.com/dd0wney/cluso-segrep/pkg/transport"
	"github.com/dd0wney/cluso-segrep/pkg/validation"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "SEGREP_"

// Remote store kinds
const (
	RemoteNone  = ""
	RemoteLocal = "local"
	RemoteS3    = "s3"
	RemoteMinio = "minio"
)

// Log formats
const (
	LogFormatJSON    = "json"
	LogFormatConsole = "console"
)

var (
	// ErrNoRemoteStore is returned when an index is remote-backed but no store is configured.
	ErrNoRemoteStore = errors.New("remote-backed index without a remote store")
	// ErrUnknownShardNode is returned when a shard names a node the config does not know.
	ErrUnknownShardNode = errors.New("shard placed on an unknown node")
)

// Config is the configuration of one node.
type Config struct {
	Node      NodeConfig                   `yaml:"node"`
	Transport TransportConfig              `yaml:"transport"`
	Peers     []cluster.NodeInfo           `yaml:"peers"`
	Log       LogConfig                    `yaml:"log"`
	Admin     AdminConfig                  `yaml:"admin"`
	Recovery  replication.RecoverySettings `yaml:"recovery"`
	Pressure  pressure.Settings            `yaml:"pressure"`
	Remote    RemoteStoreConfig            `yaml:"remote_store"`
	Shards    []ShardConfig                `yaml:"shards"`
}

// NodeConfig identifies the node.
type NodeConfig struct {
	ID      string `yaml:"id"`
	Address string `yaml:"address"`
	DataDir string `yaml:"data_dir"`
	// RefreshInterval is how often primaries refresh and publish a new checkpoint.
	RefreshInterval time.Duration `yaml:"refresh_interval"`
}

// TransportConfig selects the wire backend.
type TransportConfig struct {
	Backend        string        `yaml:"backend"`
	Workers        int           `yaml:"workers"`
	MaxMessageSize int           `yaml:"max_message_size"`
	DefaultTimeout time.Duration `yaml:"default_timeout"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// AdminConfig configures the HTTP admin server.
type AdminConfig struct {
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// JWTSecret signs the bearer tokens POST /segments requires. Unset leaves the route
	// open to anyone who can reach Addr.
	JWTSecret string `yaml:"jwt_secret"`
	// TokenTTL is the lifetime of tokens minted by the token command.
	TokenTTL time.Duration `yaml:"token_ttl"`
}

// RemoteStoreConfig configures the blob store remote-backed indices replicate through.
type RemoteStoreConfig struct {
	Kind      string `yaml:"kind"`
	Path      string `yaml:"path"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	Endpoint  string `yaml:"endpoint"`
	Region    string `yaml:"region"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Secure    bool   `yaml:"secure"`
	// Indices lists the remote-backed indices.
	Indices []string `yaml:"indices"`
}

// ShardConfig places one shard on the cluster.
type ShardConfig struct {
	Index               string                   `yaml:"index"`
	ID                  int                      `yaml:"id"`
	PrimaryNode         string                   `yaml:"primary"`
	PrimaryAllocationID string                   `yaml:"primary_allocation_id"`
	PrimaryTerm         uint64                   `yaml:"primary_term"`
	Replicas            []cluster.ReplicaRouting `yaml:"replicas"`
}

// Default returns the default node configuration
func Default() Config {
	return Config{
		Node: NodeConfig{
			Address:         transport.DefaultConfig().ListenAddr,
			DataDir:         "data",
			RefreshInterval: time.Second,
		},
		Transport: TransportConfig{
			Backend:        "nng",
			Workers:        transport.DefaultConfig().Workers,
			MaxMessageSize: transport.DefaultConfig().MaxMessageSize,
		},
		Log: LogConfig{
			Level:  logging.InfoLevel.String(),
			Format: LogFormatJSON,
		},
		Admin: AdminConfig{
			Addr:            ":9600",
			ShutdownTimeout: 10 * time.Second,
			TokenTTL:        time.Hour,
		},
		Recovery: replication.DefaultRecoverySettings(),
		Pressure: pressure.DefaultSettings(),
	}
}

// Load reads the YAML file at path and applies environment overrides. An empty path
// loads the defaults.
func Load(path string) (*Config, error) {
	return LoadWithEnv(path, os.LookupEnv)
}

// LoadWithEnv is Load with an explicit environment lookup.
func LoadWithEnv(path string, lookup func(string) (string, bool)) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := Parse(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(lookup); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Parse decodes YAML into cfg, rejecting unknown keys.
func Parse(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	// An empty document keeps the defaults.
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok && v != "" {
			*dst = v
		}
	}
	str("NODE_ID", &c.Node.ID)
	str("NODE_ADDRESS", &c.Node.Address)
	str("DATA_DIR", &c.Node.DataDir)
	str("TRANSPORT", &c.Transport.Backend)
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)
	str("ADMIN_ADDR", &c.Admin.Addr)
	str("ADMIN_JWT_SECRET", &c.Admin.JWTSecret)
	str("REMOTE_STORE_KIND", &c.Remote.Kind)
	str("REMOTE_STORE_PATH", &c.Remote.Path)
	str("REMOTE_STORE_BUCKET", &c.Remote.Bucket)
	str("REMOTE_STORE_PREFIX", &c.Remote.Prefix)
	str("REMOTE_STORE_ENDPOINT", &c.Remote.Endpoint)
	str("REMOTE_STORE_REGION", &c.Remote.Region)
	str("REMOTE_STORE_ACCESS_KEY", &c.Remote.AccessKey)
	str("REMOTE_STORE_SECRET_KEY", &c.Remote.SecretKey)

	if v, ok := lookup(EnvPrefix + "MAX_BYTES_PER_SEC"); ok && v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("%sMAX_BYTES_PER_SEC: %w", EnvPrefix, err)
		}
		c.Recovery.MaxBytesPerSec = n
	}
	if v, ok := lookup(EnvPrefix + "ACTIVITY_TIMEOUT"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%sACTIVITY_TIMEOUT: %w", EnvPrefix, err)
		}
		c.Recovery.ActivityTimeout = d
	}
	if v, ok := lookup(EnvPrefix + "REMOTE_INDICES"); ok && v != "" {
		c.Remote.Indices = splitAndTrim(v)
	}
	return nil
}

func splitAndTrim(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// ApplyDefaults fills zero fields
func (c *Config) ApplyDefaults() {
	d := Default()
	c.Node.Address = validation.DefaultOr(c.Node.Address, d.Node.Address)
	c.Node.DataDir = validation.DefaultOr(c.Node.DataDir, d.Node.DataDir)
	c.Node.RefreshInterval = validation.DefaultOrDuration(c.Node.RefreshInterval, d.Node.RefreshInterval)
	c.Transport.Backend = validation.DefaultOr(c.Transport.Backend, d.Transport.Backend)
	c.Transport.Workers = validation.DefaultOrInt(c.Transport.Workers, d.Transport.Workers)
	c.Transport.MaxMessageSize = validation.DefaultOrInt(c.Transport.MaxMessageSize, d.Transport.MaxMessageSize)
	c.Log.Level = validation.DefaultOr(c.Log.Level, d.Log.Level)
	c.Log.Format = validation.DefaultOr(c.Log.Format, d.Log.Format)
	c.Admin.Addr = validation.DefaultOr(c.Admin.Addr, d.Admin.Addr)
	c.Admin.ShutdownTimeout = validation.DefaultOrDuration(c.Admin.ShutdownTimeout, d.Admin.ShutdownTimeout)
	c.Admin.TokenTTL = validation.DefaultOrDuration(c.Admin.TokenTTL, d.Admin.TokenTTL)
	c.Recovery.ApplyDefaults()
	c.Pressure.ApplyDefaults()
	for i := range c.Shards {
		s := &c.Shards[i]
		s.PrimaryTerm = validation.DefaultOr(s.PrimaryTerm, 1)
		s.PrimaryAllocationID = validation.DefaultOr(s.PrimaryAllocationID, allocationID(s.shardID(), s.PrimaryNode))
		for j := range s.Replicas {
			r := &s.Replicas[j]
			r.AllocationID = validation.DefaultOr(r.AllocationID, allocationID(s.shardID(), r.NodeID))
		}
	}
}

// allocationID derives a stable id so every node loading the same file agrees on it.
func allocationID(id checkpoint.ShardID, nodeID string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(id.String()+"@"+nodeID)).String()
}

// Validate validates the configuration
func (c *Config) Validate() error {
	nodes := map[string]bool{c.Node.ID: true}
	for _, p := range c.Peers {
		nodes[p.ID] = true
	}
	return validation.NewConfigValidator("Config").
		Required("Node.ID", c.Node.ID).
		Required("Node.Address", c.Node.Address).
		Required("Node.DataDir", c.Node.DataDir).
		MinDuration("Node.RefreshInterval", c.Node.RefreshInterval, 10*time.Millisecond).
		OneOf("Transport.Backend", c.Transport.Backend, transport.Backends()).
		OneOf("Log.Format", c.Log.Format, []string{LogFormatJSON, LogFormatConsole}).
		Custom("Log.Level", func() error {
			if lvl := logging.ParseLevel(c.Log.Level); !strings.EqualFold(lvl.String(), c.Log.Level) &&
				!strings.EqualFold(c.Log.Level, "warning") {
				return fmt.Errorf("unknown level %q", c.Log.Level)
			}
			return nil
		}).
		Positive("Transport.Workers", c.Transport.Workers).
		Positive("Transport.MaxMessageSize", c.Transport.MaxMessageSize).
		Required("Admin.Addr", c.Admin.Addr).
		MinDuration("Admin.ShutdownTimeout", c.Admin.ShutdownTimeout, 0).
		MinDuration("Admin.TokenTTL", c.Admin.TokenTTL, time.Second).
		When(c.Admin.JWTSecret != "", func(v *validation.ConfigValidator) {
			v.Custom("Admin.JWTSecret", func() error {
				if len(c.Admin.JWTSecret) < auth.MinSecretLength {
					return auth.ErrShortSecret
				}
				return nil
			})
		}).
		Nested("Recovery", &c.Recovery).
		Nested("Pressure", &c.Pressure).
		Nested("Remote", &c.Remote).
		Custom("Shards", func() error {
			return c.validateShards(nodes)
		}).
		Validate()
}

func (c *Config) validateShards(nodes map[string]bool) error {
	seen := map[checkpoint.ShardID]bool{}
	for _, s := range c.Shards {
		id := s.shardID()
		if err := validation.ValidateIndexName(s.Index); err != nil {
			return err
		}
		if s.ID < 0 {
			return fmt.Errorf("%s: negative shard id", id)
		}
		if seen[id] {
			return fmt.Errorf("%s: configured twice", id)
		}
		seen[id] = true
		if s.PrimaryNode != "" && !nodes[s.PrimaryNode] {
			return fmt.Errorf("%w: %s primary on %s", ErrUnknownShardNode, id, s.PrimaryNode)
		}
		for _, r := range s.Replicas {
			if !nodes[r.NodeID] {
				return fmt.Errorf("%w: %s replica on %s", ErrUnknownShardNode, id, r.NodeID)
			}
		}
	}
	return nil
}

// Validate validates the remote store configuration
func (r *RemoteStoreConfig) Validate() error {
	return validation.NewConfigValidator("RemoteStore").
		OneOf("Kind", r.Kind, []string{RemoteNone, RemoteLocal, RemoteS3, RemoteMinio}).
		Custom("Indices", func() error {
			if len(r.Indices) > 0 && r.Kind == RemoteNone {
				return ErrNoRemoteStore
			}
			return nil
		}).
		When(r.Kind == RemoteLocal, func(v *validation.ConfigValidator) {
			v.Required("Path", r.Path)
		}).
		When(r.Kind == RemoteS3 || r.Kind == RemoteMinio, func(v *validation.ConfigValidator) {
			v.Required("Bucket", r.Bucket)
		}).
		When(r.Kind == RemoteMinio, func(v *validation.ConfigValidator) {
			v.Required("Endpoint", r.Endpoint)
		}).
		Validate()
}

func (s ShardConfig) shardID() checkpoint.ShardID {
	return checkpoint.NewShardID(s.Index, s.ID)
}

// Routing returns the routing entry of the shard.
func (s ShardConfig) Routing() cluster.ShardRouting {
	return cluster.ShardRouting{
		ShardID:             s.shardID(),
		PrimaryNode:         s.PrimaryNode,
		PrimaryAllocationID: s.PrimaryAllocationID,
		PrimaryTerm:         s.PrimaryTerm,
		Replicas:            append([]cluster.ReplicaRouting(nil), s.Replicas...),
	}
}

// HostedBy reports whether nodeID holds a copy of the shard.
func (s ShardConfig) HostedBy(nodeID string) bool {
	r := s.Routing()
	return r.IsPrimary(nodeID) || r.IsReplica(nodeID)
}

// ClusterConfig returns the membership configuration of the node.
func (c *Config) ClusterConfig() cluster.ClusterConfig {
	return cluster.ClusterConfig{
		NodeID:   c.Node.ID,
		NodeAddr: c.Node.Address,
		Peers:    append([]cluster.NodeInfo(nil), c.Peers...),
	}
}

// TransportConfig returns the network transport configuration of the node.
func (c *Config) TransportConfig() transport.Config {
	return transport.Config{
		NodeID:         c.Node.ID,
		ListenAddr:     c.Node.Address,
		Workers:        c.Transport.Workers,
		MaxMessageSize: c.Transport.MaxMessageSize,
		DefaultTimeout: c.Transport.DefaultTimeout,
	}
}

// LogLevel returns the parsed log level.
func (c *Config) LogLevel() logging.Level {
	return logging.ParseLevel(c.Log.Level)
}
