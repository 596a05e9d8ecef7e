package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds the vecmerge service configuration.
type Config struct {
	NodeID      string            `yaml:"node_id"` // empty: generated at startup
	HTTP        HTTPConfig        `yaml:"http"`
	Database    DatabaseConfig    `yaml:"database"`
	ObjectStore ObjectStoreConfig `yaml:"object_store"`
	Aggregator  AggregatorConfig  `yaml:"aggregator"`
	Documents   DocumentsConfig   `yaml:"documents"`
	Messaging   MessagingConfig   `yaml:"messaging"`
	Auth        AuthConfig        `yaml:"auth"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error (default: determined by env)
}

// AuthConfig holds API authentication settings.
type AuthConfig struct {
	APIKeys []string `yaml:"api_keys"`
}

// HTTPConfig holds HTTP server settings.
type HTTPConfig struct {
	Port            int   `yaml:"port"`
	ReadTimeoutSec  int   `yaml:"read_timeout_sec"`
	WriteTimeoutSec int   `yaml:"write_timeout_sec"`
	ShutdownSec     int   `yaml:"shutdown_timeout_sec"`
	MaxPayloadBytes int64 `yaml:"max_payload_bytes"`
}

// DatabaseConfig holds the message bus / KV connection settings.
type DatabaseConfig struct {
	Driver           string   `yaml:"driver"` // redis, valkey (default: redis)
	Addrs            []string `yaml:"addrs"`
	Username         string   `yaml:"username"` // ACL user; empty uses the default user
	Password         string   `yaml:"password"`
	DB               int      `yaml:"db"` // logical database index (redis only)
	ReadinessTimeout int      `yaml:"readiness_timeout_sec"`
}

// ObjectStoreConfig selects where doc tables and document bodies are read from.
type ObjectStoreConfig struct {
	Driver    string `yaml:"driver"` // redis (same connection as database), minio, s3
	Endpoint  string `yaml:"endpoint"`
	Bucket    string `yaml:"bucket"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Region    string `yaml:"region"`
	UseSSL    bool   `yaml:"use_ssl"`
	Prefix    string `yaml:"prefix"`
}

// AggregatorConfig holds merge and fan-out settings.
type AggregatorConfig struct {
	TopNumCentroids int   `yaml:"top_num_centroids"` // expected shard results per query
	FinalTopK       int   `yaml:"final_top_k"`
	IncludeLLM      bool  `yaml:"include_llm"` // accepted, not supported
	RetrieveDocs    *bool `yaml:"retrieve_docs"`
	EmbeddingDim    int   `yaml:"embedding_dim"`
	Workers         int   `yaml:"workers"`
	Partitions      int   `yaml:"partitions"`
}

// FetchDocs reports whether document content (rather than its path) is returned.
func (a AggregatorConfig) FetchDocs() bool {
	return a.RetrieveDocs == nil || *a.RetrieveDocs
}

// DocumentsConfig holds document resolution settings.
type DocumentsConfig struct {
	TablePrefix      string `yaml:"table_prefix"`
	PathPrefix       string `yaml:"path_prefix"`
	CacheCapacity    int    `yaml:"cache_capacity"`
	FetchConcurrency int    `yaml:"fetch_concurrency"`
}

// MessagingConfig holds channel naming.
type MessagingConfig struct {
	ResultsPattern string `yaml:"results_pattern"`
	NotifyPrefix   string `yaml:"notify_prefix"`
}

// Load reads configuration from a YAML file by environment name (local, dev, prod).
func Load(env string) (Config, error) {
	return LoadFile(findConfigPath(env))
}

// LoadFile reads configuration from an explicit path.
func LoadFile(configPath string) (Config, error) {
	data, err := os.ReadFile(filepath.Clean(configPath))
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config %s: %w", configPath, err)
	}

	// Substitute env variables of the form ${VAR}
	data = expandEnvVars(data)

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// GetEnv returns the current environment from the ENV variable, defaulting to "local".
func GetEnv() string {
	if env := os.Getenv("ENV"); env != "" {
		return env
	}
	return "local"
}

// ApplyDefaults fills empty fields with default values.
func (c *Config) ApplyDefaults() {
	if c.HTTP.ReadTimeoutSec <= 0 {
		c.HTTP.ReadTimeoutSec = 10
	}
	if c.HTTP.WriteTimeoutSec <= 0 {
		c.HTTP.WriteTimeoutSec = 30
	}
	if c.HTTP.ShutdownSec <= 0 {
		c.HTTP.ShutdownSec = 10
	}
	if c.HTTP.MaxPayloadBytes <= 0 {
		c.HTTP.MaxPayloadBytes = 16 << 20
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "redis"
	}
	if c.Database.ReadinessTimeout <= 0 {
		c.Database.ReadinessTimeout = 10
	}
	if c.ObjectStore.Driver == "" {
		c.ObjectStore.Driver = "redis"
	}
	if c.Aggregator.TopNumCentroids <= 0 {
		c.Aggregator.TopNumCentroids = 4
	}
	if c.Aggregator.FinalTopK <= 0 {
		c.Aggregator.FinalTopK = 5
	}
	if c.Aggregator.RetrieveDocs == nil {
		v := true
		c.Aggregator.RetrieveDocs = &v
	}
	if c.Aggregator.EmbeddingDim <= 0 {
		c.Aggregator.EmbeddingDim = 1024
	}
	if c.Aggregator.Workers <= 0 {
		c.Aggregator.Workers = 8
	}
	if c.Aggregator.Partitions <= 0 {
		c.Aggregator.Partitions = 64
	}
	if c.Documents.TablePrefix == "" {
		c.Documents.TablePrefix = "/rag/doc/emb_doc_map/cluster"
	}
	if c.Documents.PathPrefix == "" {
		c.Documents.PathPrefix = "/rag/doc/"
	}
	if c.Documents.CacheCapacity <= 0 {
		c.Documents.CacheCapacity = 10000
	}
	if c.Documents.FetchConcurrency <= 0 {
		c.Documents.FetchConcurrency = 4
	}
	if c.Messaging.ResultsPattern == "" {
		c.Messaging.ResultsPattern = "/rag/agg/*"
	}
	if c.Messaging.NotifyPrefix == "" {
		c.Messaging.NotifyPrefix = "/rag/results/"
	}
}

// Validate checks the configuration for correctness.
func (c *Config) Validate() error {
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http.port must be between 1 and 65535, got %d", c.HTTP.Port)
	}
	switch c.Database.Driver {
	case "redis", "valkey":
	default:
		return fmt.Errorf("database.driver must be \"redis\" or \"valkey\", got %q", c.Database.Driver)
	}
	if len(c.Database.Addrs) == 0 {
		return fmt.Errorf("database.addrs is required")
	}
	if c.Database.DB < 0 {
		return fmt.Errorf("database.db must be >= 0, got %d", c.Database.DB)
	}
	switch c.ObjectStore.Driver {
	case "redis":
	case "minio":
		if c.ObjectStore.Endpoint == "" {
			return fmt.Errorf("object_store.endpoint is required for driver minio")
		}
		if c.ObjectStore.Bucket == "" {
			return fmt.Errorf("object_store.bucket is required for driver minio")
		}
	case "s3":
		if c.ObjectStore.Bucket == "" {
			return fmt.Errorf("object_store.bucket is required for driver s3")
		}
	default:
		return fmt.Errorf("object_store.driver must be \"redis\", \"minio\" or \"s3\", got %q", c.ObjectStore.Driver)
	}
	if c.Messaging.ResultsPattern == c.Messaging.NotifyPrefix+"*" {
		return fmt.Errorf("messaging.results_pattern %q would consume our own notifications", c.Messaging.ResultsPattern)
	}
	return nil
}

// findConfigPath locates the config file.
func findConfigPath(env string) string {
	filename := fmt.Sprintf("%s.yaml", env)

	// 1. Check ./config/
	if path := filepath.Join("config", filename); fileExists(path) {
		return path
	}

	// 2. Check relative to the source file
	_, b, _, _ := runtime.Caller(0)
	projectRoot := filepath.Dir(filepath.Dir(filepath.Dir(b))) // internal/config -> project root
	if path := filepath.Join(projectRoot, "config", filename); fileExists(path) {
		return path
	}

	// 3. Fallback to ./config/
	return filepath.Join("config", filename)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// expandEnvVars replaces ${VAR} and ${VAR:-default} with environment variable values.
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}`)

func expandEnvVars(data []byte) []byte {
	return envVarRegex.ReplaceAllFunc(data, func(match []byte) []byte {
		expr := string(match[2 : len(match)-1]) // strip ${ and }
		varName, defaultVal, hasDefault := strings.Cut(expr, ":-")
		val := os.Getenv(varName)
		if val == "" && hasDefault {
			val = defaultVal
		}
		return []byte(val)
	})
}
