package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the AML screening service
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	Screening ScreeningConfig `mapstructure:"screening"`
	Rules     RulesConfig     `mapstructure:"rules"`
	Patterns  PatternsConfig  `mapstructure:"patterns"`
	Agents    AgentsConfig    `mapstructure:"agents"`
	Retrieval RetrievalConfig `mapstructure:"retrieval"`
	Alerts    AlertsConfig    `mapstructure:"alerts"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Security  SecurityConfig  `mapstructure:"security"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	MetricsPort     int           `mapstructure:"metrics_port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	MaxRequestSize  string        `mapstructure:"max_request_size"`
}

// DatabaseConfig holds PostgreSQL configuration. Alerts and cases are kept
// in memory when Enabled is false.
type DatabaseConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
}

// DSN builds the pgx connection string
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s&pool_max_conns=%d",
		d.User, d.Password, d.Host, d.Port, d.Database, d.SSLMode, d.MaxOpenConns)
}

// RedisConfig holds Redis configuration for the shared alert trigger index
type RedisConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	MaxRetries   int           `mapstructure:"max_retries"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	TriggerTTL   time.Duration `mapstructure:"trigger_ttl"`
	KeyPrefix    string        `mapstructure:"key_prefix"`
}

// Addr returns host:port
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// KafkaConfig holds Kafka configuration
type KafkaConfig struct {
	Enabled          bool     `mapstructure:"enabled"`
	Brokers          []string `mapstructure:"brokers"`
	ConsumerGroup    string   `mapstructure:"consumer_group"`
	TransactionTopic string   `mapstructure:"transaction_topic"`
	AlertsTopic      string   `mapstructure:"alerts_topic"`
	MaxRetries       int      `mapstructure:"max_retries"`
}

// ScreeningConfig holds pipeline-level configuration
type ScreeningConfig struct {
	MaxScreeningLatency time.Duration `mapstructure:"max_screening_latency"`
	RelatedTxLimit      int           `mapstructure:"related_tx_limit"`
	HighValueThreshold  float64       `mapstructure:"high_value_threshold"`
	HighRiskCountries   []string      `mapstructure:"high_risk_countries"`
}

// RulesConfig points at the rule document loaded at startup
type RulesConfig struct {
	Path                string  `mapstructure:"path"`
	FuzzyMatchThreshold float64 `mapstructure:"fuzzy_match_threshold"`
	CELCostLimit        uint64  `mapstructure:"cel_cost_limit"`
}

// PatternsConfig holds pattern detection configuration
type PatternsConfig struct {
	// Sliding window retained per participant
	Window                   time.Duration `mapstructure:"window"`
	MaxEntriesPerParticipant int           `mapstructure:"max_entries_per_participant"`

	// Structuring detection
	StructuringWindow     time.Duration `mapstructure:"structuring_window"`
	StructuringThreshold  float64       `mapstructure:"structuring_threshold"`
	StructuringMinTxCount int           `mapstructure:"structuring_min_tx_count"`

	// Layering detection
	LayeringWindow           time.Duration `mapstructure:"layering_window"`
	LayeringMinIntermediates int           `mapstructure:"layering_min_intermediates"`
	LayeringTolerance        float64       `mapstructure:"layering_tolerance"`
	LayeringMaxDepth         int           `mapstructure:"layering_max_depth"`
}

// AgentsConfig holds agent orchestration and inference configuration
type AgentsConfig struct {
	EscalationBand   string        `mapstructure:"escalation_band"`
	CallTimeout      time.Duration `mapstructure:"call_timeout"`
	ContextTopK      int           `mapstructure:"context_top_k"`
	MaxConversations int           `mapstructure:"max_conversations"`
	// RAGAssessment registers the retrieval specialist as an assessing role after L2
	RAGAssessment bool `mapstructure:"rag_assessment"`

	ProviderURL    string `mapstructure:"provider_url"`
	L1Model        string `mapstructure:"l1_model"`
	L2Model        string `mapstructure:"l2_model"`
	RAGModel       string `mapstructure:"rag_model"`
	EmbeddingModel string `mapstructure:"embedding_model"`

	BreakerMaxRequests uint32        `mapstructure:"breaker_max_requests"`
	BreakerInterval    time.Duration `mapstructure:"breaker_interval"`
	BreakerTimeout     time.Duration `mapstructure:"breaker_timeout"`
	BreakerFailures    uint32        `mapstructure:"breaker_failures"`
}

// RetrievalConfig holds knowledge base configuration
type RetrievalConfig struct {
	KnowledgeBasePath string   `mapstructure:"knowledge_base_path"`
	EmbedOnLoad       bool     `mapstructure:"embed_on_load"`
	ElasticEnabled    bool     `mapstructure:"elastic_enabled"`
	ElasticAddresses  []string `mapstructure:"elastic_addresses"`
	ElasticIndex      string   `mapstructure:"elastic_index"`
	ElasticUsername   string   `mapstructure:"elastic_username"`
	ElasticPassword   string   `mapstructure:"elastic_password"`
}

// AlertsConfig controls alert creation
type AlertsConfig struct {
	// AlertBand is the aggregated band at which an assessment alone raises an alert
	AlertBand string `mapstructure:"alert_band"`
}

// StorageConfig holds S3 configuration for the closed-case archive
type StorageConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	Bucket          string `mapstructure:"bucket"`
	Region          string `mapstructure:"region"`
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	Prefix          string `mapstructure:"prefix"`
}

// TelemetryConfig holds observability configuration
type TelemetryConfig struct {
	ServiceName   string  `mapstructure:"service_name"`
	Environment   string  `mapstructure:"environment"`
	OTLPEndpoint  string  `mapstructure:"otlp_endpoint"`
	SamplingRatio float64 `mapstructure:"sampling_ratio"`
	TracingEnable bool    `mapstructure:"tracing_enabled"`
	Debug         bool    `mapstructure:"debug"`
}

// SecurityConfig holds security configuration
type SecurityConfig struct {
	JWTSecret      string   `mapstructure:"jwt_secret"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// Load loads configuration from environment and config files
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	// Environment variables
	v.SetEnvPrefix("AML_AGENTS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Config file (optional)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("./configs")
	v.AddConfigPath("/etc/aml-agents")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	return unmarshal(v)
}

func unmarshal(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the engines cannot run with
func (c *Config) Validate() error {
	p := c.Patterns
	switch {
	case p.StructuringMinTxCount < 1:
		return fmt.Errorf("patterns.structuring_min_tx_count must be >= 1")
	case p.StructuringThreshold <= 0:
		return fmt.Errorf("patterns.structuring_threshold must be > 0")
	case p.StructuringWindow <= 0 || p.LayeringWindow <= 0:
		return fmt.Errorf("pattern windows must be positive")
	case p.Window < p.StructuringWindow || p.Window < p.LayeringWindow:
		return fmt.Errorf("patterns.window must cover the structuring and layering windows")
	case p.LayeringMinIntermediates < 1:
		return fmt.Errorf("patterns.layering_min_intermediates must be >= 1")
	case p.LayeringTolerance < 0 || p.LayeringTolerance >= 1:
		return fmt.Errorf("patterns.layering_tolerance must be in [0,1)")
	case c.Agents.CallTimeout <= 0:
		return fmt.Errorf("agents.call_timeout must be positive")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.port", 8084)
	v.SetDefault("server.metrics_port", 9094)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "120s")
	v.SetDefault("server.idle_timeout", "60s")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("server.max_request_size", "1M")

	// Database defaults
	v.SetDefault("database.enabled", false)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "postgres")
	v.SetDefault("database.database", "aml_db")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_open_conns", 50)
	v.SetDefault("database.max_idle_conns", 25)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.conn_max_idle_time", "5m")

	// Redis defaults
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 100)
	v.SetDefault("redis.min_idle_conns", 20)
	v.SetDefault("redis.max_retries", 3)
	v.SetDefault("redis.dial_timeout", "5s")
	v.SetDefault("redis.read_timeout", "1s")
	v.SetDefault("redis.write_timeout", "1s")
	v.SetDefault("redis.trigger_ttl", "2160h") // 90 days
	v.SetDefault("redis.key_prefix", "aml:trigger:")

	// Kafka defaults
	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.consumer_group", "aml-agents-group")
	v.SetDefault("kafka.transaction_topic", "banking.transactions.created")
	v.SetDefault("kafka.alerts_topic", "banking.aml.alerts")
	v.SetDefault("kafka.max_retries", 3)

	// Screening defaults
	v.SetDefault("screening.max_screening_latency", "90s")
	v.SetDefault("screening.related_tx_limit", 5)
	v.SetDefault("screening.high_value_threshold", 10000.0)
	v.SetDefault("screening.high_risk_countries", []string{
		"IR", "KP", "SY", "CU", "VE", "MM", "BY", "RU",
	})

	// Rules defaults
	v.SetDefault("rules.path", "configs/rules.yaml")
	v.SetDefault("rules.fuzzy_match_threshold", 0.85)
	v.SetDefault("rules.cel_cost_limit", 10000)

	// Pattern detection defaults
	v.SetDefault("patterns.window", "720h") // 30 days
	v.SetDefault("patterns.max_entries_per_participant", 1000)
	v.SetDefault("patterns.structuring_window", "24h")
	v.SetDefault("patterns.structuring_threshold", 10000.0)
	v.SetDefault("patterns.structuring_min_tx_count", 4)
	v.SetDefault("patterns.layering_window", "72h")
	v.SetDefault("patterns.layering_min_intermediates", 2)
	v.SetDefault("patterns.layering_tolerance", 0.1)
	v.SetDefault("patterns.layering_max_depth", 6)

	// Agent defaults
	v.SetDefault("agents.escalation_band", "MEDIUM")
	v.SetDefault("agents.call_timeout", "30s")
	v.SetDefault("agents.context_top_k", 3)
	v.SetDefault("agents.max_conversations", 10000)
	v.SetDefault("agents.rag_assessment", false)
	v.SetDefault("agents.provider_url", "http://localhost:11434")
	v.SetDefault("agents.l1_model", "llama3.2:3b")
	v.SetDefault("agents.l2_model", "llama3.1:8b")
	v.SetDefault("agents.rag_model", "llama3.1:8b")
	v.SetDefault("agents.embedding_model", "nomic-embed-text")
	v.SetDefault("agents.breaker_max_requests", 3)
	v.SetDefault("agents.breaker_interval", "60s")
	v.SetDefault("agents.breaker_timeout", "30s")
	v.SetDefault("agents.breaker_failures", 5)

	// Retrieval defaults
	v.SetDefault("retrieval.knowledge_base_path", "configs/knowledge_base.yaml")
	v.SetDefault("retrieval.embed_on_load", true)
	v.SetDefault("retrieval.elastic_enabled", false)
	v.SetDefault("retrieval.elastic_addresses", []string{"http://localhost:9200"})
	v.SetDefault("retrieval.elastic_index", "aml-knowledge")

	// Alert defaults
	v.SetDefault("alerts.alert_band", "HIGH")

	// Storage defaults
	v.SetDefault("storage.enabled", false)
	v.SetDefault("storage.bucket", "aml-case-archive")
	v.SetDefault("storage.region", "us-east-1")
	v.SetDefault("storage.prefix", "cases/")

	// Telemetry defaults
	v.SetDefault("telemetry.service_name", "aml-agents")
	v.SetDefault("telemetry.environment", "development")
	v.SetDefault("telemetry.otlp_endpoint", "localhost:4317")
	v.SetDefault("telemetry.sampling_ratio", 0.1)
	v.SetDefault("telemetry.tracing_enabled", false)
	v.SetDefault("telemetry.debug", false)

	// Security defaults
	v.SetDefault("security.allowed_origins", []string{"*"})
}
