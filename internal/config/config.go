// Package config provides configuration types and loading for yardcore.
package config

import "time"

// Config is the root configuration struct.
// Top-level groups: Paths, Database, Broker, Redis, Roles, Agents,
// Orchestrator, Microservice, Notify, Server, Crypto, Slack.
type Config struct {
	Paths        PathsConfig        `json:"paths"`
	Database     DatabaseConfig     `json:"database"`
	Broker       BrokerConfig       `json:"broker"`
	Redis        RedisConfig        `json:"redis"`
	Roles        RolesConfig        `json:"roles"`
	Agents       AgentsConfig       `json:"agents"`
	Orchestrator OrchestratorConfig `json:"orchestrator"`
	Microservice MicroserviceConfig `json:"microservice"`
	Notify       NotifyConfig       `json:"notify"`
	Server       ServerConfig       `json:"server"`
	Crypto       CryptoConfig       `json:"crypto"`
	Slack        SlackConfig        `json:"slack"`
}

// ---------------------------------------------------------------------------
// Paths – filesystem locations
// ---------------------------------------------------------------------------

// PathsConfig groups all filesystem path settings.
type PathsConfig struct {
	DataDir string `json:"dataDir" envconfig:"DATA_DIR"`
}

// ---------------------------------------------------------------------------
// Database – relational source of truth
// ---------------------------------------------------------------------------

// DatabaseConfig selects the SQL driver and database location.
type DatabaseConfig struct {
	Driver       string        `json:"driver" envconfig:"DRIVER"` // "sqlite" (pure Go) or "sqlite3" (cgo)
	Path         string        `json:"path" envconfig:"PATH"`
	BusyTimeout  time.Duration `json:"busyTimeout" envconfig:"BUSY_TIMEOUT"`
	MaxOpenConns int           `json:"maxOpenConns" envconfig:"MAX_OPEN_CONNS"`
}

// ---------------------------------------------------------------------------
// Broker – agent-facing transport
// ---------------------------------------------------------------------------

// BrokerConfig contains Kafka connection and topology settings.
type BrokerConfig struct {
	Brokers           string        `json:"brokers" envconfig:"BROKERS"`
	TopicPrefix       string        `json:"topicPrefix" envconfig:"TOPIC_PREFIX"`
	ConsumerGroup     string        `json:"consumerGroup" envconfig:"CONSUMER_GROUP"`
	SecurityProtocol  string        `json:"securityProtocol" envconfig:"SECURITY_PROTOCOL"` // PLAINTEXT, SSL, SASL_PLAINTEXT, SASL_SSL
	SASLMechanism     string        `json:"saslMechanism" envconfig:"SASL_MECHANISM"`       // PLAIN, SCRAM-SHA-256, SCRAM-SHA-512
	Username          string        `json:"username" envconfig:"USERNAME"`
	Password          string        `json:"password" envconfig:"PASSWORD"`
	CAFile            string        `json:"caFile" envconfig:"CA_FILE"`
	Partitions        int           `json:"partitions" envconfig:"PARTITIONS"`
	ReplicationFactor int           `json:"replicationFactor" envconfig:"REPLICATION_FACTOR"`
	Prefetch          int           `json:"prefetch" envconfig:"PREFETCH"`
	VisualizationTTL  time.Duration `json:"visualizationTtl" envconfig:"VISUALIZATION_TTL"`
	StateTTL          time.Duration `json:"stateTtl" envconfig:"STATE_TTL"`
	ReconnectDelay    time.Duration `json:"reconnectDelay" envconfig:"RECONNECT_DELAY"`
	RecreateOnTTLDiff bool          `json:"recreateOnTtlDiff" envconfig:"RECREATE_ON_TTL_DIFF"`
}

// ---------------------------------------------------------------------------
// Redis – role lease store and shared hot cache
// ---------------------------------------------------------------------------

// RedisConfig contains the Redis connection used by roles and the shared cache.
type RedisConfig struct {
	Address   string `json:"address" envconfig:"ADDRESS"`
	Password  string `json:"password" envconfig:"PASSWORD"`
	DB        int    `json:"db" envconfig:"DB"`
	KeyPrefix string `json:"keyPrefix" envconfig:"KEY_PREFIX"`
}

// ---------------------------------------------------------------------------
// Roles – leader/broadcaster election
// ---------------------------------------------------------------------------

// RolesConfig controls replica election.
type RolesConfig struct {
	Replicated bool          `json:"replicated" envconfig:"REPLICATED"`
	NodeID     string        `json:"nodeId" envconfig:"NODE_ID"`
	LeaseTTL   time.Duration `json:"leaseTtl" envconfig:"LEASE_TTL"`
	MaxJitter  time.Duration `json:"maxJitter" envconfig:"MAX_JITTER"`
}

// ---------------------------------------------------------------------------
// Agents – liveness and rate policing
// ---------------------------------------------------------------------------

// AgentsConfig contains the agent connection watcher thresholds.
type AgentsConfig struct {
	LivenessInterval   time.Duration `json:"livenessInterval" envconfig:"LIVENESS_INTERVAL"`
	IdleThreshold      time.Duration `json:"idleThreshold" envconfig:"IDLE_THRESHOLD"`
	RateLimitInterval  time.Duration `json:"rateLimitInterval" envconfig:"RATE_LIMIT_INTERVAL"`
	MaxMsgPerSec       float64       `json:"maxMsgPerSec" envconfig:"MAX_MSG_PER_SEC"`
	MaxUpdatePerSec    float64       `json:"maxUpdatePerSec" envconfig:"MAX_UPDATE_PER_SEC"`
	AllowAnonymous     bool          `json:"allowAnonymous" envconfig:"ALLOW_ANONYMOUS"`
	UpdatePersistEvery time.Duration `json:"updatePersistEvery" envconfig:"UPDATE_PERSIST_EVERY"`
}

// ---------------------------------------------------------------------------
// Orchestrator – mission state machine
// ---------------------------------------------------------------------------

// OrchestratorConfig contains settings for the assignment orchestrator.
type OrchestratorConfig struct {
	SweepInterval      time.Duration `json:"sweepInterval" envconfig:"SWEEP_INTERVAL"`
	ReserveAgents      bool          `json:"reserveAgents" envconfig:"RESERVE_AGENTS"`
	AgentWaitTimeout   time.Duration `json:"agentWaitTimeout" envconfig:"AGENT_WAIT_TIMEOUT"`
	AgentPollInterval  time.Duration `json:"agentPollInterval" envconfig:"AGENT_POLL_INTERVAL"`
	MaxConcDispatch    int           `json:"maxConcDispatch" envconfig:"MAX_CONC_DISPATCH"`
	DefaultFailurePlan string        `json:"defaultFailurePlan" envconfig:"DEFAULT_FAILURE_PLAN"`
}

// ---------------------------------------------------------------------------
// Microservice – external computation services
// ---------------------------------------------------------------------------

// MicroserviceConfig contains HTTP client settings for service dispatch.
type MicroserviceConfig struct {
	RequestTimeout time.Duration `json:"requestTimeout" envconfig:"REQUEST_TIMEOUT"`
	PollInterval   time.Duration `json:"pollInterval" envconfig:"POLL_INTERVAL"`
	ResultTimeout  time.Duration `json:"resultTimeout" envconfig:"RESULT_TIMEOUT"`
}

// ---------------------------------------------------------------------------
// Notify – batched UI pushes
// ---------------------------------------------------------------------------

// NotifyConfig contains the notification buffer settings.
type NotifyConfig struct {
	BufferPeriod time.Duration `json:"bufferPeriod" envconfig:"BUFFER_PERIOD"`
}

// ---------------------------------------------------------------------------
// Server – HTTP endpoints
// ---------------------------------------------------------------------------

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Host      string `json:"host" envconfig:"HOST"`
	Port      int    `json:"port" envconfig:"PORT"`
	AuthToken string `json:"authToken" envconfig:"AUTH_TOKEN"`
}

// ---------------------------------------------------------------------------
// Crypto – message signing and encryption
// ---------------------------------------------------------------------------

// CryptoConfig contains the signing key location and the encryption mode.
type CryptoConfig struct {
	PrivateKeyPath string `json:"privateKeyPath" envconfig:"PRIVATE_KEY_PATH"`
	PublicKeyPath  string `json:"publicKeyPath" envconfig:"PUBLIC_KEY_PATH"`
	Encryption     string `json:"encryption" envconfig:"ENCRYPTION"` // "none", "agent", "aes256"
}

// ---------------------------------------------------------------------------
// Slack – alerting for error-severity system logs
// ---------------------------------------------------------------------------

// SlackConfig configures the optional Slack alert sink.
type SlackConfig struct {
	Enabled  bool   `json:"enabled" envconfig:"ENABLED"`
	BotToken string `json:"botToken" envconfig:"BOT_TOKEN"`
	Channel  string `json:"channel" envconfig:"CHANNEL"`
	APIURL   string `json:"apiUrl,omitempty" envconfig:"API_URL"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Paths: PathsConfig{
			DataDir: "~/.yardcore",
		},
		Database: DatabaseConfig{
			Driver:       "sqlite",
			Path:         "~/.yardcore/yardcore.db",
			BusyTimeout:  5 * time.Second,
			MaxOpenConns: 1,
		},
		Broker: BrokerConfig{
			Brokers:           "localhost:9092",
			TopicPrefix:       "yardcore",
			ConsumerGroup:     "yardcore-core",
			SecurityProtocol:  "PLAINTEXT",
			Partitions:        3,
			ReplicationFactor: 1,
			Prefetch:          10,
			VisualizationTTL:  2 * time.Second,
			StateTTL:          10 * time.Minute,
			ReconnectDelay:    3 * time.Second,
			RecreateOnTTLDiff: true,
		},
		Redis: RedisConfig{
			Address: "localhost:6379",
		},
		Roles: RolesConfig{
			Replicated: false,
			LeaseTTL:   5 * time.Second,
			MaxJitter:  time.Second,
		},
		Agents: AgentsConfig{
			LivenessInterval:   10 * time.Second,
			IdleThreshold:      20 * time.Second,
			RateLimitInterval:  20 * time.Second,
			MaxMsgPerSec:       50,
			MaxUpdatePerSec:    20,
			AllowAnonymous:     true,
			UpdatePersistEvery: time.Second,
		},
		Orchestrator: OrchestratorConfig{
			SweepInterval:      5 * time.Second,
			ReserveAgents:      false,
			AgentWaitTimeout:   20 * time.Second,
			AgentPollInterval:  time.Second,
			MaxConcDispatch:    5,
			DefaultFailurePlan: "FAIL_WORK_PROCESS",
		},
		Microservice: MicroserviceConfig{
			RequestTimeout: 30 * time.Second,
			PollInterval:   2 * time.Second,
			ResultTimeout:  5 * time.Minute,
		},
		Notify: NotifyConfig{
			BufferPeriod: 100 * time.Millisecond,
		},
		Server: ServerConfig{
			Host: "127.0.0.1", // Secure default
			Port: 5002,
		},
		Crypto: CryptoConfig{
			PrivateKeyPath: "~/.yardcore/keys/core_private.pem",
			PublicKeyPath:  "~/.yardcore/keys/core_public.pem",
			Encryption:     "none",
		},
	}
}
