package config

import (
	"github.com/IBM/sarama"
	"github.com/kelseyhightower/envconfig"
)

var singleConfig *Config = nil

type Config struct {
	Database *dbConfig
	Agent    *agentConfig
}

type dbConfig struct {
	Type     string `envconfig:"DB_TYPE" default:"pgsql"`
	Hostname string `envconfig:"DB_HOST" default:"localhost"`
	Port     string `envconfig:"DB_PORT" default:"5432"`
	Name     string `envconfig:"DB_NAME" default:"chainproof"`
	User     string `envconfig:"DB_USER" default:"admin"`
	Password string `envconfig:"DB_PASS" default:"adminpass"`
}

type agentConfig struct {
	// Role selects which pipelines this host runs: "researcher",
	// "validator" or "both".
	Role                 string `envconfig:"CHAINPROOF_ROLE" default:"researcher"`
	WorkerName           string `envconfig:"CHAINPROOF_WORKER_NAME" default:""`
	DataDir              string `envconfig:"CHAINPROOF_DATA_DIR" default:"/var/lib/chainproof"`
	MetricsAddress       string `envconfig:"CHAINPROOF_METRICS_ADDRESS" default:":8080"`
	LogLevel             string `envconfig:"CHAINPROOF_LOG_LEVEL" default:"info"`
	MaxConcurrentRuns    int    `envconfig:"CHAINPROOF_MAX_CONCURRENT_RUNS" default:"2"`
	HeartbeatIntervalSec int    `envconfig:"CHAINPROOF_HEARTBEAT_INTERVAL_SEC" default:"30"`
	WorkspaceRoot        string `envconfig:"CHAINPROOF_WORKSPACE_ROOT" default:"/var/lib/chainproof/workspaces"`
	MigrationFolder      string `envconfig:"CHAINPROOF_MIGRATIONS_FOLDER" default:""`

	// AIAnalysisEnabled turns on the optional model-assisted analysis
	// step in scan runs. Requires LLM.URL.
	AIAnalysisEnabled bool `envconfig:"CHAINPROOF_AI_ANALYSIS_ENABLED" default:"false"`
	// ValidationMode selects how proofs are checked: "execution"
	// replays them in a sandbox, "llm" asks the model for a verdict.
	ValidationMode string `envconfig:"CHAINPROOF_VALIDATION_MODE" default:"execution"`
	// PolicyDir holds .rego eligibility policies; empty means the
	// built-in default policy.
	PolicyDir     string `envconfig:"CHAINPROOF_POLICY_DIR" default:""`
	WalletAddress string `envconfig:"CHAINPROOF_WALLET_ADDRESS" default:""`

	Kafka     kafkaConfig
	Tools     toolsConfig
	LLM       llmConfig
	Chain     chainConfig
	Artifacts artifactsConfig
	Proof     proofConfig
}

type kafkaConfig struct {
	Brokers  []string            `envconfig:"CHAINPROOF_KAFKA_BROKERS" default:""`
	Topic    string              `envconfig:"CHAINPROOF_KAFKA_TOPIC" default:""`
	Version  sarama.KafkaVersion `envconfig:"CHAINPROOF_KAFKA_VERSION" default:""`
	ClientID string              `envconfig:"CHAINPROOF_KAFKA_CLIENT_ID" default:""`

	SaramaConfig *sarama.Config
}

// toolsConfig points at the external binaries the pipelines shell out
// to. Paths default to bare names so the host PATH resolves them.
type toolsConfig struct {
	GitBin        string `envconfig:"CHAINPROOF_GIT_BIN" default:"git"`
	SolcBin       string `envconfig:"CHAINPROOF_SOLC_BIN" default:"solc"`
	AnvilBin      string `envconfig:"CHAINPROOF_ANVIL_BIN" default:"anvil"`
	SlitherBin    string `envconfig:"CHAINPROOF_SLITHER_BIN" default:"slither"`
	SandboxRPCMin int    `envconfig:"CHAINPROOF_SANDBOX_RPC_PORT_MIN" default:"18500"`
	SandboxRPCMax int    `envconfig:"CHAINPROOF_SANDBOX_RPC_PORT_MAX" default:"18600"`
}

type llmConfig struct {
	URL        string `envconfig:"CHAINPROOF_LLM_URL" default:""`
	Token      string `envconfig:"CHAINPROOF_LLM_TOKEN" default:""`
	Model      string `envconfig:"CHAINPROOF_LLM_MODEL" default:""`
	TimeoutSec int    `envconfig:"CHAINPROOF_LLM_TIMEOUT_SEC" default:"300"`
}

type chainConfig struct {
	AttestationURL string `envconfig:"CHAINPROOF_ATTESTATION_URL" default:""`
	TimeoutSec     int    `envconfig:"CHAINPROOF_ATTESTATION_TIMEOUT_SEC" default:"60"`
}

type artifactsConfig struct {
	Endpoint  string `envconfig:"CHAINPROOF_S3_ENDPOINT" default:""`
	AccessKey string `envconfig:"CHAINPROOF_S3_ACCESS_KEY" default:""`
	SecretKey string `envconfig:"CHAINPROOF_S3_SECRET_KEY" default:""`
	Bucket    string `envconfig:"CHAINPROOF_S3_BUCKET" default:"chainproof-artifacts"`
	UseSSL    bool   `envconfig:"CHAINPROOF_S3_USE_SSL" default:"false"`
}

// proofConfig carries the key material for proof encryption and
// signing. Identities are age X25519 strings, the signing key is a
// hex-encoded ed25519 seed.
type proofConfig struct {
	AgeRecipient  string `envconfig:"CHAINPROOF_PROOF_AGE_RECIPIENT" default:""`
	AgeIdentity   string `envconfig:"CHAINPROOF_PROOF_AGE_IDENTITY" default:""`
	SigningKeyHex string `envconfig:"CHAINPROOF_PROOF_SIGNING_KEY" default:""`
}

func New() (*Config, error) {
	if singleConfig == nil {
		singleConfig = new(Config)
		if err := envconfig.Process("", singleConfig); err != nil {
			return nil, err
		}
	}
	return singleConfig, nil
}

// NewDefault returns a fresh config without touching the singleton.
// Used by tests that need the env defaults.
func NewDefault() (*Config, error) {
	c := new(Config)
	if err := envconfig.Process("", c); err != nil {
		return nil, err
	}
	return c, nil
}
