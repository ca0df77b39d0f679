package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

var ErrEmptyEnvironmentVariable = errors.New("empty environment variable")

// Config holds all application configuration
type Config struct {
	Database DatabaseConfig
	Twilio   TwilioConfig
	Ultravox UltravoxConfig
	Agent    AgentConfig
	Bridge   BridgeConfig
	Services ServicesConfig
	Kafka    KafkaConfig
	Server   ServerConfig
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	Host          string
	Username      string
	Password      string
	Name          string
	RunMigrations bool
}

// TwilioConfig holds the REST credentials. Both empty disables outbound
// calls and remote hang-up; inbound media streams still work.
type TwilioConfig struct {
	AccountSID string
	AuthToken  string
}

// Enabled reports whether REST credentials are present.
func (t TwilioConfig) Enabled() bool {
	return t.AccountSID != "" && t.AuthToken != ""
}

// UltravoxConfig holds the voice engine session-creation settings
type UltravoxConfig struct {
	APIKey           string
	BaseURL          string
	Model            string
	SampleRate       int
	BufferSizeMs     int
	RequestTimeout   time.Duration
	RetryBase        time.Duration
	RetryCap         time.Duration
	MaxRetries       uint64
	CostPerMinute    float64
	RecordingEnabled bool
}

// AgentConfig is the default persona used for every bridged call
type AgentConfig struct {
	SystemPrompt string
	FirstMessage string
	Voice        string
	LanguageHint string
}

// BridgeConfig holds per-call relay limits
type BridgeConfig struct {
	EngineConnectTimeout time.Duration
	StartFrameTimeout    time.Duration
	ToolTimeout          time.Duration
}

// ServicesConfig holds external service API keys and configuration
type ServicesConfig struct {
	ResendAPIKey       string
	DefaultEmailSender string
	ServerDomain       string
}

// KafkaConfig holds event streaming configuration. Empty brokers disables publishing.
type KafkaConfig struct {
	Brokers []string
	Topic   string
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port int
}

// Load reads and validates all required environment variables
func Load() (*Config, error) {
	// Load env.local in non-production environments
	if os.Getenv("GO_ENV") != "production" {
		if err := godotenv.Load("env.local"); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to load env.local: %w", err)
		}
	}

	cfg := &Config{}

	var err error
	if cfg.Database.Host, err = requireEnv("DB_HOST"); err != nil {
		return nil, err
	}
	if cfg.Database.Username, err = requireEnv("DB_USERNAME"); err != nil {
		return nil, err
	}
	if cfg.Database.Password, err = requireEnv("DB_PASSWORD"); err != nil {
		return nil, err
	}
	if cfg.Database.Name, err = requireEnv("DB_NAME"); err != nil {
		return nil, err
	}
	if cfg.Database.RunMigrations, err = parseBool("RUN_MIGRATIONS", "true"); err != nil {
		return nil, err
	}

	cfg.Twilio.AccountSID = os.Getenv("TWILIO_ACCOUNT_SID")
	cfg.Twilio.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")

	if cfg.Ultravox.APIKey, err = requireEnv("ULTRAVOX_API_KEY"); err != nil {
		return nil, err
	}
	cfg.Ultravox.BaseURL = getEnvWithDefault("ULTRAVOX_BASE_URL", "https://api.ultravox.ai")
	cfg.Ultravox.Model = getEnvWithDefault("ULTRAVOX_MODEL", "fixie-ai/ultravox-70B")
	if cfg.Ultravox.SampleRate, err = parseInt("ULTRAVOX_SAMPLE_RATE", "16000"); err != nil {
		return nil, err
	}
	if cfg.Ultravox.BufferSizeMs, err = parseInt("ULTRAVOX_BUFFER_SIZE_MS", "60"); err != nil {
		return nil, err
	}
	if cfg.Ultravox.RequestTimeout, err = parseDuration("ULTRAVOX_REQUEST_TIMEOUT", "10s"); err != nil {
		return nil, err
	}
	if cfg.Ultravox.RetryBase, err = parseDuration("ULTRAVOX_RETRY_BASE", "1s"); err != nil {
		return nil, err
	}
	if cfg.Ultravox.RetryCap, err = parseDuration("ULTRAVOX_RETRY_CAP", "10s"); err != nil {
		return nil, err
	}
	maxRetries, err := parseInt("ULTRAVOX_MAX_RETRIES", "3")
	if err != nil {
		return nil, err
	}
	if maxRetries < 0 {
		return nil, fmt.Errorf("ULTRAVOX_MAX_RETRIES must not be negative")
	}
	cfg.Ultravox.MaxRetries = uint64(maxRetries)
	if cfg.Ultravox.RecordingEnabled, err = parseBool("ULTRAVOX_RECORDING_ENABLED", "true"); err != nil {
		return nil, err
	}
	costPerMinute := getEnvWithDefault("ULTRAVOX_COST_PER_MINUTE", "0.05")
	if cfg.Ultravox.CostPerMinute, err = strconv.ParseFloat(costPerMinute, 64); err != nil {
		return nil, fmt.Errorf("failed to parse ULTRAVOX_COST_PER_MINUTE: %w", err)
	}

	cfg.Agent.SystemPrompt = getEnvWithDefault("AGENT_SYSTEM_PROMPT", "You are an AI assistant helping with customer inquiries.")
	cfg.Agent.FirstMessage = getEnvWithDefault("AGENT_FIRST_MESSAGE", "Hello! How can I help you today?")
	cfg.Agent.Voice = getEnvWithDefault("AGENT_VOICE", "Mark")
	cfg.Agent.LanguageHint = getEnvWithDefault("AGENT_LANGUAGE_HINT", "en")

	if cfg.Bridge.EngineConnectTimeout, err = parseDuration("ENGINE_CONNECT_TIMEOUT", "15s"); err != nil {
		return nil, err
	}
	if cfg.Bridge.StartFrameTimeout, err = parseDuration("START_FRAME_TIMEOUT", "10s"); err != nil {
		return nil, err
	}
	if cfg.Bridge.ToolTimeout, err = parseDuration("TOOL_TIMEOUT", "10s"); err != nil {
		return nil, err
	}

	cfg.Services.ResendAPIKey = os.Getenv("RESEND_API_KEY")
	cfg.Services.DefaultEmailSender = getEnvWithDefault("DEFAULT_EMAIL_SENDER_ADDRESS", "assistant@example.com")
	if cfg.Services.ServerDomain, err = requireEnv("SERVER_DOMAIN"); err != nil {
		return nil, err
	}

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.Kafka.Brokers = strings.Split(brokers, ",")
	}
	cfg.Kafka.Topic = getEnvWithDefault("KAFKA_TOPIC", "call-events")

	serverPort, err := requireEnv("SERVER_PORT")
	if err != nil {
		return nil, err
	}
	cfg.Server.Port, err = strconv.Atoi(serverPort)
	if err != nil {
		return nil, fmt.Errorf("failed to parse SERVER_PORT: %w", err)
	}

	return cfg, nil
}

// ConnectionString returns a PostgreSQL connection string
func (c *DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf("postgres://%s:%s@%s/%s",
		c.Username, c.Password, c.Host, c.Name)
}

// requireEnv retrieves an environment variable or returns an error if empty
func requireEnv(key string) (string, error) {
	value := os.Getenv(key)
	if value == "" {
		return "", fmt.Errorf("%s is not set: %w", key, ErrEmptyEnvironmentVariable)
	}
	return value, nil
}

// getEnvWithDefault retrieves an environment variable or returns a default value
func getEnvWithDefault(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func parseInt(key, defaultValue string) (int, error) {
	v, err := strconv.Atoi(getEnvWithDefault(key, defaultValue))
	if err != nil {
		return 0, fmt.Errorf("failed to parse %s: %w", key, err)
	}
	return v, nil
}

func parseDuration(key, defaultValue string) (time.Duration, error) {
	v, err := time.ParseDuration(getEnvWithDefault(key, defaultValue))
	if err != nil {
		return 0, fmt.Errorf("failed to parse %s: %w", key, err)
	}
	return v, nil
}

func parseBool(key, defaultValue string) (bool, error) {
	v, err := strconv.ParseBool(getEnvWithDefault(key, defaultValue))
	if err != nil {
		return false, fmt.Errorf("failed to parse %s: %w", key, err)
	}
	return v, nil
}
