package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Backend    BackendConfig    `mapstructure:"backend"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	OpenAI     OpenAIConfig     `mapstructure:"openai"`
	Escalation EscalationConfig `mapstructure:"escalation"`
	Channel    ChannelConfig    `mapstructure:"channel"`
	User       UserConfig       `mapstructure:"user"`
	Log        LogConfig        `mapstructure:"log"`
	Agents     []AgentConfig    `mapstructure:"agents"`
}

type BackendConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	WSURL   string        `mapstructure:"ws_url"`
	OrgID   string        `mapstructure:"org_id"`
	Channel string        `mapstructure:"channel"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type DatabaseConfig struct {
	Host        string `mapstructure:"host"`
	Port        int    `mapstructure:"port"`
	User        string `mapstructure:"user"`
	Password    string `mapstructure:"password"`
	DBName      string `mapstructure:"dbname"`
	SSLMode     string `mapstructure:"sslmode"`
	UseInMemory bool   `mapstructure:"use_in_memory"`
}

type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	URL      string `mapstructure:"url"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type OpenAIConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	APIKey      string  `mapstructure:"api_key"`
	BaseURL     string  `mapstructure:"base_url"`
	Model       string  `mapstructure:"model"`
	MaxTokens   int     `mapstructure:"max_tokens"`
	Temperature float64 `mapstructure:"temperature"`
}

type EscalationConfig struct {
	SimilarityThreshold float64  `mapstructure:"similarity_threshold"`
	Keywords            []string `mapstructure:"keywords"`
}

type ChannelConfig struct {
	ReconnectInitial     time.Duration `mapstructure:"reconnect_initial"`
	ReconnectMax         time.Duration `mapstructure:"reconnect_max"`
	MaxReconnectAttempts int           `mapstructure:"max_reconnect_attempts"`
}

type UserConfig struct {
	Email string `mapstructure:"email"`
	Name  string `mapstructure:"name"`
}

type LogConfig struct {
	Development bool `mapstructure:"development"`
}

// AgentConfig seeds the agent registry on start.
type AgentConfig struct {
	ID          string `mapstructure:"id"`
	Name        string `mapstructure:"name"`
	Status      string `mapstructure:"status"`
	MaxSessions int    `mapstructure:"max_sessions"`
}

func parseDatabaseURL(dbURL string) (DatabaseConfig, error) {
	u, err := url.Parse(dbURL)
	if err != nil {
		return DatabaseConfig{}, err
	}

	password, _ := u.User.Password()
	port := 5432 // default PostgreSQL port
	if u.Port() != "" {
		fmt.Sscanf(u.Port(), "%d", &port)
	}

	sslMode := u.Query().Get("sslmode")
	if sslMode == "" {
		sslMode = "disable"
	}

	return DatabaseConfig{
		Host:     u.Hostname(),
		Port:     port,
		User:     u.User.Username(),
		Password: password,
		DBName:   strings.TrimPrefix(u.Path, "/"),
		SSLMode:  sslMode,
	}, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("backend.base_url", "http://localhost:5001")
	v.SetDefault("backend.ws_url", "ws://localhost:5001/ws")
	v.SetDefault("backend.org_id", "acme")
	v.SetDefault("backend.channel", "web")
	v.SetDefault("backend.timeout", "30s")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.use_in_memory", true)
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("openai.enabled", false)
	v.SetDefault("openai.model", "gpt-3.5-turbo")
	v.SetDefault("openai.max_tokens", 300)
	v.SetDefault("openai.temperature", 0.3)
	v.SetDefault("escalation.similarity_threshold", 0.5)
	v.SetDefault("channel.reconnect_initial", "500ms")
	v.SetDefault("channel.reconnect_max", "30s")
	v.SetDefault("channel.max_reconnect_attempts", 10)
	v.SetDefault("log.development", false)
}

// LoadConfig reads path when it is not empty and applies defaults and
// environment overrides.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	// Enable environment variable support
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	// Check for DATABASE_URL environment variable
	if dbURL := v.GetString("DATABASE_URL"); dbURL != "" {
		dbConfig, err := parseDatabaseURL(dbURL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse DATABASE_URL: %w", err)
		}
		config.Database = dbConfig
	}

	if apiKey := v.GetString("OPENAI_API_KEY"); apiKey != "" {
		config.OpenAI.APIKey = apiKey
	}

	if redisURL := v.GetString("REDIS_URL"); redisURL != "" {
		config.Redis.URL = redisURL
		config.Redis.Enabled = true
	}

	if email := v.GetString("SUPPORT_USER_EMAIL"); email != "" {
		config.User.Email = email
	}

	if err := config.validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func (c *Config) validate() error {
	if c.Escalation.SimilarityThreshold < 0 || c.Escalation.SimilarityThreshold > 1 {
		return fmt.Errorf("escalation.similarity_threshold must be within [0, 1], got %v", c.Escalation.SimilarityThreshold)
	}
	if c.Channel.MaxReconnectAttempts < 1 {
		return fmt.Errorf("channel.max_reconnect_attempts must be positive")
	}
	for _, a := range c.Agents {
		if a.ID == "" {
			return fmt.Errorf("agent without id in agents section")
		}
	}
	return nil
}
