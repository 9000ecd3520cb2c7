package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds the configuration for the application.
type Config struct {
	Server struct {
		Addr            string        `mapstructure:"addr"`
		ReadTimeout     time.Duration `mapstructure:"read_timeout"`
		WriteTimeout    time.Duration `mapstructure:"write_timeout"`
		IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
		ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	} `mapstructure:"server"`
	DB struct {
		Host     string `mapstructure:"host"`
		Port     int    `mapstructure:"port"`
		User     string `mapstructure:"user"`
		Password string `mapstructure:"password"`
		Name     string `mapstructure:"name"`
		SSLMode  string `mapstructure:"sslmode"`
		MaxConns int32  `mapstructure:"max_conns"`
	} `mapstructure:"db"`
	Storage struct {
		// Driver is "postgres" or "memory".
		Driver string `mapstructure:"driver"`
	} `mapstructure:"storage"`
	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"log"`
	Auth struct {
		Enable       bool   `mapstructure:"enable"`
		OktaDomain   string `mapstructure:"okta_domain"`
		ClientID     string `mapstructure:"client_id"`
		ClientSecret string `mapstructure:"client_secret"`
		RedirectURL  string `mapstructure:"redirect_url"`
	} `mapstructure:"auth"`
	TLS struct {
		Enable    bool     `mapstructure:"enable"`
		CertFile  string   `mapstructure:"cert_file"`
		KeyFile   string   `mapstructure:"key_file"`
		Hostnames []string `mapstructure:"hostnames"`
	} `mapstructure:"tls"`
	LLM   LLM   `mapstructure:"llm"`
	Agent Agent `mapstructure:"agent"`
}

// LLM configures the model provider.
type LLM struct {
	// Provider is "openai", "anthropic" or "compat".
	Provider    string        `mapstructure:"provider"`
	Model       string        `mapstructure:"model"`
	APIKey      string        `mapstructure:"api_key"`
	BaseURL     string        `mapstructure:"base_url"`
	Timeout     time.Duration `mapstructure:"timeout"`
	MaxTokens   int64         `mapstructure:"max_tokens"`
	Temperature float64       `mapstructure:"temperature"`
	MaxRetries  int           `mapstructure:"max_retries"`

	// Client-credentials token exchange, used instead of APIKey when TokenURL is set.
	TokenURL     string   `mapstructure:"token_url"`
	ClientID     string   `mapstructure:"client_id"`
	ClientSecret string   `mapstructure:"client_secret"`
	Scopes       []string `mapstructure:"scopes"`
}

// Agent configures the agent loop.
type Agent struct {
	MaxIterations   int           `mapstructure:"max_iterations"`
	ModelTimeout    time.Duration `mapstructure:"model_timeout"`
	ToolConcurrency int           `mapstructure:"tool_concurrency"`
	ToolTimeout     time.Duration `mapstructure:"tool_timeout"`
}

// DSN returns the Postgres connection string for the DB section.
func (c *Config) DSN() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(c.DB.User, c.DB.Password),
		Host:   fmt.Sprintf("%s:%d", c.DB.Host, c.DB.Port),
		Path:   c.DB.Name,
	}
	q := u.Query()
	q.Set("sslmode", c.DB.SSLMode)
	if c.DB.MaxConns > 0 {
		q.Set("pool_max_conns", fmt.Sprint(c.DB.MaxConns))
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", 15*time.Second)
	// chat responses stream for minutes
	v.SetDefault("server.write_timeout", 0)
	v.SetDefault("server.idle_timeout", 60*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("db.host", "localhost")
	v.SetDefault("db.port", 5432)
	v.SetDefault("db.user", "postgres")
	v.SetDefault("db.password", "postgres")
	v.SetDefault("db.name", "workflows")
	v.SetDefault("db.sslmode", "disable")
	v.SetDefault("db.max_conns", 10)

	v.SetDefault("storage.driver", "postgres")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("auth.enable", false)
	v.SetDefault("auth.okta_domain", "")
	v.SetDefault("auth.client_id", "")
	v.SetDefault("auth.client_secret", "")
	v.SetDefault("auth.redirect_url", "")

	v.SetDefault("tls.enable", false)
	v.SetDefault("tls.cert_file", "certs/server.crt")
	v.SetDefault("tls.key_file", "certs/server.key")
	v.SetDefault("tls.hostnames", []string{"localhost", "127.0.0.1"})

	v.SetDefault("llm.provider", "openai")
	v.SetDefault("llm.model", "gpt-4o")
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.base_url", "")
	v.SetDefault("llm.timeout", 120*time.Second)
	v.SetDefault("llm.max_tokens", 4096)
	v.SetDefault("llm.temperature", 0.2)
	v.SetDefault("llm.max_retries", 2)
	v.SetDefault("llm.token_url", "")
	v.SetDefault("llm.client_id", "")
	v.SetDefault("llm.client_secret", "")
	v.SetDefault("llm.scopes", []string{})

	v.SetDefault("agent.max_iterations", 15)
	v.SetDefault("agent.model_timeout", 90*time.Second)
	v.SetDefault("agent.tool_concurrency", 4)
	v.SetDefault("agent.tool_timeout", 30*time.Second)
}

// LoadConfig loads the configuration from defaults, an optional config.yaml,
// an optional dotenv file and APP_-prefixed environment variables, in
// increasing order of precedence.
func LoadConfig(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("loading env file %s: %w", envFile, err)
		}
	}

	v := viper.New()
	setDefaults(v)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.SetEnvPrefix("APP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}

	// normalize OKTA issuer url (strip trailing slash if any)
	config.Auth.OktaDomain = normalizeOktaIssuer(config.Auth.OktaDomain)

	if err := config.validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func (c *Config) validate() error {
	switch c.Storage.Driver {
	case "postgres", "memory":
	default:
		return fmt.Errorf("storage.driver must be postgres or memory, got %q", c.Storage.Driver)
	}
	switch c.LLM.Provider {
	case "openai", "anthropic", "compat":
	default:
		return fmt.Errorf("llm.provider must be openai, anthropic or compat, got %q", c.LLM.Provider)
	}
	if c.Agent.MaxIterations < 1 {
		return fmt.Errorf("agent.max_iterations must be positive")
	}
	return nil
}

// normalizeOktaIssuer removes surrounding whitespace and any trailing slash
// so a URL pasted from the admin console compares equal to the token issuer.
func normalizeOktaIssuer(input string) string {
	return strings.TrimRight(strings.TrimSpace(input), "/")
}
