package config

import (
	"encoding/base64"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds the runtime configuration for the chat service. Values are
// read from the environment; the command line may override the listen
// address and DSN.
type Config struct {
	ServerAddr     string   `env:"TRIPCHAT_ADDR" envDefault:"localhost:8000"`
	DatabaseDSN    string   `env:"TRIPCHAT_DSN"`
	SigningSecret  string   `env:"TRIPCHAT_SIGNING_KEY"`
	AllowedOrigins []string `env:"TRIPCHAT_ALLOWED_ORIGINS" envSeparator:","`

	AmqpURL      string `env:"TRIPCHAT_AMQP_URL"`
	AmqpExchange string `env:"TRIPCHAT_AMQP_EXCHANGE" envDefault:"tripchat.messages"`

	SendQueueSize     int           `env:"TRIPCHAT_SEND_QUEUE_SIZE" envDefault:"256"`
	MaxMessageSize    int64         `env:"TRIPCHAT_MAX_MESSAGE_SIZE" envDefault:"4096"`
	MaxAttachments    int           `env:"TRIPCHAT_MAX_ATTACHMENTS" envDefault:"10"`
	MaxAttachmentSize int64         `env:"TRIPCHAT_MAX_ATTACHMENT_SIZE" envDefault:"10485760"`
	TypingTTL         time.Duration `env:"TRIPCHAT_TYPING_TTL" envDefault:"3s"`
	JoinTimeout       time.Duration `env:"TRIPCHAT_JOIN_TIMEOUT" envDefault:"5s"`
	SendTimeout       time.Duration `env:"TRIPCHAT_SEND_TIMEOUT" envDefault:"10s"`

	SigningKey []byte `env:"-"`
}

func decodeSigningSecret(base64Secret string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(base64Secret)
}

// NewConfig parses the environment and applies overrides. Empty overrides
// leave the environment values in place.
func NewConfig(addrOverride, dsnOverride, secretOverride string) (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if addrOverride != "" {
		cfg.ServerAddr = addrOverride
	}
	if dsnOverride != "" {
		cfg.DatabaseDSN = dsnOverride
	}
	if secretOverride != "" {
		cfg.SigningSecret = secretOverride
	}

	if cfg.ServerAddr == "" {
		return nil, fmt.Errorf("server address cannot be empty")
	}
	if cfg.DatabaseDSN == "" {
		return nil, fmt.Errorf("database DSN cannot be empty")
	}
	if cfg.SigningSecret == "" {
		return nil, fmt.Errorf("signing secret cannot be empty")
	}
	if cfg.SendQueueSize <= 0 {
		return nil, fmt.Errorf("send queue size must be positive")
	}
	if cfg.TypingTTL <= 0 {
		return nil, fmt.Errorf("typing TTL must be positive")
	}

	signingKey, err := decodeSigningSecret(cfg.SigningSecret)
	if err != nil {
		return nil, fmt.Errorf("decode signing secret: %w", err)
	}
	cfg.SigningKey = signingKey

	return cfg, nil
}
