package config

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/Netflix/go-env"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/joho/godotenv"
)

// PublicKey is a hex encoded compressed secp256k1 key.
type PublicKey struct {
	Raw *btcec.PublicKey
}

func (p *PublicKey) UnmarshalEnvironmentValue(data string) error {
	decoded, err := hex.DecodeString(data)
	if err != nil {
		return fmt.Errorf("could not decode hex-encoded public key: %w", err)
	}
	key, err := btcec.ParsePubKey(decoded)
	if err != nil {
		return fmt.Errorf("could not parse public key: %w", err)
	}
	p.Raw = key
	return nil
}

type Config struct {
	LocalDatabase      string     `env:"LOCAL_DATABASE,default=file:replica.db"`
	PgDatabaseUrl      string     `env:"DATABASE_URL"`
	SyncServerURL      string     `env:"SYNC_SERVER_URL"`
	HTTPListenAddress  string     `env:"HTTP_LISTEN_ADDRESS,default=127.0.0.1:8081"`
	ResourceTables     string     `env:"RESOURCE_TABLES"`
	CorsAllowedOrigins string     `env:"CORS_ALLOWED_ORIGINS,default=*"`
	NotifierPubkey     *PublicKey `env:"NOTIFIER_PUBKEY"`
	LogLevel           string     `env:"LOG_LEVEL,default=info"`
	LogFormat          string     `env:"LOG_FORMAT,default=console"`
	LogOutput          string     `env:"LOG_OUTPUT,default=stderr"`
}

// NewConfig reads the environment, after loading envFiles (".env" when none
// is given). Missing env files are ignored.
func NewConfig(envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		_ = godotenv.Load(f)
	}

	var config Config
	if _, err := env.UnmarshalFromEnviron(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

func (c *Config) Tables() []string {
	return SplitList(c.ResourceTables)
}

func (c *Config) AllowedOrigins() []string {
	return SplitList(c.CorsAllowedOrigins)
}

// SplitList splits a comma separated value, dropping empty items.
func SplitList(value string) []string {
	var items []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}
