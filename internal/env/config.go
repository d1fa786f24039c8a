package env

import (
	"context"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/sethvargo/go-envconfig"
)

type Config struct {
	Host     string `env:"RELAY_HOST,default=127.0.0.1"`
	Port     int    `env:"RELAY_PORT,default=6379"`
	Username string `env:"RELAY_USERNAME"`
	Password string `env:"RELAY_PASSWORD"`
	Name     string `env:"RELAY_CONNECTION_NAME"`
	DB       int    `env:"RELAY_DB"`

	// KeyPrefix is prepended to every channel and pattern name on the
	// wire, for namespace isolation between tenants sharing a server.
	KeyPrefix string `env:"RELAY_KEY_PREFIX"`

	ConnectTimeout time.Duration `env:"RELAY_CONNECT_TIMEOUT,default=10s"`
	AckTimeout     time.Duration `env:"RELAY_ACK_TIMEOUT,default=500ms"`

	DebugHTTP bool `env:"RELAY_DEBUG_HTTP"`
}

func LoadConfig(ctx context.Context) (*Config, error) {
	config := Config{}

	if err := godotenv.Load(".env.local"); err != nil {
		if !os.IsNotExist(err) {
			panic(err)
		}
	}

	if err := envconfig.Process(ctx, &config); err != nil {
		return nil, err
	}

	return &config, nil
}
