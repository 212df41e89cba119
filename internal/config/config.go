package config

import (
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

type Config struct {
	HttpServerPort uint16 `env:"HTTP_SERVER_PORT" envDefault:"3000" validate:"min=1000,max=65535"`

	TileWidth   int `env:"TILE_WIDTH"   envDefault:"1024" validate:"min=1,max=4096"`
	TileHeight  int `env:"TILE_HEIGHT"  envDefault:"1024" validate:"min=1,max=4096"`
	HubCapacity int `env:"HUB_CAPACITY" envDefault:"1024" validate:"min=1,max=65536"`

	ReadIdleTimeout time.Duration `env:"READ_IDLE_TIMEOUT" envDefault:"60s"   validate:"gt=0"`
	PingPeriod      time.Duration `env:"PING_PERIOD"       envDefault:"25s"   validate:"gte=0"`
	MaxMessageBytes int           `env:"MAX_MESSAGE_BYTES" envDefault:"65536" validate:"min=1024"`

	RateLimitCapacity int           `env:"RATE_LIMIT_CAPACITY" envDefault:"20"    validate:"min=1"`
	RateLimitRefill   int           `env:"RATE_LIMIT_REFILL"   envDefault:"5"     validate:"min=1"`
	RateLimitInterval time.Duration `env:"RATE_LIMIT_INTERVAL" envDefault:"200ms" validate:"gt=0"`

	// Empty means a random id is minted at boot.
	InstanceID string `env:"INSTANCE_ID"`

	RedisEnabled      bool   `env:"REDIS_ENABLED"       envDefault:"false"`
	RedisCanvasesHost string `env:"REDIS_CANVASES_HOST" envDefault:"localhost"`
	RedisCanvasesPort uint16 `env:"REDIS_CANVASES_PORT" envDefault:"6379" validate:"min=1000,max=65535"`

	CheckpointEnabled  bool          `env:"CHECKPOINT_ENABLED"  envDefault:"false"`
	CheckpointInterval time.Duration `env:"CHECKPOINT_INTERVAL" envDefault:"10s" validate:"gt=0"`

	PostgresHost     string `env:"POSTGRES_HOST"     envDefault:"localhost"`
	PostgresPort     string `env:"POSTGRES_PORT"     envDefault:"5432"`
	PostgresUser     string `env:"POSTGRES_USER"     envDefault:"drawboard_user"`
	PostgresPassword string `env:"POSTGRES_PASSWORD" envDefault:"drawboard_password"`
	PostgresDb       string `env:"POSTGRES_DB"       envDefault:"drawboard_db"`
}

func LoadConfig() (*Config, error) {
	// Load environment variables from .env file
	err := godotenv.Load(".env")
	if err != nil {
		zap.L().Debug(".env file not found", zap.Error(err))
	}

	cfg := &Config{}
	// Parse config from environment variables
	if err = env.Parse(cfg); err != nil {
		zap.L().Error("config_load_failed", zap.Error(err))
		return nil, err
	}

	// Validate the config
	validate := validator.New()
	err = validate.Struct(cfg)
	if err != nil {
		zap.L().Error("config_validation_failed", zap.Error(err))
		return nil, err
	}

	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}
	return cfg, nil
}
