package config

import (
	"log"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

type EngineConfig struct {
	Port     string `envconfig:"PORT" default:"8080"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
	DBDSN    string `envconfig:"DB_DSN" required:"true"`

	// RMQURL is optional; without it the command worker and the event
	// exchange are disabled.
	RMQURL         string `envconfig:"RMQ_URL"`
	CommandQueue   string `envconfig:"COMMAND_QUEUE" default:"broadcast_commands"`
	EventsExchange string `envconfig:"EVENTS_EXCHANGE" default:"engine_events"`

	GatewayURL   string `envconfig:"GATEWAY_URL" required:"true"`
	GatewayToken string `envconfig:"GATEWAY_TOKEN"`

	PaceMin        time.Duration `envconfig:"PACE_MIN" default:"2s"`
	PaceMax        time.Duration `envconfig:"PACE_MAX" default:"5s"`
	ReconnectEvery time.Duration `envconfig:"RECONNECT_EVERY" default:"5s"`

	RecurringSpec string `envconfig:"RECURRING_SPEC" default:"@hourly"`
	ScheduledSpec string `envconfig:"SCHEDULED_SPEC" default:"@every 30s"`
	Timezone      string `envconfig:"TZ_NAME" default:"Local"`
}

var Engine EngineConfig

// Load reads an optional .env file and then the process environment.
func Load() (EngineConfig, error) {
	if err := godotenv.Load(); err != nil {
		log.Println("no .env file loaded")
	}
	var cfg EngineConfig
	if err := envconfig.Process("", &cfg); err != nil {
		return EngineConfig{}, err
	}
	if cfg.PaceMax < cfg.PaceMin {
		cfg.PaceMax = cfg.PaceMin
	}
	return cfg, nil
}

func MustLoadEngine() {
	cfg, err := Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	Engine = cfg
}

// Location resolves Timezone, falling back to the local zone.
func (c EngineConfig) Location() *time.Location {
	if c.Timezone == "" || c.Timezone == "Local" {
		return time.Local
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		log.Printf("unknown timezone %q, using local", c.Timezone)
		return time.Local
	}
	return loc
}
