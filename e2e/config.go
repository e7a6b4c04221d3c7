package e2e

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	// AMQP_URL points at the RabbitMQ instance the suite runs against.
	// Leaving it empty skips the whole suite.
	AmqpURL      string `envconfig:"AMQP_URL"`
	AmqpExchange string `envconfig:"AMQP_EXCHANGE" default:"broker.frames.e2e"`
	// E2E_DEBUG_FRAMES allows dumping every consumed message as JSON
	DebugFrames bool `envconfig:"E2E_DEBUG_FRAMES" default:"false"`
	// E2E_COLOURS enables colorized output for better log readability
	Colours bool `envconfig:"E2E_COLOURS" default:"true"`
	// E2E_RECEIVE_TIMEOUT bounds how long each step waits for frames to cross RabbitMQ
	ReceiveTimeout time.Duration `envconfig:"E2E_RECEIVE_TIMEOUT" default:"15s"`
}

func LoadConfig() (Config, error) {
	var cfg Config
	err := envconfig.Process("", &cfg)
	return cfg, err
}
