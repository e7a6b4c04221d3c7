package internal

import (
	"fmt"
	"strings"
	"time"
)

type Config struct {
	BadgerFilepath string `env:"BADGER_FILEPATH,required=true"`
	RegistryFile   string `env:"REGISTRY_FILE,required=true"`
	LogLevel       string `env:"LOG_LEVEL,required=true"`

	// LocalServices lists the registry services this process hosts, comma
	// separated. Empty hosts every service in the registry file.
	LocalServices string `env:"LOCAL_SERVICES"`

	AmqpURL      string `env:"AMQP_URL"`
	AmqpExchange string `env:"AMQP_EXCHANGE"`

	MaxBodyBytes    int           `env:"MAX_BODY_BYTES"`
	DefaultLifetime time.Duration `env:"DEFAULT_LIFETIME"`
	ErrorRetention  time.Duration `env:"ERROR_RETENTION"`
	LockWait        time.Duration `env:"LOCK_WAIT"`
	TombstoneTTL    time.Duration `env:"TOMBSTONE_TTL"`

	// WorkerRestartDelay paces supervisor restarts after a worker crash.
	// Zero keeps the supervisor default.
	WorkerRestartDelay time.Duration `env:"WORKER_RESTART_DELAY"`

	StatsInterval time.Duration `env:"STATS_INTERVAL"`
	DebugPort     int           `env:"DEBUG_PORT,default=8081"`
}

// SplitServices parses a comma-separated service list, rejecting blank
// entries so a stray comma fails loudly instead of hosting a nameless queue.
func SplitServices(csv string) ([]string, error) {
	if strings.TrimSpace(csv) == "" {
		return nil, nil
	}
	parts := strings.Split(csv, ",")
	services := make([]string, 0, len(parts))
	for _, p := range parts {
		name := strings.TrimSpace(p)
		if name == "" {
			return nil, fmt.Errorf("LOCAL_SERVICES contains an empty entry: %q", csv)
		}
		services = append(services, name)
	}
	return services, nil
}
