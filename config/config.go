package config

import (
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

type Config struct {
	Host               string
	Port               int
	HeartbeatTimeout   int // seconds
	WriteTimeout       int // seconds
	MaxFrameSize       int // bytes
	DatabaseDSN        string
	FilePortRangeStart int
	FilePortRangeEnd   int
}

// Load reads configuration from the environment, with a .env file as a
// fallback source. LOCAL=True pins the server to loopback.
func Load() *Config {
	_ = godotenv.Load()

	cfg := &Config{
		Port:               9999,
		HeartbeatTimeout:   30,
		WriteTimeout:       10,
		MaxFrameSize:       1 << 20,
		DatabaseDSN:        "relay.db",
		FilePortRangeStart: 35000,
		FilePortRangeEnd:   35999,
	}

	if os.Getenv("LOCAL") == "True" {
		cfg.Host = "127.0.0.1"
	} else if host := os.Getenv("RELAY_HOST"); host != "" {
		cfg.Host = host
	}

	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		cfg.DatabaseDSN = dsn
	} else if path := os.Getenv("RELAY_DB_PATH"); path != "" {
		cfg.DatabaseDSN = path
	}

	readInt(&cfg.Port, "RELAY_PORT")
	readInt(&cfg.HeartbeatTimeout, "RELAY_HEARTBEAT_TIMEOUT")
	readInt(&cfg.WriteTimeout, "RELAY_WRITE_TIMEOUT")
	readInt(&cfg.MaxFrameSize, "RELAY_MAX_FRAME")
	readInt(&cfg.FilePortRangeStart, "RELAY_FILE_PORT_START")
	readInt(&cfg.FilePortRangeEnd, "RELAY_FILE_PORT_END")

	return cfg
}

func readInt(dst *int, key string) {
	if raw := os.Getenv(key); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			*dst = v
		}
	}
}
