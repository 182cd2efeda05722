package app

import (
	"net/http"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Environment variables understood by the CLI. Flags take precedence.
const (
	EnvServer         = "MARCHIVE_SERVER"
	EnvUser           = "MARCHIVE_USER"
	EnvPassword       = "MARCHIVE_PASSWORD"
	EnvKeys           = "MARCHIVE_KEYS"
	EnvKeysPassphrase = "MARCHIVE_KEYS_PASSPHRASE"
	EnvOut            = "MARCHIVE_OUT"
	EnvLogLevel       = "MARCHIVE_LOG_LEVEL"
	EnvMediaWorkers   = "MARCHIVE_MEDIA_WORKERS"
	EnvMaxRetries     = "MARCHIVE_MAX_RETRIES"
)

// Config holds runtime wiring options for building the app.
type Config struct {
	ServerURL      string // homeserver base URL, e.g. https://matrix.example.org
	User           string // full user id, e.g. @alice:example.org
	Password       string
	KeysPath       string // exported room keys bundle
	KeysPassphrase string
	OutDir         string // archive output directory
	LogLevel       string
	MediaWorkers   int
	MaxRetries     int
	BatchLimit     int
	NoMedia        bool
	HTTP           *http.Client // optional; the client builds its own when nil
}

// FromEnv builds a Config from the environment, loading a .env file from the
// working directory first when one exists.
func FromEnv() Config {
	_ = godotenv.Load()
	return Config{
		ServerURL:      os.Getenv(EnvServer),
		User:           os.Getenv(EnvUser),
		Password:       os.Getenv(EnvPassword),
		KeysPath:       os.Getenv(EnvKeys),
		KeysPassphrase: os.Getenv(EnvKeysPassphrase),
		OutDir:         envOr(EnvOut, "archive"),
		LogLevel:       envOr(EnvLogLevel, "info"),
		MediaWorkers:   envInt(EnvMediaWorkers, 4),
		MaxRetries:     envInt(EnvMaxRetries, 0),
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
