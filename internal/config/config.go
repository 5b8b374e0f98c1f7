package config

import (
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"
)

// Config carries process configuration, read from the environment with an
// optional .env file on top.
type Config struct {
	Port          string
	DBDSN         string
	MediaDir      string
	AdminPassword string
	AdminTokenTTL time.Duration

	// MediaCleanupInterval is how often expired temp media is purged.
	MediaCleanupInterval time.Duration
}

// Load reads configuration. A missing .env file is fine; real environment
// variables always win over file values.
func Load() Config {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("[config] loading .env: %v", err)
	}
	return Config{
		Port:                 getenv("PORT", "3000"),
		DBDSN:                getenv("DB_DSN", "file:wabot.db?_foreign_keys=on"),
		MediaDir:             getenv("MEDIA_DIR", "media"),
		AdminPassword:        getenv("ADMIN_PASSWORD", "admin123"),
		AdminTokenTTL:        getduration("ADMIN_TOKEN_TTL", 24*time.Hour),
		MediaCleanupInterval: getduration("MEDIA_CLEANUP_INTERVAL", 6*time.Hour),
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getduration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Printf("[config] invalid %s=%q, using %s", key, v, def)
		return def
	}
	return d
}
