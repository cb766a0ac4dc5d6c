package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	ServerAddr        string
	DatabaseURL       string
	PinLength         int
	HeartbeatInterval time.Duration
	WriteTimeout      time.Duration
	ReadIdleTimeout   time.Duration
	ShutdownGrace     time.Duration
}

func Load() *Config {
	return &Config{
		ServerAddr:        getEnv("SERVER_ADDR", ":3000"),
		DatabaseURL:       getEnv("DATABASE_URL", ""),
		PinLength:         getEnvInt("PIN_LENGTH", 6),
		HeartbeatInterval: time.Duration(getEnvInt("WS_HEARTBEAT_INTERVAL", 30)) * time.Second,
		WriteTimeout:      time.Duration(getEnvInt("WS_WRITE_TIMEOUT_SEC", 3)) * time.Second,
		ReadIdleTimeout:   time.Duration(getEnvInt("WS_READ_IDLE_SEC", 90)) * time.Second,
		ShutdownGrace:     time.Duration(getEnvInt("SHUTDOWN_GRACE_SEC", 10)) * time.Second,
	}
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return fallback
}
