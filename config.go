package main

import (
	"os"
	"strconv"
	"time"
)

// Config holds the server's runtime configuration, sourced from the
// environment (and .env, loaded in main before Config is built).
type Config struct {
	Addr string

	DatabaseURL string

	// JWTSecret verifies the bearer tokens presented by consumers (HS256).
	JWTSecret []byte

	// NotificationWait bounds how long a streaming session waits on the
	// LISTEN/NOTIFY channel before resuming the drain phase.
	NotificationWait time.Duration

	// DispatchCooldown is how far into the future next_time is pushed
	// after a successful delivery.
	DispatchCooldown time.Duration

	// RateLimitPerSecond bounds requests per consumer IP, per second.
	RateLimitPerSecond int
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// LoadConfig builds a Config from the process environment.
func LoadConfig() Config {
	return Config{
		Addr:             env("HOST", "127.0.0.1") + ":" + env("PORT", "8080"),
		DatabaseURL:      env("DATABASE_URL", ""),
		JWTSecret:        []byte(env("JWT_SECRET", "")),
		NotificationWait:   envDuration("NOTIFICATION_WAIT", 60*time.Second),
		DispatchCooldown:   envDuration("DISPATCH_COOLDOWN", time.Hour),
		RateLimitPerSecond: envInt("RATE_LIMIT_PER_SECOND", 30),
	}
}
