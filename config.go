package main

import (
	"flag"
	"os"
	"strconv"
	"time"
)

type Config struct {
	ListenAddr    string
	Token         string
	CattacklesDir string
	DBPath        string

	PollTimeout int
	Feedback    bool

	AccumMaxMessages int
	AccumMaxLength   int
	AccumMaxAge      time.Duration
}

func LoadConfig() Config {
	cfg := Config{}

	flag.StringVar(&cfg.ListenAddr, "addr", envOrDefault("CATMANDU_ADDR", ":8080"), "Admin listen address")
	flag.StringVar(&cfg.Token, "token", os.Getenv("CATMANDU_BOT_TOKEN"), "Telegram bot token")
	flag.StringVar(&cfg.CattacklesDir, "cattackles", envOrDefault("CATMANDU_CATTACKLES_DIR", "cattackles"), "Cattackles directory")
	flag.StringVar(&cfg.DBPath, "db", envOrDefault("CATMANDU_DB", "catmandu.db"), "SQLite database path")
	flag.IntVar(&cfg.PollTimeout, "poll-timeout", envOrDefaultInt("CATMANDU_POLL_TIMEOUT", 10), "Long-poll window in seconds")
	flag.BoolVar(&cfg.Feedback, "feedback", os.Getenv("CATMANDU_FEEDBACK") == "1", "Reply with stored-count feedback for plain messages")
	flag.IntVar(&cfg.AccumMaxMessages, "accum-max-messages", envOrDefaultInt("CATMANDU_ACCUM_MAX_MESSAGES", 100), "Max accumulated messages per chat")
	flag.IntVar(&cfg.AccumMaxLength, "accum-max-length", envOrDefaultInt("CATMANDU_ACCUM_MAX_LENGTH", 1000), "Max length of one accumulated message")
	flag.DurationVar(&cfg.AccumMaxAge, "accum-max-age", 0, "Max age of accumulated messages (0 disables age eviction)")
	flag.Parse()

	return cfg
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
