package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	ManifestPath  string
	DataDir       string
	PollInterval  time.Duration
	Marker        string
	ContextRadius int
	AuthorName    string
	AuthorEmail   string
	// Completion provider
	OllamaURL         string
	OllamaModel       string
	CompletionTimeout time.Duration
	// Redis - empty means the processed set lives in memory only
	RedisURL string
}

func Load() Config {
	return Config{
		ManifestPath:      getenv("PAPERSYNC_MANIFEST", "./papers_manifest.json"),
		DataDir:           getenv("PAPERSYNC_DATA_DIR", "./data/papers"),
		PollInterval:      time.Duration(getenvInt("PAPERSYNC_POLL_INTERVAL_SECONDS", 10)) * time.Second,
		Marker:            getenv("PAPERSYNC_MARKER", "@ai:"),
		ContextRadius:     getenvInt("PAPERSYNC_CONTEXT_RADIUS", 10),
		AuthorName:        getenv("PAPERSYNC_AUTHOR_NAME", "papersync"),
		AuthorEmail:       getenv("PAPERSYNC_AUTHOR_EMAIL", "papersync@localhost"),
		OllamaURL:         getenv("OLLAMA_URL", "http://localhost:11434"),
		OllamaModel:       getenv("OLLAMA_MODEL", "llama3.2"),
		CompletionTimeout: time.Duration(getenvInt("PAPERSYNC_COMPLETION_TIMEOUT_SECONDS", 120)) * time.Second,
		RedisURL:          getenv("REDIS_URL", ""),
	}
}

func getenv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}
