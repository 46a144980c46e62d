package kafka

import (
	"os"
	"strings"
	"time"
)

type IngestConfig struct {
	Enabled bool

	Brokers []string
	Topic   string
	GroupID string

	SessionTimeout   time.Duration
	Heartbeat        time.Duration
	RebalanceTimeout time.Duration
	InitialOldest    bool

	// DedupeSize bounds the number of image paths whose last version is kept.
	DedupeSize int
}

func FromEnv() IngestConfig {
	return IngestConfig{
		Enabled:          strings.ToLower(strings.TrimSpace(os.Getenv("INGEST_ENABLED"))) == "true",
		Brokers:          split(envOr("KAFKA_BROKERS", "localhost:9092")),
		Topic:            envOr("INGEST_TOPIC", "fits-images"),
		GroupID:          envOr("INGEST_GROUP_ID", "fits-metadata"),
		SessionTimeout:   30 * time.Second,
		Heartbeat:        3 * time.Second,
		RebalanceTimeout: 30 * time.Second,
		InitialOldest:    true,
		DedupeSize:       8192,
	}
}

func envOr(k, def string) string {
	if v := strings.TrimSpace(os.Getenv(k)); v != "" {
		return v
	}
	return def
}

func split(s string) []string {
	var out []string
	for p := range strings.SplitSeq(s, ",") {
		if x := strings.TrimSpace(p); x != "" {
			out = append(out, x)
		}
	}
	return out
}
