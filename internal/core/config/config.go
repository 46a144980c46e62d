package config

import (
	"math"
	"os"
	"strconv"
	"strings"
	"time"
)

// EventsCfg configures the cutout event producer.
type EventsCfg struct {
	Enabled   bool
	Brokers   string
	Topic     string
	QueueSize int
}

type Config struct {
	Addr       string
	LogLevel   string
	LogConsole bool
	LogSampleN int

	ImagesDir         string
	CutoutsDir        string
	ImageExts         []string
	CutoutsMode       string
	CutoutFill        float64
	CutoutMaxEntries  int
	CutoutDedupe      bool
	Resolver          string
	DatabaseURL       string
	DBSchema          string
	DBImageTable      string
	MetadataBackend   string
	RedisAddr         string
	RedisKeyPrefix    string
	CacheOpTimeout    time.Duration
	MetadataWorkers   int
	MetadataInitStart bool
	SkyIndexRes       int
	IngestEnabled     bool
	Events            EventsCfg
	MetricsEnabled    bool
}

func FromEnv() Config {
	skyRes := getint("SKY_INDEX_RES", 6)
	if skyRes < 0 || skyRes > 15 {
		skyRes = 6
	}

	return Config{
		Addr:       getenv("ADDR", ":8090"),
		LogLevel:   getenv("LOG_LEVEL", "info"),
		LogConsole: getbool("LOG_CONSOLE", false),
		LogSampleN: getint("LOG_SAMPLE_N", 0),

		ImagesDir:         getenv("IMAGES_DIR", "/vos/images"),
		CutoutsDir:        getenv("CUTOUTS_DIR", "/vos/cutouts"),
		ImageExts:         getlist("IMAGE_EXTS", []string{"fits", "fits.gz"}),
		CutoutsMode:       parseMode(getenv("CUTOUTS_MODE", "trim")),
		CutoutFill:        getfloat("CUTOUT_FILL", math.NaN()),
		CutoutMaxEntries:  max(getint("CUTOUT_MAX_ENTRIES", 0), 0),
		CutoutDedupe:      getbool("CUTOUT_DEDUPE_INFLIGHT", false),
		Resolver:          strings.ToLower(getenv("RESOLVER", "matcher")),
		DatabaseURL:       getenv("DATABASE_URL", ""),
		DBSchema:          getenv("DB_SCHEMA", "sia"),
		DBImageTable:      getenv("DB_IMAGE_TABLE", "images"),
		MetadataBackend:   strings.ToLower(getenv("METADATA_BACKEND", "memory")),
		RedisAddr:         getenv("REDIS_ADDR", "localhost:6379"),
		RedisKeyPrefix:    getenv("REDIS_KEY_PREFIX", "fits:md:"),
		CacheOpTimeout:    getduration("CACHE_OP_TIMEOUT", 250*time.Millisecond),
		MetadataWorkers:   getint("METADATA_INIT_WORKERS", 0),
		MetadataInitStart: getbool("METADATA_INIT_ON_START", true),
		SkyIndexRes:       skyRes,
		IngestEnabled:     getbool("INGEST_ENABLED", false),
		Events: EventsCfg{
			Enabled:   getbool("CUTOUT_EVENTS_ENABLED", false),
			Brokers:   getenv("KAFKA_BROKERS", "localhost:9092"),
			Topic:     getenv("CUTOUT_EVENTS_TOPIC", "cutout-events"),
			QueueSize: getint("CUTOUT_EVENTS_QUEUE", 1024),
		},
		MetricsEnabled: getbool("METRICS_ENABLED", true),
	}
}

// parseMode accepts pad as an alias of partial; unknown values fall back to trim.
func parseMode(s string) string {
	switch m := strings.ToLower(strings.TrimSpace(s)); m {
	case "pad":
		return "partial"
	case "trim", "partial", "strict":
		return m
	default:
		return "trim"
	}
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getint(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v := os.Getenv(k); v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "t", "true", "y", "yes":
			return true
		case "0", "f", "false", "n", "no":
			return false
		}
	}
	return def
}

func getfloat(k string, def float64) float64 {
	if v := os.Getenv(k); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getduration(k string, def time.Duration) time.Duration {
	if v := os.Getenv(k); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

// parse "fits, .fit,fits.gz" into [fits fit fits.gz]
func getlist(k string, def []string) []string {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def
	}
	var out []string
	for p := range strings.SplitSeq(v, ",") {
		p = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(p)), ".")
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	if len(out) == 0 {
		return def
	}
	return out
}
