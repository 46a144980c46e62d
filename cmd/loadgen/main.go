package main

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	ingest "github.com/mohammed-shakir/fits-cutout-cache/pkg/ingest/kafka"
)

type Config struct {
	TargetURL       string
	Collection      string
	RA, Dec         float64
	Spread          float64
	SizeArcSec      float64
	Centers         int
	Concurrency     int
	Duration        time.Duration
	Requests        int64
	ZipfS           float64
	ZipfV           float64
	RequestTimeout  time.Duration
	OutputPrefix    string
	AppendTimestamp bool

	Brokers     string
	IngestTopic string
	IngestPath  string
	Rebuild     bool

	RedisAddr   string
	RedisPrefix string
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func loadConfig() Config {
	var cfg Config
	flag.StringVar(&cfg.TargetURL, "target", getenv("LOADGEN_TARGET", "http://localhost:8080/co/cutout"), "Cutout endpoint URL")
	flag.StringVar(&cfg.Collection, "collection", "", "Restrict matches to a collection")
	flag.Float64Var(&cfg.RA, "ra", 250.4226, "Seed right ascension (deg)")
	flag.Float64Var(&cfg.Dec, "dec", 36.4602, "Seed declination (deg)")
	flag.Float64Var(&cfg.Spread, "spread", 0.02, "Width of the box centers are drawn from (deg)")
	flag.Float64Var(&cfg.SizeArcSec, "size", 10, "Cutout size (arcsec)")
	flag.IntVar(&cfg.Centers, "centers", 64, "Distinct centers in pool")
	flag.IntVar(&cfg.Concurrency, "concurrency", 8, "Concurrent workers")
	flag.DurationVar(&cfg.Duration, "duration", 30*time.Second, "Test duration")
	flag.Int64Var(&cfg.Requests, "n", 0, "Stop after this many requests (0 = run for -duration)")
	flag.Float64Var(&cfg.ZipfS, "zipf-s", 1.3, "Zipf parameter s (>1)")
	flag.Float64Var(&cfg.ZipfV, "zipf-v", 1.0, "Zipf parameter v (>=1)")
	flag.DurationVar(&cfg.RequestTimeout, "timeout", 30*time.Second, "Per-request timeout")
	flag.StringVar(&cfg.OutputPrefix, "out", "", "Write <out>_samples.csv and <out>_summary.json")
	flag.BoolVar(&cfg.AppendTimestamp, "append-ts", true, "Append timestamp to output prefix")
	flag.StringVar(&cfg.Brokers, "brokers", getenv("KAFKA_BROKERS", ""), "Kafka brokers for ingest events")
	flag.StringVar(&cfg.IngestTopic, "ingest-topic", getenv("INGEST_TOPIC", "fits-images"), "Ingest topic")
	flag.StringVar(&cfg.IngestPath, "ingest-path", "", "Publish an upsert for this image before the run")
	flag.BoolVar(&cfg.Rebuild, "rebuild", false, "Publish a metadata rebuild before the run")
	flag.StringVar(&cfg.RedisAddr, "redis", getenv("REDIS_ADDR", ""), "Report metadata entries kept in Redis")
	flag.StringVar(&cfg.RedisPrefix, "redis-prefix", getenv("REDIS_KEY_PREFIX", "fits:md:"), "Metadata key prefix")
	flag.Parse()
	return cfg
}

func (c Config) validate() error {
	switch {
	case c.Concurrency <= 0:
		return fmt.Errorf("concurrency must be positive, got %d", c.Concurrency)
	case c.Centers <= 0:
		return fmt.Errorf("centers must be positive, got %d", c.Centers)
	case c.SizeArcSec <= 0:
		return fmt.Errorf("size must be positive, got %g", c.SizeArcSec)
	case c.ZipfS <= 1 || c.ZipfV < 1:
		return fmt.Errorf("zipf needs s>1 and v>=1, got s=%g v=%g", c.ZipfS, c.ZipfV)
	}
	return nil
}

func main() {
	cfg := loadConfig()
	if err := cfg.validate(); err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Brokers != "" && (cfg.IngestPath != "" || cfg.Rebuild) {
		if err := announce(cfg); err != nil {
			log.Fatalf("ingest: %v", err)
		}
	}

	seed := time.Now().UnixNano()
	centers := makeCenters(cfg.RA, cfg.Dec, cfg.Spread, cfg.Centers, rand.New(rand.NewSource(seed)))

	client := &http.Client{
		Transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			DialContext:         (&net.Dialer{Timeout: 4 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
			MaxIdleConns:        256,
			MaxIdleConnsPerHost: 64,
			IdleConnTimeout:     90 * time.Second,
		},
		Timeout: cfg.RequestTimeout,
	}

	w := workload{
		Target:      cfg.TargetURL,
		Collection:  cfg.Collection,
		SizeArcSec:  cfg.SizeArcSec,
		Concurrency: cfg.Concurrency,
		ZipfS:       cfg.ZipfS,
		ZipfV:       cfg.ZipfV,
		Requests:    cfg.Requests,
	}

	runCtx := ctx
	if cfg.Requests <= 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, cfg.Duration)
		defer cancel()
	}

	var (
		t      tally
		csvOut *csv.Writer
		prefix = outputPrefix(cfg)
	)
	if prefix != "" {
		if err := os.MkdirAll(filepath.Dir(prefix), 0o750); err != nil {
			log.Fatalf("mkdir results: %v", err)
		}
		f, err := os.Create(filepath.Clean(prefix + "_samples.csv"))
		if err != nil {
			log.Fatalf("open csv: %v", err)
		}
		defer func() { _ = f.Close() }()
		csvOut = csv.NewWriter(f)
		_ = csvOut.Write([]string{"timestamp", "latency_ms", "status", "cache", "error", "center_idx", "ra", "dec"})
	}

	log.Printf("loadgen start target=%s seed=(%.4f,%.4f) spread=%g size=%garcsec centers=%d conc=%d",
		cfg.TargetURL, cfg.RA, cfg.Dec, cfg.Spread, cfg.SizeArcSec, len(centers), cfg.Concurrency)

	start := time.Now()
	w.run(runCtx, client, centers, seed, func(s sample) {
		t.add(s)
		if csvOut != nil {
			c := centers[s.Center]
			_ = csvOut.Write([]string{
				s.Timestamp.UTC().Format(time.RFC3339Nano),
				fmt.Sprintf("%.3f", float64(s.Latency.Microseconds())/1000.0),
				fmt.Sprintf("%d", s.Status),
				s.Cache,
				s.ErrorMsg,
				fmt.Sprintf("%d", s.Center),
				fmt.Sprintf("%.4f", c.RA),
				fmt.Sprintf("%.4f", c.Dec),
			})
		}
	})
	sum := t.summarize(w, len(centers), start, time.Now())

	log.Printf("done: total=%d succ=%d err=%d hit=%d miss=%d hit_ratio=%.3f thr=%.2f rps p50=%.1fms p95=%.1fms p99=%.1fms",
		sum.TotalRequests, sum.SuccessCount, sum.ErrorCount, sum.Hits, sum.Misses, sum.HitRatio,
		sum.ThroughputRPS, sum.P50Ms, sum.P95Ms, sum.P99Ms)

	if csvOut != nil {
		csvOut.Flush()
		if err := csvOut.Error(); err != nil {
			log.Printf("csv flush error: %v", err)
		}
		if err := writeSummary(prefix+"_summary.json", sum); err != nil {
			log.Printf("summary: %v", err)
		} else {
			log.Printf("wrote %s_summary.json and %s_samples.csv", prefix, prefix)
		}
	}

	if cfg.RedisAddr != "" {
		rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		n, err := countMetadataKeys(rctx, cfg.RedisAddr, cfg.RedisPrefix)
		cancel()
		if err != nil {
			log.Printf("redis: %v", err)
		} else {
			log.Printf("redis: %d metadata entries under %q", n, cfg.RedisPrefix)
		}
	}
}

func announce(cfg Config) error {
	p, err := newProducer(splitList(cfg.Brokers))
	if err != nil {
		return err
	}
	defer func() { _ = p.Close() }()

	var events []ingest.Event
	if cfg.Rebuild {
		events = append(events, ingest.Event{Op: ingest.OpRebuild})
	}
	if cfg.IngestPath != "" {
		events = append(events, ingest.Event{Op: ingest.OpUpsert, Path: cfg.IngestPath, Version: uint64(time.Now().UnixNano())})
	}
	for _, ev := range events {
		part, off, err := publish(p, cfg.IngestTopic, ev)
		if err != nil {
			return err
		}
		log.Printf("ingest event op=%s path=%q topic=%s partition=%d offset=%d", ev.Op, ev.Path, cfg.IngestTopic, part, off)
	}
	return nil
}

func outputPrefix(cfg Config) string {
	if cfg.OutputPrefix == "" {
		return ""
	}
	if !cfg.AppendTimestamp {
		return cfg.OutputPrefix
	}
	return fmt.Sprintf("%s_%s", cfg.OutputPrefix, time.Now().UTC().Format("20060102_150405Z"))
}

func writeSummary(path string, s summary) error {
	f, err := os.Create(filepath.Clean(path))
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(s); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
