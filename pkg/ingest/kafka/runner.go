// Package kafka consumes image ingest events and keeps the image metadata in
// step with the images directory.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mohammed-shakir/fits-cutout-cache/internal/imagefiles"
	"github.com/mohammed-shakir/fits-cutout-cache/internal/logger"
)

// Maintainer applies ingest events to the image metadata.
type Maintainer interface {
	RefreshPath(ctx context.Context, path string) (bool, error)
	Initialize(ctx context.Context) (int, error)
}

type Runner struct {
	log      *slog.Logger
	cfg      IngestConfig
	md       Maintainer
	root     string
	ms       *metricSet
	ver      *versionDedupe
	assigned atomic.Bool
	assignMu sync.RWMutex
	assign   map[int32]struct{}
	wg       sync.WaitGroup
	cancel   context.CancelFunc
}

type Options struct {
	Logger   *slog.Logger
	Register prometheus.Registerer
	// ImagesDir resolves relative event paths.
	ImagesDir string
}

func New(cfg IngestConfig, md Maintainer, opts Options) *Runner {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Runner{
		log:    opts.Logger,
		cfg:    cfg,
		md:     md,
		root:   opts.ImagesDir,
		ms:     newMetricSet(opts.Register),
		ver:    newVersionDedupe(cfg.DedupeSize),
		assign: map[int32]struct{}{},
	}
}

func (r *Runner) Start(ctx context.Context) error {
	if !r.cfg.Enabled {
		r.log.Info("ingest runner disabled")
		return nil
	}
	if r.md == nil {
		return errors.New("ingest runner: metadata maintainer is required")
	}

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_5_0_0
	cfg.Consumer.Group.Session.Timeout = r.cfg.SessionTimeout
	cfg.Consumer.Group.Heartbeat.Interval = r.cfg.Heartbeat
	cfg.Consumer.Group.Rebalance.Timeout = r.cfg.RebalanceTimeout
	if r.cfg.InitialOldest {
		cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	} else {
		cfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	}
	cfg.Consumer.Return.Errors = true

	group, err := sarama.NewConsumerGroup(r.cfg.Brokers, r.cfg.GroupID, cfg)
	if err != nil {
		cancel()
		return fmt.Errorf("consumer group: %w", err)
	}

	h := &groupHandler{
		setup:   r.setAssignment,
		cleanup: func(sarama.ConsumerGroupSession) { r.clearAssignment() },
		process: r.handleMessage,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() {
			if err := group.Close(); err != nil {
				r.log.Error("kafka consumer group close", "err", err)
			}
		}()

		for {
			if err := group.Consume(ctx, []string{r.cfg.Topic}, h); err != nil {
				r.log.Error("kafka consume error", "err", err)
				select {
				case <-time.After(2 * time.Second):
				case <-ctx.Done():
					return
				}
			}
			if ctx.Err() != nil {
				return
			}
		}
	}()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for err := range group.Errors() {
			r.log.Error("kafka group error", "err", err)
		}
	}()

	r.log.Info("image ingest runner started",
		"topic", r.cfg.Topic, "group", r.cfg.GroupID, "brokers", r.cfg.Brokers)
	return nil
}

func (r *Runner) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	r.log.Info("image ingest runner stopped")
}

func (r *Runner) setAssignment(sess sarama.ConsumerGroupSession) {
	r.assignMu.Lock()
	defer r.assignMu.Unlock()
	r.assign = map[int32]struct{}{}
	for _, parts := range sess.Claims() {
		for _, p := range parts {
			r.assign[p] = struct{}{}
		}
	}
	r.assigned.Store(true)
}

func (r *Runner) clearAssignment() {
	r.assignMu.Lock()
	defer r.assignMu.Unlock()
	r.assigned.Store(false)
	r.assign = map[int32]struct{}{}
}

// Readiness is true while the runner holds a partition assignment, or always
// when ingest is disabled.
func (r *Runner) Readiness() (ready bool, partitions []int32) {
	if !r.cfg.Enabled {
		return true, nil
	}
	if !r.assigned.Load() {
		return false, nil
	}
	r.assignMu.RLock()
	defer r.assignMu.RUnlock()
	for p := range r.assign {
		partitions = append(partitions, p)
	}
	return true, partitions
}

// handleMessage applies one event. Undecodable or invalid events are counted and
// skipped so they do not block the partition; apply failures are returned.
func (r *Runner) handleMessage(ctx context.Context, msg *sarama.ConsumerMessage) error {
	start := time.Now()
	ctx = logger.WithComponent(ctx, "ingest")

	if !msg.Timestamp.IsZero() {
		r.ms.lagGauge.Set(time.Since(msg.Timestamp).Seconds())
	}

	var ev Event
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		r.ms.msgs.WithLabelValues("invalid").Inc()
		r.log.WarnContext(ctx, "undecodable ingest event", "partition", msg.Partition, "offset", msg.Offset, "err", err)
		return nil
	}
	if err := ev.Validate(); err != nil {
		r.ms.msgs.WithLabelValues("invalid").Inc()
		r.log.WarnContext(ctx, "invalid ingest event", "partition", msg.Partition, "offset", msg.Offset, "err", err)
		return nil
	}

	var err error
	switch ev.Op {
	case OpRebuild:
		err = r.rebuild(ctx)
	default:
		err = r.upsert(ctx, ev)
	}
	r.observe(ev.Op, err, time.Since(start))
	return err
}

func (r *Runner) upsert(ctx context.Context, ev Event) error {
	path, ok := r.resolve(ev.Path)
	if !ok {
		r.ms.apply.WithLabelValues("reject_path").Inc()
		r.log.WarnContext(ctx, "ingest path rejected", "path", ev.Path)
		return nil
	}
	if !r.ver.shouldApply(path, ev.Version) {
		r.ms.apply.WithLabelValues("skip_version").Inc()
		return nil
	}
	changed, err := r.md.RefreshPath(ctx, path)
	if err != nil {
		return fmt.Errorf("refresh %q: %w", path, err)
	}
	r.ver.applied(path, ev.Version)
	if changed {
		r.ms.apply.WithLabelValues("refresh").Inc()
		r.log.InfoContext(logger.WithImage(ctx, path), "image metadata refreshed", "version", ev.Version)
	} else {
		r.ms.apply.WithLabelValues("unchanged").Inc()
	}
	return nil
}

func (r *Runner) rebuild(ctx context.Context) error {
	n, err := r.md.Initialize(ctx)
	if err != nil {
		return fmt.Errorf("rebuild metadata: %w", err)
	}
	r.ver.reset()
	r.ms.apply.WithLabelValues("rebuild").Inc()
	r.log.InfoContext(ctx, "image metadata rebuilt", "images", n)
	return nil
}

// resolve joins relative paths to the images directory and keeps them inside it.
func (r *Runner) resolve(p string) (string, bool) {
	if imagefiles.PathHasDots(p) {
		return "", false
	}
	if !filepath.IsAbs(p) {
		if r.root == "" {
			return "", false
		}
		p = filepath.Join(r.root, p)
	}
	return filepath.Clean(p), true
}

func (r *Runner) observe(op string, err error, dur time.Duration) {
	if err != nil {
		r.ms.msgs.WithLabelValues("error").Inc()
	} else {
		r.ms.msgs.WithLabelValues("ok").Inc()
	}
	r.ms.proc.WithLabelValues(op).Observe(dur.Seconds())
}

type groupHandler struct {
	setup   func(sarama.ConsumerGroupSession)
	cleanup func(sarama.ConsumerGroupSession)
	process func(context.Context, *sarama.ConsumerMessage) error
}

func (h *groupHandler) Setup(sess sarama.ConsumerGroupSession) error {
	if h.setup != nil {
		h.setup(sess)
	}
	return nil
}

func (h *groupHandler) Cleanup(sess sarama.ConsumerGroupSession) error {
	if h.cleanup != nil {
		h.cleanup(sess)
	}
	return nil
}

func (h *groupHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	ctx := sess.Context()
	for msg := range claim.Messages() {
		if err := h.process(ctx, msg); err != nil {
			return err
		}
		sess.MarkMessage(msg, "")
	}
	return nil
}
