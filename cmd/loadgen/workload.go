package main

import (
	"context"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"sync"
	"time"
)

// cacheHeader mirrors router.CacheHeader; the load generator only talks HTTP.
const cacheHeader = "X-Cutout-Cache"

type center struct{ RA, Dec float64 }

// makeCenters builds a pool of cutout centers around (ra, dec). The first
// quarter sits within spread/8 of the seed point and is drawn most often by the
// Zipf picker; the rest is spread over the whole box. Centers are rounded to
// 1e-4 degrees so repeated picks derive the same cutout name.
func makeCenters(ra, dec, spread float64, count int, r *rand.Rand) []center {
	if count <= 0 {
		return nil
	}
	hot := max(1, count/4)
	out := make([]center, 0, count)
	for len(out) < count {
		s := spread
		if len(out) < hot {
			s = spread / 8
		}
		c := center{
			RA:  round4(wrapRA(ra + (r.Float64()-0.5)*s)),
			Dec: round4(clampDec(dec + (r.Float64()-0.5)*s)),
		}
		out = append(out, c)
	}
	return out
}

func round4(v float64) float64 { return math.Round(v*1e4) / 1e4 }

func wrapRA(v float64) float64 {
	v = math.Mod(v, 360)
	if v < 0 {
		v += 360
	}
	return v
}

func clampDec(v float64) float64 { return math.Max(-90, math.Min(90, v)) }

func cutoutURL(target string, c center, sizeArcSec float64, collection string) (string, error) {
	u, err := url.Parse(target)
	if err != nil {
		return "", fmt.Errorf("parse target: %w", err)
	}
	q := u.Query()
	q.Set("ra", strconv.FormatFloat(c.RA, 'f', -1, 64))
	q.Set("dec", strconv.FormatFloat(c.Dec, 'f', -1, 64))
	q.Set("sizeArcSec", strconv.FormatFloat(sizeArcSec, 'f', -1, 64))
	if collection != "" {
		q.Set("collection", collection)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// sample is one request result.
type sample struct {
	Timestamp time.Time
	Latency   time.Duration
	Status    int
	Cache     string
	ErrorMsg  string
	Center    int
}

func (s sample) ok() bool { return s.ErrorMsg == "" && s.Status >= 200 && s.Status < 300 }

type workload struct {
	Target      string
	Collection  string
	SizeArcSec  float64
	Concurrency int
	ZipfS       float64
	ZipfV       float64
	// Requests stops every worker after this many requests in total; 0 runs
	// until ctx is done.
	Requests int64
}

// run fires requests until ctx is done or the request budget is spent, handing
// each sample to record from a single goroutine.
func (w workload) run(ctx context.Context, client *http.Client, centers []center, seed int64, record func(sample)) {
	if len(centers) == 0 || w.Concurrency <= 0 {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		mu     sync.Mutex
		issued int64
	)
	take := func() bool {
		if w.Requests <= 0 {
			return true
		}
		mu.Lock()
		defer mu.Unlock()
		if issued >= w.Requests {
			return false
		}
		issued++
		return true
	}

	samples := make(chan sample, 1024)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for s := range samples {
			record(s)
		}
	}()

	imax := uint64(len(centers) - 1)
	var wg sync.WaitGroup
	wg.Add(w.Concurrency)
	for id := range w.Concurrency {
		go func(id int) {
			defer wg.Done()
			r := rand.New(rand.NewSource(seed + int64(id) + 1))
			var pick func() int
			if imax == 0 {
				pick = func() int { return 0 }
			} else {
				z := rand.NewZipf(r, w.ZipfS, w.ZipfV, imax)
				pick = func() int { return int(z.Uint64()) }
			}
			for ctx.Err() == nil && take() {
				idx := pick()
				s := w.once(ctx, client, centers[idx])
				s.Center = idx
				samples <- s
			}
		}(id)
	}
	wg.Wait()
	close(samples)
	<-done
}

func (w workload) once(ctx context.Context, client *http.Client, c center) sample {
	start := time.Now()
	s := sample{Timestamp: start}
	u, err := cutoutURL(w.Target, c, w.SizeArcSec, w.Collection)
	if err != nil {
		s.ErrorMsg = err.Error()
		return s
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		s.ErrorMsg = err.Error()
		return s
	}
	resp, err := client.Do(req)
	s.Latency = time.Since(start)
	if err != nil {
		s.ErrorMsg = err.Error()
		return s
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	s.Latency = time.Since(start)
	s.Status = resp.StatusCode
	s.Cache = resp.Header.Get(cacheHeader)
	if !s.ok() {
		s.ErrorMsg = fmt.Sprintf("status=%d", resp.StatusCode)
	}
	return s
}

type tally struct {
	total, success, errors int64
	hits, misses           int64
	latMs                  []float64
}

func (t *tally) add(s sample) {
	t.total++
	if !s.ok() {
		t.errors++
		return
	}
	t.success++
	switch s.Cache {
	case "hit":
		t.hits++
	case "miss":
		t.misses++
	}
	t.latMs = append(t.latMs, float64(s.Latency.Microseconds())/1000.0)
}

func (t *tally) hitRatio() float64 {
	n := t.hits + t.misses
	if n == 0 {
		return 0
	}
	return float64(t.hits) / float64(n)
}

type summary struct {
	StartTime     time.Time `json:"start"`
	EndTime       time.Time `json:"end"`
	DurationSec   float64   `json:"duration_sec"`
	TotalRequests int64     `json:"total"`
	SuccessCount  int64     `json:"success"`
	ErrorCount    int64     `json:"errors"`
	Hits          int64     `json:"hits"`
	Misses        int64     `json:"misses"`
	HitRatio      float64   `json:"hit_ratio"`
	ThroughputRPS float64   `json:"throughput_rps"`
	P50Ms         float64   `json:"p50_ms"`
	P95Ms         float64   `json:"p95_ms"`
	P99Ms         float64   `json:"p99_ms"`
	Concurrency   int       `json:"concurrency"`
	Centers       int       `json:"centers"`
	SizeArcSec    float64   `json:"size_arcsec"`
	TargetURL     string    `json:"target"`
}

func (t *tally) summarize(w workload, centers int, start, end time.Time) summary {
	sort.Float64s(t.latMs)
	elapsed := end.Sub(start).Seconds()
	thr := 0.0
	if elapsed > 0 {
		thr = float64(t.total) / elapsed
	}
	return summary{
		StartTime:     start.UTC(),
		EndTime:       end.UTC(),
		DurationSec:   elapsed,
		TotalRequests: t.total,
		SuccessCount:  t.success,
		ErrorCount:    t.errors,
		Hits:          t.hits,
		Misses:        t.misses,
		HitRatio:      t.hitRatio(),
		ThroughputRPS: thr,
		P50Ms:         percentile(t.latMs, 50),
		P95Ms:         percentile(t.latMs, 95),
		P99Ms:         percentile(t.latMs, 99),
		Concurrency:   w.Concurrency,
		Centers:       centers,
		SizeArcSec:    w.SizeArcSec,
		TargetURL:     w.Target,
	}
}

func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if p <= 0 {
		return sorted[0]
	}
	if p >= 100 {
		return sorted[len(sorted)-1]
	}
	k := (p / 100.0) * float64(len(sorted)-1)
	f := math.Floor(k)
	i := int(f)
	if i >= len(sorted)-1 {
		return sorted[len(sorted)-1]
	}
	d := k - f
	return sorted[i]*(1-d) + sorted[i+1]*d
}
