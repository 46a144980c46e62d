package redisstore

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"

	"github.com/mohammed-shakir/fits-cutout-cache/internal/core/observability"
	"github.com/mohammed-shakir/fits-cutout-cache/internal/metrics"
)

func newMini(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	t.Cleanup(cancel)

	rc, err := New(ctx, mr.Addr())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = rc.Close() })
	return rc, mr
}

func TestSetGetDel(t *testing.T) {
	rc, _ := newMini(t)
	ctx := context.Background()

	if err := rc.Set(ctx, "md:/a.fits", []byte(`{"path":"/a.fits"}`), 0); err != nil {
		t.Fatalf("Set: %v", err)
	}
	v, found, err := rc.Get(ctx, "md:/a.fits")
	if err != nil || !found || string(v) != `{"path":"/a.fits"}` {
		t.Fatalf("Get=%q found=%v err=%v", v, found, err)
	}
	if _, found, err := rc.Get(ctx, "md:/missing.fits"); err != nil || found {
		t.Fatalf("missing found=%v err=%v", found, err)
	}
	if err := rc.Del(ctx, "md:/a.fits"); err != nil {
		t.Fatalf("Del: %v", err)
	}
	if _, found, _ := rc.Get(ctx, "md:/a.fits"); found {
		t.Fatal("key still present after Del")
	}
	if err := rc.Del(ctx); err != nil {
		t.Fatalf("empty Del: %v", err)
	}
}

func TestMSetMGet_AcrossChunks(t *testing.T) {
	rc, _ := newMini(t)
	ctx := context.Background()

	kv := make(map[string][]byte, scanBatch+10)
	keys := make([]string, 0, scanBatch+11)
	for i := range scanBatch + 10 {
		k := fmt.Sprintf("md:/img/%04d.fits", i)
		kv[k] = []byte(k)
		keys = append(keys, k)
	}
	if err := rc.MSet(ctx, kv, 0); err != nil {
		t.Fatalf("MSet: %v", err)
	}
	keys = append(keys, "md:/img/missing.fits")

	got, err := rc.MGet(ctx, keys)
	if err != nil {
		t.Fatalf("MGet: %v", err)
	}
	if len(got) != scanBatch+10 {
		t.Fatalf("MGet returned %d values", len(got))
	}
	if string(got["md:/img/0600.fits"]) != "md:/img/0600.fits" {
		t.Fatalf("value from second chunk: %q", got["md:/img/0600.fits"])
	}
	if _, ok := got["md:/img/missing.fits"]; ok {
		t.Fatal("missing key reported")
	}
}

func TestKeysAndDelPrefix(t *testing.T) {
	rc, mr := newMini(t)
	ctx := context.Background()

	for i := range 1200 {
		if err := mr.Set(fmt.Sprintf("md:/img/%04d.fits", i), "x"); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	_ = mr.Set("other:key", "y")

	keys, err := rc.Keys(ctx, "md:")
	if err != nil {
		t.Fatalf("Keys: %v", err)
	}
	if len(keys) != 1200 {
		t.Fatalf("Keys=%d want 1200", len(keys))
	}
	sort.Strings(keys)
	if keys[0] != "md:/img/0000.fits" {
		t.Fatalf("first key %q", keys[0])
	}

	n, err := rc.DelPrefix(ctx, "md:")
	if err != nil || n != 1200 {
		t.Fatalf("DelPrefix n=%d err=%v", n, err)
	}
	if !mr.Exists("other:key") || mr.Exists("md:/img/0001.fits") {
		t.Fatal("DelPrefix removed the wrong keys")
	}
}

func TestTTLExpiry_GetReportsMissing(t *testing.T) {
	rc, mr := newMini(t)
	ctx := context.Background()

	if err := rc.Set(ctx, "ttl-key", []byte("v"), 2*time.Second); err != nil {
		t.Fatalf("Set: %v", err)
	}
	mr.FastForward(3 * time.Second)
	if _, found, err := rc.Get(ctx, "ttl-key"); err != nil || found {
		t.Fatalf("after expiry found=%v err=%v", found, err)
	}
}

func TestCanceledContext_Fails(t *testing.T) {
	rc, _ := newMini(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := rc.Set(ctx, "k", []byte("v"), time.Second); err == nil {
		t.Fatal("expected error on Set with canceled context")
	}
	if _, _, err := rc.Get(ctx, "k"); err == nil {
		t.Fatal("expected error on Get with canceled context")
	}
	if err := rc.Ping(ctx); err == nil {
		t.Fatal("expected error on Ping with canceled context")
	}
}

func TestNew_Errors(t *testing.T) {
	if _, err := New(context.Background(), ""); err == nil {
		t.Fatal("expected error for empty address")
	}
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	addr := mr.Addr()
	mr.Close()
	if _, err := New(context.Background(), addr); err == nil {
		t.Fatal("expected error for unreachable server")
	}
}

func TestMetrics_Incremented(t *testing.T) {
	p := metrics.Init(metrics.Config{Enabled: true})
	observability.Init(p.Registerer(), true)

	rc, _ := newMini(t)
	ctx := context.Background()

	_ = rc.Set(ctx, "m1", []byte("x"), time.Minute)
	_, _ = rc.MGet(ctx, []string{"m1"})
	_ = rc.Del(ctx, "m1")

	rr := httptest.NewRecorder()
	p.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("metrics status=%d", rr.Code)
	}
	body := rr.Body.String()
	for _, op := range []string{"set", "mget", "del"} {
		if !strings.Contains(body, fmt.Sprintf(`cache_op_total{op=%q`, op)) {
			t.Fatalf("missing cache_op_total for %s; got:\n%s", op, body)
		}
	}
	if !strings.Contains(body, `redis_operation_duration_seconds_bucket{op="set"`) {
		t.Fatalf("missing redis_operation_duration_seconds histogram; got:\n%s", body)
	}
}
