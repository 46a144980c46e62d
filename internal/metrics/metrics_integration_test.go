package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/mohammed-shakir/fits-cutout-cache/internal/core/observability"
)

func assertHasMetricLine(t *testing.T, body, metric string, wantLabels ...string) {
	t.Helper()
	for ln := range strings.SplitSeq(body, "\n") {
		if !strings.HasPrefix(ln, metric+"{") {
			continue
		}
		ok := true
		for _, s := range wantLabels {
			if !strings.Contains(ln, s) {
				ok = false
				break
			}
		}
		if ok && (len(ln) > 0 && ln[len(ln)-1] >= '0' && ln[len(ln)-1] <= '9') {
			return
		}
	}
	t.Fatalf("expected a %s line with labels %v; got:\n%s", metric, wantLabels, body)
}

func Test_AppMetrics_CustomRegistry_Smoke(t *testing.T) {
	p := Init(Config{Enabled: true, Build: BuildInfo{Version: "test"}})
	observability.Init(p.Registerer(), true)

	observability.ObserveHTTP("GET", "/co/cutout", 200, 0.012)
	observability.IncCutoutResult("miss")
	observability.IncCutoutResult("hit")
	observability.ObserveCutoutGenerate("trim", 0.004)
	observability.ObserveMetadataLookup("get", true)
	observability.ObserveCatalogQuery("postgres", "cone", nil, 0.003)
	observability.ObserveCacheOp("get", nil, 0.002)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	p.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d", rr.Code)
	}
	body := rr.Body.String()
	mustContain := []string{
		`http_request_duration_seconds_bucket`,
		`cutout_generate_seconds_bucket{mode="trim"`,
		`redis_operation_duration_seconds_count`,
		`catalog_query_seconds_count{backend="postgres",query="cone",result="ok"} `,
	}
	for _, s := range mustContain {
		if !strings.Contains(body, s) {
			t.Fatalf("expected metrics to contain %q;\n---\n%s", s, body)
		}
	}

	assertHasMetricLine(t, body, "cutout_cache_results_total", `outcome="miss"`)
	assertHasMetricLine(t, body, "cutout_cache_results_total", `outcome="hit"`)
	assertHasMetricLine(t, body, "metadata_cache_results_total", `op="get"`, `outcome="hit"`)
	assertHasMetricLine(t, body, "http_requests_total", `route="/co/cutout"`, `status="200"`)
	assertHasMetricLine(t, body, "app_build_info", `version="test"`)
}
