package health

import (
	"encoding/json"
	"net/http"
)

type ReadinessReporter interface {
	Readiness() (ready bool, partitions []int32)
}

// ReporterFunc adapts a plain function to ReadinessReporter.
type ReporterFunc func() (bool, []int32)

func (f ReporterFunc) Readiness() (bool, []int32) { return f() }

// Ready reports a component that has no partitions.
func Ready(fn func() bool) ReporterFunc {
	return func() (bool, []int32) { return fn(), nil }
}

type Check struct {
	Name     string
	Reporter ReadinessReporter
}

// Readiness is ready only when every check is.
func Readiness(checks ...Check) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		type resp struct {
			Status     string            `json:"status"`
			Checks     map[string]string `json:"checks,omitempty"`
			Partitions []int32           `json:"partitions,omitempty"`
		}
		out := resp{Status: "ready", Checks: make(map[string]string, len(checks))}
		for _, c := range checks {
			ready, parts := c.Reporter.Readiness()
			if !ready {
				out.Status = "not_ready"
				out.Checks[c.Name] = "not_ready"
				continue
			}
			out.Checks[c.Name] = "ready"
			out.Partitions = append(out.Partitions, parts...)
		}
		w.Header().Set("Content-Type", "application/json")
		if out.Status != "ready" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(out)
	}
}
