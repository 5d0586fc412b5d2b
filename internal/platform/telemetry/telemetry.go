// Package telemetry keeps in-process counters and histograms for the triage
// service and serves them in Prometheus text exposition format. It covers
// HTTP request metrics plus the pipeline's own signals: which classifier
// produced each result, fallbacks, verification outcomes and audit writes.
package telemetry

import (
	"fmt"
	"math"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/labstack/echo/v4"
)

// ---------------------------------------------------------------------------
// Histogram
// ---------------------------------------------------------------------------

// histogram stores non-cumulative bucket counts; cumulative counts are
// computed at export time.
type histogram struct {
	boundaries   []float64
	bucketCounts []int64
	count        int64
	sum          uint64 // math.Float64bits for atomic add
	mu           sync.Mutex
}

func newHistogram(boundaries []float64) *histogram {
	return &histogram{boundaries: boundaries, bucketCounts: make([]int64, len(boundaries))}
}

func (h *histogram) Observe(v float64) {
	atomic.AddInt64(&h.count, 1)
	atomicAddFloat64(&h.sum, v)

	h.mu.Lock()
	defer h.mu.Unlock()
	for i, b := range h.boundaries {
		if v <= b {
			h.bucketCounts[i]++
			return
		}
	}
}

func (h *histogram) Count() int64 { return atomic.LoadInt64(&h.count) }

func (h *histogram) Sum() float64 { return math.Float64frombits(atomic.LoadUint64(&h.sum)) }

func (h *histogram) cumulativeBuckets() []int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	cum := make([]int64, len(h.bucketCounts))
	var running int64
	for i, c := range h.bucketCounts {
		running += c
		cum[i] = running
	}
	return cum
}

func atomicAddFloat64(addr *uint64, delta float64) {
	for {
		old := atomic.LoadUint64(addr)
		next := math.Float64bits(math.Float64frombits(old) + delta)
		if atomic.CompareAndSwapUint64(addr, old, next) {
			return
		}
	}
}

// ---------------------------------------------------------------------------
// Metric families
// ---------------------------------------------------------------------------

// labelsKey joins label values; the family knows the label names.
func labelsKey(values ...string) string { return strings.Join(values, "|") }

type counterFamily struct {
	name   string
	help   string
	labels []string
	mu     sync.RWMutex
	items  map[string]*int64
}

func newCounterFamily(name, help string, labels ...string) *counterFamily {
	return &counterFamily{name: name, help: help, labels: labels, items: make(map[string]*int64)}
}

func (f *counterFamily) inc(values ...string) {
	key := labelsKey(values...)
	f.mu.RLock()
	p, ok := f.items[key]
	f.mu.RUnlock()
	if !ok {
		f.mu.Lock()
		if p, ok = f.items[key]; !ok {
			p = new(int64)
			f.items[key] = p
		}
		f.mu.Unlock()
	}
	atomic.AddInt64(p, 1)
}

func (f *counterFamily) get(values ...string) int64 {
	f.mu.RLock()
	p, ok := f.items[labelsKey(values...)]
	f.mu.RUnlock()
	if !ok {
		return 0
	}
	return atomic.LoadInt64(p)
}

type histogramFamily struct {
	name       string
	help       string
	labels     []string
	boundaries []float64
	mu         sync.RWMutex
	items      map[string]*histogram
}

func newHistogramFamily(name, help string, boundaries []float64, labels ...string) *histogramFamily {
	return &histogramFamily{name: name, help: help, labels: labels, boundaries: boundaries, items: make(map[string]*histogram)}
}

func (f *histogramFamily) observe(v float64, values ...string) {
	key := labelsKey(values...)
	f.mu.RLock()
	h, ok := f.items[key]
	f.mu.RUnlock()
	if !ok {
		f.mu.Lock()
		if h, ok = f.items[key]; !ok {
			h = newHistogram(f.boundaries)
			f.items[key] = h
		}
		f.mu.Unlock()
	}
	h.Observe(v)
}

func (f *histogramFamily) get(values ...string) *histogram {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.items[labelsKey(values...)]
}

// ---------------------------------------------------------------------------
// Metrics
// ---------------------------------------------------------------------------

var httpDurationBuckets = []float64{0.010, 0.025, 0.050, 0.100, 0.250, 0.500, 1.0, 2.5, 5.0, 10.0}

// classifier calls run up to the adapter timeout, so the tail is longer.
var pipelineBuckets = []float64{0.001, 0.010, 0.100, 0.500, 1.0, 2.5, 5.0, 10.0, 20.0, 30.0}

type Metrics struct {
	httpDuration    *histogramFamily
	activeRequests  int64
	classifications *counterFamily
	fallbacks       *counterFamily
	verifications   *counterFamily
	auditWrites     *counterFamily
	escalations     *counterFamily
	panics          *counterFamily
	pipeline        *histogramFamily
	classifierCalls *histogramFamily
}

func New() *Metrics {
	return &Metrics{
		httpDuration: newHistogramFamily("http_server_request_duration_seconds",
			"Duration of HTTP requests in seconds.", httpDurationBuckets, "method", "route", "status_code"),
		classifications: newCounterFamily("triage_classifications_total",
			"Final classifications by source and priority.", "source", "priority"),
		fallbacks: newCounterFamily("triage_classifier_fallbacks_total",
			"Primary classifier failures answered by the rule engine.", "provider"),
		verifications: newCounterFamily("triage_verifications_total",
			"Second-opinion outcomes for critical results.", "outcome"),
		auditWrites: newCounterFamily("triage_audit_writes_total",
			"Audit entry writes by result.", "result"),
		escalations: newCounterFamily("triage_escalations_total",
			"Escalations sent to reviewers by result.", "result"),
		panics: newCounterFamily("http_server_panics_total",
			"Handler panics turned into 500 responses.", "route"),
		pipeline: newHistogramFamily("triage_pipeline_duration_seconds",
			"End-to-end duration of one triage pipeline run.", pipelineBuckets),
		classifierCalls: newHistogramFamily("triage_classifier_duration_seconds",
			"Duration of individual classifier invocations.", pipelineBuckets, "source", "result"),
	}
}

func (m *Metrics) ClassificationRecorded(source, priority string) {
	m.classifications.inc(source, priority)
}

func (m *Metrics) FallbackRecorded(provider string) { m.fallbacks.inc(provider) }

func (m *Metrics) VerificationRecorded(outcome string) { m.verifications.inc(outcome) }

func (m *Metrics) AuditWriteRecorded(ok bool) { m.auditWrites.inc(okLabel(ok)) }

func (m *Metrics) EscalationRecorded(ok bool) { m.escalations.inc(okLabel(ok)) }

func (m *Metrics) PanicRecovered(route string) { m.panics.inc(route) }

func (m *Metrics) PipelineObserved(d time.Duration) { m.pipeline.observe(d.Seconds()) }

func (m *Metrics) ClassifierObserved(source string, ok bool, d time.Duration) {
	m.classifierCalls.observe(d.Seconds(), source, okLabel(ok))
}

func okLabel(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}

// Counter reads a counter for tests and introspection. Unknown names
// return zero.
func (m *Metrics) Counter(name string, labels ...string) int64 {
	for _, f := range m.counterFamilies() {
		if f.name == name {
			return f.get(labels...)
		}
	}
	return 0
}

func (m *Metrics) counterFamilies() []*counterFamily {
	return []*counterFamily{m.classifications, m.fallbacks, m.verifications, m.auditWrites, m.escalations, m.panics}
}

// ---------------------------------------------------------------------------
// HTTP middleware
// ---------------------------------------------------------------------------

// Middleware records request duration by route pattern and status.
func (m *Metrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			atomic.AddInt64(&m.activeRequests, 1)
			start := time.Now()
			err := next(c)
			atomic.AddInt64(&m.activeRequests, -1)

			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}
			route := c.Path()
			if route == "" {
				route = c.Request().URL.Path
			}
			m.httpDuration.observe(time.Since(start).Seconds(), c.Request().Method, route, fmt.Sprintf("%d", status))
			return err
		}
	}
}

// ---------------------------------------------------------------------------
// Prometheus exposition
// ---------------------------------------------------------------------------

func (m *Metrics) Handler() echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.String(http.StatusOK, m.Expose())
	}
}

// Expose renders every family in Prometheus text format with series sorted
// by label values.
func (m *Metrics) Expose() string {
	var b strings.Builder

	writeHistogramFamily(&b, m.httpDuration)
	b.WriteString("# HELP http_server_active_requests Number of active HTTP requests.\n")
	b.WriteString("# TYPE http_server_active_requests gauge\n")
	fmt.Fprintf(&b, "http_server_active_requests %d\n\n", atomic.LoadInt64(&m.activeRequests))

	for _, f := range m.counterFamilies() {
		writeCounterFamily(&b, f)
	}
	writeHistogramFamily(&b, m.pipeline)
	writeHistogramFamily(&b, m.classifierCalls)
	return b.String()
}

func labelString(names []string, key string) string {
	if len(names) == 0 {
		return ""
	}
	values := strings.SplitN(key, "|", len(names))
	parts := make([]string, len(names))
	for i, n := range names {
		v := ""
		if i < len(values) {
			v = values[i]
		}
		parts[i] = fmt.Sprintf("%s=%q", n, v)
	}
	return strings.Join(parts, ",")
}

func writeCounterFamily(b *strings.Builder, f *counterFamily) {
	fmt.Fprintf(b, "# HELP %s %s\n# TYPE %s counter\n", f.name, f.help, f.name)
	f.mu.RLock()
	keys := make([]string, 0, len(f.items))
	for k := range f.items {
		keys = append(keys, k)
	}
	f.mu.RUnlock()
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(b, "%s{%s} %d\n", f.name, labelString(f.labels, k), f.get(strings.Split(k, "|")...))
	}
	b.WriteByte('\n')
}

func writeHistogramFamily(b *strings.Builder, f *histogramFamily) {
	fmt.Fprintf(b, "# HELP %s %s\n# TYPE %s histogram\n", f.name, f.help, f.name)
	f.mu.RLock()
	keys := make([]string, 0, len(f.items))
	for k := range f.items {
		keys = append(keys, k)
	}
	f.mu.RUnlock()
	sort.Strings(keys)
	for _, k := range keys {
		writeSingleHistogram(b, f.name, labelString(f.labels, k), f.get(strings.Split(k, "|")...))
	}
	b.WriteByte('\n')
}

func writeSingleHistogram(b *strings.Builder, name, labels string, h *histogram) {
	prefix, suffix := "", ""
	if labels != "" {
		prefix = labels + ","
		suffix = "{" + labels + "}"
	}
	cum := h.cumulativeBuckets()
	for i, boundary := range h.boundaries {
		fmt.Fprintf(b, "%s_bucket{%sle=\"%g\"} %d\n", name, prefix, boundary, cum[i])
	}
	total := h.Count()
	fmt.Fprintf(b, "%s_bucket{%sle=\"+Inf\"} %d\n", name, prefix, total)
	fmt.Fprintf(b, "%s_sum%s %g\n", name, suffix, h.Sum())
	fmt.Fprintf(b, "%s_count%s %d\n", name, suffix, total)
}
