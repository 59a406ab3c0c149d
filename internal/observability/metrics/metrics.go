package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type requestLabel struct {
	method string
	path   string
	status string
}

// JobLabel identifies a transcode job event series by media kind and event
// status.
type JobLabel struct {
	Kind   string
	Status string
}

// Recorder aggregates in-memory metrics counters and gauges for HTTP
// requests, transcode job lifecycle events, webhook deliveries, and provider
// dispatch operations. It coordinates concurrent writers via a RWMutex while
// exposing a thread-safe gauge for in-flight job tracking.
type Recorder struct {
	mu               sync.RWMutex
	requestCount     map[requestLabel]uint64
	requestDuration  map[requestLabel]time.Duration
	jobEvents        map[JobLabel]uint64
	activeJobs       atomic.Int64
	webhookEvents    map[string]uint64
	dispatchAttempts map[string]uint64
	dispatchFailures map[string]uint64
	relayEvents      map[string]uint64
}

var defaultRecorder = New()

// New constructs an empty Recorder with initialized backing maps so callers
// can immediately record metrics without additional setup.
func New() *Recorder {
	return &Recorder{
		requestCount:     make(map[requestLabel]uint64),
		requestDuration:  make(map[requestLabel]time.Duration),
		jobEvents:        make(map[JobLabel]uint64),
		webhookEvents:    make(map[string]uint64),
		dispatchAttempts: make(map[string]uint64),
		dispatchFailures: make(map[string]uint64),
		relayEvents:      make(map[string]uint64),
	}
}

// Default returns the singleton Recorder instance shared across helper
// functions for packages that do not require custom instrumentation pipelines.
func Default() *Recorder {
	return defaultRecorder
}

// SetDefault replaces the recorder used by the package-level helpers. Passing
// nil leaves the current default in place.
func SetDefault(r *Recorder) {
	if r == nil {
		return
	}
	defaultRecorder = r
}

// Registry bundles a Recorder for callers that wire instrumentation
// explicitly instead of relying on the package default.
type Registry struct {
	Recorder *Recorder
}

// NewRegistry constructs a fresh Recorder and installs it as the package
// default so helper functions and explicit wiring observe the same counters.
func NewRegistry() *Registry {
	recorder := New()
	SetDefault(recorder)
	return &Registry{Recorder: recorder}
}

// ObserveRequest normalizes the request label set and accumulates totals for
// request count and cumulative duration by HTTP method, normalized path, and
// status code.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	label := requestLabel{
		method: strings.ToUpper(method),
		path:   normalizePath(path),
		status: fmt.Sprintf("%d", status),
	}
	r.mu.Lock()
	r.requestCount[label]++
	r.requestDuration[label] += duration
	r.mu.Unlock()
}

// JobDispatched records a job handed to the provider and increments the
// in-flight gauge.
func (r *Recorder) JobDispatched(kind string) {
	r.recordJobEvent(kind, "dispatch")
	r.activeJobs.Add(1)
}

// JobCompleted records a successfully finished job and decrements the
// in-flight gauge.
func (r *Recorder) JobCompleted(kind string) {
	r.recordJobEvent(kind, "complete")
	r.decrementGauge(&r.activeJobs)
}

// JobFailed records a failed job and decrements the in-flight gauge, guarding
// against negative counts if the job was never dispatched.
func (r *Recorder) JobFailed(kind string) {
	r.recordJobEvent(kind, "fail")
	r.decrementGauge(&r.activeJobs)
}

// JobRetried records a failed job being reset for another attempt.
func (r *Recorder) JobRetried(kind string) {
	r.recordJobEvent(kind, "retry")
}

func (r *Recorder) recordJobEvent(kind, status string) {
	label := JobLabel{
		Kind:   normalizeName(kind),
		Status: normalizeName(status),
	}
	r.mu.Lock()
	r.jobEvents[label]++
	r.mu.Unlock()
}

// ObserveWebhook records the outcome of a webhook delivery, e.g. "accepted",
// "rejected", "unknown_job", "invalid_payload".
func (r *Recorder) ObserveWebhook(outcome string) {
	normalized := normalizeName(outcome)
	r.mu.Lock()
	r.webhookEvents[normalized]++
	r.mu.Unlock()
}

// ObserveDispatchAttempt records a provider operation attempt keyed by
// operation name (e.g. "submit", "cancel").
func (r *Recorder) ObserveDispatchAttempt(operation string) {
	op := normalizeName(operation)
	r.mu.Lock()
	r.dispatchAttempts[op]++
	r.mu.Unlock()
}

// ObserveDispatchFailure records a failed provider operation keyed by
// operation name. The caller should also record the attempt separately.
func (r *Recorder) ObserveDispatchFailure(operation string) {
	op := normalizeName(operation)
	r.mu.Lock()
	r.dispatchFailures[op]++
	r.mu.Unlock()
}

// ObserveRelay records a relay publish outcome ("published" or "failed").
func (r *Recorder) ObserveRelay(outcome string) {
	normalized := normalizeName(outcome)
	r.mu.Lock()
	r.relayEvents[normalized]++
	r.mu.Unlock()
}

// ActiveJobs exposes the current gauge of jobs in flight at the provider.
func (r *Recorder) ActiveJobs() int64 {
	return r.activeJobs.Load()
}

// JobCounts returns copies of job event counters and the current in-flight
// gauge value for testing and reporting purposes.
func (r *Recorder) JobCounts() (events map[JobLabel]uint64, active int64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	events = make(map[JobLabel]uint64, len(r.jobEvents))
	for k, v := range r.jobEvents {
		events[k] = v
	}
	return events, r.activeJobs.Load()
}

// WebhookCounts returns a copy of the webhook outcome counters.
func (r *Recorder) WebhookCounts() map[string]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	counts := make(map[string]uint64, len(r.webhookEvents))
	for k, v := range r.webhookEvents {
		counts[k] = v
	}
	return counts
}

// DispatchCounts returns copies of dispatch attempt and failure counters.
func (r *Recorder) DispatchCounts() (attempts map[string]uint64, failures map[string]uint64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	attempts = make(map[string]uint64, len(r.dispatchAttempts))
	for k, v := range r.dispatchAttempts {
		attempts[k] = v
	}
	failures = make(map[string]uint64, len(r.dispatchFailures))
	for k, v := range r.dispatchFailures {
		failures[k] = v
	}
	return attempts, failures
}

// Reset clears all counters and gauges on the recorder. It is intended for
// test setups.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requestCount = make(map[requestLabel]uint64)
	r.requestDuration = make(map[requestLabel]time.Duration)
	r.jobEvents = make(map[JobLabel]uint64)
	r.webhookEvents = make(map[string]uint64)
	r.dispatchAttempts = make(map[string]uint64)
	r.dispatchFailures = make(map[string]uint64)
	r.relayEvents = make(map[string]uint64)
	r.activeJobs.Store(0)
}

// Handler exposes the Recorder as an http.Handler that writes Prometheus text
// exposition data with the appropriate content type.
func (r *Recorder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.Write(w)
	})
}

// Write renders the Recorder's metrics in Prometheus text format, sorting
// label sets to provide stable output for scrapes and tests.
func (r *Recorder) Write(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	requestLabels := r.sortedRequestLabels()
	jobLabels := r.sortedJobLabels()
	webhookOutcomes := sortedKeys(r.webhookEvents)
	dispatchOperations := r.sortedDispatchOperations()
	relayOutcomes := sortedKeys(r.relayEvents)

	fmt.Fprintln(w, "# HELP mediaflow_http_requests_total Total number of HTTP requests processed by the API")
	fmt.Fprintln(w, "# TYPE mediaflow_http_requests_total counter")
	for _, label := range requestLabels {
		count := r.requestCount[label]
		fmt.Fprintf(w, "mediaflow_http_requests_total{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, count)
	}

	fmt.Fprintln(w, "# HELP mediaflow_http_request_duration_seconds_sum Cumulative duration of HTTP requests in seconds")
	fmt.Fprintln(w, "# TYPE mediaflow_http_request_duration_seconds_sum counter")
	for _, label := range requestLabels {
		duration := r.requestDuration[label].Seconds()
		fmt.Fprintf(w, "mediaflow_http_request_duration_seconds_sum{method=\"%s\",path=\"%s\",status=\"%s\"} %f\n", label.method, label.path, label.status, duration)
	}

	fmt.Fprintln(w, "# HELP mediaflow_http_request_duration_seconds_count Total number of observations for request durations")
	fmt.Fprintln(w, "# TYPE mediaflow_http_request_duration_seconds_count counter")
	for _, label := range requestLabels {
		count := r.requestCount[label]
		fmt.Fprintf(w, "mediaflow_http_request_duration_seconds_count{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, count)
	}

	fmt.Fprintln(w, "# HELP mediaflow_jobs_total Transcode job events by media kind and status")
	fmt.Fprintln(w, "# TYPE mediaflow_jobs_total counter")
	for _, label := range jobLabels {
		count := r.jobEvents[label]
		fmt.Fprintf(w, "mediaflow_jobs_total{kind=\"%s\",status=\"%s\"} %d\n", label.Kind, label.Status, count)
	}

	fmt.Fprintln(w, "# HELP mediaflow_active_jobs Current number of jobs in flight at the provider")
	fmt.Fprintln(w, "# TYPE mediaflow_active_jobs gauge")
	fmt.Fprintf(w, "mediaflow_active_jobs %d\n", r.activeJobs.Load())

	fmt.Fprintln(w, "# HELP mediaflow_webhook_events_total Webhook deliveries by outcome")
	fmt.Fprintln(w, "# TYPE mediaflow_webhook_events_total counter")
	for _, outcome := range webhookOutcomes {
		count := r.webhookEvents[outcome]
		fmt.Fprintf(w, "mediaflow_webhook_events_total{outcome=\"%s\"} %d\n", outcome, count)
	}

	fmt.Fprintln(w, "# HELP mediaflow_dispatch_attempts_total Provider operations attempted by action")
	fmt.Fprintln(w, "# TYPE mediaflow_dispatch_attempts_total counter")
	for _, op := range dispatchOperations {
		count := r.dispatchAttempts[op]
		fmt.Fprintf(w, "mediaflow_dispatch_attempts_total{operation=\"%s\"} %d\n", op, count)
	}

	fmt.Fprintln(w, "# HELP mediaflow_dispatch_failures_total Provider operation failures by action")
	fmt.Fprintln(w, "# TYPE mediaflow_dispatch_failures_total counter")
	for _, op := range dispatchOperations {
		count := r.dispatchFailures[op]
		fmt.Fprintf(w, "mediaflow_dispatch_failures_total{operation=\"%s\"} %d\n", op, count)
	}

	fmt.Fprintln(w, "# HELP mediaflow_relay_events_total Relay publish outcomes")
	fmt.Fprintln(w, "# TYPE mediaflow_relay_events_total counter")
	for _, outcome := range relayOutcomes {
		count := r.relayEvents[outcome]
		fmt.Fprintf(w, "mediaflow_relay_events_total{outcome=\"%s\"} %d\n", outcome, count)
	}
}

func (r *Recorder) sortedRequestLabels() []requestLabel {
	labels := make([]requestLabel, 0, len(r.requestCount))
	for label := range r.requestCount {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].method != labels[j].method {
			return labels[i].method < labels[j].method
		}
		if labels[i].path != labels[j].path {
			return labels[i].path < labels[j].path
		}
		return labels[i].status < labels[j].status
	})
	return labels
}

func (r *Recorder) sortedJobLabels() []JobLabel {
	labels := make([]JobLabel, 0, len(r.jobEvents))
	for label := range r.jobEvents {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].Kind != labels[j].Kind {
			return labels[i].Kind < labels[j].Kind
		}
		return labels[i].Status < labels[j].Status
	})
	return labels
}

func (r *Recorder) sortedDispatchOperations() []string {
	seen := make(map[string]struct{}, len(r.dispatchAttempts)+len(r.dispatchFailures))
	for op := range r.dispatchAttempts {
		seen[op] = struct{}{}
	}
	for op := range r.dispatchFailures {
		seen[op] = struct{}{}
	}
	ops := make([]string, 0, len(seen))
	for op := range seen {
		ops = append(ops, op)
	}
	sort.Strings(ops)
	return ops
}

func sortedKeys(m map[string]uint64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func normalizePath(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if part == "" {
			continue
		}
		if looksLikeIdentifier(part) {
			parts[i] = ":id"
			continue
		}
	}
	normalized := strings.Join(parts, "/")
	if !strings.HasPrefix(normalized, "/") {
		normalized = "/" + normalized
	}
	if strings.HasSuffix(normalized, "/") && len(normalized) > 1 {
		normalized = strings.TrimSuffix(normalized, "/")
	}
	return normalized
}

func looksLikeIdentifier(segment string) bool {
	if len(segment) >= 8 {
		return true
	}
	digitCount := 0
	for _, r := range segment {
		if r >= '0' && r <= '9' {
			digitCount++
		}
	}
	return digitCount >= 3
}

func (r *Recorder) decrementGauge(gauge *atomic.Int64) {
	for {
		current := gauge.Load()
		if current <= 0 {
			return
		}
		if gauge.CompareAndSwap(current, current-1) {
			return
		}
	}
}

func normalizeName(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}

// ObserveRequest is a helper on the default recorder.
func ObserveRequest(method, path string, status int, duration time.Duration) {
	defaultRecorder.ObserveRequest(method, path, status, duration)
}

// JobDispatched records a dispatched job on the default recorder.
func JobDispatched(kind string) {
	defaultRecorder.JobDispatched(kind)
}

// JobCompleted records a completed job on the default recorder.
func JobCompleted(kind string) {
	defaultRecorder.JobCompleted(kind)
}

// JobFailed records a failed job on the default recorder.
func JobFailed(kind string) {
	defaultRecorder.JobFailed(kind)
}

// ObserveWebhook records a webhook outcome on the default recorder.
func ObserveWebhook(outcome string) {
	defaultRecorder.ObserveWebhook(outcome)
}

// Handler exposes the default recorder as an HTTP handler.
func Handler() http.Handler {
	return defaultRecorder.Handler()
}
