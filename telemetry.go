package gatekeep

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/maxbolgarin/lang"
	"github.com/prometheus/client_golang/prometheus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Event kinds written to the telemetry stream.
const (
	EventEnqueue      = "delete_enqueue"
	EventDequeue      = "delete_dequeue"
	EventEvict        = "delete_evict"
	EventAttempt      = "delete_attempt"
	EventAbandon      = "delete_abandon"
	EventChallenge    = "challenge_issued"
	EventVerified     = "challenge_passed"
	EventFailed       = "challenge_failed"
	EventExpired      = "challenge_expired"
	EventRestricted   = "user_restricted"
	EventProfileFetch = "profile_fetch"
)

// Event is one telemetry record. Events around deletion-queue transitions are
// the primary debugging tool for stuck or lost deletions, so emission points
// must not be removed when refactoring.
type Event struct {
	Kind      string    `json:"kind"`
	At        time.Time `json:"at"`
	ChatID    int64     `json:"chat_id,omitempty"`
	UserID    int64     `json:"user_id,omitempty"`
	MessageID int       `json:"message_id,omitempty"`
	Outcome   string    `json:"outcome,omitempty"`
	Detail    string    `json:"detail,omitempty"`
}

// EventSink receives telemetry events. Emission is best-effort: a sink must
// never block moderation and must swallow its own I/O errors.
type EventSink interface {
	Emit(ev Event)
}

type noopSink struct{}

func (noopSink) Emit(Event) {}

// TelemetryConfig configures the JSONL event stream.
type TelemetryConfig struct {
	// Path of the event log file. Empty disables the stream.
	Path string `env:"TELEMETRY_PATH"`

	// MaxSizeMB rotates the file after it exceeds this size. Default is 50.
	MaxSizeMB int `env:"TELEMETRY_MAX_SIZE_MB"`

	// MaxAgeDays deletes rotated files older than this. Default is 14.
	MaxAgeDays int `env:"TELEMETRY_MAX_AGE_DAYS"`

	// MaxBackups limits the number of rotated files. Default is 5.
	MaxBackups int `env:"TELEMETRY_MAX_BACKUPS"`

	// Compress gzips rotated files.
	Compress bool `env:"TELEMETRY_COMPRESS"`
}

// Telemetry writes events as JSON lines to a size-rotated file.
type Telemetry struct {
	mu  sync.Mutex
	out *lumberjack.Logger
	log Logger
	now func() time.Time
}

// NewTelemetry creates the event stream, or a disabled one when cfg.Path is empty.
func NewTelemetry(cfg TelemetryConfig, log Logger) *Telemetry {
	t := &Telemetry{
		log: log,
		now: time.Now,
	}
	if cfg.Path == "" {
		return t
	}
	t.out = &lumberjack.Logger{
		Filename:   cfg.Path,
		MaxSize:    lang.Check(cfg.MaxSizeMB, 50),
		MaxAge:     lang.Check(cfg.MaxAgeDays, 14),
		MaxBackups: lang.Check(cfg.MaxBackups, 5),
		Compress:   cfg.Compress,
	}
	return t
}

// Emit appends ev to the stream. Write failures are logged and dropped.
func (t *Telemetry) Emit(ev Event) {
	if t == nil || t.out == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = t.now()
	}

	raw, err := json.Marshal(ev)
	if err != nil {
		t.log.Warn("cannot marshal telemetry event", "kind", ev.Kind, "error", err)
		return
	}
	raw = append(raw, '\n')

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, err := t.out.Write(raw); err != nil {
		t.log.Warn("cannot write telemetry event", "kind", ev.Kind, "error", err)
	}
}

// Close flushes and closes the underlying file.
func (t *Telemetry) Close() error {
	if t == nil || t.out == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.out.Close()
}

const defaultSubsystem = "gatekeep"

// Histogram buckets for message handling duration (1ms to 10s).
var handleDurationBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// MetricsConfig configures Prometheus metrics registration.
// A nil Registry disables metrics collection entirely.
type MetricsConfig struct {
	Registry    *prometheus.Registry
	Namespace   string
	Subsystem   string
	ConstLabels prometheus.Labels
}

// metrics holds all Prometheus instruments of the moderation engine.
type metrics struct {
	MetricsConfig

	messagesTotal         prometheus.Counter
	handleDurationSeconds prometheus.Histogram

	challengesTotal       *prometheus.CounterVec // by trigger reason
	challengeResultsTotal *prometheus.CounterVec // by result
	restrictionsTotal     prometheus.Counter
	trustedUsers          prometheus.Gauge

	deleteAttemptsTotal *prometheus.CounterVec // by stage and outcome
	queueDepth          prometheus.Gauge
	overflowDepth       prometheus.Gauge

	profileFetchesTotal *prometheus.CounterVec // by outcome
	profileCacheSize    prometheus.Gauge

	disabled bool
}

// newMetrics creates and registers all instruments.
// If config.Registry is nil, returns a disabled instance.
func newMetrics(config MetricsConfig) *metrics {
	if config.Registry == nil {
		return &metrics{
			disabled: true,
		}
	}

	m := &metrics{
		MetricsConfig: config,
	}

	m.messagesTotal = m.newSimpleCounter("messages_total", "Total number of group messages processed")
	m.handleDurationSeconds = m.newSimpleHistogram("handle_duration_seconds", "Message handling duration in seconds", handleDurationBuckets)

	m.challengesTotal = m.newCounter("challenges_total", "Total number of verification challenges issued", "reason")
	m.challengeResultsTotal = m.newCounter("challenge_results_total", "Total number of resolved challenges by result", "result")
	m.restrictionsTotal = m.newSimpleCounter("restrictions_total", "Total number of users restricted after repeated failures")
	m.trustedUsers = m.newSimpleGauge("trusted_users", "Current size of the trusted user registry")

	m.deleteAttemptsTotal = m.newCounter("delete_attempts_total", "Total number of message delete attempts by stage and outcome", "stage", "outcome")
	m.queueDepth = m.newSimpleGauge("delete_queue_depth", "Current number of tasks in the in-memory deletion ring")
	m.overflowDepth = m.newSimpleGauge("delete_overflow_depth", "Current number of tasks in the persisted deletion overflow")

	m.profileFetchesTotal = m.newCounter("profile_fetches_total", "Total number of external profile fetches by outcome", "outcome")
	m.profileCacheSize = m.newSimpleGauge("profile_cache_size", "Current number of cached profile records")

	return m
}

func (m *metrics) incMessage() {
	if m == nil || m.disabled {
		return
	}
	m.messagesTotal.Inc()
}

func (m *metrics) observeHandleDuration(d time.Duration) {
	if m == nil || m.disabled {
		return
	}
	m.handleDurationSeconds.Observe(d.Seconds())
}

func (m *metrics) incChallenge(reason Reason) {
	if m == nil || m.disabled {
		return
	}
	m.challengesTotal.WithLabelValues(reason.String()).Inc()
}

func (m *metrics) incChallengeResult(result string) {
	if m == nil || m.disabled {
		return
	}
	m.challengeResultsTotal.WithLabelValues(result).Inc()
}

func (m *metrics) incRestriction() {
	if m == nil || m.disabled {
		return
	}
	m.restrictionsTotal.Inc()
}

func (m *metrics) setTrustedUsers(n int) {
	if m == nil || m.disabled {
		return
	}
	m.trustedUsers.Set(float64(n))
}

func (m *metrics) incDeleteAttempt(stage, outcome string) {
	if m == nil || m.disabled {
		return
	}
	m.deleteAttemptsTotal.WithLabelValues(stage, outcome).Inc()
}

func (m *metrics) setQueueDepth(ring, overflow int) {
	if m == nil || m.disabled {
		return
	}
	m.queueDepth.Set(float64(ring))
	m.overflowDepth.Set(float64(overflow))
}

func (m *metrics) incProfileFetch(outcome string) {
	if m == nil || m.disabled {
		return
	}
	m.profileFetchesTotal.WithLabelValues(outcome).Inc()
}

func (m *metrics) setProfileCacheSize(n int) {
	if m == nil || m.disabled {
		return
	}
	m.profileCacheSize.Set(float64(n))
}

// newCounter creates a registered CounterVec with the given labels.
func (r *metrics) newCounter(name, help string, labelNames ...string) *prometheus.CounterVec {
	counter := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   r.Namespace,
			Subsystem:   lang.Check(r.Subsystem, defaultSubsystem),
			Name:        name,
			Help:        help,
			ConstLabels: r.ConstLabels,
		},
		labelNames,
	)
	r.Registry.MustRegister(counter)
	return counter
}

// newSimpleCounter creates a registered Counter.
func (r *metrics) newSimpleCounter(name, help string) prometheus.Counter {
	counter := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace:   r.Namespace,
			Subsystem:   lang.Check(r.Subsystem, defaultSubsystem),
			Name:        name,
			Help:        help,
			ConstLabels: r.ConstLabels,
		},
	)
	r.Registry.MustRegister(counter)
	return counter
}

// newSimpleGauge creates a registered Gauge.
func (r *metrics) newSimpleGauge(name, help string) prometheus.Gauge {
	gauge := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace:   r.Namespace,
			Subsystem:   lang.Check(r.Subsystem, defaultSubsystem),
			Name:        name,
			Help:        help,
			ConstLabels: r.ConstLabels,
		},
	)
	r.Registry.MustRegister(gauge)
	return gauge
}

// newSimpleHistogram creates a registered Histogram.
func (r *metrics) newSimpleHistogram(name, help string, buckets []float64) prometheus.Histogram {
	histogram := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace:   r.Namespace,
			Subsystem:   lang.Check(r.Subsystem, defaultSubsystem),
			Name:        name,
			Help:        help,
			ConstLabels: r.ConstLabels,
			Buckets:     buckets,
		},
	)
	r.Registry.MustRegister(histogram)
	return histogram
}
