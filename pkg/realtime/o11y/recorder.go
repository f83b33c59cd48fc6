package o11y

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// RecorderConfig configures the standalone Recorder
type RecorderConfig struct {
	Interval    time.Duration // How often to report metrics (default: 30s, negative disables reporting)
	ServiceName string        // Service name to include in reports
}

// Snapshot is a point-in-time copy of everything a Recorder has collected.
// Labels are folded into the metric name as name{key=value,...}.
type Snapshot struct {
	Timestamp   time.Time            `json:"timestamp"`
	ServiceName string               `json:"service_name"`
	Counters    map[string]int64     `json:"counters"`
	Histograms  map[string][]float64 `json:"histograms"`
	Gauges      map[string]float64   `json:"gauges"`
}

// Recorder is an in-process MetricsProvider. It keeps values in memory and
// periodically logs a summary, for runs without an OpenTelemetry exporter.
type Recorder struct {
	config RecorderConfig
	logger *zap.Logger

	counters   sync.Map // map[string]*recorderCounter
	histograms sync.Map // map[string]*recorderHistogram
	gauges     sync.Map // map[string]*recorderGauge

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started int32 // atomic boolean
}

// NewRecorder creates a new standalone recorder
func NewRecorder(logger *zap.Logger, config *RecorderConfig) *Recorder {
	if config == nil {
		config = &RecorderConfig{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	cfg := *config
	if cfg.Interval == 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "realtime"
	}

	return &Recorder{config: cfg, logger: logger}
}

// Start begins periodic reporting. It is a no-op when already started or
// when reporting is disabled.
func (r *Recorder) Start() {
	if r.config.Interval < 0 {
		return
	}
	if !atomic.CompareAndSwapInt32(&r.started, 0, 1) {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel

	r.wg.Add(1)
	go r.reportLoop(ctx)
}

// Stop halts periodic reporting after emitting one final report.
func (r *Recorder) Stop() {
	if !atomic.CompareAndSwapInt32(&r.started, 1, 0) {
		return
	}
	r.cancel()
	r.wg.Wait()
}

func (r *Recorder) reportLoop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.report()
		case <-ctx.Done():
			r.report()
			return
		}
	}
}

func (r *Recorder) report() {
	snap := r.Snapshot()

	fields := []zap.Field{zap.String("service", snap.ServiceName)}
	for _, name := range sortedKeys(snap.Counters) {
		fields = append(fields, zap.Int64(name, snap.Counters[name]))
	}
	for _, name := range sortedKeys(snap.Gauges) {
		fields = append(fields, zap.Float64(name, snap.Gauges[name]))
	}
	for _, name := range sortedKeys(snap.Histograms) {
		fields = append(fields, zap.Int(name+"_count", len(snap.Histograms[name])))
	}

	r.logger.Info("Metrics", fields...)
}

// Snapshot copies the current metric values.
func (r *Recorder) Snapshot() Snapshot {
	snap := Snapshot{
		Timestamp:   time.Now(),
		ServiceName: r.config.ServiceName,
		Counters:    make(map[string]int64),
		Histograms:  make(map[string][]float64),
		Gauges:      make(map[string]float64),
	}

	r.counters.Range(func(key, value any) bool {
		snap.Counters[key.(string)] = atomic.LoadInt64(&value.(*recorderCounter).value)
		return true
	})

	r.histograms.Range(func(key, value any) bool {
		h := value.(*recorderHistogram)
		h.mu.RLock()
		snap.Histograms[key.(string)] = append([]float64(nil), h.values...)
		h.mu.RUnlock()
		return true
	})

	r.gauges.Range(func(key, value any) bool {
		snap.Gauges[key.(string)] = value.(*recorderGauge).get()
		return true
	})

	return snap
}

// MetricsProvider interface implementation

func (r *Recorder) Counter(name string) Counter {
	return &recorderCounter{owner: r, name: name}
}

func (r *Recorder) Histogram(name string) Histogram {
	return &recorderHistogram{owner: r, name: name}
}

func (r *Recorder) Gauge(name string) Gauge {
	return &recorderGauge{owner: r, name: name}
}

func seriesName(name string, labels []Label) string {
	if len(labels) == 0 {
		return name
	}

	sorted := append([]Label(nil), labels...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Key < sorted[j].Key })

	out := name + "{"
	for i, l := range sorted {
		if i > 0 {
			out += ","
		}
		out += l.Key + "=" + l.Value
	}
	return out + "}"
}

// Metric implementations. The handle returned by Counter/Histogram/Gauge
// resolves a per-label-set series on every call.

type recorderCounter struct {
	owner *Recorder
	name  string
	value int64
}

func (c *recorderCounter) Add(ctx context.Context, value int64, labels ...Label) {
	key := seriesName(c.name, labels)
	actual, _ := c.owner.counters.LoadOrStore(key, &recorderCounter{})
	atomic.AddInt64(&actual.(*recorderCounter).value, value)
}

type recorderHistogram struct {
	owner  *Recorder
	name   string
	mu     sync.RWMutex
	values []float64
}

func (h *recorderHistogram) Record(ctx context.Context, value float64, labels ...Label) {
	key := seriesName(h.name, labels)
	actual, _ := h.owner.histograms.LoadOrStore(key, &recorderHistogram{})
	series := actual.(*recorderHistogram)
	series.mu.Lock()
	series.values = append(series.values, value)
	series.mu.Unlock()
}

type recorderGauge struct {
	owner *Recorder
	name  string
	mu    sync.RWMutex
	value float64
}

func (g *recorderGauge) Set(ctx context.Context, value float64, labels ...Label) {
	key := seriesName(g.name, labels)
	actual, _ := g.owner.gauges.LoadOrStore(key, &recorderGauge{})
	series := actual.(*recorderGauge)
	series.mu.Lock()
	series.value = value
	series.mu.Unlock()
}

func (g *recorderGauge) get() float64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.value
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
