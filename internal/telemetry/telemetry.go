package telemetry

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// MetricType represents the type of metric
type MetricType string

const (
	Counter MetricType = "counter"
	Gauge   MetricType = "gauge"
	Timer   MetricType = "timer"
)

// Metric represents a telemetry metric
type Metric struct {
	Name      string            `json:"name"`
	Type      MetricType        `json:"type"`
	Value     float64           `json:"value"`
	Labels    map[string]string `json:"labels"`
	Timestamp time.Time         `json:"timestamp"`
	Unit      string            `json:"unit,omitempty"`
}

// Aggregate summarizes every sample recorded under one metric name.
type Aggregate struct {
	Name  string
	Type  MetricType
	Count int
	Sum   float64
	Max   float64
	Last  float64
	Unit  string
}

// Collector keeps the metrics of a single odmctl invocation in memory.
type Collector struct {
	mu      sync.RWMutex
	metrics []Metric
	enabled bool
}

// NewCollector creates a new telemetry collector
func NewCollector(enabled bool) *Collector {
	return &Collector{
		metrics: make([]Metric, 0),
		enabled: enabled,
	}
}

// Counter increments a counter metric
func (c *Collector) Counter(name string, value float64, labels map[string]string) {
	c.addMetric(Metric{
		Name:      name,
		Type:      Counter,
		Value:     value,
		Labels:    labels,
		Timestamp: time.Now(),
	})
}

// Gauge sets a gauge metric value
func (c *Collector) Gauge(name string, value float64, labels map[string]string) {
	c.addMetric(Metric{
		Name:      name,
		Type:      Gauge,
		Value:     value,
		Labels:    labels,
		Timestamp: time.Now(),
	})
}

// Timer records a duration measurement
func (c *Collector) Timer(name string, duration time.Duration, labels map[string]string) {
	c.addMetric(Metric{
		Name:      name,
		Type:      Timer,
		Value:     float64(duration.Milliseconds()),
		Labels:    labels,
		Timestamp: time.Now(),
		Unit:      "ms",
	})
}

func (c *Collector) addMetric(metric Metric) {
	if !c.enabled {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.metrics = append(c.metrics, metric)
}

// GetMetrics returns a copy of current metrics
func (c *Collector) GetMetrics() []Metric {
	c.mu.RLock()
	defer c.mu.RUnlock()

	result := make([]Metric, len(c.metrics))
	copy(result, c.metrics)
	return result
}

// Summary folds the recorded samples by name, sorted by name.
func (c *Collector) Summary() []Aggregate {
	byName := map[string]*Aggregate{}
	for _, m := range c.GetMetrics() {
		agg, ok := byName[m.Name]
		if !ok {
			agg = &Aggregate{Name: m.Name, Type: m.Type, Unit: m.Unit}
			byName[m.Name] = agg
		}
		agg.Count++
		agg.Sum += m.Value
		agg.Last = m.Value
		if m.Value > agg.Max {
			agg.Max = m.Value
		}
	}
	out := make([]Aggregate, 0, len(byName))
	for _, agg := range byName {
		out = append(out, *agg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Flush writes the summary to the debug log and clears the samples.
func (c *Collector) Flush() {
	for _, agg := range c.Summary() {
		log.Debug().
			Str("name", agg.Name).
			Str("type", string(agg.Type)).
			Int("count", agg.Count).
			Float64("sum", agg.Sum).
			Float64("max", agg.Max).
			Str("unit", agg.Unit).
			Msg("telemetry_metric")
	}
	c.mu.Lock()
	c.metrics = c.metrics[:0]
	c.mu.Unlock()
}

// Global collector instance
var (
	globalMu        sync.Mutex
	globalCollector *Collector
)

// InitGlobal initializes the global telemetry collector
func InitGlobal(enabled bool) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalCollector = NewCollector(enabled)
}

// GetGlobal returns the global collector
func GetGlobal() *Collector {
	globalMu.Lock()
	defer globalMu.Unlock()
	if globalCollector == nil {
		globalCollector = NewCollector(false)
	}
	return globalCollector
}

// CounterGlobal increments a counter using the global collector
func CounterGlobal(name string, value float64, labels map[string]string) {
	GetGlobal().Counter(name, value, labels)
}

// GaugeGlobal sets a gauge using the global collector
func GaugeGlobal(name string, value float64, labels map[string]string) {
	GetGlobal().Gauge(name, value, labels)
}

// TimerGlobal records a timer using the global collector
func TimerGlobal(name string, duration time.Duration, labels map[string]string) {
	GetGlobal().Timer(name, duration, labels)
}

// Shutdown flushes the global collector
func Shutdown() {
	GetGlobal().Flush()
}
