// Package metrics renders gateway counters, gauges and histograms in the
// Prometheus text exposition format.
package metrics

import (
	"fmt"
	"math"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Collector is the process-wide registry served on the metrics endpoint.
var Collector = NewRegistry("linkgate")

type kind string

const (
	kindCounter   kind = "counter"
	kindGauge     kind = "gauge"
	kindHistogram kind = "histogram"
)

// Registry groups series into named families. Series within a family are
// told apart by their label set.
type Registry struct {
	namespace string
	start     time.Time

	mu       sync.Mutex
	families map[string]*family
}

type family struct {
	name, help string
	kind       kind
	series     map[string]series // rendered label set -> series
}

type series interface {
	write(sb *strings.Builder, name, labels string)
}

func NewRegistry(namespace string) *Registry {
	return &Registry{namespace: namespace, start: time.Now(), families: make(map[string]*family)}
}

// Uptime returns how long the registry has existed.
func (r *Registry) Uptime() time.Duration { return time.Since(r.start) }

// Counter only goes up.
type Counter struct{ v atomic.Int64 }

func (c *Counter) Inc()         { c.v.Add(1) }
func (c *Counter) Add(n int64)  { c.v.Add(n) }
func (c *Counter) Value() int64 { return c.v.Load() }

func (c *Counter) write(sb *strings.Builder, name, labels string) {
	fmt.Fprintf(sb, "%s%s %d\n", name, braces(labels), c.Value())
}

type Gauge struct{ v atomic.Int64 }

func (g *Gauge) Set(n int64)  { g.v.Store(n) }
func (g *Gauge) Inc()         { g.v.Add(1) }
func (g *Gauge) Dec()         { g.v.Add(-1) }
func (g *Gauge) Value() int64 { return g.v.Load() }

func (g *Gauge) write(sb *strings.Builder, name, labels string) {
	fmt.Fprintf(sb, "%s%s %d\n", name, braces(labels), g.Value())
}

// gaugeFunc is sampled at scrape time.
type gaugeFunc func() float64

func (f gaugeFunc) write(sb *strings.Builder, name, labels string) {
	fmt.Fprintf(sb, "%s%s %s\n", name, braces(labels), formatFloat(f()))
}

// Histogram counts observations into cumulative buckets. An implicit +Inf
// bucket always exists.
type Histogram struct {
	bounds []float64

	mu     sync.Mutex
	counts []int64 // per bound, non-cumulative; last slot is +Inf
	count  int64
	sum    float64
}

func (h *Histogram) Observe(v float64) {
	i := sort.SearchFloat64s(h.bounds, v)
	h.mu.Lock()
	h.counts[i]++
	h.count++
	h.sum += v
	h.mu.Unlock()
}

// Count returns the number of observations.
func (h *Histogram) Count() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

func (h *Histogram) write(sb *strings.Builder, name, labels string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	prefix := labels
	if prefix != "" {
		prefix += ","
	}
	var cum int64
	for i, b := range h.bounds {
		cum += h.counts[i]
		fmt.Fprintf(sb, "%s_bucket{%sle=%q} %d\n", name, prefix, formatFloat(b), cum)
	}
	fmt.Fprintf(sb, "%s_bucket{%sle=\"+Inf\"} %d\n", name, prefix, h.count)
	fmt.Fprintf(sb, "%s_sum%s %s\n", name, braces(labels), formatFloat(h.sum))
	fmt.Fprintf(sb, "%s_count%s %d\n", name, braces(labels), h.count)
}

// Counter returns the counter for name and the label pairs kv
// ("key", "value", ...), creating it on first use.
func (r *Registry) Counter(name, help string, kv ...string) *Counter {
	return r.get(name, help, kindCounter, kv, func() series { return &Counter{} }).(*Counter)
}

func (r *Registry) Gauge(name, help string, kv ...string) *Gauge {
	return r.get(name, help, kindGauge, kv, func() series { return &Gauge{} }).(*Gauge)
}

// GaugeFunc registers fn to be sampled on every scrape. A later call with
// the same name and labels replaces fn.
func (r *Registry) GaugeFunc(name, help string, fn func() float64, kv ...string) {
	f := r.family(name, help, kindGauge)
	r.mu.Lock()
	f.series[labelString(kv)] = gaugeFunc(fn)
	r.mu.Unlock()
}

// Histogram returns the histogram for name, creating it with bounds on
// first use. A +Inf bound in bounds is dropped.
func (r *Registry) Histogram(name, help string, bounds []float64, kv ...string) *Histogram {
	return r.get(name, help, kindHistogram, kv, func() series {
		bs := make([]float64, 0, len(bounds))
		for _, b := range bounds {
			if !math.IsInf(b, 1) {
				bs = append(bs, b)
			}
		}
		sort.Float64s(bs)
		return &Histogram{bounds: bs, counts: make([]int64, len(bs)+1)}
	}).(*Histogram)
}

func (r *Registry) family(name, help string, k kind) *family {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.families[name]
	if !ok {
		f = &family{name: name, help: help, kind: k, series: make(map[string]series)}
		r.families[name] = f
	} else if f.kind != k {
		panic(fmt.Sprintf("metrics: %s registered as %s, requested as %s", name, f.kind, k))
	}
	return f
}

func (r *Registry) get(name, help string, k kind, kv []string, mk func() series) series {
	f := r.family(name, help, k)
	key := labelString(kv)
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := f.series[key]
	if !ok {
		s = mk()
		f.series[key] = s
	}
	return s
}

// Handler serves the registry in text exposition format. Families and
// series are sorted so scrapes are stable.
func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		fmt.Fprint(w, r.Render())
	}
}

// Render returns the exposition text.
func (r *Registry) Render() string {
	type entry struct {
		labels string
		s      series
	}
	type snapshot struct {
		f       *family
		entries []entry
	}

	r.mu.Lock()
	snaps := make([]snapshot, 0, len(r.families))
	for _, f := range r.families {
		snap := snapshot{f: f}
		for l, s := range f.series {
			snap.entries = append(snap.entries, entry{l, s})
		}
		snaps = append(snaps, snap)
	}
	r.mu.Unlock()

	sort.Slice(snaps, func(i, j int) bool { return snaps[i].f.name < snaps[j].f.name })

	var sb strings.Builder
	uptime := r.namespace + "_uptime_seconds"
	fmt.Fprintf(&sb, "# HELP %s Time since start in seconds\n# TYPE %s gauge\n%s %d\n", uptime, uptime, uptime, int64(r.Uptime().Seconds()))
	for _, snap := range snaps {
		if len(snap.entries) == 0 {
			continue
		}
		sort.Slice(snap.entries, func(i, j int) bool { return snap.entries[i].labels < snap.entries[j].labels })
		fmt.Fprintf(&sb, "# HELP %s %s\n# TYPE %s %s\n", snap.f.name, snap.f.help, snap.f.name, snap.f.kind)
		for _, e := range snap.entries {
			e.s.write(&sb, snap.f.name, e.labels)
		}
	}
	return sb.String()
}

// labelString renders key/value pairs as k1="v1",k2="v2" sorted by key.
// A trailing key without value is ignored.
func labelString(kv []string) string {
	if len(kv) < 2 {
		return ""
	}
	pairs := make([]string, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		pairs = append(pairs, kv[i]+"="+strconv.Quote(kv[i+1]))
	}
	sort.Strings(pairs)
	return strings.Join(pairs, ",")
}

func braces(labels string) string {
	if labels == "" {
		return ""
	}
	return "{" + labels + "}"
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
