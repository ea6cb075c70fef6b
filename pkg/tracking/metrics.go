package tracking

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Stats counts what happened to the seeds of a run
type Stats struct {
	Seeds        int64
	Lines        int64
	Accepted     int64
	SinglePoints int64
	Branches     int64
	NoDirection  int64
	Incomplete   int64
	OutOfLength  int64
}

func (s *Stats) add(res SeedResult) {
	s.Seeds++
	s.Branches += int64(len(res.Branches))
	switch res.Outcome {
	case Accepted:
		s.Accepted++
	case SinglePoint:
		s.SinglePoints++
	case NoDirection:
		s.NoDirection++
	case Incomplete:
		s.Incomplete++
	case OutOfLength:
		s.OutOfLength++
	}
}

func (s *Stats) merge(o Stats) {
	s.Seeds += o.Seeds
	s.Lines += o.Lines
	s.Accepted += o.Accepted
	s.SinglePoints += o.SinglePoints
	s.Branches += o.Branches
	s.NoDirection += o.NoDirection
	s.Incomplete += o.Incomplete
	s.OutOfLength += o.OutOfLength
}

// Metrics exposes run statistics as Prometheus metrics on a private registry
type Metrics struct {
	registry    *prometheus.Registry
	seeds       prometheus.Counter
	streamlines prometheus.Counter
	branches    prometheus.Counter
	outcomes    *prometheus.CounterVec
	duration    prometheus.Gauge
}

// NewMetrics creates the run metrics
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		seeds: factory.NewCounter(prometheus.CounterOpts{
			Name: "tissuetrack_seeds_total",
			Help: "Total number of seeds tracked",
		}),
		streamlines: factory.NewCounter(prometheus.CounterOpts{
			Name: "tissuetrack_streamlines_total",
			Help: "Total number of streamlines written, branches included",
		}),
		branches: factory.NewCounter(prometheus.CounterOpts{
			Name: "tissuetrack_branches_total",
			Help: "Total number of branch streamlines kept",
		}),
		outcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tissuetrack_seed_outcomes_total",
			Help: "Seeds by outcome",
		}, []string{"outcome"}),
		duration: factory.NewGauge(prometheus.GaugeOpts{
			Name: "tissuetrack_run_duration_seconds",
			Help: "Wall time of the tracking run",
		}),
	}
}

// Observe adds the counts of a finished run
func (m *Metrics) Observe(s Stats) {
	m.seeds.Add(float64(s.Seeds))
	m.streamlines.Add(float64(s.Lines))
	m.branches.Add(float64(s.Branches))
	for outcome, n := range map[Outcome]int64{
		Accepted:    s.Accepted,
		SinglePoint: s.SinglePoints,
		NoDirection: s.NoDirection,
		Incomplete:  s.Incomplete,
		OutOfLength: s.OutOfLength,
	} {
		m.outcomes.WithLabelValues(outcome.String()).Add(float64(n))
	}
}

// ObserveDuration records the wall time of the run
func (m *Metrics) ObserveDuration(d time.Duration) {
	m.duration.Set(d.Seconds())
}

// Registry returns the registry holding the metrics
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// WriteTextfile writes the metrics in the text exposition format, for the
// node exporter textfile collector
func (m *Metrics) WriteTextfile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("error creating metrics directory: %w", err)
	}
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("error writing metrics: %w", err)
	}
	return nil
}
