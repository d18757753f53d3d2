package metrics

import (
	"time"

	"github.com/gaffer-run/gaffer/pkg/types"
)

// JobLister is the part of *manager.Manager the Collector polls. It is
// an interface so that this package does not import pkg/manager, which
// itself imports pkg/metrics.
type JobLister interface {
	ListJobs() ([]types.JobSummary, error)
}

// Collector polls the Manager on a fixed interval and republishes its
// state as gauges, the way a ticker-driven reconciler samples state
// between events.
type Collector struct {
	manager JobLister
	stopCh  chan struct{}
}

// NewCollector creates a metrics Collector bound to mgr.
func NewCollector(mgr JobLister) *Collector {
	return &Collector{
		manager: mgr,
		stopCh:  make(chan struct{}),
	}
}

// Start begins polling in a background goroutine.
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop halts the poller.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	jobs, err := c.manager.ListJobs()
	if err != nil {
		return
	}

	counts := map[string]int{"true": 0, "false": 0}
	running := 0
	for _, j := range jobs {
		if j.Stopped {
			counts["true"]++
		} else {
			counts["false"]++
		}
		running += len(j.PIDs)
	}
	for stopped, count := range counts {
		JobsTotal.WithLabelValues(stopped).Set(float64(count))
	}
	ProcessesRunning.Set(float64(running))
}
