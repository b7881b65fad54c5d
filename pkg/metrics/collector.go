package metrics

import (
	"time"

	"github.com/cuemby/exaworker/pkg/log"
	"github.com/cuemby/exaworker/pkg/types"
)

// Source is the read side of the datastore the collector samples
type Source interface {
	ListWorkers() ([]*types.WorkerRecord, error)
	ListRequests() ([]*types.JobRequest, error)
}

// Collector periodically samples the datastore into the pool gauges
type Collector struct {
	source   Source
	interval time.Duration
	stopCh   chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(source Source, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Collector{
		source:   source,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		// Collect immediately on start
		c.Collect()

		for {
			select {
			case <-ticker.C:
				c.Collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

// Collect takes one sample
func (c *Collector) Collect() {
	c.collectWorkerMetrics()
	c.collectRequestMetrics()
}

func (c *Collector) collectWorkerMetrics() {
	workers, err := c.source.ListWorkers()
	if err != nil {
		log.Logger.Debug().Err(err).Msg("Skipping worker metrics")
		return
	}

	WorkersTotal.Reset()
	for _, w := range workers {
		WorkersTotal.WithLabelValues(string(w.Type), string(w.Status), string(w.State)).Inc()
	}
}

func (c *Collector) collectRequestMetrics() {
	requests, err := c.source.ListRequests()
	if err != nil {
		log.Logger.Debug().Err(err).Msg("Skipping request metrics")
		return
	}

	counts := map[types.JobStatus]int{
		types.JobStatusPending: 0,
		types.JobStatusRunning: 0,
		types.JobStatusDone:    0,
	}
	for _, r := range requests {
		counts[r.Status]++
	}
	for status, n := range counts {
		RequestsTotal.WithLabelValues(string(status)).Set(float64(n))
	}
}
