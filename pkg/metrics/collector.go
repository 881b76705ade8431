package metrics

import "time"

// Source is whatever the collector polls for periodic gauge updates. It is
// satisfied by *pkg/engine.Database without pkg/metrics importing pkg/engine
// (which itself imports pkg/metrics to record counters inline).
type Source interface {
	StoreKeyCount() int
}

// Collector periodically polls a Source to refresh gauge metrics that are
// cheaper to sample on a timer than to update on every mutation.
type Collector struct {
	source Source
	stopCh chan struct{}
}

// NewCollector creates a new metrics collector over source.
func NewCollector(source Source) *Collector {
	return &Collector{
		source: source,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting metrics on a 15-second tick.
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

// Stop stops the collector.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	StoreKeys.Set(float64(c.source.StoreKeyCount()))
}
