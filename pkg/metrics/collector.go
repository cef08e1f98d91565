package metrics

import (
	"time"

	"github.com/cert-ee/cuckoonode/pkg/pool"
)

// Collector periodically samples the Machine Pool and publishes gauge
// metrics from it. Per-event counters (actions, uploads, tasks) are updated
// directly by their owning components as they happen; this collector only
// covers state that has to be recomputed from a snapshot.
type Collector struct {
	pool   *pool.Pool
	stopCh chan struct{}
}

// NewCollector creates a metrics collector over p.
func NewCollector(p *pool.Pool) *Collector {
	return &Collector{pool: p, stopCh: make(chan struct{})}
}

// Start begins periodic collection in the background.
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
	machines := c.pool.List()

	counts := make(map[string]int)
	disabled := 0
	for _, m := range machines {
		counts[string(m.State)]++
		if m.Disabled {
			disabled++
		}
	}
	for state, n := range counts {
		MachinesTotal.WithLabelValues(state).Set(float64(n))
	}
	MachinesDisabled.Set(float64(disabled))
}
