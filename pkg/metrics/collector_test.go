package metrics

import (
	"testing"
	"time"

	"github.com/cert-ee/cuckoonode/pkg/pool"
	"github.com/cert-ee/cuckoonode/pkg/types"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCollectorUpdatesGauges(t *testing.T) {
	p := pool.New()
	p.Add(&types.Machine{Name: "vm1", State: types.StatePoweroff})
	p.Add(&types.Machine{Name: "vm2", State: types.StateRunning})

	c := NewCollector(p)
	c.collect()

	if got := testutil.ToFloat64(MachinesTotal.WithLabelValues("poweroff")); got != 1 {
		t.Errorf("poweroff machines = %v, want 1", got)
	}
	if got := testutil.ToFloat64(MachinesTotal.WithLabelValues("running")); got != 1 {
		t.Errorf("running machines = %v, want 1", got)
	}

	c.Start()
	time.Sleep(10 * time.Millisecond)
	c.Stop()
}
