// Package stats exports the allocator's, swap store's and fault
// handler's counters as Prometheus gauges. Grounded on the teacher's
// stats.go Counter_t/Cycles_t (a toggleable atomic counter aggregated
// into one printable report): the atomic fields survive in
// proctab.Counters without the toggle, and the report becomes a Prometheus Collector instead of Stats2String's
// reflection-driven text dump.
package stats

import (
	"ramfault/mem"
	"ramfault/proctab"
	"ramfault/swap"

	"github.com/prometheus/client_golang/prometheus"
)

/// Collector implements prometheus.Collector over a running allocator,
/// swap store and fault counters.
type Collector struct {
	phys     *mem.Physmem_t
	store    *swap.Store
	counters *proctab.Counters

	freeFrames  *prometheus.Desc
	freeSlots   *prometheus.Desc
	cowFast     *prometheus.Desc
	cowSplit    *prometheus.Desc
	swapIns     *prometheus.Desc
	swapOuts    *prometheus.Desc
}

/// NewCollector wires phys, store and counters into one exported metric
/// family each, namespaced "ramfault".
func NewCollector(phys *mem.Physmem_t, store *swap.Store, counters *proctab.Counters) *Collector {
	return &Collector{
		phys:     phys,
		store:    store,
		counters: counters,
		freeFrames: prometheus.NewDesc("ramfault_free_frames", "Frames currently on the free list.", nil, nil),
		freeSlots:  prometheus.NewDesc("ramfault_free_swap_slots", "Swap slots currently unoccupied.", nil, nil),
		cowFast:    prometheus.NewDesc("ramfault_cow_fastpath_total", "Copy-on-write faults resolved without copying.", nil, nil),
		cowSplit:   prometheus.NewDesc("ramfault_cow_split_total", "Copy-on-write faults that allocated a new frame.", nil, nil),
		swapIns:    prometheus.NewDesc("ramfault_swap_ins_total", "Pages read back from the swap store.", nil, nil),
		swapOuts:   prometheus.NewDesc("ramfault_swap_outs_total", "Pages evicted to the swap store.", nil, nil),
	}
}

/// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.freeFrames
	ch <- c.freeSlots
	ch <- c.cowFast
	ch <- c.cowSplit
	ch <- c.swapIns
	ch <- c.swapOuts
}

/// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	snap := c.counters.Snapshot()
	ch <- prometheus.MustNewConstMetric(c.freeFrames, prometheus.GaugeValue, float64(c.phys.NumFree()))
	ch <- prometheus.MustNewConstMetric(c.freeSlots, prometheus.GaugeValue, float64(c.store.NumFree()))
	ch <- prometheus.MustNewConstMetric(c.cowFast, prometheus.CounterValue, float64(snap.CowFastPath))
	ch <- prometheus.MustNewConstMetric(c.cowSplit, prometheus.CounterValue, float64(snap.CowSplit))
	ch <- prometheus.MustNewConstMetric(c.swapIns, prometheus.CounterValue, float64(snap.SwapIns))
	ch <- prometheus.MustNewConstMetric(c.swapOuts, prometheus.CounterValue, float64(snap.SwapOuts))
}
