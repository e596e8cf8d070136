package collector

import "time"

// PerformanceSnapshot is a point-in-time view of the collector's counters.
type PerformanceSnapshot struct {
	Ingested          uint64        `json:"ingested"`
	SampledOut        uint64        `json:"sampled_out"`
	Rejected          uint64        `json:"rejected"`
	OverflowDropped   uint64        `json:"overflow_dropped"`
	Flushed           uint64        `json:"flushed"`
	FlushErrors       uint64        `json:"flush_errors"`
	Flushes           uint64        `json:"flushes"`
	AlertsDropped     uint64        `json:"alerts_dropped"`
	AlertErrors       uint64        `json:"alert_errors"`
	BufferSize        int           `json:"buffer_size"`
	BufferCapacity    int           `json:"buffer_capacity"`
	ActiveMetrics     int           `json:"active_metrics"`
	LastFlush         time.Time     `json:"last_flush,omitempty"`
	LastFlushDuration time.Duration `json:"last_flush_duration"`
}

// Performance returns the current counters.
func (c *Collector) Performance() PerformanceSnapshot {
	return PerformanceSnapshot{
		Ingested:          c.counters.ingested.Load(),
		SampledOut:        c.counters.sampledOut.Load(),
		Rejected:          c.counters.rejected.Load(),
		OverflowDropped:   c.counters.overflow.Load(),
		Flushed:           c.counters.flushed.Load(),
		FlushErrors:       c.counters.flushErrors.Load(),
		Flushes:           c.counters.flushes.Load(),
		AlertsDropped:     c.counters.alertsDropped.Load(),
		AlertErrors:       c.counters.alertErrors.Load(),
		BufferSize:        c.buf.Len(),
		BufferCapacity:    c.buf.Cap(),
		ActiveMetrics:     len(c.reg.Enabled()),
		LastFlush:         c.counters.lastFlush.Load(),
		LastFlushDuration: c.counters.lastFlushDuration.Load(),
	}
}
