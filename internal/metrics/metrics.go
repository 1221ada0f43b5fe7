package metrics

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// CallStats is a point-in-time view of the call handler.
type CallStats struct {
	ActiveCalls    int
	StreamingCalls int
	PortsAllocated int
	PortsCapacity  int
	CallsAnswered  uint64
	CallsEnded     map[string]uint64 // by end reason
	Responses      map[int]uint64    // by status code
	Dropped        map[string]uint64 // by drop reason
}

// CallStatsProvider exposes call handler counters.
type CallStatsProvider interface {
	CallStats(ctx context.Context) (CallStats, error)
}

// HistoryCounter returns persisted call counts grouped by end reason.
type HistoryCounter interface {
	CountByReason(ctx context.Context) (map[string]int64, error)
}

// Collector is a prometheus.Collector that gathers metrics at scrape time.
type Collector struct {
	calls     CallStatsProvider
	history   HistoryCounter
	startTime time.Time

	activeCallsDesc    *prometheus.Desc
	streamingCallsDesc *prometheus.Desc
	portsAllocatedDesc *prometheus.Desc
	portsCapacityDesc  *prometheus.Desc
	callsAnsweredDesc  *prometheus.Desc
	callsEndedDesc     *prometheus.Desc
	responsesDesc      *prometheus.Desc
	droppedDesc        *prometheus.Desc
	historyDesc        *prometheus.Desc
	uptimeDesc         *prometheus.Desc
}

// NewCollector creates a new metrics collector. history may be nil when
// call history is disabled.
func NewCollector(calls CallStatsProvider, history HistoryCounter, startTime time.Time) *Collector {
	return &Collector{
		calls:     calls,
		history:   history,
		startTime: startTime,

		activeCallsDesc: prometheus.NewDesc(
			"holdmusic_active_calls",
			"Number of live call sessions (awaiting ack + streaming)",
			nil, nil,
		),
		streamingCallsDesc: prometheus.NewDesc(
			"holdmusic_streaming_calls",
			"Number of calls currently receiving hold music",
			nil, nil,
		),
		portsAllocatedDesc: prometheus.NewDesc(
			"holdmusic_rtp_ports_allocated",
			"Number of RTP ports owned by live calls",
			nil, nil,
		),
		portsCapacityDesc: prometheus.NewDesc(
			"holdmusic_rtp_ports_capacity",
			"Size of the configured RTP port range",
			nil, nil,
		),
		callsAnsweredDesc: prometheus.NewDesc(
			"holdmusic_calls_answered_total",
			"Total INVITEs answered with 200 OK since start",
			nil, nil,
		),
		callsEndedDesc: prometheus.NewDesc(
			"holdmusic_calls_ended_total",
			"Total calls ended since start, by reason",
			[]string{"reason"}, nil,
		),
		responsesDesc: prometheus.NewDesc(
			"holdmusic_sip_responses_total",
			"Total SIP responses sent since start, by status code",
			[]string{"code"}, nil,
		),
		droppedDesc: prometheus.NewDesc(
			"holdmusic_sip_dropped_total",
			"Total inbound SIP messages dropped without a response, by reason",
			[]string{"reason"}, nil,
		),
		historyDesc: prometheus.NewDesc(
			"holdmusic_call_history_records",
			"Calls recorded in the history database, by reason",
			[]string{"reason"}, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"holdmusic_uptime_seconds",
			"Seconds since the process started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.activeCallsDesc
	ch <- c.streamingCallsDesc
	ch <- c.portsAllocatedDesc
	ch <- c.portsCapacityDesc
	ch <- c.callsAnsweredDesc
	ch <- c.callsEndedDesc
	ch <- c.responsesDesc
	ch <- c.droppedDesc
	ch <- c.historyDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector. It queries all providers at scrape time.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if c.calls != nil {
		st, err := c.calls.CallStats(ctx)
		if err != nil {
			slog.Error("metrics: failed to read call stats", "error", err)
		} else {
			c.collectCalls(ch, st)
		}
	}

	if c.history != nil {
		counts, err := c.history.CountByReason(ctx)
		if err != nil {
			slog.Error("metrics: failed to count call history", "error", err)
		} else {
			for reason, n := range counts {
				ch <- prometheus.MustNewConstMetric(
					c.historyDesc, prometheus.GaugeValue, float64(n), reason,
				)
			}
		}
	}

	ch <- prometheus.MustNewConstMetric(
		c.uptimeDesc, prometheus.GaugeValue,
		time.Since(c.startTime).Seconds(),
	)
}

func (c *Collector) collectCalls(ch chan<- prometheus.Metric, st CallStats) {
	ch <- prometheus.MustNewConstMetric(c.activeCallsDesc, prometheus.GaugeValue, float64(st.ActiveCalls))
	ch <- prometheus.MustNewConstMetric(c.streamingCallsDesc, prometheus.GaugeValue, float64(st.StreamingCalls))
	ch <- prometheus.MustNewConstMetric(c.portsAllocatedDesc, prometheus.GaugeValue, float64(st.PortsAllocated))
	ch <- prometheus.MustNewConstMetric(c.portsCapacityDesc, prometheus.GaugeValue, float64(st.PortsCapacity))
	ch <- prometheus.MustNewConstMetric(c.callsAnsweredDesc, prometheus.CounterValue, float64(st.CallsAnswered))

	for reason, n := range st.CallsEnded {
		ch <- prometheus.MustNewConstMetric(c.callsEndedDesc, prometheus.CounterValue, float64(n), reason)
	}
	for code, n := range st.Responses {
		ch <- prometheus.MustNewConstMetric(c.responsesDesc, prometheus.CounterValue, float64(n), strconv.Itoa(code))
	}
	for reason, n := range st.Dropped {
		ch <- prometheus.MustNewConstMetric(c.droppedDesc, prometheus.CounterValue, float64(n), reason)
	}
}
