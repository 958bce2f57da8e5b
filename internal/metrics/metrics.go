// Package metrics holds the per-pipeline Prometheus counters and a cheap
// in-process snapshot of the same values for the stats API.
package metrics

import (
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "sluice"

// Stats is a point-in-time copy of the pipeline counters.
type Stats struct {
	RecordsIn        int64            `json:"records_in"`
	UDFSuccess       int64            `json:"udf_success"`
	UDFFailure       int64            `json:"udf_failure"`
	UDFReloadFailure int64            `json:"udf_reload_failure"`
	UDFReloads       int64            `json:"udf_reloads"`
	ConvertSuccess   int64            `json:"convert_success"`
	ConvertFailure   int64            `json:"convert_failure"`
	SinkCommitted    int64            `json:"sink_committed"`
	SinkRejected     int64            `json:"sink_rejected"`
	SinkRetries      int64            `json:"sink_retries"`
	DeadLetters      map[string]int64 `json:"dead_letters"`
}

// Pipeline owns a private registry so several pipelines (and tests) never
// collide on metric names.
type Pipeline struct {
	Registry *prometheus.Registry

	recordsIn     *prometheus.CounterVec
	udf           *prometheus.CounterVec
	udfReloads    *prometheus.CounterVec
	convert       *prometheus.CounterVec
	sinkRows      *prometheus.CounterVec
	sinkRetries   prometheus.Counter
	deadLetters   *prometheus.CounterVec
	flushDuration prometheus.Histogram
	snapshots     *prometheus.CounterVec

	nRecordsIn, nUDFOK, nUDFErr, nReloadErr, nReloadOK atomic.Int64
	nConvOK, nConvErr, nCommitted, nRejected, nRetries atomic.Int64
	nDLUDF, nDLConvert, nDLSink                        atomic.Int64
}

func New() *Pipeline {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Pipeline{
		Registry: reg,
		recordsIn: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_in_total",
			Help:      "Records received from sources",
		}, []string{"source"}),
		udf: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "udf_records_total",
			Help:      "UDF invocations by outcome",
		}, []string{"status"}),
		udfReloads: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "udf_reloads_total",
			Help:      "UDF source reload attempts that changed content, by outcome",
		}, []string{"status"}),
		convert: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "convert_records_total",
			Help:      "Row conversions by outcome",
		}, []string{"status"}),
		sinkRows: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sink_rows_total",
			Help:      "Rows handled by the sink by outcome",
		}, []string{"status"}),
		sinkRetries: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sink_retries_total",
			Help:      "Transient sink errors that were retried",
		}),
		deadLetters: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dead_letters_total",
			Help:      "Dead-letter records written by failing stage",
		}, []string{"stage"}),
		flushDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sink_flush_duration_seconds",
			Help:      "Duration of sink batch flushes",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		}),
		snapshots: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backup_snapshots_total",
			Help:      "Database snapshot steps by outcome",
		}, []string{"status"}),
	}
}

// Handler serves this pipeline's registry.
func (p *Pipeline) Handler() http.Handler {
	return promhttp.HandlerFor(p.Registry, promhttp.HandlerOpts{Registry: p.Registry})
}

func (p *Pipeline) RecordIn(source string) {
	p.recordsIn.WithLabelValues(source).Inc()
	p.nRecordsIn.Add(1)
}

func (p *Pipeline) UDFSucceeded() {
	p.udf.WithLabelValues("success").Inc()
	p.nUDFOK.Add(1)
}

func (p *Pipeline) UDFFailed() {
	p.udf.WithLabelValues("failure").Inc()
	p.nUDFErr.Add(1)
}

func (p *Pipeline) UDFReloaded() {
	p.udfReloads.WithLabelValues("success").Inc()
	p.nReloadOK.Add(1)
}

func (p *Pipeline) UDFReloadFailed() {
	p.udfReloads.WithLabelValues("failure").Inc()
	p.nReloadErr.Add(1)
}

func (p *Pipeline) ConvertSucceeded() {
	p.convert.WithLabelValues("success").Inc()
	p.nConvOK.Add(1)
}

func (p *Pipeline) ConvertFailed() {
	p.convert.WithLabelValues("failure").Inc()
	p.nConvErr.Add(1)
}

func (p *Pipeline) RowsCommitted(n int) {
	if n <= 0 {
		return
	}
	p.sinkRows.WithLabelValues("committed").Add(float64(n))
	p.nCommitted.Add(int64(n))
}

func (p *Pipeline) RowRejected() {
	p.sinkRows.WithLabelValues("rejected").Inc()
	p.nRejected.Add(1)
}

func (p *Pipeline) SinkRetried() {
	p.sinkRetries.Inc()
	p.nRetries.Add(1)
}

func (p *Pipeline) ObserveFlush(seconds float64) {
	p.flushDuration.Observe(seconds)
}

func (p *Pipeline) DeadLettered(stage string) {
	p.deadLetters.WithLabelValues(stage).Inc()
	switch stage {
	case "udf":
		p.nDLUDF.Add(1)
	case "convert":
		p.nDLConvert.Add(1)
	case "sink":
		p.nDLSink.Add(1)
	}
}

func (p *Pipeline) ObserveSnapshot(status string) {
	p.snapshots.WithLabelValues(status).Inc()
}

// Snapshot copies the current counter values.
func (p *Pipeline) Snapshot() Stats {
	return Stats{
		RecordsIn:        p.nRecordsIn.Load(),
		UDFSuccess:       p.nUDFOK.Load(),
		UDFFailure:       p.nUDFErr.Load(),
		UDFReloadFailure: p.nReloadErr.Load(),
		UDFReloads:       p.nReloadOK.Load(),
		ConvertSuccess:   p.nConvOK.Load(),
		ConvertFailure:   p.nConvErr.Load(),
		SinkCommitted:    p.nCommitted.Load(),
		SinkRejected:     p.nRejected.Load(),
		SinkRetries:      p.nRetries.Load(),
		DeadLetters: map[string]int64{
			"udf":     p.nDLUDF.Load(),
			"convert": p.nDLConvert.Load(),
			"sink":    p.nDLSink.Load(),
		},
	}
}
