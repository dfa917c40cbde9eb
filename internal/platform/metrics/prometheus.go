// Package metrics はパイプラインの各段階のメトリクスを Prometheus に公開します
package metrics

import (
	"net/http"
	"strconv"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	promhttp "github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jinford/product-rag/internal/core/batch"
	"github.com/jinford/product-rag/internal/core/catalog"
	"github.com/jinford/product-rag/internal/core/llm"
	"github.com/jinford/product-rag/internal/core/normalize"
	"github.com/jinford/product-rag/internal/core/validation"
)

const namespace = "product_rag"

// Recorder は各コアパッケージの Recorder インターフェースをまとめて実装します
type Recorder struct {
	registry *prom.Registry

	providerTotal   *prom.CounterVec
	providerSeconds *prom.HistogramVec
	mirrorTotal     *prom.CounterVec
	typeTotal       *prom.CounterVec
	extractTotal    *prom.CounterVec
	batchRows       *prom.CounterVec
	batchSeconds    prom.Histogram
	validationRows  *prom.CounterVec
}

var (
	_ llm.Recorder           = (*Recorder)(nil)
	_ catalog.MirrorRecorder = (*Recorder)(nil)
	_ normalize.Recorder     = (*Recorder)(nil)
	_ batch.Recorder         = (*Recorder)(nil)
	_ validation.Recorder    = (*Recorder)(nil)
)

// New は専用レジストリに登録済みの Recorder を作成します
func New() *Recorder {
	r := &Recorder{
		registry: prom.NewRegistry(),
		providerTotal: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "provider_calls_total",
			Help:      "Total number of embedding and completion calls",
		}, []string{"op", "success"}),
		providerSeconds: prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: namespace,
			Name:      "provider_call_seconds",
			Help:      "Embedding and completion call duration in seconds",
			Buckets:   prom.DefBuckets,
		}, []string{"op", "success"}),
		mirrorTotal: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "index_mirror_total",
			Help:      "Total number of vector index mirror writes",
		}, []string{"collection", "op", "success"}),
		typeTotal: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "type_determinations_total",
			Help:      "Total number of type determinations by outcome",
		}, []string{"known"}),
		extractTotal: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "extractions_total",
			Help:      "Total number of structured output extractions",
		}, []string{"success"}),
		batchRows: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "batch_rows_total",
			Help:      "Total number of rows processed by batch runs",
		}, []string{"status"}),
		batchSeconds: prom.NewHistogram(prom.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_seconds",
			Help:      "Batch run duration in seconds",
			Buckets:   prom.ExponentialBuckets(0.5, 2, 12),
		}),
		validationRows: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "validation_rows_total",
			Help:      "Total number of validated rows by result",
		}, []string{"result"}),
	}

	r.registry.MustRegister(
		r.providerTotal, r.providerSeconds, r.mirrorTotal,
		r.typeTotal, r.extractTotal,
		r.batchRows, r.batchSeconds, r.validationRows,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// Handler は /metrics 用のハンドラを返します
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

func (r *Recorder) ObserveProviderCall(op string, success bool, seconds float64) {
	labels := []string{op, strconv.FormatBool(success)}
	r.providerTotal.WithLabelValues(labels...).Inc()
	r.providerSeconds.WithLabelValues(labels...).Observe(seconds)
}

func (r *Recorder) IncIndexMirror(collection, op string, success bool) {
	r.mirrorTotal.WithLabelValues(collection, op, strconv.FormatBool(success)).Inc()
}

func (r *Recorder) ObserveTypeDetermination(known bool) {
	r.typeTotal.WithLabelValues(strconv.FormatBool(known)).Inc()
}

func (r *Recorder) ObserveExtraction(success bool) {
	r.extractTotal.WithLabelValues(strconv.FormatBool(success)).Inc()
}

func (r *Recorder) ObserveBatch(rows, failed int, seconds float64) {
	r.batchRows.WithLabelValues("ok").Add(float64(rows - failed))
	r.batchRows.WithLabelValues("failed").Add(float64(failed))
	r.batchSeconds.Observe(seconds)
}

func (r *Recorder) ObserveValidation(matched, mismatched int) {
	r.validationRows.WithLabelValues("matched").Add(float64(matched))
	r.validationRows.WithLabelValues("mismatched").Add(float64(mismatched))
}
