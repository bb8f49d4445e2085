package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	KernelLaunchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "lite_kernel_launch_duration_seconds",
		Help:    "Histogram of kernel launch times",
		Buckets: prometheus.ExponentialBuckets(1e-6, 4, 12),
	}, []string{"kernel"})

	KernelPrepareTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lite_kernel_prepare_total",
		Help: "Total number of kernel preparations (operand packing and scale derivation)",
	}, []string{"kernel"})

	PackedBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lite_packed_operand_bytes_total",
		Help: "Bytes written by operand prepacking",
	}, []string{"operand"})

	PassDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "lite_pass_duration_seconds",
		Help:    "Duration of each optimizer pass",
		Buckets: prometheus.ExponentialBuckets(1e-5, 4, 10),
	}, []string{"pass"})

	CastNodesInserted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lite_cast_nodes_inserted_total",
		Help: "Conversion nodes inserted by cast passes",
	}, []string{"kind"})

	PlanBuilds = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lite_plan_builds_total",
		Help: "Execution plan builds by result",
	}, []string{"result"})

	PlanRunDuration = promauto.NewSummary(prometheus.SummaryOpts{
		Name: "lite_plan_run_duration_seconds",
		Help: "Duration of a full plan run",
	})

	TensorBytesAllocated = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "lite_tensor_bytes_allocated",
		Help: "Current bytes held by tensor buffers",
	})

	WorkspaceBytes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "lite_context_workspace_bytes",
		Help: "Workspace size of each execution context",
	}, []string{"context"})

	NumericDeviations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lite_numeric_deviation_total",
		Help: "Validation comparisons that exceeded tolerance",
	}, []string{"check"})

	NumericComparisons = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lite_numeric_comparisons_total",
		Help: "Validation comparisons performed",
	}, []string{"check"})

	ValidationErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lite_validation_errors_total",
		Help: "Total number of configuration and shape errors",
	}, []string{"operation", "error_type"})

	BenchGOPS = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "lite_bench_gops",
		Help: "Throughput of the latest benchmark run in GOPS",
	}, []string{"bench"})
)

func RecordKernelLaunch(kernel string, duration time.Duration) {
	KernelLaunchDuration.WithLabelValues(kernel).Observe(duration.Seconds())
}

func RecordKernelPrepare(kernel string) {
	KernelPrepareTotal.WithLabelValues(kernel).Inc()
}

func RecordPacked(operand string, bytes int) {
	PackedBytes.WithLabelValues(operand).Add(float64(bytes))
}

func RecordPass(pass string, duration time.Duration) {
	PassDuration.WithLabelValues(pass).Observe(duration.Seconds())
}

func RecordCastInserted(kind string) {
	CastNodesInserted.WithLabelValues(kind).Inc()
}

func RecordPlanBuild(err error) {
	if err != nil {
		PlanBuilds.WithLabelValues("error").Inc()
		return
	}
	PlanBuilds.WithLabelValues("ok").Inc()
}

func RecordPlanRun(duration time.Duration) {
	PlanRunDuration.Observe(duration.Seconds())
}

func RecordTensorBytes(bytes int64) {
	TensorBytesAllocated.Set(float64(bytes))
}

func RecordWorkspace(context string, bytes int) {
	WorkspaceBytes.WithLabelValues(context).Set(float64(bytes))
}

// RecordComparison counts a validation comparison and, when it failed, a
// numeric deviation.
func RecordComparison(check string, passed bool) {
	NumericComparisons.WithLabelValues(check).Inc()
	if !passed {
		NumericDeviations.WithLabelValues(check).Inc()
	}
}

func RecordValidationError(operation, errorType string) {
	ValidationErrors.WithLabelValues(operation, errorType).Inc()
}

func RecordBench(name string, gops float64) {
	BenchGOPS.WithLabelValues(name).Set(gops)
}
