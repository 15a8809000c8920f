package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	OpDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "forge_op_duration_seconds",
		Help:    "Histogram of operator execution times by op and device",
		Buckets: prometheus.ExponentialBuckets(1e-6, 4, 12),
	}, []string{"op", "device"})

	OpUnsupported = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "forge_op_unsupported_total",
		Help: "Op invocations rejected by every registered device",
	}, []string{"op"})

	TensorMigrations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "forge_tensor_migrations_total",
		Help: "Operand tensors moved between devices before an op",
	}, []string{"from", "to"})

	// ===== Accelerator Metrics =====

	NPUTilesDispatched = promauto.NewCounter(prometheus.CounterOpts{
		Name: "forge_npu_tiles_dispatched_total",
		Help: "Inner-product tile commands issued to accelerator cores",
	})

	NPUWaves = promauto.NewCounter(prometheus.CounterOpts{
		Name: "forge_npu_waves_total",
		Help: "Dispatch waves issued to the accelerator",
	})

	NPUMemoryAllocated = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "forge_npu_memory_allocated_bytes",
		Help: "Current bytes allocated on the accelerator",
	})

	NPUAllocFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "forge_npu_alloc_failures_total",
		Help: "Accelerator allocations rejected for lack of memory",
	})

	WeightCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "forge_weight_cache_hits_total",
		Help: "Linear calls served from resident weight tiles",
	})

	WeightCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "forge_weight_cache_misses_total",
		Help: "Linear calls that retiled and uploaded a weight",
	})

	WeightCacheEntries = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "forge_weight_cache_entries",
		Help: "Weights currently resident on the accelerator",
	})

	TilePlanLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "forge_tile_plan_lookups_total",
		Help: "Tile plan lookups by outcome",
	}, []string{"result"})

	KernelDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "forge_kernel_duration_seconds",
		Help:    "Histogram of kernel phase execution times",
		Buckets: prometheus.DefBuckets,
	}, []string{"kernel"})

	// ===== KV Cache Metrics =====

	KVCacheCapacityTokens = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "forge_kv_cache_capacity_tokens",
		Help:    "KV cache capacity after each expansion",
		Buckets: []float64{64, 128, 256, 512, 1024, 2048, 4096, 8192, 16384},
	})

	KVCacheExpansions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "forge_kv_cache_expansions_total",
		Help: "Number of in-place KV cache expansions",
	})

	KVCacheAppends = promauto.NewCounter(prometheus.CounterOpts{
		Name: "forge_kv_cache_appends_total",
		Help: "Number of KV cache append operations",
	})

	KVCacheTokens = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "forge_kv_cache_tokens",
		Help: "Tokens held by the most recently updated KV cache",
	})

	// ===== Generation Metrics =====

	TokensGenerated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "forge_tokens_generated_total",
		Help: "The total number of tokens selected",
	})

	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "forge_active_sessions",
		Help: "Generation sessions currently holding KV caches",
	})

	// ===== Transport Metrics =====

	FlightTensors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "forge_flight_tensors_total",
		Help: "Tensors moved over Arrow Flight",
	}, []string{"direction"})

	FlightBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "forge_flight_bytes_total",
		Help: "Tensor payload bytes moved over Arrow Flight",
	}, []string{"direction"})
)

func RecordOp(op, device string, duration time.Duration) {
	OpDuration.WithLabelValues(op, device).Observe(duration.Seconds())
}

func RecordUnsupportedOp(op string) {
	OpUnsupported.WithLabelValues(op).Inc()
}

func RecordMigration(from, to string) {
	TensorMigrations.WithLabelValues(from, to).Inc()
}

func RecordNPUMemory(bytes int64) {
	NPUMemoryAllocated.Set(float64(bytes))
}

func RecordWave(tiles int) {
	NPUWaves.Inc()
	NPUTilesDispatched.Add(float64(tiles))
}

func RecordWeightCache(hit bool, entries int) {
	if hit {
		WeightCacheHits.Inc()
	} else {
		WeightCacheMisses.Inc()
	}
	WeightCacheEntries.Set(float64(entries))
}

func RecordTilePlan(hit bool) {
	if hit {
		TilePlanLookups.WithLabelValues("hit").Inc()
		return
	}
	TilePlanLookups.WithLabelValues("miss").Inc()
}

func RecordKernelDuration(name string, duration time.Duration) {
	KernelDuration.WithLabelValues(name).Observe(duration.Seconds())
}

func RecordKVCacheExpansion(capacity int) {
	KVCacheExpansions.Inc()
	KVCacheCapacityTokens.Observe(float64(capacity))
}

func RecordKVCacheAppend(tokens int) {
	KVCacheAppends.Inc()
	KVCacheTokens.Set(float64(tokens))
}

func RecordTokens(n int) {
	TokensGenerated.Add(float64(n))
}

// RecordFlightTransfer counts one tensor of size bytes; direction is "in"
// or "out".
func RecordFlightTransfer(direction string, bytes int) {
	FlightTensors.WithLabelValues(direction).Inc()
	FlightBytes.WithLabelValues(direction).Add(float64(bytes))
}
