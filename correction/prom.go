package correction

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	correctionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "windage_corrections_total",
		Help: "Total number of unified correction calls",
	})

	sequencesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "windage_sequences_total",
		Help: "Total number of sequences processed",
	})

	validTokensTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "windage_valid_tokens_total",
		Help: "Total number of valid (non-padding) tokens processed",
	})

	vetoFraction = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "windage_veto_fraction",
		Help: "Fraction of sequences vetoed in the last correction call",
	})

	mismatchKL = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "windage_mismatch_kl",
		Help: "Direct KL estimate between rollout and training policies from the last call",
	})

	effSampleSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "windage_eff_sample_size",
		Help: "Effective sample size of the IS weights from the last call",
	})

	correctionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "windage_correction_duration_seconds",
		Help:    "Time spent in the unified correction pipeline",
		Buckets: prometheus.DefBuckets,
	})
)

func observeApply(metrics Metrics, sequences, validTokens int, elapsed time.Duration) {
	correctionsTotal.Inc()
	sequencesTotal.Add(float64(sequences))
	validTokensTotal.Add(float64(validTokens))
	correctionDuration.Observe(elapsed.Seconds())

	vetoFraction.Set(metrics["rollout_is_veto_fraction"])
	if v, ok := metrics["mismatch_kl"]; ok {
		mismatchKL.Set(v)
	}
	if v, ok := metrics["rollout_is_eff_sample_size"]; ok {
		effSampleSize.Set(v)
	}
}
