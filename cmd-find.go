package main

import (
	"context"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/keyhound/keyhound/pipeline"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"k8s.io/klog/v2"
)

func runFind(ctx context.Context, cfg *Config) error {
	opts := cfg.Find.PipelineOptions()
	klog.Infof("starting search: %d key sources, %d producers, store %s",
		len(opts.KeySources), len(opts.Producers), opts.StorePath)

	statsCtx, stopStats := context.WithCancel(ctx)
	defer stopStats()
	go statsReporter(statsCtx)

	return pipeline.New(opts).Run(ctx)
}

// statsReporter periodically logs the derivation rate and hit count read
// from the prometheus collectors.
func statsReporter(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	started := time.Now()
	var lastKeys float64
	lastTime := started

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			keys := counterSum("keys_derived_total")
			hits := counterSum("hits_total")
			queued := gaugeValue("batch_queue_depth")

			interval := now.Sub(lastTime).Seconds()
			rate := (keys - lastKeys) / interval
			overall := keys / now.Sub(started).Seconds()

			klog.Infof("stats: keys=%s rate=%s/s overall=%s/s hits=%d queued=%d",
				humanize.Comma(int64(keys)),
				humanize.Comma(int64(rate)),
				humanize.Comma(int64(overall)),
				int64(hits),
				int64(queued),
			)
			lastKeys = keys
			lastTime = now
		}
	}
}

func counterSum(name string) float64 {
	return metricSum(name, func(m *dto.Metric) float64 {
		if m.Counter == nil {
			return 0
		}
		return m.Counter.GetValue()
	})
}

func gaugeValue(name string) float64 {
	return metricSum(name, func(m *dto.Metric) float64 {
		if m.Gauge == nil {
			return 0
		}
		return m.Gauge.GetValue()
	})
}

func metricSum(name string, value func(*dto.Metric) float64) float64 {
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		return 0
	}
	var sum float64
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			sum += value(m)
		}
	}
	return sum
}
