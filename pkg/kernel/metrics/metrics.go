// Copyright 2024 The Chaff Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0

// Package metrics publishes kernel-core runtime state as prometheus
// gauges and counters, registered into controller-runtime's shared
// metrics registry the same way cmd/main.go's metrics server exposes
// it, rather than opening a second HTTP listener.
package metrics

import (
	"context"
	"time"

	"github.com/chaffkernel/chaff/pkg/kernel/bcache"
	"github.com/chaffkernel/chaff/pkg/kernel/mm/phys"
	"github.com/chaffkernel/chaff/pkg/kernel/proc"
	"github.com/chaffkernel/chaff/pkg/kernel/sched"
	"github.com/chaffkernel/chaff/pkg/kernel/signal"
	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	ctrlmetrics "sigs.k8s.io/controller-runtime/pkg/metrics"
)

var (
	freePages = promauto.With(ctrlmetrics.Registry).NewGauge(prometheus.GaugeOpts{
		Name: "chaff_phys_free_pages",
		Help: "Free physical page frames across all zones.",
	})
	totalPages = promauto.With(ctrlmetrics.Registry).NewGauge(prometheus.GaugeOpts{
		Name: "chaff_phys_total_pages",
		Help: "Physical page frames under management.",
	})
	runQueueDepth = promauto.With(ctrlmetrics.Registry).NewGauge(prometheus.GaugeOpts{
		Name: "chaff_sched_run_queue_depth",
		Help: "Runnable threads currently waiting in the scheduler's run queue.",
	})
	zombieCount = promauto.With(ctrlmetrics.Registry).NewGauge(prometheus.GaugeOpts{
		Name: "chaff_proc_zombie_count",
		Help: "Processes exited but not yet reaped.",
	})
	signalsDelivered = promauto.With(ctrlmetrics.Registry).NewCounter(prometheus.CounterOpts{
		Name: "chaff_signal_delivered_total",
		Help: "Signals picked off a pending set by DeliverPending.",
	})
	bcacheHits = promauto.With(ctrlmetrics.Registry).NewGaugeVec(prometheus.GaugeOpts{
		Name: "chaff_bcache_hits_total",
		Help: "Block cache reads served from a cached entry, by device.",
	}, []string{"device"})
	bcacheMisses = promauto.With(ctrlmetrics.Registry).NewGaugeVec(prometheus.GaugeOpts{
		Name: "chaff_bcache_misses_total",
		Help: "Block cache reads that went to the device, by device.",
	}, []string{"device"})
)

// NamedCache pairs a block cache with the device name it reports under.
type NamedCache struct {
	Device string
	Cache  *bcache.Cache
}

// Sources is the set of kernel-core components Sampler reads from. Any
// field may be nil; Sampler skips the gauges it has no source for.
type Sources struct {
	Phys    *phys.Allocator
	Sched   *sched.Scheduler
	Proc    *proc.Manager
	Signal  *signal.Subsystem
	BCaches []NamedCache
}

// Sampler is a controller-runtime manager.Runnable that polls Sources
// on a fixed interval and republishes them as prometheus metrics,
// mirroring the ticker-driven sampling loop pkg/performance's
// ContinuousPointCollector runs for its own collectors.
type Sampler struct {
	logger   logr.Logger
	sources  Sources
	interval time.Duration

	lastDelivered uint64
}

// NewSampler returns a Sampler that samples sources every interval.
func NewSampler(logger logr.Logger, sources Sources, interval time.Duration) *Sampler {
	return &Sampler{
		logger:   logger.WithName("metrics"),
		sources:  sources,
		interval: interval,
	}
}

// Start implements controller-runtime's manager.Runnable. It samples
// once immediately, then on every tick, until ctx is canceled.
func (s *Sampler) Start(ctx context.Context) error {
	s.sample()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.sample()
		case <-ctx.Done():
			return nil
		}
	}
}

func (s *Sampler) sample() {
	s.logger.V(1).Info("sampling kernel metrics")

	if a := s.sources.Phys; a != nil {
		st := a.Stats()
		freePages.Set(float64(st.FreePages))
		totalPages.Set(float64(st.TotalPages))
	}
	if sc := s.sources.Sched; sc != nil {
		runQueueDepth.Set(float64(sc.RunQueueLen()))
	}
	if p := s.sources.Proc; p != nil {
		zombieCount.Set(float64(p.ZombieCount()))
	}
	if sub := s.sources.Signal; sub != nil {
		// DeliveredCount is cumulative; Counter.Add requires a
		// monotonic delta, so republish via Set-style accumulation
		// is not possible on a Counter. Instead the sampler tracks
		// the last value it saw to compute the delta since the
		// previous sample.
		s.addSignalDelta(sub.DeliveredCount())
	}
	for _, nc := range s.sources.BCaches {
		if nc.Cache == nil {
			continue
		}
		st := nc.Cache.Stats()
		bcacheHits.WithLabelValues(nc.Device).Set(float64(st.Hits))
		bcacheMisses.WithLabelValues(nc.Device).Set(float64(st.Misses))
	}
}

func (s *Sampler) addSignalDelta(total uint64) {
	if total < s.lastDelivered {
		// The subsystem was recreated with a fresh counter; resync
		// rather than underflow the delta.
		s.lastDelivered = 0
	}
	signalsDelivered.Add(float64(total - s.lastDelivered))
	s.lastDelivered = total
}
