// Copyright 2024 The Chaff Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0

// Command chaffd brings up the kernel core (physical allocator, paging,
// address spaces, the scheduler, process/signal subsystems, devfs, and
// the block cache) under a controller-runtime Manager.
package main

import (
	"flag"
	"os"
	"time"

	"github.com/chaffkernel/chaff/pkg/kernel/boot"
	"github.com/chaffkernel/chaff/pkg/kernel/config"
	"github.com/chaffkernel/chaff/pkg/kernel/mm/phys"
	"github.com/go-logr/logr"
	"k8s.io/client-go/rest"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/healthz"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"
	metricsserver "sigs.k8s.io/controller-runtime/pkg/metrics/server"
)

var (
	setupLog logr.Logger

	pageSize              int
	dmaFrames             int
	kernelFrames          int
	totalFrames           int
	kvaSize               int
	blockSize             int
	quantumTicks          int
	metricsSampleInterval time.Duration
	evictionInterval      time.Duration

	metricsAddr string
	probeAddr   string
	healthAddr  string
	pprofAddr   string
)

func init() {
	defaults := config.Default()

	flag.IntVar(&pageSize, "page-size", defaults.Phys.PageSize, "Physical page size in bytes")
	flag.IntVar(&dmaFrames, "dma-frames", defaults.Phys.DMAFrames, "Number of frames in the DMA zone")
	flag.IntVar(&kernelFrames, "kernel-frames", defaults.Phys.KernelFrames, "Number of frames in the Kernel zone")
	flag.IntVar(&totalFrames, "total-frames", defaults.Phys.TotalFrames, "Total physical frames under management")
	flag.IntVar(&kvaSize, "kva-size", defaults.KVASize, "Kernel virtual address arena size in bytes")
	flag.IntVar(&blockSize, "block-size", defaults.BlockCacheBlockSize, "Block cache block size in bytes")
	flag.IntVar(&quantumTicks, "quantum-ticks", defaults.QuantumTicks, "Scheduler timer ticks per quantum")
	flag.DurationVar(&metricsSampleInterval, "metrics-sample-interval", defaults.MetricsSampleInterval,
		"How often pkg/kernel/metrics re-polls the running kernel")
	flag.DurationVar(&evictionInterval, "eviction-interval", defaults.EvictionInterval,
		"How often the block cache eviction sweeper reclaims unlocked entries")

	flag.StringVar(&metricsAddr, "metrics-bind-address", ":8080",
		"The address the metric endpoint binds to. Set this to '0' to disable the metrics server")
	flag.StringVar(&probeAddr, "health-probe-bind-address", ":8081",
		"The address the probe endpoint binds to. Set this to '0' to disable the health probe server")
	flag.StringVar(&healthAddr, "kernel-health-address", defaults.HealthBindAddress,
		"The address the gRPC kernel liveness service binds to")
	flag.StringVar(&pprofAddr, "pprof-address", "0",
		"The address the pprof server binds to. Set this to '0' to disable the pprof server")

	opts := zap.Options{}
	opts.BindFlags(flag.CommandLine)
	flag.Parse()

	ctrl.SetLogger(zap.New(zap.UseFlagOptions(&opts)))
	setupLog = ctrl.Log.WithName("setup")
}

func main() {
	ctx := ctrl.SetupSignalHandler()

	cfg := config.KernelConfig{
		Phys: phys.Config{
			PageSize:     pageSize,
			DMAFrames:    dmaFrames,
			KernelFrames: kernelFrames,
			TotalFrames:  totalFrames,
		},
		KVASize:               kvaSize,
		BlockCacheBlockSize:   blockSize,
		QuantumTicks:          quantumTicks,
		MetricsSampleInterval: metricsSampleInterval,
		EvictionInterval:      evictionInterval,
		HealthBindAddress:     healthAddr,
	}

	// This binary never issues a Kubernetes API call; controller-runtime's
	// manager only performs discovery lazily, on first client/cache use, so
	// a stub rest.Config is enough to stand up the Manager for its
	// Runnable/healthz/metrics bring-up machinery.
	mgr, err := ctrl.NewManager(&rest.Config{}, ctrl.Options{
		Metrics:                metricsserver.Options{BindAddress: metricsAddr},
		HealthProbeBindAddress: probeAddr,
		PprofBindAddress:       pprofAddr,
	})
	if err != nil {
		setupLog.Error(err, "unable to start manager")
		os.Exit(1)
	}

	sys, err := boot.NewSystem(mgr.GetLogger(), cfg)
	if err != nil {
		setupLog.Error(err, "unable to bring up kernel core")
		os.Exit(1)
	}
	defer sys.Close()

	if err := sys.AddToManager(mgr); err != nil {
		setupLog.Error(err, "unable to register kernel subsystems")
		os.Exit(1)
	}

	if err := mgr.AddHealthzCheck("healthz", healthz.Ping); err != nil {
		setupLog.Error(err, "unable to set up health check")
		os.Exit(1)
	}
	if err := mgr.AddReadyzCheck("readyz", healthz.Ping); err != nil {
		setupLog.Error(err, "unable to set up ready check")
		os.Exit(1)
	}

	setupLog.Info("starting kernel core")
	if err := mgr.Start(ctx); err != nil {
		setupLog.Error(err, "problem running manager")
		os.Exit(1)
	}
}
