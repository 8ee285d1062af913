// Copyright 2024 The Chaff Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0

package boot

import (
	"context"
	"fmt"
	"net"

	"github.com/go-logr/logr"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// HealthService is a manager.Runnable exposing kernel liveness over
// the standard gRPC health-checking protocol, reported to the bring-up
// manager the way cmd/main.go exposes healthz/readyz for the resource
// store and intake worker.
type HealthService struct {
	logger logr.Logger
	addr   string
	server *health.Server
}

// NewHealthService returns a HealthService that will listen on addr
// once started.
func NewHealthService(logger logr.Logger, addr string) *HealthService {
	return &HealthService{
		logger: logger.WithName("health"),
		addr:   addr,
		server: health.NewServer(),
	}
}

// Start implements manager.Runnable. It reports SERVING for the empty
// (overall) service as soon as the listener is up, and NOT_SERVING
// once ctx is canceled, before the gRPC server itself stops.
func (h *HealthService) Start(ctx context.Context) error {
	lis, err := net.Listen("tcp", h.addr)
	if err != nil {
		return fmt.Errorf("boot: health service listen on %s: %w", h.addr, err)
	}

	grpcServer := grpc.NewServer()
	healthpb.RegisterHealthServer(grpcServer, h.server)
	h.server.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	errCh := make(chan error, 1)
	go func() { errCh <- grpcServer.Serve(lis) }()

	h.logger.Info("health service listening", "address", h.addr)

	select {
	case <-ctx.Done():
		h.server.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
		grpcServer.GracefulStop()
		return nil
	case err := <-errCh:
		return err
	}
}
