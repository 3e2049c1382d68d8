package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/manojlds/heimdall/internal/gateway/httpapi"
)

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Serve the sandbox tools over HTTP",
	RunE:  runGateway,
}

func runGateway(cmd *cobra.Command, _ []string) error {
	rt, err := buildRuntime()
	if err != nil {
		return err
	}
	defer rt.close()

	metricsPath := "/metrics"
	if rt.cfg.Observability != nil && rt.cfg.Observability.Metrics != nil && rt.cfg.Observability.Metrics.Path != "" {
		metricsPath = rt.cfg.Observability.Metrics.Path
	}

	gw := httpapi.NewGateway(httpapi.Config{
		ListenAddr:  rt.cfg.Gateway.Addr,
		APIKey:      rt.cfg.Gateway.APIKey,
		Metrics:     rt.metrics,
		MetricsPath: metricsPath,
		Tracer:      rt.tracer,
		Health:      rt.health,
		Audit:       rt.auditor,
	}, rt.registry, rt.logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- gw.Start(ctx) }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return gw.Stop(shutdownCtx)
	}
}
