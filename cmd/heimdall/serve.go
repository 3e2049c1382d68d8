package main

import (
	"github.com/spf13/cobra"

	"github.com/manojlds/heimdall/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the sandbox tools over MCP stdio (default mode)",
	RunE:  runServe,
}

func runServe(_ *cobra.Command, _ []string) error {
	rt, err := buildRuntime()
	if err != nil {
		return err
	}
	defer rt.close()

	srv, err := server.New(server.Config{
		Version: version,
		Metrics: rt.metrics,
		Audit:   rt.auditor,
	}, rt.registry, rt.logger)
	if err != nil {
		return err
	}
	return srv.Serve()
}
