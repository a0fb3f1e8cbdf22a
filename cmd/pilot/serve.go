package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aschepis/backscratcher/pilot/runtime"
	"github.com/aschepis/backscratcher/pilot/server"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 5 * time.Second

func newServeCmd(opts *rootOptions) *cobra.Command {
	var (
		httpAddr string
		mcpStdio bool
		noHTTP   bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the shell over HTTP and MCP",
		Long: `Serve the shell over HTTP and, with --mcp, as an MCP server on stdin/stdout.
The maintenance job runs on the configured schedule while serving.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(opts)
			if err != nil {
				return err
			}
			defer a.Close()

			if cmd.Flags().Changed("http") {
				a.cfg.Server.HTTPAddr = httpAddr
			}
			if mcpStdio {
				a.cfg.Server.MCPStdio = true
			}
			if noHTTP {
				a.cfg.Server.HTTPAddr = ""
			}
			if a.cfg.Server.HTTPAddr == "" && !a.cfg.Server.MCPStdio {
				return fmt.Errorf("nothing to serve: set an HTTP address or enable --mcp")
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, a)
		},
	}
	cmd.Flags().StringVar(&httpAddr, "http", "", "HTTP listen address (overrides server.http_addr)")
	cmd.Flags().BoolVar(&mcpStdio, "mcp", false, "Serve MCP over stdin/stdout")
	cmd.Flags().BoolVar(&noHTTP, "no-http", false, "Disable the HTTP API")
	return cmd
}

func serve(ctx context.Context, a *app) error {
	deps := server.Deps{
		Service:  a.svc,
		Patterns: a.engine,
		Memory:   a.store,
		Journal:  a.journal,
		Registry: a.registry,
	}

	maintenance, err := runtime.NewMaintenance(a.store, a.engine, a.journal, runtime.MaintenanceConfig{
		Schedule:  a.cfg.Maintenance.Schedule,
		Retention: a.cfg.Retention(),
	}, a.logger)
	if err != nil {
		return err
	}

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		maintenance.Start(gCtx)
		return nil
	})

	if a.cfg.Server.HTTPAddr != "" {
		srv := server.New(server.Config{Addr: a.cfg.Server.HTTPAddr, Logger: a.logger}, deps)
		g.Go(srv.Start)
		g.Go(func() error {
			<-gCtx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Stop(shutdownCtx)
		})
	}

	if a.cfg.Server.MCPStdio {
		mcpSrv := server.NewMCPServer(deps)
		stdio := mcpserver.NewStdioServer(mcpSrv)
		g.Go(func() error {
			a.logger.Info().Msg("Serving MCP on stdio")
			if err := stdio.Listen(gCtx, os.Stdin, os.Stdout); err != nil && gCtx.Err() == nil {
				return fmt.Errorf("mcp stdio: %w", err)
			}
			// stdin closed: the MCP client went away.
			return context.Canceled
		})
	}

	a.logger.Info().
		Str("http", a.cfg.Server.HTTPAddr).
		Bool("mcp", a.cfg.Server.MCPStdio).
		Msg("pilot serving")

	err = g.Wait()
	a.logger.Info().Msg("pilot shutdown complete")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
