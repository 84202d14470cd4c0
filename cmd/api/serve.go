package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"

	"authcore.dev/internal/grpcauthz"
	"authcore.dev/internal/httpapi"
	"authcore.dev/internal/obs"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP and gRPC servers",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("http-addr", "", "HTTP bind address (env: AUTHCORE_HTTP_ADDR)")
	serveCmd.Flags().String("grpc-addr", "", "gRPC bind address, empty disables gRPC (env: AUTHCORE_GRPC_ADDR)")
}

func runServe(cmd *cobra.Command, args []string) error {
	if v, _ := cmd.Flags().GetString("http-addr"); v != "" {
		cfg.HTTP.Addr = v
	}
	if cmd.Flags().Changed("grpc-addr") {
		cfg.GRPC.Addr, _ = cmd.Flags().GetString("grpc-addr")
	}

	obs.Init()
	obs.InitBuildInfo(version, commit)
	logger := obs.Logger()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	d, err := build(ctx, cfg)
	if err != nil {
		return err
	}
	defer d.Close()

	trusted, err := cfg.HTTP.TrustedProxyPrefixes()
	if err != nil {
		return err
	}
	opts := []httpapi.Option{
		httpapi.WithVersion(version),
		httpapi.WithMaxBodyBytes(cfg.HTTP.MaxBodyBytes),
		httpapi.WithAllowedOrigins(cfg.HTTP.AllowedOrigins),
		httpapi.WithLoginRateLimit(cfg.HTTP.LoginBurst, cfg.HTTP.LoginPerSecond),
		httpapi.WithTrustedProxies(trusted),
	}
	if d.sql != nil {
		opts = append(opts, httpapi.WithReadyProbe(d.sql))
	}
	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           httpapi.New(d.engine, opts...).Handler(),
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		ReadHeaderTimeout: cfg.HTTP.ReadTimeout,
		WriteTimeout:      cfg.HTTP.WriteTimeout,
		IdleTimeout:       cfg.HTTP.IdleTimeout,
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("http_listening", slog.String("addr", srv.Addr), slog.String("version", version))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http: %w", err)
		}
	}()

	var grpcSrv *grpc.Server
	if cfg.GRPC.Addr != "" {
		lis, err := net.Listen("tcp", cfg.GRPC.Addr)
		if err != nil {
			_ = srv.Close()
			return fmt.Errorf("grpc listen: %w", err)
		}
		grpcSrv, _ = grpcauthz.NewServer(d.engine, grpcauthz.ServiceResolver{
			Overrides: cfg.GRPC.Systems,
			Skip:      cfg.GRPC.Skip,
		})
		go func() {
			logger.Info("grpc_listening", slog.String("addr", cfg.GRPC.Addr))
			if err := grpcSrv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				errCh <- fmt.Errorf("grpc: %w", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		logger.Info("shutting_down")
	case err = <-errCh:
		logger.Error("server_failed", slog.String("error", err.Error()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if grpcSrv != nil {
		grpcSrv.GracefulStop()
	}
	if shutdownErr := srv.Shutdown(shutdownCtx); shutdownErr != nil {
		logger.Error("http_shutdown", slog.String("error", shutdownErr.Error()))
	}
	logger.Info("stopped")
	return err
}
