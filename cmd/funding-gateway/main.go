// Command funding-gateway serves the funding control plane REST API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/upb/funding-control-plane/app"
	"github.com/upb/funding-control-plane/auth"
	"github.com/upb/funding-control-plane/config"
	"github.com/upb/funding-control-plane/internal/observability"
	"github.com/upb/funding-control-plane/routes"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	issue := flag.String("issue-token", "", "print a signer token for signer:role and exit")
	ttl := flag.Duration("token-ttl", 8*time.Hour, "lifetime of tokens printed by -issue-token")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.New(ctx)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	if *issue != "" {
		token, err := issueToken(cfg, *issue, *ttl)
		if err != nil {
			log.Fatalf("failed to issue token: %v", err)
		}
		fmt.Println(token)
		return
	}

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		log.Fatalf("failed to create logger: %v", err)
	}

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("funding gateway stopped", zap.Error(err))
	}
}

// run serves until ctx is cancelled, then shuts the server and dependencies
// down within the configured timeout
func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	shutdownTracing, err := observability.SetupTracing(ctx, cfg.Observability)
	if err != nil {
		return fmt.Errorf("failed to set up tracing: %w", err)
	}

	deps, err := app.NewDependencies(ctx, cfg, logger)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.Server.Address(),
		Handler:           routes.SetupRoutes(deps),
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("funding gateway listening",
			zap.String("addr", srv.Addr),
			zap.String("environment", cfg.Environment),
			zap.Bool("tls", cfg.Server.TLS.Enabled))
		var err error
		if cfg.Server.TLS.Enabled {
			err = srv.ListenAndServeTLS(cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down funding gateway")
		sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		err := srv.Shutdown(sctx)
		if terr := shutdownTracing(sctx); terr != nil {
			logger.Warn("tracer shutdown failed", zap.Error(terr))
		}
		if derr := deps.Close(sctx); derr != nil {
			logger.Error("dependency shutdown failed", zap.Error(derr))
		}
		return err
	})

	return g.Wait()
}

// issueToken signs a token for a "signer:role" pair
func issueToken(cfg *config.Config, pair string, ttl time.Duration) (string, error) {
	signer, role, ok := strings.Cut(pair, ":")
	if !ok || signer == "" || role == "" {
		return "", fmt.Errorf("expected signer:role, got %q", pair)
	}
	if cfg.Auth.JWTSecret == "" {
		return "", errors.New("JWT_SECRET is not set")
	}
	tokens := auth.NewTokenService(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Queue.SignerRoles, nil)
	return tokens.Issue(signer, role, ttl)
}
