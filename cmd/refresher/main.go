package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/opendonate/quickbooks-gateway/internal/bootstrap"
	"github.com/opendonate/quickbooks-gateway/internal/service"
)

// The refresher keeps the stored access token warm so interactive charge
// requests rarely pay the refresh round-trip. The token manager's
// distributed lock makes concurrent refresher instances safe.
func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, err := bootstrap.New(ctx, "quickbooks-gateway-refresher", "quickbooks_gateway_refresher")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to bootstrap: %v\n", err)
		os.Exit(1)
	}
	defer app.Close()

	gateway, err := app.BuildGateway(ctx)
	if err != nil {
		app.Logger.Fatal().Err(err).Msg("Failed to build gateway service")
	}

	interval := app.Config.Refresher.Interval
	app.Logger.Info().Dur("interval", interval).Msg("Starting token refresher")

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		// Warm once at startup so a cold deploy does not wait a full
		// interval before the first refresh.
		warm(gctx, app, gateway)

		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case <-ticker.C:
				warm(gctx, app, gateway)
			}
		}
	})

	g.Go(func() error {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		select {
		case sig := <-quit:
			app.Logger.Info().Str("signal", sig.String()).Msg("Shutting down refresher")
			cancel()
			return nil
		case <-gctx.Done():
			return gctx.Err()
		}
	})

	if err := g.Wait(); err != nil && err != context.Canceled {
		app.Logger.Error().Err(err).Msg("Refresher stopped with error")
		os.Exit(1)
	}
	app.Logger.Info().Msg("Refresher exited")
}

func warm(ctx context.Context, app *bootstrap.App, gateway *service.GatewayService) {
	if err := gateway.WarmToken(ctx); err != nil {
		app.Logger.Warn().Err(err).Msg("Token warm-up failed")
	}
}
