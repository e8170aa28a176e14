package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"cairn/pkg/metrics"
)

func serveCommand(args *Args) *cli.Command {
	var (
		metricsAddress string
		stopTimeout    time.Duration
	)
	return &cli.Command{
		Name:  "serve",
		Usage: "run the store and export its metrics until interrupted",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "metrics-address",
				Value:       defaultMetricsAddress,
				Usage:       "listen address of the /metrics endpoint, empty to disable",
				Destination: &metricsAddress,
			},
			&cli.DurationFlag{
				Name:        "stop-timeout",
				Value:       time.Minute,
				Usage:       "how long to wait for outstanding writes to become durable on shutdown",
				Destination: &stopTimeout,
			},
		},
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(args)
			if err != nil {
				return err
			}
			s, err := openStore(cfg)
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer cancel()
			errs, ctx := errgroup.WithContext(ctx)

			var server *http.Server
			if metricsAddress != "" {
				mux := http.NewServeMux()
				mux.Handle("/metrics", promhttp.HandlerFor(metrics.Register(), promhttp.HandlerOpts{
					ErrorHandling: promhttp.HTTPErrorOnError,
				}))
				server = &http.Server{Addr: metricsAddress, Handler: mux}
				errs.Go(func() error {
					if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						return errors.Wrap(err, "failed to start metrics server")
					}
					return nil
				})
			}

			errs.Go(func() error {
				if server != nil {
					defer func() {
						if err := server.Shutdown(context.Background()); err != nil {
							logrus.WithError(err).Warn("failed to shutdown metrics server")
						}
					}()
				}
				err := s.run(ctx, func() bool { return false })
				if err != nil && !errors.Is(err, context.Canceled) {
					_ = s.bs.Close()
					return err
				}
				logrus.Info("stopping store")
				stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
				defer stopCancel()
				return s.stop(stopCtx)
			})
			return errs.Wait()
		},
	}
}
