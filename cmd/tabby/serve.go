package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/drpcorg/tabby/metrics"
	"github.com/drpcorg/tabby/network"
	"github.com/drpcorg/tabby/utils"
	"github.com/spf13/cobra"
)

func newServeCommand(root *rootOptions) *cobra.Command {
	var addr, metricsAddr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the websocket relay",
		Long: `Relay sync messages between the clients of each path.

Example:
  tabby serve --addr :8043 --metrics :9090`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := root.load(cmd)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("addr") {
				cfg.Serve.Addr = addr
			}
			if cmd.Flags().Changed("metrics") {
				cfg.Serve.Metrics = metricsAddr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg.Serve, log)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8043", "relay listen address")
	cmd.Flags().StringVar(&metricsAddr, "metrics", "", "metrics listen address, none if empty")
	return cmd
}

func serve(ctx context.Context, cfg ServeConfig, log utils.Logger) error {
	relay := network.NewWsServer(log)
	servers := []*http.Server{{Addr: cfg.Addr, Handler: relay}}
	if cfg.Metrics != "" {
		router := metrics.Router(metrics.NewRegistry(), relay.Stats())
		servers = append(servers, &http.Server{Addr: cfg.Metrics, Handler: router})
	}
	return runServers(ctx, log, servers, relay.Close)
}

// runServers serves until ctx is done or one server fails, then shuts
// every server down and runs the closers.
func runServers(ctx context.Context, log utils.Logger, servers []*http.Server, closers ...func() error) error {
	errs := make(chan error, len(servers))
	for _, srv := range servers {
		go func(srv *http.Server) {
			log.Info("http: listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				errs <- err
			}
		}(srv)
	}
	var err error
	select {
	case <-ctx.Done():
	case err = <-errs:
	}
	shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, srv := range servers {
		_ = srv.Shutdown(shutdown)
	}
	for _, c := range closers {
		_ = c()
	}
	return err
}
