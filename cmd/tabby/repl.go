package main

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/drpcorg/tabby"
	"github.com/drpcorg/tabby/metrics"
	"github.com/drpcorg/tabby/network"
	"github.com/drpcorg/tabby/persister"
	"github.com/drpcorg/tabby/persister/file"
	pebblestore "github.com/drpcorg/tabby/persister/pebble"
	"github.com/drpcorg/tabby/persister/sqlite"
	"github.com/drpcorg/tabby/repl"
	"github.com/drpcorg/tabby/replication"
	"github.com/drpcorg/tabby/utils"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

func newReplCommand(root *rootOptions) *cobra.Command {
	var (
		replica  uint64
		connect  []string
		listen   string
		persist  string
		httpAddr string
	)
	cmd := &cobra.Command{
		Use:   "repl",
		Short: "Open a replica with an interactive console",
		Long: `Open a mergeable store, load it, sync it with peers and edit it.

Example:
  tabby repl --replica 1 --connect ws://localhost:8043/pets --persist pets.json
  tabby repl --replica 2 --listen tcp://:7000 --persist pebble:./pets`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := root.load(cmd)
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			if flags.Changed("replica") {
				cfg.Replica.ID = replica
			}
			if flags.Changed("connect") {
				cfg.Replica.Connect = connect
			}
			if flags.Changed("listen") {
				cfg.Replica.Listen = listen
			}
			if flags.Changed("persist") {
				cfg.Replica.Persist = persist
			}
			if flags.Changed("http") {
				cfg.Replica.HTTP = httpAddr
			}
			return runReplica(cmd.Context(), cfg.Replica, log)
		},
	}
	cmd.Flags().Uint64Var(&replica, "replica", 1, "replica id")
	cmd.Flags().StringSliceVar(&connect, "connect", nil, "ws:// room or tcp:// peers")
	cmd.Flags().StringVar(&listen, "listen", "", "tcp:// address to accept peers on")
	cmd.Flags().StringVar(&persist, "persist", "", "file, pebble:<dir> or sqlite:<file>")
	cmd.Flags().StringVar(&httpAddr, "http", "", "address for POST /cmd and metrics")
	return cmd
}

// openBackend picks the backend by the persist prefix. The collector is
// nil unless the backend exports metrics.
func openBackend(persist string) (persister.Backend, prometheus.Collector, error) {
	switch {
	case persist == "":
		return nil, nil, nil
	case strings.HasPrefix(persist, "pebble:"):
		b, err := pebblestore.Open(strings.TrimPrefix(persist, "pebble:"), nil)
		if err != nil {
			return nil, nil, err
		}
		return b, pebblestore.NewCollector(b), nil
	case strings.HasPrefix(persist, "sqlite:"):
		b, err := sqlite.Open(strings.TrimPrefix(persist, "sqlite:"))
		if err != nil {
			return nil, nil, err
		}
		return b, nil, nil
	default:
		return file.New(persist), nil, nil
	}
}

// openTransport returns nil when the replica has no peers configured.
func openTransport(cfg ReplicaConfig, log utils.Logger) (replication.Transport, error) {
	var ws []string
	for _, addr := range cfg.Connect {
		if strings.HasPrefix(addr, "ws://") || strings.HasPrefix(addr, "wss://") {
			ws = append(ws, addr)
		}
	}
	switch {
	case len(ws) > 0 && (len(ws) != len(cfg.Connect) || len(ws) > 1 || cfg.Listen != ""):
		return nil, fmt.Errorf("a ws room excludes other peers: %v", cfg.Connect)
	case len(ws) == 1:
		return network.DialWs(ws[0], log), nil
	case len(cfg.Connect) == 0 && cfg.Listen == "":
		return nil, nil
	}
	t := network.NewTCPTransport(log)
	if cfg.Listen != "" {
		if err := t.Listen(cfg.Listen); err != nil {
			_ = t.Close()
			return nil, err
		}
	}
	for _, addr := range cfg.Connect {
		if err := t.Connect(addr); err != nil {
			_ = t.Close()
			return nil, err
		}
	}
	return t, nil
}

func runReplica(ctx context.Context, cfg ReplicaConfig, log utils.Logger) error {
	ms := tabby.NewMergeableStore(cfg.ID, tabby.Options{Logger: log})
	console := repl.New(ms)
	defer console.Close()

	var collectors []prometheus.Collector
	backend, collector, err := openBackend(cfg.Persist)
	if err != nil {
		return err
	}
	if collector != nil {
		collectors = append(collectors, collector)
	}
	if backend != nil {
		p := persister.NewMergeable(ms, backend, persister.Options{Logger: log})
		defer func() {
			if err := p.Save(context.Background()); err != nil {
				log.Error("final save failed", "err", err)
			}
			_ = p.Destroy()
		}()
		if err := p.Load(ctx); err != nil {
			return err
		}
		if cfg.AutoSave {
			if err := p.StartAutoSave(ctx); err != nil {
				return err
			}
		}
		console.Persister = p
	}

	transport, err := openTransport(cfg, log)
	if err != nil {
		return err
	}
	if transport != nil {
		defer transport.Close()
		s := replication.NewSyncer(ms, transport, replication.Options{
			Logger:         log,
			RequestTimeout: cfg.RequestTimeout,
		})
		defer s.Destroy()
		if err := s.StartSync(ctx); err != nil {
			return err
		}
		console.Syncer = s
	}

	if cfg.HTTP != "" {
		mux := http.NewServeMux()
		mux.Handle("/cmd", repl.CommandHandler(console))
		mux.Handle("/", metrics.Router(metrics.NewRegistry(collectors...), nil))
		httpCtx, stop := context.WithCancel(ctx)
		defer stop()
		go func() {
			_ = runServers(httpCtx, log, []*http.Server{{Addr: cfg.HTTP, Handler: mux}})
		}()
	}

	if err := console.Open(cfg.History); err != nil {
		return err
	}
	return console.Run(ctx)
}
