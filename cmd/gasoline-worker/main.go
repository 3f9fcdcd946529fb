// Command gasoline-worker runs one durable workflow engine worker
// process: it loads configuration, opens the configured durable store
// and pubsub driver, builds the handler registry (empty unless
// buildRegistry is replaced), and drives the
// poll/ping/GC loop until terminated. Grounded on the teacher's
// cmd/hermod/main.go: flag parsing with environment-variable fallbacks,
// a driver switch keyed off a config string, and the same
// signal.Notify-plus-context.WithCancel graceful shutdown shape.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/coilrun/gasoline/internal/config"
	"github.com/coilrun/gasoline/internal/obslog"
	"github.com/coilrun/gasoline/pkg/activity"
	"github.com/coilrun/gasoline/pkg/clock"
	"github.com/coilrun/gasoline/pkg/gc"
	"github.com/coilrun/gasoline/pkg/pubsub"
	"github.com/coilrun/gasoline/pkg/pubsub/memdriver"
	"github.com/coilrun/gasoline/pkg/pubsub/natsdriver"
	"github.com/coilrun/gasoline/pkg/registry"
	"github.com/coilrun/gasoline/pkg/store"
	"github.com/coilrun/gasoline/pkg/store/kvstore"
	"github.com/coilrun/gasoline/pkg/store/sqlstore"
	"github.com/coilrun/gasoline/pkg/wfengine"
	"github.com/coilrun/gasoline/pkg/worker"
)

// buildRegistry is the one function a deployment forks to register its
// own workflow and activity handlers before Freeze. gasoline-worker
// ships as a library-shaped binary: the engine has no opinion on what
// workflows exist, so the registry starts empty here and a real
// deployment replaces this function with its own RegisterWorkflow/
// RegisterActivity calls.
func buildRegistry() *registry.Registry {
	reg := registry.New()
	reg.Freeze()
	return reg
}

func main() {
	configPath := flag.String("config", "gasoline.yaml", "path to the worker config file")
	names := flag.String("names", "", "comma-separated workflow names this worker polls for (overrides config)")
	flag.Parse()

	if v := os.Getenv("GASOLINE_CONFIG"); v != "" && *configPath == "gasoline.yaml" {
		*configPath = v
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if *names != "" {
		cfg.Worker.Names = splitNames(*names)
	}

	logger := obslog.New()

	st, closeStore, err := openStore(cfg.Store)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer closeStore()
	if err := st.Init(context.Background()); err != nil {
		log.Fatalf("init store: %v", err)
	}

	ps, err := openPubSub(cfg.PubSub)
	if err != nil {
		log.Fatalf("open pubsub: %v", err)
	}
	defer ps.Close()

	reg := buildRegistry()

	eng := wfengine.New(st, reg, clock.System{}, ps, logger, wfengine.Config{
		Worker: worker.Config{
			WorkerInstanceID: cfg.Worker.WorkerInstanceID,
			Names:            cfg.Worker.Names,
			PollInterval:     cfg.Worker.PollInterval,
			PingInterval:     cfg.Worker.PingInterval,
			PullLimit:        cfg.Worker.PullLimit,
			DrainTimeout:     cfg.Worker.DrainTimeout,
		},
		GC: gc.Config{
			Interval:      cfg.GC.Interval,
			LostThreshold: cfg.GC.LostThreshold,
		},
		Activity: activity.Config{
			MaxRetries:      cfg.Activity.MaxRetries,
			InitialInterval: cfg.Activity.InitialInterval,
			MaxInterval:     cfg.Activity.MaxInterval,
			Timeout:         cfg.Activity.Timeout,
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down gracefully", "signal", sig.String())
		cancel()
	}()

	if err := eng.Run(ctx); err != nil && err != context.Canceled {
		log.Fatalf("engine run: %v", err)
	}
}

func openStore(cfg config.StoreConfig) (store.DurableStore, func(), error) {
	switch cfg.Driver {
	case "", "sqlite":
		dsn := cfg.DSN
		if dsn == "" {
			dsn = "gasoline.db"
		}
		db, err := sql.Open("sqlite", dsn)
		if err != nil {
			return nil, nil, err
		}
		db.SetMaxOpenConns(4)
		return sqlstore.New(db, "sqlite"), func() { db.Close() }, nil

	case "postgres":
		db, err := sql.Open("pgx", cfg.DSN)
		if err != nil {
			return nil, nil, err
		}
		return sqlstore.New(db, "postgres"), func() { db.Close() }, nil

	case "etcd":
		timeout := cfg.EtcdTimeout
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		kv, err := kvstore.New(cfg.EtcdEndpoints, cfg.EtcdPrefix, timeout)
		if err != nil {
			return nil, nil, err
		}
		return kv, func() {}, nil

	default:
		return nil, nil, fmt.Errorf("unsupported store driver: %s", cfg.Driver)
	}
}

func openPubSub(cfg config.PubSubConfig) (pubsub.Driver, error) {
	switch cfg.Driver {
	case "", "mem":
		return memdriver.New(), nil
	case "nats":
		var opts []natsdriver.Option
		if cfg.Token != "" {
			opts = append(opts, natsdriver.WithToken(cfg.Token))
		}
		return natsdriver.New(cfg.URL, opts...), nil
	default:
		return nil, fmt.Errorf("unsupported pubsub driver: %s", cfg.Driver)
	}
}

func splitNames(s string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}
