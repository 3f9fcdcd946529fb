// Command gasolinectl is a thin operator CLI for a running gasoline
// deployment: it opens the same durable store the workers use and issues
// read/ack/wake queries against it directly, since this system has no
// separate HTTP API surface to front it. Grounded on the teacher's
// cmd/hermodctl (root.go's cobra+viper config wiring, one file per command
// group), adapted from an HTTP client shape to a direct store client.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/coilrun/gasoline/internal/config"
	"github.com/coilrun/gasoline/pkg/store"
	"github.com/coilrun/gasoline/pkg/store/kvstore"
	"github.com/coilrun/gasoline/pkg/store/sqlstore"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "gasolinectl",
	Short: "gasolinectl inspects and operates on a gasoline workflow store",
	Long:  "A terminal tool for listing workflows and signals, acking or waking stuck workflows, and reading replay history.",
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to gasoline store config (default is $HOME/.gasolinectl.yaml)")
	rootCmd.PersistentFlags().String("driver", "", "store driver override: sqlite, postgres, etcd")
	rootCmd.PersistentFlags().String("dsn", "", "store DSN override")
	viper.BindPFlag("store.driver", rootCmd.PersistentFlags().Lookup("driver"))
	viper.BindPFlag("store.dsn", rootCmd.PersistentFlags().Lookup("dsn"))
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, _ := os.UserHomeDir()
		viper.AddConfigPath(home)
		viper.SetConfigType("yaml")
		viper.SetConfigName(".gasolinectl")
	}

	viper.SetEnvPrefix("GASOLINE")
	viper.AutomaticEnv()
	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "using config file:", viper.ConfigFileUsed())
	}
}

// openStore builds a DurableStore straight from viper-bound flags/config,
// the same driver switch cmd/gasoline-worker uses to turn a config into a
// store, duplicated here rather than shared since the two binaries have
// no other reason to depend on each other.
func openStore() (store.DurableStore, func(), error) {
	cfg := config.StoreConfig{
		Driver:        viper.GetString("store.driver"),
		DSN:           viper.GetString("store.dsn"),
		EtcdEndpoints: viper.GetStringSlice("store.etcd_endpoints"),
		EtcdPrefix:    viper.GetString("store.etcd_prefix"),
		EtcdTimeout:   viper.GetDuration("store.etcd_timeout"),
	}
	if cfg.Driver == "" {
		cfg.Driver = "sqlite"
	}

	switch cfg.Driver {
	case "sqlite":
		dsn := cfg.DSN
		if dsn == "" {
			dsn = "gasoline.db"
		}
		db, err := sql.Open("sqlite", dsn)
		if err != nil {
			return nil, nil, err
		}
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

func withStore(fn func(ctx context.Context, st store.DurableStore) error) error {
	st, closeStore, err := openStore()
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer closeStore()
	return fn(context.Background(), st)
}

func main() {
	Execute()
}
