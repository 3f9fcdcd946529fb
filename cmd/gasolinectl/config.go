package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/coilrun/gasoline/internal/config"
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configInitCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage gasoline-worker configuration files",
}

var configInitCmd = &cobra.Command{
	Use:   "init <path>",
	Short: "Write a blank config skeleton; unset fields default at load time",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := &config.Config{
			Store:  config.StoreConfig{Driver: "sqlite", DSN: "gasoline.db"},
			PubSub: config.PubSubConfig{Driver: "mem"},
		}
		if err := config.Save(args[0], cfg); err != nil {
			return err
		}
		fmt.Println("wrote", args[0])
		return nil
	},
}
