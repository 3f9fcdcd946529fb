package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/coilrun/gasoline/pkg/store"
	"github.com/coilrun/gasoline/pkg/wfmodel"
)

func init() {
	rootCmd.AddCommand(signalCmd)
	signalCmd.AddCommand(signalGetCmd)
	signalCmd.AddCommand(signalListCmd)
	signalCmd.AddCommand(signalAckCmd)

	signalListCmd.Flags().String("name", "", "filter by signal name")
	signalListCmd.Flags().String("state", "", "filter by state: Pending, Acked, Silenced")
	signalListCmd.Flags().Int("limit", 50, "maximum rows to return")
}

var signalCmd = &cobra.Command{
	Use:   "signal",
	Short: "Inspect and operate on signals",
}

var signalGetCmd = &cobra.Command{
	Use:   "get <signal-id>",
	Short: "Print a single signal's durable record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(ctx context.Context, st store.DurableStore) error {
			sig, err := findSignal(ctx, st, args[0])
			if err != nil {
				return err
			}
			return printJSON(sig)
		})
	},
}

var signalListCmd = &cobra.Command{
	Use:   "list",
	Short: "List signals matching a filter",
	RunE: func(cmd *cobra.Command, args []string) error {
		filter := store.SignalFilter{}
		filter.Name, _ = cmd.Flags().GetString("name")
		filter.State, _ = cmd.Flags().GetString("state")
		filter.Limit, _ = cmd.Flags().GetInt("limit")

		return withStore(func(ctx context.Context, st store.DurableStore) error {
			signals, err := st.ListSignals(ctx, filter)
			if err != nil {
				return err
			}
			for _, sig := range signals {
				routed := "-"
				if sig.WorkflowID != nil {
					routed = *sig.WorkflowID
				}
				fmt.Printf("%-36s %-20s %-10s routed=%s\n", sig.SignalID, sig.Name, sig.State, routed)
			}
			return nil
		})
	},
}

var signalAckCmd = &cobra.Command{
	Use:   "ack <signal-id>",
	Short: "Silence a signal so it is never matched or retried",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(ctx context.Context, st store.DurableStore) error {
			return st.SilenceSignal(ctx, args[0])
		})
	},
}

// findSignal scans ListSignals for a matching ID: the store contract has
// no get-by-id lookup for signals, since the engine itself only ever
// needs to pull the next pending one for a workflow, not fetch one by ID.
func findSignal(ctx context.Context, st store.DurableStore, signalID string) (*wfmodel.Signal, error) {
	signals, err := st.ListSignals(ctx, store.SignalFilter{Limit: 0})
	if err != nil {
		return nil, err
	}
	for i := range signals {
		if signals[i].SignalID == signalID {
			return &signals[i], nil
		}
	}
	return nil, fmt.Errorf("signal not found: %s", signalID)
}
