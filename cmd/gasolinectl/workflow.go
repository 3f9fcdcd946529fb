package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/coilrun/gasoline/pkg/history"
	"github.com/coilrun/gasoline/pkg/store"
	"github.com/coilrun/gasoline/pkg/wfmodel"
)

func init() {
	rootCmd.AddCommand(workflowCmd)
	workflowCmd.AddCommand(workflowGetCmd)
	workflowCmd.AddCommand(workflowListCmd)
	workflowCmd.AddCommand(workflowAckCmd)
	workflowCmd.AddCommand(workflowWakeCmd)
	workflowCmd.AddCommand(workflowHistoryCmd)

	workflowListCmd.Flags().String("tag", "", "filter by a single tag, key=value")
	workflowListCmd.Flags().String("name", "", "filter by workflow name")
	workflowListCmd.Flags().String("state", "", "filter by state: running, dead, complete")
	workflowListCmd.Flags().Int("limit", 50, "maximum rows to return")
}

var workflowCmd = &cobra.Command{
	Use:   "workflow",
	Short: "Inspect and operate on workflows",
}

var workflowGetCmd = &cobra.Command{
	Use:   "get <workflow-id>",
	Short: "Print a workflow's current durable record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(ctx context.Context, st store.DurableStore) error {
			wf, err := st.GetWorkflow(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(wf)
		})
	},
}

var workflowListCmd = &cobra.Command{
	Use:   "list",
	Short: "List workflows matching a filter",
	RunE: func(cmd *cobra.Command, args []string) error {
		filter := store.WorkflowFilter{}
		filter.Name, _ = cmd.Flags().GetString("name")
		filter.State, _ = cmd.Flags().GetString("state")
		filter.Limit, _ = cmd.Flags().GetInt("limit")
		if tag, _ := cmd.Flags().GetString("tag"); tag != "" {
			k, v, ok := strings.Cut(tag, "=")
			if !ok {
				return fmt.Errorf("--tag must be key=value, got %q", tag)
			}
			filter.Tags = wfmodel.Tags{k: v}
		}

		return withStore(func(ctx context.Context, st store.DurableStore) error {
			workflows, err := st.ListWorkflows(ctx, filter)
			if err != nil {
				return err
			}
			for _, wf := range workflows {
				fmt.Printf("%-36s %-24s %s\n", wf.WorkflowID, wf.Name, workflowState(&wf))
			}
			return nil
		})
	},
}

var workflowAckCmd = &cobra.Command{
	Use:   "ack <workflow-id>",
	Short: "Silence a workflow so GC and the scheduler leave it alone",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(ctx context.Context, st store.DurableStore) error {
			return st.SilenceWorkflow(ctx, args[0])
		})
	},
}

var workflowWakeCmd = &cobra.Command{
	Use:   "wake <workflow-id>",
	Short: "Force a workflow to be picked up on the next poll",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(ctx context.Context, st store.DurableStore) error {
			return st.WakeWorkflow(ctx, args[0])
		})
	},
}

var workflowHistoryCmd = &cobra.Command{
	Use:   "history <workflow-id>",
	Short: "Print the full replay history of a workflow",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(ctx context.Context, st store.DurableStore) error {
			hist, err := st.GetHistory(ctx, args[0])
			if err != nil {
				return err
			}
			for _, ev := range hist {
				fmt.Printf("%-10s seq=%-4d loc=%-10s %s\n", ev.Type, ev.Seq, ev.Location.String(), eventDetail(ev))
			}
			return nil
		})
	},
}

func workflowState(wf *wfmodel.Workflow) string {
	switch {
	case wf.IsSilenced():
		return "dead"
	case wf.IsComplete():
		return "complete"
	default:
		return "running"
	}
}

func eventDetail(ev history.Event) string {
	switch ev.Type {
	case history.EventActivity:
		return fmt.Sprintf("activity=%s output=%s", ev.ActivityName, string(ev.Output))
	case history.EventSignal:
		return fmt.Sprintf("matched=%s payload=%s", ev.SignalMatchedName, string(ev.Output))
	default:
		return string(ev.Output)
	}
}

func printJSON(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}
