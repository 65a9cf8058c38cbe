package cmd

import (
	"fmt"
	"sort"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-crawler/internal/api"
	"github.com/JakeFAU/catalog-crawler/internal/app"
	"github.com/JakeFAU/catalog-crawler/internal/crawlstate"
)

func newStateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "state",
		Short: "Inspects or checkpoints the saved crawl state",
	}
	cmd.AddCommand(newStateShowCmd(), newStateCheckpointCmd())
	return cmd
}

func newStateShowCmd() *cobra.Command {
	var top int
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Prints counters and the top of the pending stack",
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := resolveEnv(cmd.Context())
			if err != nil {
				return err
			}
			backend, closeBackend, err := app.NewStateBackend(cmd.Context(), e.cfg)
			if err != nil {
				return err
			}
			defer func() {
				if cerr := closeBackend(); cerr != nil {
					e.logger.Warn("closing state backend", zap.Error(cerr))
				}
			}()
			state, err := crawlstate.Open(cmd.Context(), backend, crawlstate.WithLogger(e.logger.Named("state")))
			if err != nil {
				return err
			}
			renderState(cmd, e.cfg.Crawl.Name, state, top)
			return nil
		},
	}
	cmd.Flags().IntVar(&top, "top", api.DefaultTop, "number of pending requests to list")
	return cmd
}

func renderState(cmd *cobra.Command, crawl string, state *crawlstate.Store, top int) {
	out := cmd.OutOrStdout()

	summary := table.NewWriter()
	summary.SetOutputMirror(out)
	summary.SetTitle("crawl " + crawl)
	summary.AppendHeader(table.Row{"Counter", "Value"})
	summary.AppendRow(table.Row{"pending requests", state.Len()})
	summary.AppendRow(table.Row{"duplicate streak", state.DuplicateStreak()})
	misc := state.MiscValues()
	for _, k := range sortedKeys(misc) {
		summary.AppendRow(table.Row{"misc." + k, fmt.Sprint(misc[k])})
	}
	summary.SetStyle(table.StyleRounded)
	summary.Render()

	visited := state.VisitedCounts()
	if len(visited) > 0 {
		t := table.NewWriter()
		t.SetOutputMirror(out)
		t.AppendHeader(table.Row{"Visited", "Count"})
		for _, k := range sortedKeys(visited) {
			t.AppendRow(table.Row{k, visited[k]})
		}
		t.SetStyle(table.StyleRounded)
		t.Render()
	}

	pending := api.TopOfStack(state.Pending(), top)
	if len(pending) > 0 {
		t := table.NewWriter()
		t.SetOutputMirror(out)
		t.AppendHeader(table.Row{"#", "Method", "URL", "Kind"})
		for i, req := range pending {
			t.AppendRow(table.Row{i + 1, req.Method, req.URL, req.ContextValue("kind")})
		}
		t.SetStyle(table.StyleRounded)
		t.Render()
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func newStateCheckpointCmd() *cobra.Command {
	var remove bool
	cmd := &cobra.Command{
		Use:   "checkpoint",
		Short: "Asks a running crawl to save its state now",
		Long: `Creates the save signal file. A running crawl notices it on its next
state change and saves immediately, once per appearance of the file.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := resolveEnv(cmd.Context())
			if err != nil {
				return err
			}
			sig := crawlstate.FileSignal{Path: e.cfg.State.SignalFile}
			if remove {
				if err := sig.Clear(); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", sig.Path)
				return nil
			}
			if err := sig.Raise(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created %s\n", sig.Path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&remove, "clear", false, "remove the signal file instead")
	return cmd
}
