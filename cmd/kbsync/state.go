package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/agentworkforce/kbsync/internal/state"
)

func newStateCmd(g *globalOptions) *cobra.Command {
	stateCmd := &cobra.Command{Use: "state", Short: "Inspect and edit the fingerprint store"}

	var asJSON bool
	show := &cobra.Command{
		Use:   "show",
		Short: "List tracked files",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := g.loadConfig()
			if err != nil {
				return err
			}
			store, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer store.Close()
			snapshot := store.Snapshot()
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(snapshot)
			}
			writeStateTable(cmd.OutOrStdout(), store)
			return nil
		},
	}
	show.Flags().BoolVar(&asJSON, "json", false, "print the raw state document")

	forget := &cobra.Command{
		Use:   "forget <pathKey>...",
		Short: "Drop records so the files are treated as new on the next run",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := g.loadConfig()
			if err != nil {
				return err
			}
			store, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer store.Close()
			dropped := 0
			for _, key := range args {
				if store.Forget(key) {
					dropped++
					_, _ = fmt.Fprintf(cmd.OutOrStdout(), "forgot %s\n", key)
					continue
				}
				_, _ = fmt.Fprintln(cmd.ErrOrStderr(), color.YellowString("no record for %s", key))
			}
			if dropped == 0 {
				return nil
			}
			return store.Save(cmd.Context())
		},
	}

	stateCmd.AddCommand(show, forget)
	return stateCmd
}

func writeStateTable(w io.Writer, store *state.Store) {
	keys := store.Keys()
	if len(keys) == 0 {
		_, _ = fmt.Fprintln(w, "no tracked files")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "KEY\tSTATUS\tRETRIES\tKNOWLEDGE BASE\tFILE ID\tLAST ATTEMPT")
	for _, key := range keys {
		rec, _ := store.Get(key)
		status := string(rec.Status)
		if rec.Status == state.StatusFailed {
			status = color.RedString("%s", status)
		}
		last := "-"
		if !rec.LastAttempt.IsZero() {
			last = rec.LastAttempt.UTC().Format("2006-01-02 15:04:05")
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%s\n", key, status, rec.RetryCount, dash(rec.KnowledgeBase), dash(rec.FileID), last)
	}
	_ = tw.Flush()
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
