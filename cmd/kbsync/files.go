package main

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/kbsync/internal/knowledge"
)

func newFilesCmd(g *globalOptions) *cobra.Command {
	filesCmd := &cobra.Command{Use: "files", Short: "Manage uploaded files"}

	var keepState bool
	del := &cobra.Command{
		Use:   "delete <fileID>",
		Short: "Delete an uploaded file and the records that point at it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fileID := args[0]
			cfg, _, err := g.loadConfig()
			if err != nil {
				return err
			}
			if err := cfg.RequireAPIKey(); err != nil {
				return err
			}
			client := knowledge.NewHTTPClient(cfg.OpenWebUI.URL, cfg.OpenWebUI.APIKey, &http.Client{
				Timeout: cfg.Retry.UploadTimeoutDuration(),
			})
			if err := client.DeleteFile(cmd.Context(), fileID); err != nil && !knowledge.IsNotFound(err) {
				return fmt.Errorf("delete %s: %w", fileID, err)
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", fileID)
			if keepState {
				return nil
			}

			store, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer store.Close()
			dropped := 0
			for _, key := range store.Keys() {
				if rec, _ := store.Get(key); rec.FileID == fileID && store.Forget(key) {
					dropped++
					_, _ = fmt.Fprintf(cmd.OutOrStdout(), "forgot %s\n", key)
				}
			}
			if dropped == 0 {
				return nil
			}
			return store.Save(cmd.Context())
		},
	}
	del.Flags().BoolVar(&keepState, "keep-state", false, "leave state records referencing the file in place")

	filesCmd.AddCommand(del)
	return filesCmd
}
