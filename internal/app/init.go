package app

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/blackwell-systems/bookledger/internal/config"
)

func newInitCmd() *cobra.Command {
	var (
		contentURL string
		ledgerURL  string
		indexDB    string
		indexAPI   string
		force      bool
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a config file with default settings",
		Long: `Write a config file pointing at your content store, ledger node and index.

Secrets are never written: the ledger token and the index JWT secret are
read from the environment variables named by ledger.token_env and
index.jwt_secret_env.`,
		Example: `  # Local development with everything simulated in-process
  bookledger init --dev

  # A Kubo node, a ledger node and a Postgres index
  bookledger init --content-store http://127.0.0.1:5001 \
    --ledger-rpc ws://127.0.0.1:1234/rpc/v0 \
    --index-db postgres://bookledger@localhost/bookledger`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.ResolvePath(flagConfig)
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("config already exists at %s (use --force to overwrite)", path)
			}

			// Load returns the defaults when no file exists yet.
			out, err := config.Load(flagConfig)
			if err != nil {
				return err
			}
			out.Dev = flagDev
			if contentURL != "" {
				out.ContentStore.APIURL = contentURL
			}
			if ledgerURL != "" {
				out.Ledger.RPCURL = ledgerURL
			}
			if indexDB != "" {
				out.Index.DatabaseURL = indexDB
			}
			if indexAPI != "" {
				out.Index.APIURL = indexAPI
			}
			if err := out.Validate(); err != nil {
				warn("%v", err)
				warn("Edit %s before running other commands", path)
			}

			if err := config.Save(out, path); err != nil {
				return fmt.Errorf("writing config: %w", err)
			}
			ok("Wrote %s", path)
			return nil
		},
	}

	cmd.Flags().StringVar(&contentURL, "content-store", "", "Kubo RPC API URL")
	cmd.Flags().StringVar(&ledgerURL, "ledger-rpc", "", "Ledger node JSON-RPC URL")
	cmd.Flags().StringVar(&indexDB, "index-db", "", "Index database URL (this process owns the index)")
	cmd.Flags().StringVar(&indexAPI, "index-api", "", "Index server URL (a remote serve process owns the index)")
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing config")
	return cmd
}
