package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/blackwell-systems/bookledger/internal/ledger"
)

func newDevnetCmd() *cobra.Command {
	var (
		listen    string
		blockTime time.Duration
		credits   []string
	)

	cmd := &cobra.Command{
		Use:   "devnet",
		Short: "Run a simulated ledger node over JSON-RPC",
		Long: `Run an in-memory ledger that enforces the same rules as a deployed book
contract and mines a block every --block-time. Point ledger.rpc_url at it
to exercise publications and purchases end to end without a real chain.

State is lost when devnet exits.`,
		Example: `  bookledger devnet --credit 0xAB12=5000 --credit 0xCD34=500
  bookledger init --content-store http://127.0.0.1:5001 \
    --ledger-rpc http://127.0.0.1:1234/rpc/v0 --index-db ./index.db`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sim := ledger.NewSim(ledger.SimOptions{})
			for _, c := range credits {
				account, amount, err := parseCredit(c)
				if err != nil {
					return err
				}
				sim.Credit(account, amount)
				ok("Credited %s with %d", account, amount)
			}
			return runDevnet(cmd.Context(), sim, listen, cfg.Ledger.Token, blockTime)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "127.0.0.1:1234", "Listen address")
	cmd.Flags().DurationVar(&blockTime, "block-time", 2*time.Second, "Interval between blocks")
	cmd.Flags().StringArrayVar(&credits, "credit", nil, "Fund an account, as account=amount (repeatable)")
	return cmd
}

func runDevnet(ctx context.Context, sim *ledger.Sim, listen, token string, blockTime time.Duration) error {
	mux := http.NewServeMux()
	mux.Handle("/rpc/v0", ledger.AuthHandler(token, ledger.NewRPCHandler(sim)))
	srv := &http.Server{Addr: listen, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		ok("Ledger JSON-RPC on http://%s/rpc/v0, one block every %s", listen, blockTime)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		sim.Run(ctx, blockTime)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func parseCredit(s string) (string, int64, error) {
	account, amount, found := strings.Cut(s, "=")
	if !found || account == "" {
		return "", 0, fmt.Errorf("invalid credit %q, want account=amount", s)
	}
	n, err := strconv.ParseInt(amount, 10, 64)
	if err != nil || n <= 0 {
		return "", 0, fmt.Errorf("invalid credit amount in %q", s)
	}
	return account, n, nil
}
