package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/blackwell-systems/bookledger/internal/config"
	"github.com/blackwell-systems/bookledger/internal/index"
	"github.com/blackwell-systems/bookledger/internal/jobs"
	"github.com/blackwell-systems/bookledger/internal/ledger"
	"github.com/blackwell-systems/bookledger/internal/purchase"
	"github.com/blackwell-systems/bookledger/internal/reconcile"
)

func newServeCmd() *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the index API and the background workers",
		Long: `Serve the index REST API together with job and purchase status, and run
the background work that keeps everything consistent:

  - every unfinished publication and purchase is resumed on startup
  - purchases whose access grant failed are retried until granted or the
    grant budget is spent
  - ledger book events are mirrored into the index

Routes:
  GET  /books, /books/:ledgerId, /entitlements/:buyerId   public reads
  PUT  /books/:ledgerId, /entitlements/:buyerId/:ledgerId  orchestrator token
  GET  /jobs/:jobId, /purchases/:purchaseId              status polling
  GET  /metrics                                          Prometheus
  /rpc/v0                                                ledger JSON-RPC (dev mode)`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if listen != "" {
				cfg.Index.Listen = listen
			}
			return withServices(cmd.Context(), func(s *services) error {
				return serve(cmd.Context(), cfg, s)
			})
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "Listen address (default: index.listen)")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config, s *services) error {
	if !cfg.Dev && cfg.Index.JWTSecret == "" {
		warn("No JWT secret in $%s: index writes over HTTP are disabled", cfg.Index.JWTSecretEnv)
	}

	srv := &http.Server{
		Addr:              cfg.Index.Listen,
		Handler:           newRouter(cfg, s),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		ok("Listening on %s", cfg.Index.Listen)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		pubs, err := s.publisher.Recover(ctx)
		if err != nil {
			log.Errorw("publication recovery", "error", err)
		}
		purs, err := s.purchaser.Recover(ctx)
		if err != nil {
			log.Errorw("purchase recovery", "error", err)
		}
		log.Infow("recovery finished", "publications", pubs, "purchases", purs)
		return nil
	})
	g.Go(func() error {
		purchase.NewGrantRetrier(s.purchaser, cfg.Grant.MaxAttempts, cfg.Grant.SweepInterval).Run(ctx)
		return nil
	})
	g.Go(func() error {
		r := reconcile.New(s.ledger, s.index, s.jobs, s.metrics, cfg.Retry.Policy(), cfg.Ledger.PollInterval)
		if err := r.Run(ctx); err != nil {
			// The index keeps serving; restarting serve resumes from the cursor.
			log.Errorw("reconciler stopped", "error", err)
		}
		return nil
	})
	return g.Wait()
}

// newRouter extends the index server with status polling, metrics and, in
// dev mode, the simulated ledger's JSON-RPC endpoint.
func newRouter(cfg *config.Config, s *services) http.Handler {
	gin.SetMode(gin.ReleaseMode)
	secret := []byte(cfg.Index.JWTSecret)
	if cfg.Dev && len(secret) == 0 {
		secret = []byte("bookledger-dev")
	}
	srv := index.NewServer(s.index, index.ServerOptions{
		JWTSecret:  secret,
		CORSOrigin: cfg.Index.CORSOrigin,
	})
	r := srv.Router()

	r.GET("/jobs/:jobId", func(c *gin.Context) {
		job, err := s.publisher.GetStatus(c.Request.Context(), c.Param("jobId"))
		if err != nil {
			statusError(c, err)
			return
		}
		c.JSON(http.StatusOK, job)
	})
	r.GET("/purchases/:purchaseId", func(c *gin.Context) {
		rec, err := s.purchaser.GetStatus(c.Request.Context(), c.Param("purchaseId"))
		if err != nil {
			statusError(c, err)
			return
		}
		c.JSON(http.StatusOK, rec)
	})
	r.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	if s.sim != nil {
		r.Any("/rpc/v0", gin.WrapH(ledger.AuthHandler(cfg.Ledger.Token, ledger.NewRPCHandler(s.sim))))
	}
	return srv
}

func statusError(c *gin.Context, err error) {
	if errors.Is(err, jobs.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	log.Errorw("status lookup", "path", c.Request.URL.Path, "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}
