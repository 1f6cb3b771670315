package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/blackwell-systems/bookledger/internal/cache"
	"github.com/blackwell-systems/bookledger/internal/config"
	"github.com/blackwell-systems/bookledger/internal/contentstore"
	"github.com/blackwell-systems/bookledger/internal/index"
	"github.com/blackwell-systems/bookledger/internal/jobs"
	"github.com/blackwell-systems/bookledger/internal/journal"
	"github.com/blackwell-systems/bookledger/internal/ledger"
	"github.com/blackwell-systems/bookledger/internal/metrics"
	"github.com/blackwell-systems/bookledger/internal/publish"
	"github.com/blackwell-systems/bookledger/internal/purchase"
)

var log = logging.Logger("app")

// indexTokenTTL bounds the orchestrator token minted for a remote index.
const indexTokenTTL = 24 * time.Hour

// services holds the clients every command is built from. Each is
// constructed once and handed to the orchestrators.
type services struct {
	jobs    *jobs.Store
	index   index.Store
	content contentstore.Store
	api     ledger.API
	ledger  *ledger.Client
	sim     *ledger.Sim // dev mode only
	journal *journal.Journal
	metrics *metrics.Metrics
	cache   *cache.Manager

	publisher *publish.Orchestrator
	purchaser *purchase.Orchestrator

	closers []func() error
}

// openServices connects to everything cfg names. In dev mode the ledger,
// content store and index live in this process and vanish on exit; the job
// ledger is always on disk.
func openServices(ctx context.Context, cfg *config.Config) (*services, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &services{
		metrics: metrics.New(),
		cache:   cache.New(cfg.Defaults.CacheDir),
	}

	js, err := jobs.Open(cfg.Jobs.DBPath)
	if err != nil {
		return nil, fmt.Errorf("opening job ledger: %w", err)
	}
	s.jobs = js
	s.closers = append(s.closers, js.Close)

	if s.journal, err = journal.Open(cfg.Jobs.JournalPath); err != nil {
		s.Close()
		return nil, fmt.Errorf("opening journal: %w", err)
	}

	if cfg.Dev {
		s.sim = ledger.NewSim(ledger.SimOptions{AutoMine: true})
		s.api = s.sim
		s.content = contentstore.NewMemory(0)
		s.index = index.NewMemory()
		log.Infow("dev mode: simulated ledger, memory content store and index")
	} else {
		if err := s.connect(ctx, cfg); err != nil {
			s.Close()
			return nil, err
		}
	}
	s.ledger = ledger.NewClient(s.api, ledger.Options{
		PollInterval:   cfg.Ledger.PollInterval,
		ConfirmTimeout: cfg.Ledger.ConfirmTimeout,
	})

	policy := cfg.Retry.Policy()
	s.publisher = publish.New(publish.Deps{
		Content: s.content,
		Ledger:  s.ledger,
		Index:   s.index,
		Jobs:    s.jobs,
		Cache:   s.cache,
		Journal: s.journal,
		Metrics: s.metrics,
	}, publish.Config{
		Retry:            policy,
		MinConfirmations: cfg.Ledger.MinConfirmations,
		LockTTL:          cfg.Jobs.LockTTL,
		Concurrency:      cfg.Defaults.Concurrency,
	})
	s.purchaser = purchase.New(purchase.Deps{
		Content: s.content,
		Ledger:  s.ledger,
		Index:   s.index,
		Jobs:    s.jobs,
		Cache:   s.cache,
		Journal: s.journal,
		Metrics: s.metrics,
	}, purchase.Config{
		Retry:            policy,
		MinConfirmations: cfg.Ledger.MinConfirmations,
		LockTTL:          cfg.Jobs.LockTTL,
		Concurrency:      cfg.Defaults.Concurrency,
	})
	return s, nil
}

func (s *services) connect(ctx context.Context, cfg *config.Config) error {
	s.content = contentstore.NewKubo(cfg.ContentStore.APIURL, cfg.ContentStore.Timeout)

	header := http.Header{}
	if cfg.Ledger.Token != "" {
		header.Set("Authorization", "Bearer "+cfg.Ledger.Token)
	}
	api, closer, err := ledger.NewRPCClient(ctx, cfg.Ledger.RPCURL, header)
	if err != nil {
		return fmt.Errorf("connecting to ledger at %s: %w", cfg.Ledger.RPCURL, err)
	}
	s.api = api
	s.closers = append(s.closers, func() error { closer(); return nil })

	if cfg.Index.DatabaseURL != "" {
		g, err := index.OpenGorm(cfg.Index.DatabaseURL)
		if err != nil {
			return err
		}
		s.index = g
		s.closers = append(s.closers, g.Close)
		return nil
	}

	var token string
	if cfg.Index.JWTSecret != "" {
		token, err = index.IssueToken([]byte(cfg.Index.JWTSecret), "bookledger", index.RoleOrchestrator, indexTokenTTL)
		if err != nil {
			return fmt.Errorf("signing index token: %w", err)
		}
	}
	s.index = index.NewClient(cfg.Index.APIURL, token, cfg.Index.Timeout)
	return nil
}

// Close releases connections in reverse order of opening.
func (s *services) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			log.Warnw("closing service", "error", err)
		}
	}
	s.closers = nil
}

// withServices opens the services for the duration of fn.
func withServices(ctx context.Context, fn func(*services) error) error {
	s, err := openServices(ctx, cfg)
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(s)
}
