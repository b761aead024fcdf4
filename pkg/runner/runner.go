// Package runner hosts one orchestrator per configured profile and runs them in parallel.
package runner

import (
	"context"
	"fmt"
	"math/rand"
	"sync"

	"github.com/google/uuid"
	"github.com/speedrun-hq/speedrun-relayer/pkg/circuitbreaker"
	"github.com/speedrun-hq/speedrun-relayer/pkg/config"
	"github.com/speedrun-hq/speedrun-relayer/pkg/journal"
	"github.com/speedrun-hq/speedrun-relayer/pkg/logger"
	"github.com/speedrun-hq/speedrun-relayer/pkg/metrics"
	"github.com/speedrun-hq/speedrun-relayer/pkg/models"
	"github.com/speedrun-hq/speedrun-relayer/pkg/orchestrator"
	"github.com/speedrun-hq/speedrun-relayer/pkg/relay"
	"github.com/speedrun-hq/speedrun-relayer/pkg/rpcgateway"
	"golang.org/x/sync/errgroup"
)

// Dialer connects the gateway of a profile
type Dialer func(ctx context.Context, profile config.Profile, opts rpcgateway.Options, log logger.Logger) (*rpcgateway.Gateway, error)

func dialProfile(ctx context.Context, profile config.Profile, opts rpcgateway.Options, log logger.Logger) (*rpcgateway.Gateway, error) {
	return rpcgateway.Dial(ctx, profile.RPCURLs, opts, log)
}

// Report is the outcome of one profile run
type Report struct {
	RunID   string
	Profile config.Profile
	Results []models.TransferResult
	Err     error
}

// Status is the health view of one run
type Status struct {
	orchestrator.Progress
	Breakers []circuitbreaker.Snapshot `json:"breakers"`
}

type run struct {
	orchestrator *orchestrator.Orchestrator
	gateway      *rpcgateway.Gateway
}

// Runner runs every configured profile with the same account
type Runner struct {
	cfg     *config.Config
	account models.Account
	journal *journal.Store
	dial    Dialer
	logger  logger.Logger

	mu   sync.Mutex
	runs []*run
}

// New validates the signing key and prepares a runner
func New(cfg *config.Config, store *journal.Store, log logger.Logger) (*Runner, error) {
	if log == nil {
		log = &logger.EmptyLogger{}
	}
	key, err := config.ParsePrivateKey(cfg.PrivateKey)
	if err != nil {
		return nil, err
	}
	return &Runner{
		cfg:     cfg,
		account: models.NewAccount(key, cfg.WalletName),
		journal: store,
		dial:    dialProfile,
		logger:  log,
	}, nil
}

// Account returns the sending account
func (r *Runner) Account() models.Account {
	return r.account
}

// TransferCount returns count when positive, otherwise a random count in the configured range
func (r *Runner) TransferCount(count int) int {
	if count > 0 {
		return count
	}
	lo, hi := r.cfg.TransferCountMin, r.cfg.TransferCountMax
	if hi <= lo {
		return lo
	}
	return lo + rand.Intn(hi-lo+1)
}

// Run starts one orchestrator per profile, at most WorkerCount at a time, and
// waits for all of them. The error is the first setup or cancellation error;
// every profile still gets a report.
func (r *Runner) Run(ctx context.Context, count int) ([]Report, error) {
	profiles := r.cfg.Profiles
	reports := make([]Report, len(profiles))

	var g errgroup.Group
	workers := r.cfg.WorkerCount
	if workers < 1 {
		workers = 1
	}
	g.SetLimit(workers)

	r.logger.Info("Starting %d profile(s) for %s (%s) with %d worker(s)", len(profiles), r.account.Label, r.account.Address.Hex(), workers)
	for i, profile := range profiles {
		i, profile := i, profile
		g.Go(func() error {
			metrics.ActiveOrchestrators.Inc()
			defer metrics.ActiveOrchestrators.Dec()

			reports[i] = r.runProfile(ctx, profile, r.TransferCount(count))
			return reports[i].Err
		})
	}

	err := g.Wait()
	return reports, err
}

func (r *Runner) runProfile(ctx context.Context, profile config.Profile, count int) Report {
	report := Report{RunID: uuid.NewString(), Profile: profile}
	log := r.logger

	gw, err := r.dial(ctx, profile, rpcgateway.Options{
		Selection:      profile.RPCSelection,
		FixedIndex:     profile.FixedEndpoint,
		RateLimit:      r.cfg.RPCRateLimit,
		CircuitBreaker: r.cfg.CircuitBreaker,
	}, log)
	if err != nil {
		report.Err = fmt.Errorf("profile %s: %w", profile.Name, err)
		log.ErrorWithChain(profile.ChainID, "%v", report.Err)
		return report
	}
	defer gw.Close()

	correlator := relay.NewCorrelator(relay.Options{
		Endpoint:  r.cfg.GraphQLEndpoint,
		Timeout:   r.cfg.IndexerTimeout,
		Polling:   profile.Correlation,
		RateLimit: r.cfg.IndexerRateLimit,
		ChainID:   profile.ChainID,
	}, log)

	o, err := orchestrator.New(gw, correlator, orchestrator.Options{
		RunID:           report.RunID,
		Profile:         profile,
		Account:         r.account,
		MaxAttempts:     r.cfg.MaxAttempts,
		FailureCooldown: r.cfg.FailureCooldown,
		Journal:         r.journal,
	}, log)
	if err != nil {
		report.Err = fmt.Errorf("profile %s: %w", profile.Name, err)
		log.ErrorWithChain(profile.ChainID, "%v", report.Err)
		return report
	}
	r.register(&run{orchestrator: o, gateway: gw})

	log.InfoWithChain(profile.ChainID, "Run %s: %d transfers on %s", report.RunID, count, profile.Name)
	report.Results, err = o.Run(ctx, count)
	if err != nil {
		report.Err = fmt.Errorf("profile %s: %w", profile.Name, err)
		log.ErrorWithChain(profile.ChainID, "%v", report.Err)
	}
	return report
}

func (r *Runner) register(run *run) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = append(r.runs, run)
}

func (r *Runner) snapshot() []*run {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*run(nil), r.runs...)
}

// Ready reports whether every started orchestrator has seeded its nonce
func (r *Runner) Ready() bool {
	runs := r.snapshot()
	if len(runs) == 0 {
		return false
	}
	for _, run := range runs {
		if !run.orchestrator.Progress().Seeded {
			return false
		}
	}
	return true
}

// Status returns progress and endpoint breakers of every run
func (r *Runner) Status() []Status {
	runs := r.snapshot()
	out := make([]Status, 0, len(runs))
	for _, run := range runs {
		status := Status{Progress: run.orchestrator.Progress()}
		for _, cb := range run.gateway.Breakers() {
			status.Breakers = append(status.Breakers, cb.Snapshot())
		}
		out = append(out, status)
	}
	return out
}

// ResetBreaker closes every breaker guarding the named endpoint
func (r *Runner) ResetBreaker(endpoint string) bool {
	found := false
	for _, run := range r.snapshot() {
		for _, cb := range run.gateway.Breakers() {
			if cb.Name() == endpoint {
				cb.Reset()
				found = true
			}
		}
	}
	return found
}
