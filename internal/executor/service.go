package executor

import (
	"context"
	"fmt"
	"time"

	"agentarena/internal/bundle"
	"agentarena/internal/cancellation"
	"agentarena/internal/common/mq"
	"agentarena/internal/match"
	"agentarena/internal/observer"
	"agentarena/internal/sandbox/agent"
	"agentarena/internal/sandbox/backend"
	appErr "agentarena/pkg/errors"
	"agentarena/pkg/utils/contextkey"
	"agentarena/pkg/utils/logger"

	"go.uber.org/zap"
)

const (
	defaultRAMBudgetMB = 512
	defaultClaimTTL    = 24 * time.Hour
	claimPrefix        = "arena:match:claim:"
)

// Claimer marks a match as taken so a redelivered request does not run it
// twice. The redis cache implements it.
type Claimer interface {
	SetNX(ctx context.Context, key string, value interface{}, ttl time.Duration) (bool, error)
	Del(ctx context.Context, keys ...string) error
}

// Service runs matches.
type Service struct {
	registry  *match.Registry
	backend   backend.Backend
	fetcher   BundleFetcher
	sink      match.EventSink
	checker   match.CancellationChecker
	prober    bundle.Prober
	claims    Claimer
	producer  mq.Producer
	metrics   observer.MetricsRecorder
	pool      *SlotPool
	agentOpts agent.Options

	workDir        string
	mounts         []backend.Mount
	swapPath       string
	ramBudgetMB    int64
	matchTimeout   time.Duration
	messageTimeout time.Duration
	claimTTL       time.Duration
	requeue        RequeueConfig
}

// Config holds service dependencies and settings.
type Config struct {
	Registry *match.Registry
	Backend  backend.Backend
	Fetcher  BundleFetcher
	Sink     match.EventSink
	// Checker is polled before expensive steps. Optional.
	Checker match.CancellationChecker
	// Prober, when set, cancels matches whose bundles were withdrawn.
	Prober bundle.Prober
	// Claims deduplicates redelivered requests. Optional.
	Claims Claimer
	// Producer publishes requeued requests. Optional outside serve mode.
	Producer     mq.Producer
	Metrics      observer.MetricsRecorder
	AgentOptions agent.Options

	WorkDir        string
	Mounts         []backend.Mount
	SwapPath       string
	RAMBudgetMB    int64
	SandboxSlots   int64
	SlotWait       time.Duration
	MatchTimeout   time.Duration
	MessageTimeout time.Duration
	ClaimTTL       time.Duration
	Requeue        RequeueConfig
}

// NewService creates a match service.
func NewService(cfg Config) (*Service, error) {
	if cfg.Registry == nil {
		return nil, fmt.Errorf("game registry is required")
	}
	if cfg.Backend == nil {
		return nil, fmt.Errorf("sandbox backend is required")
	}
	if cfg.Fetcher == nil {
		return nil, fmt.Errorf("bundle fetcher is required")
	}
	if cfg.Sink == nil {
		return nil, fmt.Errorf("event sink is required")
	}
	if cfg.WorkDir == "" {
		return nil, fmt.Errorf("work dir is required")
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observer.Nop{}
	}
	if cfg.RAMBudgetMB <= 0 {
		cfg.RAMBudgetMB = defaultRAMBudgetMB
	}
	if cfg.ClaimTTL <= 0 {
		cfg.ClaimTTL = defaultClaimTTL
	}
	return &Service{
		registry:       cfg.Registry,
		backend:        cfg.Backend,
		fetcher:        cfg.Fetcher,
		sink:           cfg.Sink,
		checker:        cfg.Checker,
		prober:         cfg.Prober,
		claims:         cfg.Claims,
		producer:       cfg.Producer,
		metrics:        cfg.Metrics,
		pool:           NewSlotPool(cfg.SandboxSlots, cfg.SlotWait, cfg.Metrics),
		agentOpts:      cfg.AgentOptions,
		workDir:        cfg.WorkDir,
		mounts:         cfg.Mounts,
		swapPath:       cfg.SwapPath,
		ramBudgetMB:    cfg.RAMBudgetMB,
		matchTimeout:   cfg.MatchTimeout,
		messageTimeout: cfg.MessageTimeout,
		claimTTL:       cfg.ClaimTTL,
		requeue:        cfg.Requeue,
	}, nil
}

// Pool exposes the sandbox slot pool.
func (s *Service) Pool() *SlotPool {
	return s.pool
}

// RunMatch plays one match to the end. Failures inside the match are reported
// through the event log and the Result; the returned error is non-nil only
// when the match could not be started or its log could not be written.
func (s *Service) RunMatch(ctx context.Context, req MatchRequest) (match.Result, error) {
	if err := req.Validate(); err != nil {
		return match.Result{}, err
	}
	ctx = contextkey.WithMatch(ctx, req.MatchID)
	game, err := s.registry.Get(req.Game)
	if err != nil {
		return match.Result{}, err
	}

	slots := int64(len(req.Agents))
	if err := s.pool.Acquire(ctx, slots); err != nil {
		return match.Result{}, err
	}
	defer s.pool.Release(slots)

	if s.claims != nil {
		ok, err := s.claims.SetNX(ctx, claimPrefix+req.MatchID, time.Now().UTC().Format(time.RFC3339), s.claimTTL)
		if err != nil {
			return match.Result{}, appErr.Wrapf(err, appErr.CacheError, "claim match failed")
		}
		if !ok {
			logger.Info(ctx, "match already claimed, skipping")
			return match.Result{}, appErr.Newf(appErr.MatchClosed, "match %s was already run", req.MatchID)
		}
	}

	if s.matchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.matchTimeout)
		defer cancel()
	}

	opts := []match.Option{match.WithSettings(req.Settings)}
	if s.messageTimeout > 0 {
		opts = append(opts, match.WithMessageTimeout(s.messageTimeout))
	}
	checkers := cancellation.Chain{s.checker}
	if s.prober != nil {
		checkers = append(checkers, cancellation.NewBundleChecker(s.prober, req.Refs()))
	}
	opts = append(opts, match.WithCancellationChecker(checkers))

	start := time.Now()
	m := match.NewManager(req.MatchID, game, req.AgentIDs(), &agentFactory{svc: s, req: req}, s.sink, opts...)
	res, err := m.Run(ctx)
	s.metrics.ObserveMatch(ctx, game.Name(), string(res.Outcome), time.Since(start))
	if res.Outcome == match.OutcomeForfeit {
		s.metrics.ObserveForfeit(ctx, game.Name())
	}
	if err != nil && s.claims != nil {
		// the log is incomplete, so let a redelivery run the match again
		if delErr := s.claims.Del(context.WithoutCancel(ctx), claimPrefix+req.MatchID); delErr != nil {
			logger.Warn(ctx, "release match claim failed", zap.Error(delErr))
		}
	}
	return res, err
}

// HandleMessage processes one match request from the queue.
func (s *Service) HandleMessage(ctx context.Context, msg *mq.Message) error {
	if msg == nil {
		return appErr.New(appErr.InvalidParams).WithMessage("message is nil")
	}
	req, err := DecodeRequest(msg.Body)
	if err != nil {
		logger.Warn(ctx, "dropping invalid match request", zap.String("message_id", msg.ID), zap.Error(err))
		return nil
	}
	ctx = contextkey.WithTrace(ctx, msg.ID)

	res, err := s.RunMatch(ctx, req)
	if err == nil {
		logger.Info(contextkey.WithMatch(ctx, req.MatchID), "match finished",
			zap.String("outcome", string(res.Outcome)),
			zap.Int("forfeit_agent", res.ForfeitAgent))
		return nil
	}
	return s.handleFailure(ctx, msg, req, err)
}

func (s *Service) handleFailure(ctx context.Context, msg *mq.Message, req MatchRequest, err error) error {
	ctx = contextkey.WithMatch(ctx, req.MatchID)
	switch appErr.GetCode(err) {
	case appErr.MatchQueueFull:
		dead, rerr := RequeueForPoolFull(ctx, s.producer, s.requeue, msg)
		if rerr != nil {
			return rerr
		}
		s.metrics.ObserveRequeue(ctx, dead)
		return nil
	case appErr.InvalidParams, appErr.ValidationFailed, appErr.GameNotFound, appErr.MatchClosed:
		logger.Warn(ctx, "match request rejected", zap.Error(err))
		return nil
	}
	logger.Error(ctx, "match request failed", zap.Error(err))
	return err
}
