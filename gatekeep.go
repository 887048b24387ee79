// Package gatekeep is a chat-group moderation engine: it challenges
// suspicious senders with a numeric code, keeps a trusted-user registry,
// matches messages, names and profile bios against keyword sets and retries
// message deletions through a durable queue.
package gatekeep

import (
	"context"
	"time"

	"github.com/maxbolgarin/errm"
	"github.com/maxbolgarin/lang"
	"github.com/panjf2000/ants/v2"
)

// Service wires the moderation components together and consumes transport
// events. Create it with New, feed it with HandleMessage and
// HandleMemberUpdate, stop it with Stop.
type Service struct {
	cfg Config
	log Logger

	transport Transport
	matcher   *Matcher
	profiles  *ProfileCache
	queue     *DeletionQueue
	engine    *VerificationEngine
	store     DocumentStore
	async     *AsyncStore
	metrics   *metrics

	telemetry *Telemetry // owned when built from config, nil otherwise
	mongo     *MongoDB   // owned when built from config, nil otherwise

	pool   *ants.Pool
	ctx    context.Context
	cancel context.CancelFunc

	allowed map[int64]struct{}
}

// New builds the service. The transport is the only required dependency;
// everything else comes from Options with sensible defaults.
func New(ctx context.Context, transport Transport, optFuncs ...func(*Options)) (*Service, error) {
	var opts Options
	for _, f := range optFuncs {
		f(&opts)
	}
	opts, err := prepareOpts(opts)
	if err != nil {
		return nil, err
	}
	cfg, log := opts.Config, opts.Logger

	ctx, cancel := context.WithCancel(ctx)
	s := &Service{
		cfg:       cfg,
		log:       log,
		transport: transport,
		ctx:       ctx,
		cancel:    cancel,
	}

	if err := s.build(opts); err != nil {
		cancel()
		return nil, err
	}
	return s, nil
}

func (s *Service) build(opts Options) error {
	cfg := s.cfg

	s.metrics = newMetrics(opts.Metrics)

	s.store = opts.Store
	if s.store == nil {
		if cfg.Database.Enabled() {
			mongo, err := NewMongo(s.ctx, cfg.Database)
			if err != nil {
				return errm.Wrap(err, "connect mongodb")
			}
			s.mongo = mongo
			s.store = NewMongoStore(mongo)
		} else {
			store, err := NewFileStore(cfg.DataDir, s.log)
			if err != nil {
				return errm.Wrap(err, "create file store")
			}
			s.store = store
		}
	}

	sink := opts.Sink
	if sink == nil {
		s.telemetry = NewTelemetry(cfg.Telemetry, s.log)
		sink = s.telemetry
	}

	var keywords KeywordConfig
	if err := s.store.Load(s.ctx, DocKeywords, &keywords); err != nil && !errm.Is(err, ErrNotFound) {
		return errm.Wrap(err, "load keyword config")
	}
	matcher, err := NewMatcher(keywords)
	if err != nil {
		s.log.Warn("some keyword patterns were skipped", "error", err)
	}
	s.matcher = matcher

	s.profiles, err = NewProfileCache(s.transport, cfg.Profile, s.log, sink, s.metrics)
	if err != nil {
		return errm.Wrap(err, "create profile cache")
	}

	s.queue, err = NewDeletionQueue(s.ctx, s.transport, cfg.Queue, s.log, sink, s.metrics)
	if err != nil {
		return errm.Wrap(err, "create deletion queue")
	}

	s.async = NewAsyncStore(s.ctx, s.store, 2)

	s.engine = newVerificationEngine(cfg, engineDeps{
		transport: s.transport,
		matcher:   s.matcher,
		profiles:  s.profiles,
		queue:     s.queue,
		store:     s.async,
		log:       s.log,
		sink:      sink,
		metrics:   s.metrics,
	})
	if err := s.engine.LoadState(s.ctx, s.store); err != nil {
		s.log.Warn("cannot fully restore state", "error", err)
	}

	s.pool, err = ants.NewPool(cfg.Workers, ants.WithPreAlloc(true))
	if err != nil {
		return errm.Wrap(err, "create worker pool")
	}

	if len(cfg.Chats) > 0 {
		s.allowed = make(map[int64]struct{}, len(cfg.Chats))
		for _, id := range cfg.Chats {
			s.allowed[id] = struct{}{}
		}
	}

	return nil
}

// Start launches the periodic deletion sweep.
func (s *Service) Start() {
	s.log.Info("service is starting",
		"chats", len(s.allowed), "keywords", s.matcher.Text.Len()+s.matcher.Name.Len()+s.matcher.Bio.Len())

	lang.Go(s.log, func() {
		ticker := time.NewTicker(s.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-s.ctx.Done():
				return
			case <-ticker.C:
				s.queue.Sweep(s.ctx)
			}
		}
	})
}

// Stop shuts the service down: pending delayed deletions are flushed to the
// persisted overflow, queued document writes are drained, the telemetry
// stream is closed.
func (s *Service) Stop() {
	s.cancel()
	s.pool.Release()
	s.queue.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.async.Shutdown(ctx); err != nil {
		s.log.Error("cannot drain document writes", "error", err)
	}

	if s.telemetry != nil {
		if err := s.telemetry.Close(); err != nil {
			s.log.Warn("cannot close telemetry stream", "error", err)
		}
	}
	if s.mongo != nil {
		if err := s.mongo.Disconnect(ctx); err != nil {
			s.log.Warn("cannot disconnect mongodb", "error", err)
		}
	}

	s.log.Info("service is stopped")
}

// HandleMessage accepts one inbound message. It returns immediately;
// processing happens on the worker pool after the settle delay.
func (s *Service) HandleMessage(msg IncomingMessage) {
	if !s.chatAllowed(msg.ChatID) {
		return
	}
	s.metrics.incMessage()
	s.queue.RetryChat(msg.ChatID)

	if s.engine.IsTrusted(msg.UserID) {
		return
	}

	err := s.pool.Submit(func() {
		defer lang.Recover(s.log)
		started := time.Now()

		// Let faster moderation bots act first; our delete then hits
		// not-found and counts as done.
		if err := sleepContext(s.ctx, s.cfg.SettleDelay); err != nil {
			return
		}
		s.engine.ProcessMessage(s.ctx, msg)
		s.metrics.observeHandleDuration(time.Since(started))
	})
	if err != nil {
		s.log.Error("cannot submit message task", "chat_id", msg.ChatID, "error", err)
	}
}

// HandleMemberUpdate accepts one membership change event.
func (s *Service) HandleMemberUpdate(up MemberUpdate) {
	if !s.chatAllowed(up.ChatID) {
		return
	}
	err := s.pool.Submit(func() {
		defer lang.Recover(s.log)
		s.engine.ProcessMemberUpdate(up)
	})
	if err != nil {
		s.log.Error("cannot submit member task", "chat_id", up.ChatID, "error", err)
	}
}

// Matcher exposes the keyword sets for operator tooling.
func (s *Service) Matcher() *Matcher {
	return s.matcher
}

// DeletionStats returns the deletion attempt counters.
func (s *Service) DeletionStats() DeletionStats {
	return s.queue.Stats()
}

func (s *Service) chatAllowed(chatID int64) bool {
	if len(s.allowed) == 0 {
		return true
	}
	_, ok := s.allowed[chatID]
	return ok
}
