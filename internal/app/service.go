package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"healthtree/internal/catalog"
	"healthtree/internal/clock"
	"healthtree/internal/config"
	"healthtree/internal/domain"
	"healthtree/internal/engine"
	"healthtree/internal/history"
	"healthtree/internal/ingest"
	"healthtree/internal/logging"
	"healthtree/internal/metrics"
	"healthtree/internal/notify"
	"healthtree/internal/notifyqueue"
	"healthtree/internal/push"
	"healthtree/internal/state"
)

const (
	shutdownTimeout  = 10 * time.Second
	bootstrapTimeout = 30 * time.Second
	deliveryTimeout  = 2 * time.Minute
)

// Service composes runtime dependencies and process lifecycle.
// Params: config source and shared runtime components.
// Returns: runnable healthtree service.
type Service struct {
	source   config.ConfigSource
	logger   *slog.Logger
	closeLog func()
	clock    clock.Clock
	metrics  *metrics.Metrics

	catalog  *catalog.FileRepository
	states   state.Store
	history  history.Store
	manager  *Manager
	broker   *push.Broker
	natsPush *push.NATSPublisher
	pusher   push.Publisher

	httpSrv *http.Server
	natsSub interface{ Close() error }

	// runtimeMu guards fields swapped by config reload.
	runtimeMu  sync.RWMutex
	cfg        config.Config
	dispatcher *notify.Dispatcher
	notifyQ    interface{ Close() error }
	notifyPub  notifyqueue.Producer

	deliveries sync.WaitGroup
	readyFlag  atomic.Bool
}

// NewService builds service instance from config source.
// Params: config source and clock implementation.
// Returns: initialized service or setup error.
func NewService(source config.ConfigSource, clk clock.Clock) (*Service, error) {
	cfg, err := config.LoadSnapshot(source)
	if err != nil {
		return nil, err
	}

	logger, closeLog, err := logging.New(cfg.Log)
	if err != nil {
		return nil, err
	}

	service := &Service{
		source:     source,
		cfg:        cfg,
		logger:     logger,
		closeLog:   closeLog,
		clock:      clk,
		metrics:    metrics.New(),
		dispatcher: notify.NewDispatcher(cfg.Notify, logger),
	}

	repo, err := catalog.NewFileRepository(cfg.Catalog.Dir, clk)
	if err != nil {
		service.cleanupInitResources()
		return nil, fmt.Errorf("load catalog: %w", err)
	}
	service.catalog = repo

	if err := service.buildStores(); err != nil {
		service.cleanupInitResources()
		return nil, err
	}
	if err := service.buildPush(); err != nil {
		service.cleanupInitResources()
		return nil, err
	}

	service.manager = NewManager(ManagerOptions{
		Catalog:   repo,
		States:    service.states,
		History:   service.history,
		Hooks:     service,
		Metrics:   service.metrics,
		Logger:    logger,
		Clock:     clk,
		QueueSize: cfg.Service.ActorQueueSize,
		Engine: engine.Options{
			HeartbeatCheckID:   cfg.Heartbeat.CheckID,
			HeartbeatThreshold: cfg.Heartbeat.Threshold(),
			Logger:             logger,
		},
	})
	bootstrapCtx, cancel := context.WithTimeout(context.Background(), bootstrapTimeout)
	syncErr := service.manager.Sync(bootstrapCtx)
	cancel()
	if syncErr != nil {
		// Broken environments are skipped; healthy ones keep serving.
		logger.Error("catalog bootstrap incomplete", "error", syncErr.Error())
	}

	if err := service.buildHTTPServer(); err != nil {
		service.cleanupInitResources()
		return nil, err
	}
	if err := service.buildNATSSubscriber(); err != nil {
		service.cleanupInitResources()
		return nil, err
	}
	if err := service.buildNotifyQueue(); err != nil {
		service.cleanupInitResources()
		return nil, err
	}

	return service, nil
}

// Manager returns environment registry of service.
func (s *Service) Manager() *Manager {
	return s.manager
}

// Handler returns HTTP router of service.
func (s *Service) Handler() http.Handler {
	return s.httpSrv.Handler
}

// Run starts service lifecycle and blocks until shutdown signal.
// Params: root context for service runtime.
// Returns: terminal run error.
func (s *Service) Run(ctx context.Context) error {
	shutdownCtx, shutdownCancel := context.WithCancel(ctx)
	defer shutdownCancel()

	cfg := s.config()
	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("http server starting", "listen", cfg.Ingest.HTTP.Listen)
		err := s.httpSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	var loops sync.WaitGroup
	s.every(shutdownCtx, &loops, tickEscalation, config.Interval(cfg.Service.EscalationTickSec), s.manager.EvaluateEscalations)
	s.every(shutdownCtx, &loops, tickNotification, config.Interval(cfg.Service.NotificationTickSec), s.manager.EvaluateNotifications)
	s.every(shutdownCtx, &loops, tickHeartbeat, config.Interval(cfg.Service.HeartbeatTickSec), s.manager.CheckHeartbeats)
	s.every(shutdownCtx, &loops, tickFlush, config.Interval(cfg.Service.FlushIntervalSec), s.manager.Flush)
	s.every(shutdownCtx, &loops, "catalog_refresh", config.Interval(cfg.Service.RefreshIntervalSec), s.refreshCatalog)
	if cfg.Service.ReloadEnabled {
		s.every(shutdownCtx, &loops, "reload", config.Interval(cfg.Service.ReloadIntervalSec), s.reloadConfig)
	}
	if cfg.Catalog.Watch {
		loops.Add(1)
		go func() {
			defer loops.Done()
			debounce := time.Duration(cfg.Catalog.DebounceMS) * time.Millisecond
			err := catalog.Watch(shutdownCtx, s.catalog, debounce, s.logger, func(names []string) {
				if err := s.manager.SyncCatalog(shutdownCtx, names); err != nil {
					s.logger.Error("catalog sync failed", "error", err.Error())
				}
			})
			if err != nil {
				s.logger.Error("catalog watch stopped", "error", err.Error())
			}
		}()
	}

	s.readyFlag.Store(true)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-errChan:
		runErr = fmt.Errorf("http server failed: %w", err)
	case <-sigChan:
	}
	shutdownCancel()
	loops.Wait()
	if err := s.shutdown(); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// every runs fn on fixed interval until ctx is canceled.
// Params: context, loop wait group, loop name for logs, interval, and callback.
// Returns: none; loop goroutine is tracked by wait group.
func (s *Service) every(ctx context.Context, wg *sync.WaitGroup, name string, interval time.Duration, fn func(context.Context) error) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
					s.logger.Error("periodic task failed", "task", name, "error", err.Error())
				}
			}
		}
	}()
}

// refreshCatalog re-reads catalog so time-bounded rules and deployments stay current.
// Params: context for environment refresh.
// Returns: reload or sync error.
func (s *Service) refreshCatalog(ctx context.Context) error {
	names, err := s.catalog.Reload()
	if err != nil {
		return fmt.Errorf("catalog reload: %w", err)
	}
	return s.manager.SyncCatalog(ctx, names)
}

// shutdown closes runtime resources in dependency order.
// Params: none.
// Returns: first close error.
func (s *Service) shutdown() error {
	s.readyFlag.Store(false)
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	var firstErr error
	markErr := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("http shutdown failed", "error", err.Error())
		markErr(fmt.Errorf("http shutdown: %w", err))
	}
	if s.natsSub != nil {
		if err := s.natsSub.Close(); err != nil {
			s.logger.Error("nats subscriber close failed", "error", err.Error())
			markErr(fmt.Errorf("nats subscriber close: %w", err))
		}
	}
	if err := s.manager.Close(ctx); err != nil {
		s.logger.Error("final history flush failed", "error", err.Error())
		markErr(fmt.Errorf("final history flush: %w", err))
	}
	if err := s.waitDeliveries(ctx); err != nil {
		s.logger.Error("pending notifications abandoned", "error", err.Error())
		markErr(fmt.Errorf("pending notifications: %w", err))
	}

	s.runtimeMu.Lock()
	notifyQ, notifyPub := s.notifyQ, s.notifyPub
	s.notifyQ, s.notifyPub = nil, nil
	s.runtimeMu.Unlock()
	if notifyQ != nil {
		if err := notifyQ.Close(); err != nil {
			s.logger.Error("notify queue worker close failed", "error", err.Error())
			markErr(fmt.Errorf("notify queue worker close: %w", err))
		}
	}
	if notifyPub != nil {
		if err := notifyPub.Close(); err != nil {
			s.logger.Error("notify queue producer close failed", "error", err.Error())
			markErr(fmt.Errorf("notify queue producer close: %w", err))
		}
	}
	if s.natsPush != nil {
		if err := s.natsPush.Close(); err != nil {
			s.logger.Error("push publisher close failed", "error", err.Error())
			markErr(fmt.Errorf("push publisher close: %w", err))
		}
	}
	if err := s.states.Close(); err != nil {
		s.logger.Error("state store close failed", "error", err.Error())
		markErr(fmt.Errorf("state store close: %w", err))
	}
	if err := s.history.Close(); err != nil {
		s.logger.Error("history store close failed", "error", err.Error())
		markErr(fmt.Errorf("history store close: %w", err))
	}
	if s.closeLog != nil {
		s.closeLog()
	}
	return firstErr
}

// waitDeliveries waits for direct-mode notification goroutines.
func (s *Service) waitDeliveries(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.deliveries.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// cleanupInitResources closes partially initialized resources on startup failures.
// Params: none.
// Returns: all acquired resources closed best-effort.
func (s *Service) cleanupInitResources() {
	if s.notifyQ != nil {
		_ = s.notifyQ.Close()
		s.notifyQ = nil
	}
	if s.notifyPub != nil {
		_ = s.notifyPub.Close()
		s.notifyPub = nil
	}
	if s.natsSub != nil {
		_ = s.natsSub.Close()
		s.natsSub = nil
	}
	if s.httpSrv != nil {
		_ = s.httpSrv.Close()
		s.httpSrv = nil
	}
	if s.manager != nil {
		_ = s.manager.Close(context.Background())
		s.manager = nil
	}
	if s.natsPush != nil {
		_ = s.natsPush.Close()
		s.natsPush = nil
	}
	if s.states != nil {
		_ = s.states.Close()
		s.states = nil
	}
	if s.history != nil {
		_ = s.history.Close()
		s.history = nil
	}
	if s.closeLog != nil {
		s.closeLog()
		s.closeLog = nil
	}
}

// buildStores creates current-state and history backends from config.
// Params: none.
// Returns: setup error.
func (s *Service) buildStores() error {
	cfg := s.cfg
	if isSingleMode(cfg) {
		s.states = state.NewMemoryStore()
	} else {
		store, err := state.NewNATSStore(state.NATSStoreConfig{
			URL:                cfg.Ingest.NATS.URL,
			Bucket:             cfg.State.Bucket,
			AllowCreateBuckets: cfg.State.AllowCreateBuckets,
		})
		if err != nil {
			return err
		}
		s.states = store
	}

	switch cfg.History.Backend {
	case config.HistoryBackendNATS:
		store, err := history.NewNATSStore(history.NATSStoreConfig{
			URL:                cfg.Ingest.NATS.URL,
			Bucket:             cfg.History.Bucket,
			AllowCreateBuckets: cfg.History.AllowCreateBuckets,
		})
		if err != nil {
			return err
		}
		s.history = store
	case config.HistoryBackendPostgres:
		ctx, cancel := context.WithTimeout(context.Background(), bootstrapTimeout)
		defer cancel()
		store, err := history.NewPostgresStore(ctx, cfg.History.PostgresDSN, cfg.History.PostgresMaxConns)
		if err != nil {
			return err
		}
		s.history = store
	default:
		s.history = history.NewMemoryStore()
	}
	return nil
}

// buildPush wires SSE broker and NATS publisher behind one fan-out publisher.
// Params: none.
// Returns: NATS connection error.
func (s *Service) buildPush() error {
	var publishers []push.Publisher
	if s.cfg.Push.SSEEnabled {
		s.broker = push.NewBroker()
		publishers = append(publishers, s.broker)
	}
	if s.cfg.Push.NATSEnabled {
		publisher, err := push.NewNATSPublisher(s.cfg.Ingest.NATS.URL, s.cfg.Push.SubjectPrefix)
		if err != nil {
			return err
		}
		s.natsPush = publisher
		publishers = append(publishers, publisher)
	}
	s.pusher = push.NewMulti(publishers...)
	return nil
}

// buildHTTPServer wires router with ingest, query, and health endpoints.
// Params: none.
// Returns: setup error.
func (s *Service) buildHTTPServer() error {
	cfg := s.cfg
	mux := http.NewServeMux()
	mux.HandleFunc(cfg.Ingest.HTTP.HealthPath, func(writer http.ResponseWriter, _ *http.Request) {
		writer.WriteHeader(http.StatusOK)
		_, _ = writer.Write([]byte("ok"))
	})
	mux.HandleFunc(cfg.Ingest.HTTP.ReadyPath, func(writer http.ResponseWriter, _ *http.Request) {
		if !s.readyFlag.Load() {
			writer.WriteHeader(http.StatusServiceUnavailable)
			_, _ = writer.Write([]byte("not-ready"))
			return
		}
		writer.WriteHeader(http.StatusOK)
		_, _ = writer.Write([]byte("ready"))
	})

	if cfg.Ingest.HTTP.Enabled {
		mux.Handle(cfg.Ingest.HTTP.AlertsPath, ingest.NewHTTPHandler(s.manager, cfg.Ingest.HTTP.MaxBodyBytes))
		mux.Handle(cfg.Ingest.HTTP.HeartbeatPath, ingest.NewHeartbeatHandler(s.manager))
	}
	registerAPI(mux, s.manager)
	if cfg.Metrics.Enabled {
		mux.Handle(cfg.Metrics.Path, s.metrics.Handler())
	}
	if s.broker != nil {
		mux.Handle(cfg.Push.StreamPath, s.broker)
	}

	s.httpSrv = &http.Server{
		Addr:              cfg.Ingest.HTTP.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	if s.broker != nil {
		s.httpSrv.RegisterOnShutdown(s.broker.Close)
	}
	return nil
}

// buildNATSSubscriber starts NATS ingest when enabled.
// Params: none.
// Returns: initialization error.
func (s *Service) buildNATSSubscriber() error {
	if isSingleMode(s.cfg) {
		return nil
	}
	if !s.cfg.Ingest.NATS.Enabled {
		return nil
	}
	subscriber, err := ingest.NewNATSSubscriber(s.cfg.Ingest.NATS, s.manager, s.logger)
	if err != nil {
		return err
	}
	s.natsSub = subscriber
	return nil
}

// reloadConfig atomically reloads notification runtime from new config snapshot.
// Params: context (unused by swap, kept for periodic task signature).
// Returns: reload error; previous runtime stays active on failure.
func (s *Service) reloadConfig(_ context.Context) error {
	nextCfg, err := config.LoadSnapshot(s.source)
	if err != nil {
		return err
	}
	current := s.config()
	if isSingleMode(nextCfg) != isSingleMode(current) {
		return fmt.Errorf("service.mode change requires restart")
	}
	if nextCfg.Catalog.Dir != current.Catalog.Dir {
		return fmt.Errorf("catalog.dir change requires restart")
	}
	nextDispatcher := notify.NewDispatcher(nextCfg.Notify, s.logger)
	nextProducer, nextWorker, err := s.buildNotifyQueueRuntime(nextCfg)
	if err != nil {
		return err
	}

	s.runtimeMu.Lock()
	prevWorker, prevProducer := s.notifyQ, s.notifyPub
	s.notifyQ = nextWorker
	s.notifyPub = nextProducer
	s.dispatcher = nextDispatcher
	s.cfg = nextCfg
	s.runtimeMu.Unlock()

	if prevWorker != nil {
		_ = prevWorker.Close()
	}
	if prevProducer != nil {
		_ = prevProducer.Close()
	}
	s.logger.Info("configuration reloaded", "channels", nextDispatcher.Channels())
	return nil
}

// buildNotifyQueue initializes async notification producer+worker when enabled.
// Params: none.
// Returns: setup error.
func (s *Service) buildNotifyQueue() error {
	producer, worker, err := s.buildNotifyQueueRuntime(s.cfg)
	if err != nil {
		return err
	}
	s.notifyPub = producer
	s.notifyQ = worker
	return nil
}

// buildNotifyQueueRuntime creates queue producer/worker pair from config snapshot.
// Params: config snapshot.
// Returns: producer and worker handles (nil when queue disabled).
func (s *Service) buildNotifyQueueRuntime(cfg config.Config) (notifyqueue.Producer, interface{ Close() error }, error) {
	if isSingleMode(cfg) {
		return nil, nil, nil
	}
	if !cfg.Notify.Queue.Enabled {
		return nil, nil, nil
	}
	producer, err := notifyqueue.NewNATSProducer(cfg.Notify.Queue)
	if err != nil {
		return nil, nil, err
	}
	worker, err := notifyqueue.NewNATSWorker(cfg.Notify.Queue, s.logger, s.deliverJob)
	if err != nil {
		_ = producer.Close()
		return nil, nil, err
	}
	return producer, worker, nil
}

// config returns active config snapshot.
func (s *Service) config() config.Config {
	s.runtimeMu.RLock()
	defer s.runtimeMu.RUnlock()
	return s.cfg
}

// OnTransitionsApplied publishes one propagation pass to push subscribers.
func (s *Service) OnTransitionsApplied(ctx context.Context, environment string, transitions []domain.StateTransition) {
	err := s.pusher.Publish(ctx, push.Batch{
		Environment: environment,
		Transitions: transitions,
		PublishedAt: s.clock.Now(),
	})
	if err != nil {
		s.logger.Error("push publish failed", "environment", environment, "transitions", len(transitions), "error", err.Error())
	}
}

// OnNotificationIntent enqueues intent routes or delivers them off the environment goroutine.
// Params: context and notification intent.
// Returns: none; failures are logged and counted.
func (s *Service) OnNotificationIntent(ctx context.Context, intent domain.NotificationIntent) {
	jobs := notifyqueue.JobsForIntent(intent, s.clock.Now())
	if len(jobs) == 0 {
		return
	}

	s.runtimeMu.RLock()
	producer := s.notifyPub
	s.runtimeMu.RUnlock()
	if producer != nil {
		for _, job := range jobs {
			if err := producer.Enqueue(ctx, job); err != nil {
				s.logger.Error("notify enqueue failed", "environment", intent.Environment, "rule_id", intent.Rule.ID, "channel", job.Channel, "error", err.Error())
			}
		}
		return
	}

	s.deliveries.Add(1)
	go func() {
		defer s.deliveries.Done()
		deliverCtx, cancel := context.WithTimeout(context.Background(), deliveryTimeout)
		defer cancel()
		for _, job := range jobs {
			_ = s.deliverJob(deliverCtx, job)
		}
	}()
}

// deliverJob sends one route of notification intent with active dispatcher.
// Params: context and queue job.
// Returns: delivery error (permanent errors are marked for dead-lettering).
func (s *Service) deliverJob(ctx context.Context, job notifyqueue.Job) error {
	s.runtimeMu.RLock()
	dispatcher := s.dispatcher
	s.runtimeMu.RUnlock()

	_, err := dispatcher.Send(ctx, job.Channel, job.Template, notify.NewNotification(job.Intent))
	s.metrics.ObserveDelivery(job.Channel, err)
	if err != nil {
		s.logger.Error("notification delivery failed", "job_id", job.ID, "environment", job.Intent.Environment, "rule_id", job.Intent.Rule.ID, "channel", job.Channel, "error", err.Error())
	}
	return err
}

func isSingleMode(cfg config.Config) bool {
	return config.NormalizeServiceMode(cfg.Service.Mode) == config.ServiceModeSingle
}
