package relay

import (
	"context"
	"strconv"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	"github.com/jackc/pgx/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/gfanton/pgkinesisrelay/pkg/pgreplication"
	"github.com/gfanton/pgkinesisrelay/pkg/sink"
)

// leaderCycleBackoff is the small fixed pause between the end of one
// leader cycle and the next acquisition attempt, applied whether the cycle
// ended in success or failure. A cancelled ctx cuts the pause short and
// ends the loop.
const leaderCycleBackoff = time.Second

// Supervisor is the top-level lifecycle: acquire leadership, run the
// reader, micro-batcher, publisher and watchdog under that leader session
// until any one of them fails, unwind, and retry. It never returns except when ctx
// is cancelled, matching the "supervisor loop recovers everything else"
// error-handling policy.
type Supervisor struct {
	logger    log.Logger
	settings  Settings
	sink      sink.Sink
	reg       prometheus.Registerer
	metrics   *Metrics
	readyFunc func(bool)
}

// NewSupervisor constructs a supervisor that will run leader cycles using
// settings, publishing to s, and registering metrics on reg. readyFunc, if
// non-nil, is called true while a leader cycle holds the lock and false
// around every cycle boundary; wire it to the HTTP server's /ready state
// and, from there, to systemd readiness notification.
func NewSupervisor(logger log.Logger, settings Settings, s sink.Sink, reg prometheus.Registerer, readyFunc func(bool)) *Supervisor {
	if readyFunc == nil {
		readyFunc = func(bool) {}
	}
	return &Supervisor{
		logger:    logger,
		settings:  settings,
		sink:      s,
		reg:       reg,
		metrics:   NewMetrics(reg),
		readyFunc: readyFunc,
	}
}

// Run executes leader cycles until ctx is cancelled.
func (sup *Supervisor) Run(ctx context.Context) error {
	for ctx.Err() == nil {
		if err := sup.runOneCycle(ctx); err != nil {
			level.Error(sup.logger).Log("msg", "leader_cycle_failed", "err", err)
		}
		if !sleepCtx(ctx, leaderCycleBackoff) {
			break
		}
	}
	return ctx.Err()
}

// runOneCycle implements one full {acquire -> run -> release} iteration.
func (sup *Supervisor) runOneCycle(ctx context.Context) error {
	sup.metrics.leaderCycles.Inc()

	lockKey := pgreplication.AdvisoryLockKey(sup.settings.ReplicationSlot, sup.settings.LeaderLockKeyOverride, sup.settings.HasLeaderLockOverride)
	elector := NewLeaderElector(sup.logger, LeaderConfig{
		ConnString:           pgConnString(sup.settings),
		LockKey:              lockKey,
		AcquireInterval:      sup.settings.LeaderAcquireInterval,
		WatchdogInterval:     sup.settings.WatchdogInterval,
		WatchdogQueryTimeout: 5 * time.Second,
	})

	session, err := elector.Acquire(ctx)
	if err != nil {
		return err
	}
	sup.metrics.leaderHeld.Set(1)
	sup.readyFunc(true)
	defer func() {
		sup.metrics.leaderHeld.Set(0)
		sup.readyFunc(false)
		session.Close(context.Background())
	}()

	metaConn, err := pgx.Connect(ctx, pgConnString(sup.settings))
	if err != nil {
		return err
	}
	checkpoint, err := pgreplication.ReadSlotCheckpoint(ctx, metaConn, sup.settings.ReplicationSlot)
	metaConn.Close(ctx)
	if err != nil {
		return err
	}
	if !checkpoint.Exists {
		level.Warn(sup.logger).Log("msg", "replication slot does not exist yet; starting from LSN 0", "slot", sup.settings.ReplicationSlot)
	}

	ackTracker := NewAckTracker(sup.logger, LSN(checkpoint.LSN))
	queue := NewInflightQueue(sup.logger, sup.settings.QueueMaxCount, sup.settings.QueueMaxBytes)
	defer queue.Close()

	unregisterQueueMetrics := sup.metrics.BindQueue(sup.reg, queue)
	unregisterFrontierMetric := sup.metrics.BindAckTracker(sup.reg, ackTracker)
	defer unregisterQueueMetrics()
	defer unregisterFrontierMetric()

	batchCh := make(chan *Batch)
	frontierCh := make(chan LSN, 1)

	reader := NewReplicationReader(sup.logger, ReaderConfig{
		ConnString:                 pgConnString(sup.settings),
		ReplicationSlot:            sup.settings.ReplicationSlot,
		StartLSN:                   checkpoint.LSN,
		FeedbackInterval:           sup.settings.FeedbackInterval,
		PartitionKeyFallbackColumn: sup.settings.PartitionKeyFallbackColumn,
	}, ackTracker, queue, frontierCh)

	batcher := NewMicroBatcher(sup.logger, queue, BatcherConfig{
		MaxRecords: sup.settings.MaxRecords,
		MaxBytes:   sup.settings.MaxBatchBytes,
		MaxLinger:  sup.settings.MaxLinger,
	}, batchCh)

	publisher := NewPublisher(sup.logger, sup.sink, ackTracker, queue, batchCh, frontierCh, PublisherConfig{
		MaxAttempts:              sup.settings.MaxAttempts,
		BaseDelay:                sup.settings.BaseDelay,
		MaxDelay:                 sup.settings.MaxDelay,
		Multiplier:               sup.settings.Multiplier,
		MaxSinkAttemptsPerSecond: sup.settings.MaxSinkAttemptsPerSecond,
	}, sup.metrics)

	watchdog := NewWatchdog(sup.logger, LeaderConfig{
		WatchdogInterval:     sup.settings.WatchdogInterval,
		WatchdogQueryTimeout: 5 * time.Second,
		LockKey:              lockKey,
	}, session)

	cycleCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	readerSvc := services.NewBasicService(nil, func(serviceCtx context.Context) error {
		return reader.Run(serviceCtx)
	}, nil)
	batcherSvc := services.NewBasicService(nil, func(serviceCtx context.Context) error {
		return batcher.Run(serviceCtx)
	}, nil)
	publisherSvc := services.NewBasicService(nil, func(serviceCtx context.Context) error {
		return publisher.Run(serviceCtx)
	}, nil)
	watchdogSvc := services.NewBasicService(nil, func(serviceCtx context.Context) error {
		return watchdog.Run(serviceCtx)
	}, nil)

	manager, err := services.NewManager(readerSvc, batcherSvc, publisherSvc, watchdogSvc)
	if err != nil {
		return err
	}

	watcher := services.NewFailureWatcher()
	watcher.WatchManager(manager)

	if err := services.StartManagerAndAwaitHealthy(cycleCtx, manager); err != nil {
		return err
	}

	var cycleErr error
	select {
	case <-cycleCtx.Done():
		cycleErr = cycleCtx.Err()
	case err := <-watcher.Chan():
		cycleErr = err
	}

	cancel()
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	if err := services.StopManagerAndAwaitStopped(stopCtx, manager); err != nil {
		level.Warn(sup.logger).Log("msg", "error stopping leader cycle tasks", "err", err)
	}

	return cycleErr
}

func pgConnString(s Settings) string {
	return "host=" + s.PGHost +
		" port=" + strconv.Itoa(s.PGPort) +
		" user=" + s.PGUser +
		" password=" + s.PGPassword +
		" dbname=" + s.PGDatabase +
		" sslmode=prefer"
}
