package manager

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/aurora-admin/aurora/pkg/api"
	"github.com/aurora-admin/aurora/pkg/config"
	"github.com/aurora-admin/aurora/pkg/connector"
	"github.com/aurora-admin/aurora/pkg/ddns"
	"github.com/aurora-admin/aurora/pkg/dns"
	"github.com/aurora-admin/aurora/pkg/files"
	"github.com/aurora-admin/aurora/pkg/log"
	"github.com/aurora-admin/aurora/pkg/metrics"
	"github.com/aurora-admin/aurora/pkg/queue"
	"github.com/aurora-admin/aurora/pkg/reconciler"
	"github.com/aurora-admin/aurora/pkg/storage"
	"github.com/aurora-admin/aurora/pkg/stream"
	"github.com/aurora-admin/aurora/pkg/traffic"
	"github.com/aurora-admin/aurora/pkg/translator"
	"github.com/aurora-admin/aurora/pkg/types"
)

// Options selects which parts of the control plane this process runs.
// A serve process carries everything; a worker process runs the pool
// alone and leaves the API and the cadences to its siblings.
type Options struct {
	API       bool
	Scheduler bool
	Version   string
}

// Manager owns every long-lived component of one process and the
// wiring between them: the store, the redis-backed queue and stream
// bus, the worker pool with its job handlers, the periodic scheduler,
// and the control API.
type Manager struct {
	cfg  *config.Config
	opts Options

	store storage.Store
	rdb   *redis.Client
	bus   *stream.Bus
	queue *queue.Queue
	pool  *queue.Worker
	sched *queue.Scheduler

	files     *files.Store
	artifacts *reconciler.Artifacts
	trans     *translator.Translator
	rec       *reconciler.Reconciler
	recorder  *traffic.Recorder
	collector *traffic.Collector
	enforcer  *traffic.Enforcer
	sampler   *traffic.Sampler
	watcher   *ddns.Watcher
	gauges    *metrics.Collector

	api    *api.Server
	logger zerolog.Logger
}

// New builds a Manager from configuration. Everything is wired but
// nothing runs until Run.
func New(ctx context.Context, cfg *config.Config, opts Options) (*Manager, error) {
	if cfg.EnableSentry {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:         cfg.SentryDSN,
			Environment: cfg.Environment,
			Release:     opts.Version,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to init sentry: %v", err)
		}
	}

	store, err := OpenStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr()})
	if err := rdb.Ping(ctx).Err(); err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to reach redis at %s: %v", cfg.RedisAddr(), err)
	}

	bus := stream.NewBus(rdb, stream.Config{
		Prefix:      cfg.PubsubPrefix,
		Stopword:    cfg.PubsubStopword,
		IdleTimeout: cfg.PubsubTimeout(),
		StopDelay:   cfg.PubsubSleep(),
	})
	q := queue.New(rdb, bus, queue.Config{})

	fileStore, err := files.NewStore(cfg.FileStoragePath)
	if err != nil {
		store.Close()
		return nil, err
	}

	artifacts := reconciler.NewArtifacts(cfg.ArtifactsDir)
	inventory := reconciler.NewInventory(cfg.DataDir)

	resolver := dns.NewClient(dns.Config{PinnedServer: cfg.DNSServer})
	trans := translator.New(resolver)

	dial := dialFunc(cfg, store, fileStore, bus)
	recorder := traffic.NewRecorder(store)

	rec := reconciler.New(reconciler.Config{
		Store:     store,
		Bus:       bus,
		Dial:      dial,
		Artifacts: artifacts,
		Inventory: inventory,
		Usage:     recorder,
		Binaries:  binaryLookup(store, fileStore),
	})

	enforcer := traffic.NewEnforcer(store, q)
	collector := traffic.NewCollector(traffic.Config{
		Store:    store,
		Queue:    q,
		Dial:     dial,
		Recorder: recorder,
		Enforcer: enforcer,
		Lock:     rec.Lock,
	})
	sampler := traffic.NewSampler(store, q, dial, bus)
	watcher := ddns.New(store, q, resolver)

	m := &Manager{
		cfg:       cfg,
		opts:      opts,
		store:     store,
		rdb:       rdb,
		bus:       bus,
		queue:     q,
		files:     fileStore,
		artifacts: artifacts,
		trans:     trans,
		rec:       rec,
		recorder:  recorder,
		collector: collector,
		enforcer:  enforcer,
		sampler:   sampler,
		watcher:   watcher,
		gauges:    metrics.NewCollector(store, q, 15*time.Second),
		logger:    log.WithComponent("manager"),
	}

	m.pool = queue.NewWorker(q, cfg.WorkerCount)
	m.registerHandlers()

	if opts.Scheduler {
		m.sched = queue.NewScheduler(q)
		m.registerCadences()
	}

	if opts.API {
		m.api = api.NewServer(api.Config{
			Store:      store,
			Queue:      q,
			Bus:        bus,
			Files:      fileStore,
			Artifacts:  artifacts,
			Inventory:  rec,
			SecretKey:  cfg.SecretKey,
			ListenAddr: cfg.ListenAddr,
			OpsAddr:    cfg.OpsAddr,
			Version:    opts.Version,
		})
	}

	return m, nil
}

// OpenStore selects Postgres when DATABASE_URL is set, the embedded
// bbolt store under DataDir otherwise. init-superuser shares it so
// every entrypoint lands on the same rows.
func OpenStore(ctx context.Context, cfg *config.Config) (storage.Store, error) {
	if cfg.DatabaseURL != "" {
		return storage.NewPostgresStore(ctx, cfg.DatabaseURL)
	}
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %v", err)
	}
	return storage.NewBoltStore(cfg.DataDir)
}

// dialFunc builds the production SSH dialer. A server carrying a
// key-file reference gets the blob resolved to a local path.
func dialFunc(cfg *config.Config, store storage.Store, fileStore *files.Store, bus *stream.Bus) connector.DialFunc {
	return func(ctx context.Context, server *types.Server, jobID string) (connector.Remote, error) {
		opts := connector.Options{
			Timeout: cfg.SSHTimeout(),
			Bus:     bus,
			Job:     jobID,
		}
		if server.KeyFileID != "" {
			file, err := store.GetFile(server.KeyFileID)
			if err != nil {
				return nil, fmt.Errorf("failed to resolve key file %s: %v", server.KeyFileID, err)
			}
			opts.KeyFile = fileStore.Path(file)
		}
		return connector.Open(ctx, server, opts)
	}
}

// binaryLookup resolves a method binary name to the newest uploaded
// blob with that name, for shipping to hosts.
func binaryLookup(store storage.Store, fileStore *files.Store) reconciler.BinaryLookup {
	return func(name string) (string, error) {
		all, err := store.ListFiles()
		if err != nil {
			return "", err
		}
		var newest *types.File
		for _, f := range all {
			if f.Name != name {
				continue
			}
			if newest == nil || f.CreatedAt.After(newest.CreatedAt) {
				newest = f
			}
		}
		if newest == nil {
			return "", fmt.Errorf("no uploaded blob named %s", name)
		}
		return fileStore.Path(newest), nil
	}
}

// Run starts the pool, the gauges, the optional scheduler, and blocks
// on the API listeners (or ctx alone in worker mode) until shutdown.
func (m *Manager) Run(ctx context.Context) error {
	m.pool.Start()
	m.gauges.Start()
	if m.sched != nil {
		m.sched.Start()
	}
	defer m.shutdown()

	m.logger.Info().
		Bool("api", m.api != nil).
		Bool("scheduler", m.sched != nil).
		Int("workers", m.cfg.WorkerCount).
		Msg("Manager started")

	if m.api != nil {
		return m.api.Run(ctx)
	}
	<-ctx.Done()
	return nil
}

func (m *Manager) shutdown() {
	if m.sched != nil {
		m.sched.Stop()
	}
	m.pool.Stop()
	m.gauges.Stop()

	if err := m.store.Close(); err != nil {
		m.logger.Warn().Err(err).Msg("Failed to close store")
	}
	if err := m.rdb.Close(); err != nil {
		m.logger.Warn().Err(err).Msg("Failed to close redis client")
	}
	if m.cfg.EnableSentry {
		sentry.Flush(2 * time.Second)
	}
	m.logger.Info().Msg("Manager stopped")
}

// Store exposes the wired store, mainly for tests
func (m *Manager) Store() storage.Store {
	return m.store
}

// Queue exposes the wired queue, mainly for tests
func (m *Manager) Queue() *queue.Queue {
	return m.queue
}

// registerHandlers binds every job name to its handler. The pool
// catches handler errors and applies the retry policy; handlers treat
// rows that vanished while the job waited as stale work and succeed
// without touching the host.
func (m *Manager) registerHandlers() {
	m.pool.Register(types.JobRuleReconcile, m.handleRuleReconcile)
	m.pool.Register(types.JobRuleRewrite, m.handleRuleRewrite)
	m.pool.Register(types.JobPortClean, m.handlePortClean)
	m.pool.Register(types.JobServerInit, m.handleServerInit)
	m.pool.Register(types.JobServerClean, m.handleServerClean)

	m.pool.Register(types.JobTrafficCollect, func(ctx context.Context, job *types.Job) error {
		return m.collector.Fanout(ctx)
	})
	m.pool.Register(types.JobTrafficServer, m.handleTrafficServer)
	m.pool.Register(types.JobTrafficShape, m.handleTrafficShape)
	m.pool.Register(types.JobTrafficReset, m.handleTrafficReset)
	m.pool.Register(types.JobUsageExpire, func(ctx context.Context, job *types.Job) error {
		return m.enforcer.ExpireScan(ctx)
	})

	m.pool.Register(types.JobDDNSCheck, func(ctx context.Context, job *types.Job) error {
		return m.watcher.Check(ctx)
	})
	m.pool.Register(types.JobStatsSample, func(ctx context.Context, job *types.Job) error {
		return m.sampler.Fanout(ctx)
	})
	m.pool.Register(types.JobStatsServer, m.handleStatsServer)

	m.pool.Register(types.JobArtifactsSweep, func(ctx context.Context, job *types.Job) error {
		removed, err := m.artifacts.Sweep()
		if err != nil {
			return err
		}
		m.logger.Info().Int("removed", removed).Msg("Artifacts swept")
		return nil
	})
	m.pool.Register(types.JobStreamSweep, func(ctx context.Context, job *types.Job) error {
		cutoff := time.Now().Add(-m.cfg.TaskOutputWindow())
		removed, err := m.bus.Sweep(ctx, cutoff)
		if err != nil {
			return err
		}
		m.logger.Info().Int("removed", removed).Msg("Stream history swept")
		return nil
	})
}

// registerCadences books the periodic jobs. Only the serve process
// registers them; a second scheduler would double every cadence.
func (m *Manager) registerCadences() {
	m.sched.Every(m.cfg.TrafficInterval(), types.JobTrafficCollect, nil, queue.PriorityTraffic)
	m.sched.Every(m.cfg.DDNSInterval(), types.JobDDNSCheck, nil, queue.PriorityTraffic)
	m.sched.Every(m.cfg.HostStatsInterval(), types.JobStatsSample, nil, queue.PriorityTraffic)
	m.sched.Every(time.Minute, types.JobUsageExpire, nil, queue.PriorityHousekeeping)
	m.sched.Every(time.Hour, types.JobArtifactsSweep, nil, queue.PriorityHousekeeping)
	m.sched.Every(24*time.Hour, types.JobStreamSweep, nil, queue.PriorityHousekeeping)
}

func (m *Manager) handleRuleReconcile(ctx context.Context, job *types.Job) error {
	in, ok, err := m.ruleInput(job)
	if err != nil || !ok {
		return err
	}
	plan, err := m.trans.Translate(ctx, *in)
	if err != nil {
		return err
	}
	return m.rec.Apply(ctx, job.ID, plan)
}

func (m *Manager) handleRuleRewrite(ctx context.Context, job *types.Job) error {
	in, ok, err := m.ruleInput(job)
	if err != nil || !ok {
		return err
	}
	plan, err := m.trans.RewritePlan(*in)
	if err != nil {
		return err
	}
	return m.rec.Apply(ctx, job.ID, plan)
}

// ruleInput loads the snapshot a rule plan is built from. ok is false
// when the rows vanished while the job waited.
func (m *Manager) ruleInput(job *types.Job) (*translator.Input, bool, error) {
	var p types.RulePayload
	if err := queue.DecodePayload(job, &p); err != nil {
		return nil, false, err
	}

	server, err := m.store.GetServer(p.ServerID)
	if storage.IsNotFound(err) {
		m.logger.Info().Str("server_id", p.ServerID).Msg("Server gone, dropping stale rule job")
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	port, err := m.store.GetPort(p.PortID)
	if storage.IsNotFound(err) {
		m.logger.Info().Str("port_id", p.PortID).Msg("Port gone, dropping stale rule job")
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	rule, err := m.store.GetRuleByPort(port.ID)
	if storage.IsNotFound(err) {
		m.logger.Info().Str("port_id", p.PortID).Msg("Rule gone, dropping stale rule job")
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	siblings, err := m.siblingViews(server.ID, port.ID)
	if err != nil {
		return nil, false, err
	}

	return &translator.Input{
		Server:   server,
		Port:     port,
		Rule:     rule,
		Siblings: siblings,
	}, true, nil
}

// siblingViews pairs the server's other ports with their rules for the
// reverse-proxy generators.
func (m *Manager) siblingViews(serverID, subjectPortID string) ([]translator.PortView, error) {
	ports, err := m.store.ListPorts(serverID)
	if err != nil {
		return nil, err
	}
	views := make([]translator.PortView, 0, len(ports))
	for _, sib := range ports {
		if sib.ID == subjectPortID {
			continue
		}
		rule, err := m.store.GetRuleByPort(sib.ID)
		if storage.IsNotFound(err) {
			rule = nil
		} else if err != nil {
			return nil, err
		}
		views = append(views, translator.PortView{Port: sib, Rule: rule})
	}
	return views, nil
}

func (m *Manager) handlePortClean(ctx context.Context, job *types.Job) error {
	var p types.PortCleanPayload
	if err := queue.DecodePayload(job, &p); err != nil {
		return err
	}
	server, err := m.store.GetServer(p.ServerID)
	if storage.IsNotFound(err) {
		m.logger.Info().Str("server_id", p.ServerID).Msg("Server gone, dropping stale clean job")
		return nil
	}
	if err != nil {
		return err
	}
	return m.rec.Apply(ctx, job.ID, m.trans.CleanPortPlan(server, p.PortNum))
}

func (m *Manager) handleServerInit(ctx context.Context, job *types.Job) error {
	var p types.ServerPayload
	if err := queue.DecodePayload(job, &p); err != nil {
		return err
	}
	server, err := m.store.GetServer(p.ServerID)
	if storage.IsNotFound(err) {
		m.logger.Info().Str("server_id", p.ServerID).Msg("Server gone, dropping stale init job")
		return nil
	}
	if err != nil {
		return err
	}
	return m.rec.Apply(ctx, job.ID, m.trans.InitPlan(server))
}

func (m *Manager) handleServerClean(ctx context.Context, job *types.Job) error {
	var p types.ServerCleanPayload
	if err := queue.DecodePayload(job, &p); err != nil {
		return err
	}
	if p.Server == nil {
		return fmt.Errorf("server clean payload missing the row snapshot")
	}
	if err := m.rec.Apply(ctx, job.ID, m.trans.CleanServerPlan(p.Server, p.Ports)); err != nil {
		return err
	}
	// The host is clean; drop its private tree too.
	if err := m.artifacts.SweepServer(p.Server.ID); err != nil {
		m.logger.Warn().Err(err).Str("server_id", p.Server.ID).Msg("Failed to remove artifacts tree")
	}
	return nil
}

func (m *Manager) handleTrafficServer(ctx context.Context, job *types.Job) error {
	var p types.ServerPayload
	if err := queue.DecodePayload(job, &p); err != nil {
		return err
	}
	return m.collector.CollectServer(ctx, job.ID, p.ServerID)
}

func (m *Manager) handleTrafficShape(ctx context.Context, job *types.Job) error {
	var p types.ShapePayload
	if err := queue.DecodePayload(job, &p); err != nil {
		return err
	}
	server, port, ok, err := m.loadPort(p.ServerID, p.PortID)
	if err != nil || !ok {
		return err
	}
	plan := m.trans.ShapingPlan(server, port.Num, port.Config.EgressLimit, port.Config.IngressLimit)
	return m.rec.Apply(ctx, job.ID, plan)
}

func (m *Manager) handleTrafficReset(ctx context.Context, job *types.Job) error {
	var p types.ResetPayload
	if err := queue.DecodePayload(job, &p); err != nil {
		return err
	}
	server, port, ok, err := m.loadPort(p.ServerID, p.PortID)
	if err != nil || !ok {
		return err
	}
	return m.rec.Apply(ctx, job.ID, m.trans.ResetPlan(server, port.Num))
}

func (m *Manager) handleStatsServer(ctx context.Context, job *types.Job) error {
	var p types.ServerPayload
	if err := queue.DecodePayload(job, &p); err != nil {
		return err
	}
	return m.sampler.SampleServer(ctx, p.ServerID)
}

// loadPort fetches a server/port pair, reporting stale work as ok=false
func (m *Manager) loadPort(serverID, portID string) (*types.Server, *types.Port, bool, error) {
	server, err := m.store.GetServer(serverID)
	if storage.IsNotFound(err) {
		return nil, nil, false, nil
	}
	if err != nil {
		return nil, nil, false, err
	}
	port, err := m.store.GetPort(portID)
	if storage.IsNotFound(err) {
		return nil, nil, false, nil
	}
	if err != nil {
		return nil, nil, false, err
	}
	return server, port, true, nil
}
