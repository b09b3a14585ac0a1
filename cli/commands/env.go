package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/keelhq/keel"
	"github.com/keelhq/keel/adapters"
	"github.com/keelhq/keel/adapters/memory"
	"github.com/keelhq/keel/adapters/postgres"
	"github.com/keelhq/keel/adapters/redis"
	"github.com/keelhq/keel/adapters/sqlite"
	"github.com/keelhq/keel/cli/config"
	"github.com/keelhq/keel/domain/accounts"
	"github.com/keelhq/keel/domain/lending"
	"github.com/keelhq/keel/domain/stablecoin"
	"github.com/keelhq/keel/domain/treasury"
	"github.com/keelhq/keel/logging/zaplog"
	"github.com/keelhq/keel/middleware/tracing"
	"github.com/keelhq/keel/publisher/kafka"
	"github.com/keelhq/keel/publisher/nats"
	"github.com/keelhq/keel/publisher/sns"
	"github.com/keelhq/keel/publisher/webhook"
	"github.com/keelhq/keel/serializer/msgpack"
	"github.com/keelhq/keel/workflows"
)

// Domains are the partitions every tenant gets.
var Domains = []string{accounts.Domain, lending.Domain, stablecoin.Domain, treasury.Domain}

// defaultNotifyTarget is the topic or subject used when notify.target is empty.
const defaultNotifyTarget = "keel.workflows"

// rootOptions are the persistent flags shared by every command.
type rootOptions struct {
	configPath string
	tenant     string
	trace      bool
	noColor    bool
}

// loadConfig finds keel.yaml, applies --tenant and validates the result.
func (o *rootOptions) loadConfig() (*config.Config, string, error) {
	var (
		cfg *config.Config
		dir string
		err error
	)
	if o.configPath != "" {
		dir = filepath.Dir(o.configPath)
		cfg, err = config.LoadFile(o.configPath)
	} else {
		var cwd string
		if cwd, err = os.Getwd(); err == nil {
			dir, cfg, err = config.Find(cwd)
		}
	}
	if errors.Is(err, os.ErrNotExist) {
		return nil, "", fmt.Errorf("no %s found, run 'keel init' first", config.FileName)
	}
	if err != nil {
		return nil, "", err
	}

	if o.tenant != "" {
		cfg.Tenant = o.tenant
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", fmt.Errorf("invalid configuration:\n%w", err)
	}
	return cfg, dir, nil
}

// Env is an opened configuration: the event store of the configured driver
// and the services of the configured tenant.
type Env struct {
	Config  *config.Config
	Adapter adapters.EventStoreAdapter
	Store   *keel.EventStore
	Logger  *zaplog.Logger
	Tracer  *tracing.Tracer

	redis   *redis.Store
	closers []func() error
}

// openEnv loads the configuration and opens everything it names. Spans are
// written to traceOut when --trace is set.
func (o *rootOptions) openEnv(ctx context.Context, traceOut io.Writer) (*Env, error) {
	cfg, dir, err := o.loadConfig()
	if err != nil {
		return nil, err
	}
	// sqlite paths are relative to keel.yaml, not the working directory.
	if cfg.Database.Driver == config.DriverSQLite && cfg.Database.URL != ":memory:" && !filepath.IsAbs(cfg.Database.URL) {
		cfg.Database.URL = filepath.Join(dir, cfg.Database.URL)
	}

	logger, err := zaplog.NewFromMode(cfg.Logging.Mode, cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("create logger: %w", err)
	}
	env := &Env{Config: cfg, Logger: logger}
	env.closers = append(env.closers, func() error {
		_ = logger.Sync()
		return nil
	})

	raw, err := openAdapter(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	env.closers = append(env.closers, raw.Close)
	env.Adapter = raw

	if o.trace {
		tp, err := tracing.NewStdoutProvider(traceOut)
		if err != nil {
			env.Close()
			return nil, err
		}
		env.closers = append(env.closers, func() error { return tp.Shutdown(context.Background()) })
		env.Tracer = tracing.NewTracer(tracing.WithTracerProvider(tp), tracing.WithServiceName(cfg.Project.Name))
		env.Adapter = tracing.NewEventStoreMiddleware(raw, env.Tracer)
	}

	if cfg.Snapshot.RedisAddr != "" {
		rs, err := redis.Connect(ctx, cfg.Snapshot.RedisAddr, redis.WithPrefix("keel"))
		if err != nil {
			env.Close()
			return nil, err
		}
		env.redis = rs
		env.closers = append(env.closers, rs.Close)
	}

	storeOpts := []keel.Option{keel.WithLogger(logger)}
	if cfg.Database.Serializer == "msgpack" {
		storeOpts = append(storeOpts, keel.WithSerializer(msgpack.NewSerializer(msgpack.WithJSONTags())))
	}
	env.Store = keel.New(env.Adapter, storeOpts...)
	env.Store.RegisterEvents(accounts.Events()...)
	env.Store.RegisterEvents(lending.Events()...)
	env.Store.RegisterEvents(stablecoin.Events()...)
	env.Store.RegisterEvents(treasury.Events()...)

	if err := env.Store.Initialize(ctx); err != nil {
		env.Close()
		return nil, fmt.Errorf("initialize event store: %w", err)
	}
	return env, nil
}

func openAdapter(ctx context.Context, db config.DatabaseConfig) (adapters.EventStoreAdapter, error) {
	switch db.Driver {
	case config.DriverPostgres:
		adapter, err := postgres.NewAdapter(db.URL, postgres.WithSchema(db.Schema))
		if err != nil {
			return nil, err
		}
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := adapter.Ping(pingCtx); err != nil {
			_ = adapter.Close()
			return nil, fmt.Errorf("connect to postgres: %w", err)
		}
		return adapter, nil

	case config.DriverSQLite:
		return sqlite.Open(db.URL)

	case config.DriverMemory:
		return memory.NewAdapter(), nil
	}
	return nil, fmt.Errorf("unsupported database driver: %s", db.Driver)
}

// Close releases everything openEnv opened, in reverse order.
func (e *Env) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil {
			e.Logger.Warn("Close failed", "error", err)
		}
	}
	e.closers = nil
}

// Context returns ctx carrying the configured tenant.
func (e *Env) Context(ctx context.Context) context.Context {
	return keel.WithTenantID(ctx, e.Config.Tenant)
}

// Partition returns the tenant's partition of domain.
func (e *Env) Partition(domain string) keel.Partition {
	return keel.TenantPartition(e.Config.Tenant, domain)
}

func (e *Env) repositoryOptions() []keel.RepositoryOption {
	opts := []keel.RepositoryOption{keel.WithRepositoryLogger(e.Logger)}
	if e.Config.Snapshot.Every > 0 {
		opts = append(opts, keel.WithSnapshotPolicy(keel.EveryNEvents(int64(e.Config.Snapshot.Every))))
	}
	if e.redis != nil {
		opts = append(opts, keel.WithRepositorySnapshotAdapter(e.redis))
	}
	return opts
}

// checkpoints returns the checkpoint store of p: Redis when configured,
// otherwise the event store's own.
func (e *Env) checkpoints(p keel.Partition) (keel.CheckpointStore, error) {
	if e.redis != nil {
		return keel.NewCheckpointStore(e.redis, p), nil
	}
	ca, ok := e.Adapter.(adapters.CheckpointAdapter)
	if !ok {
		return nil, keel.ErrNoCheckpointStore
	}
	return keel.NewCheckpointStore(ca, p), nil
}

// Accounts opens the tenant's account service.
func (e *Env) Accounts() (*accounts.Service, error) {
	return accounts.NewService(e.Store, e.Partition(accounts.Domain), e.repositoryOptions()...)
}

// Loans opens the tenant's lending service.
func (e *Env) Loans() (*lending.Service, error) {
	return lending.NewService(e.Store, e.Partition(lending.Domain), e.repositoryOptions()...)
}

// Coins opens the tenant's stablecoin service.
func (e *Env) Coins() (*stablecoin.Service, error) {
	return stablecoin.NewService(e.Store, e.Partition(stablecoin.Domain), e.repositoryOptions()...)
}

// Pools opens the tenant's treasury service with the configured rates.
func (e *Env) Pools() (*treasury.Service, error) {
	return treasury.NewService(e.Store, e.Partition(treasury.Domain), treasury.NewFixedRates(e.Config.Treasury.Rates), e.repositoryOptions()...)
}

// WorkflowOptions wires the configured notifier and the logger into sagas.
func (e *Env) WorkflowOptions() ([]workflows.Option, error) {
	opts := []workflows.Option{workflows.WithSagaOptions(keel.WithSagaLogger(e.Logger))}

	n := e.Config.Notify
	target := n.Target
	if target == "" {
		target = defaultNotifyTarget
	}

	var publisher keel.Publisher
	switch n.Kind {
	case "":
		return opts, nil
	case "webhook":
		publisher, target = webhook.New(webhook.WithSigningSecret(n.Secret)), n.URL
	case "kafka":
		kp := kafka.New(kafka.WithBrokers(n.Brokers...))
		e.closers = append(e.closers, kp.Close)
		publisher = kp
	case "nats":
		np, err := nats.Connect(n.URL)
		if err != nil {
			return nil, err
		}
		e.closers = append(e.closers, np.Close)
		publisher = np
	case "sns":
		publisher = sns.New(sns.WithClient(sns.NewClient(n.Region, n.URL)))
	default:
		return nil, fmt.Errorf("unsupported notifier: %s", n.Kind)
	}

	return append(opts, workflows.WithNotifier(workflows.NewPublisherNotifier(publisher, target))), nil
}

// runSaga runs saga, inside a span when tracing is on.
func runSaga[S any](ctx context.Context, e *Env, saga *keel.Saga[S], state *S) (*keel.Outcome, error) {
	ctx = e.Context(ctx)
	if e.Tracer != nil {
		return tracing.RunSaga(ctx, e.Tracer, saga, state)
	}
	return saga.Run(ctx, state)
}
