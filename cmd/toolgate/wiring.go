package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/xela07ax/spaceai-toolgate/internal/audit"
	"github.com/xela07ax/spaceai-toolgate/internal/connectors"
	"github.com/xela07ax/spaceai-toolgate/internal/console"
	"github.com/xela07ax/spaceai-toolgate/internal/engine"
	"github.com/xela07ax/spaceai-toolgate/internal/evidence"
	"github.com/xela07ax/spaceai-toolgate/internal/infra"
	"github.com/xela07ax/spaceai-toolgate/internal/infra/auth"
	"github.com/xela07ax/spaceai-toolgate/internal/keyring"
	"github.com/xela07ax/spaceai-toolgate/internal/leak"
	"github.com/xela07ax/spaceai-toolgate/internal/quota"
	"github.com/xela07ax/spaceai-toolgate/internal/registry"
	"github.com/xela07ax/spaceai-toolgate/internal/repository/postgres"
	"github.com/xela07ax/spaceai-toolgate/internal/risk"
	"github.com/xela07ax/spaceai-toolgate/internal/sanitize"
)

// app: собранный шлюз и ресурсы, которые нужно закрыть.
type app struct {
	cfg    *infra.Config
	logger *zap.Logger

	pool *pgxpool.Pool
	repo *postgres.Repo
	rdb  redis.UniversalClient
	conn *grpc.ClientConn

	validator auth.TokenValidator
	gateway   *engine.Gateway
	auditor   *audit.AgentFS
	jsonl     *audit.JSONLStorage
	approvals *engine.RedisApprovalBroker
	switches  *engine.KillSwitch
	tenants   *engine.TenantDirectory
	watcher   *risk.Watcher
}

func build(ctx context.Context, cfg *infra.Config, logger *zap.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}
	ready := false
	defer func() {
		if !ready {
			a.close()
		}
	}()

	// 1. Аутентификация: без публичного ключа периметр не поднимается
	pub, err := auth.ParseRSAPublicKey(cfg.Auth.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("auth: %w", err)
	}
	a.validator = auth.NewBaseValidator(pub, cfg.Auth.Issuer)

	// 2. Хранилища: Postgres и Redis необязательны
	if cfg.Database.URL != "" {
		if a.pool, err = postgres.NewPool(ctx, cfg.Database.URL, cfg.Database.MaxConns, cfg.Database.MinConns); err != nil {
			return nil, err
		}
		a.repo = postgres.New(a.pool)
		if err = a.repo.Migrate(ctx); err != nil {
			return nil, err
		}
	}
	if cfg.Redis.Addr != "" {
		a.rdb = redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    []string{cfg.Redis.Addr},
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err = a.rdb.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("redis: ping: %w", err)
		}
	}

	// 3. Метрики
	reg := prometheus.NewRegistry()
	metrics := engine.NewMetrics(reg)

	// 4. Криптография
	keys := keyring.NewService(logger)
	if len(cfg.Crypto.EvidenceSeed) > 0 {
		seed, derr := decodeSeed(cfg.Crypto.EvidenceSeed)
		if derr != nil {
			return nil, derr
		}
		if _, err = keys.ImportEd25519Seed(keyring.PurposeEvidence, seed); err != nil {
			return nil, fmt.Errorf("crypto: import evidence seed: %w", err)
		}
	} else {
		logger.Warn("evidence seed not configured, signatures will not survive restart")
		if _, err = keys.GenerateSigningKey(keyring.PurposeEvidence, keyring.AlgEd25519); err != nil {
			return nil, fmt.Errorf("crypto: evidence key: %w", err)
		}
	}

	// 5. Компоненты пайплайна
	tracker, err := a.quotaTracker(metrics)
	if err != nil {
		return nil, err
	}
	riskEngine, err := a.riskEngine(metrics)
	if err != nil {
		return nil, err
	}
	detector, err := a.leakDetector()
	if err != nil {
		return nil, err
	}
	var evStore evidence.Store = evidence.NewMemoryStore()
	if a.repo != nil {
		evStore = a.repo.Evidence()
	}
	evCfg := evidence.DefaultConfig()
	evCfg.AutoSeal = cfg.Evidence.AutoSeal
	binder := evidence.NewBinder(keys, evStore, evCfg, logger)

	if err = a.startAudit(metrics); err != nil {
		return nil, err
	}
	tools, err := a.toolRegistry(ctx, metrics)
	if err != nil {
		return nil, err
	}

	// 6. Control Plane
	a.switches = engine.NewKillSwitch(a.rdb, logger)
	var disabledSrc engine.DisabledSource
	var tenantSrc engine.TenantSource
	if a.repo != nil {
		disabledSrc, tenantSrc = a.repo, a.repo
	}
	if err = a.switches.Init(ctx, disabledSrc); err != nil {
		return nil, err
	}
	if a.rdb != nil {
		var recorder engine.ApprovalRecorder
		if a.repo != nil {
			recorder = a.repo
		}
		a.approvals = engine.NewRedisApprovalBroker(a.rdb, recorder, cfg.Engine.ApprovalTTL, logger)
		a.tenants = engine.NewTenantDirectory(a.rdb, detector, logger)
		if err = a.tenants.Init(ctx, tenantSrc, cfg.Leak.KnownTenants); err != nil {
			return nil, err
		}
	} else {
		ids := append([]string(nil), cfg.Leak.KnownTenants...)
		if tenantSrc != nil {
			fromDB, lerr := tenantSrc.ListTenantIDs(ctx)
			if lerr != nil {
				return nil, lerr
			}
			ids = append(ids, fromDB...)
		}
		detector.ReplaceTenants(ids)
	}

	// 7. Core
	deps := engine.Deps{
		Registry: tools,
		Input: sanitize.NewInputSanitizer(sanitize.InputConfig{
			MaxDepth:          cfg.Sanitizer.MaxDepth,
			MaxStringLength:   cfg.Sanitizer.MaxStringLength,
			DefaultStrictness: sanitize.ParseStrictness(cfg.Sanitizer.Strictness),
			DisabledPatterns:  cfg.Sanitizer.DisabledPatterns,
		}, logger),
		Output: sanitize.NewOutputSanitizer(sanitize.OutputConfig{
			MaxOutputBytes:  cfg.Sanitizer.MaxOutputBytes,
			SensitiveFields: cfg.Sanitizer.SensitiveFields,
			SafeIPs:         cfg.Sanitizer.SafeIPs,
		}, logger),
		Quota:    tracker,
		Risk:     riskEngine,
		Leaks:    detector,
		Evidence: binder,
		Auditor:  a.auditor,
		Switches: a.switches,
		Metrics:  metrics,
	}
	// Интерфейс с nil-указателем внутри не равен nil
	if a.approvals != nil {
		deps.Approvals = a.approvals
	}
	a.gateway, err = engine.NewGateway(deps, engine.Config{
		Strictness:         sanitize.ParseStrictness(cfg.Sanitizer.Strictness),
		QuotaEntity:        quota.EntityType(cfg.Engine.QuotaEntity),
		ApprovalTimeout:    cfg.Engine.ApprovalTimeout,
		DefaultEnvironment: cfg.Engine.DefaultEnvironment,
	}, logger)
	if err != nil {
		return nil, err
	}
	ready = true
	return a, nil
}

func (a *app) quotaTracker(metrics *engine.Metrics) (*quota.Tracker, error) {
	var store quota.Store = quota.NewMemoryStore()
	switch {
	case a.rdb != nil:
		store = quota.NewRedisStore(a.rdb, infra.RedisKeyQuotaPrefix)
	case a.repo != nil:
		store = a.repo.Quotas()
	}
	tracker := quota.NewTracker(store, a.logger, quota.WithThresholdHook(metrics.QuotaHook))
	if path := a.cfg.Quota.TiersFile; path != "" {
		tiers, err := quota.LoadTiersFile(path)
		if err != nil {
			return nil, err
		}
		if err := tiers.Apply(tracker); err != nil {
			return nil, err
		}
	}
	return tracker, nil
}

func (a *app) riskEngine(metrics *engine.Metrics) (*risk.Engine, error) {
	rc := a.cfg.Risk
	cfg := risk.DefaultConfig()
	if len(rc.EnvironmentModifiers) > 0 {
		cfg.EnvironmentModifiers = rc.EnvironmentModifiers
	}
	if len(rc.RoleModifiers) > 0 {
		cfg.RoleModifiers = rc.RoleModifiers
	}
	if rc.UnknownRoleModifier != nil {
		cfg.UnknownRoleModifier = *rc.UnknownRoleModifier
	}
	var err error
	if cfg.ApprovalThreshold, err = risk.ParseLevel(rc.ApprovalThreshold); err != nil {
		return nil, fmt.Errorf("risk: approval_threshold: %w", err)
	}
	if cfg.BlockThreshold, err = risk.ParseLevel(rc.BlockThreshold); err != nil {
		return nil, fmt.Errorf("risk: block_threshold: %w", err)
	}

	initial := risk.DefaultMatrix()
	if rc.MatrixFile != "" {
		if initial, err = risk.LoadMatrixFile(rc.MatrixFile); err != nil {
			return nil, err
		}
	}
	matrix := risk.NewMatrix(initial, a.logger)
	if rc.MatrixFile != "" {
		if a.watcher, err = risk.NewWatcher(matrix, rc.MatrixFile, a.logger); err != nil {
			return nil, err
		}
	}
	return risk.NewEngine(matrix, cfg, a.logger, risk.WithObserver(metrics)), nil
}

func (a *app) leakDetector() (*leak.Detector, error) {
	lc := a.cfg.Leak
	cfg := leak.DefaultConfig()
	if len(lc.TenantPatterns) > 0 {
		cfg.TenantPatterns = lc.TenantPatterns
	}
	if len(lc.InternalDomains) > 0 {
		cfg.InternalDomains = lc.InternalDomains
	}
	if lc.ResourceCacheSize > 0 {
		cfg.ResourceCacheSize = lc.ResourceCacheSize
	}
	var opts []leak.Option
	if a.rdb != nil {
		opts = append(opts, leak.WithAlertFunc(leak.NewRedisAlertPublisher(a.rdb, infra.RedisChanLeakAlerts, a.logger).Func()))
	}
	return leak.NewDetector(cfg, a.logger, opts...)
}

// startAudit: Postgres (или лог) плюс необязательный JSONL с хеш-цепочкой.
func (a *app) startAudit(metrics *engine.Metrics) error {
	var storage audit.StorageInterface = audit.NewLogStorage(a.logger)
	if a.repo != nil {
		storage = a.repo
	}
	if path := a.cfg.Engine.AuditFile; path != "" {
		j, err := audit.OpenJSONL(path)
		if err != nil {
			return err
		}
		a.jsonl = j
		storage = audit.Tee{storage, j}
	}
	a.auditor = audit.NewAgentFS(storage, audit.Config{
		BufferSize:    a.cfg.Engine.AuditBufferSize,
		BatchSize:     a.cfg.Engine.AuditBatchSize,
		FlushInterval: a.cfg.Engine.AuditFlushInterval,
	}, a.logger)
	a.auditor.SetObserver(metrics.AuditObserver)
	a.auditor.Start()
	return nil
}

// toolRegistry: каталог исполняется удаленным коннектором, а без адреса — mock.
func (a *app) toolRegistry(ctx context.Context, metrics *engine.Metrics) (*registry.Registry, error) {
	ec := a.cfg.Engine
	var exec registry.Executor = &connectors.MockConnector{}
	if addr := a.cfg.Tools.ConnectorAddr; addr != "" {
		conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			return nil, fmt.Errorf("connector: %w", err)
		}
		a.conn = conn
		exec = engine.NewReliabilityWrapper(connectors.NewGRPCAdapter(conn, a.cfg.Tools.ConnectorTimeout), engine.ReliabilityConfig{
			Name:           addr,
			RatePerSecond:  ec.RatePerSecond,
			Burst:          ec.RateBurst,
			Attempts:       ec.RetryAttempts,
			AttemptTimeout: ec.AttemptTimeout,
			CBMaxRequests:  ec.CBMaxRequests,
			CBInterval:     ec.CBInterval,
			CBTimeout:      ec.CBTimeout,
			CBFailures:     ec.CBFailures,
		}, metrics, a.logger)
	} else {
		a.logger.Warn("connector address not configured, using mock connector")
	}

	reg := registry.New(exec, a.logger)
	if path := a.cfg.Tools.CatalogFile; path != "" {
		if err := reg.Refresh(ctx, registry.FileCatalog{Path: path}); err != nil {
			return nil, fmt.Errorf("tools catalog: %w", err)
		}
	}
	return reg, nil
}

func (a *app) startBackground(ctx context.Context) {
	if a.rdb != nil {
		go a.switches.Run(ctx)
		go a.tenants.Run(ctx)
	}
	if a.watcher != nil {
		go func() {
			if err := a.watcher.Run(ctx); err != nil {
				a.logger.Error("risk matrix watcher stopped", zap.Error(err))
			}
		}()
	}
}

func (a *app) approvalQueue() console.ApprovalQueue {
	if a.approvals == nil {
		return nil
	}
	return a.approvals
}

func (a *app) switchRepo() console.SwitchRepository {
	if a.repo == nil {
		return nil
	}
	return a.repo
}

// close: сначала дописываем аудит, потом закрываем хранилища.
func (a *app) close() {
	if a.auditor != nil {
		a.auditor.Stop()
	}
	if a.jsonl != nil {
		_ = a.jsonl.Close()
	}
	if a.conn != nil {
		_ = a.conn.Close()
	}
	if a.rdb != nil {
		_ = a.rdb.Close()
	}
	if a.pool != nil {
		a.pool.Close()
	}
}

// decodeSeed принимает 32-байтный seed в hex или base64.
func decodeSeed(raw []byte) ([]byte, error) {
	s := string(bytes.TrimSpace(raw))
	if b, err := hex.DecodeString(s); err == nil && len(b) == 32 {
		return b, nil
	}
	if b, err := base64.StdEncoding.DecodeString(s); err == nil && len(b) == 32 {
		return b, nil
	}
	return nil, fmt.Errorf("crypto: evidence seed must be 32 bytes in hex or base64")
}
