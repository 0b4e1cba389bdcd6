package engine

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-toolgate/internal/audit"
	"github.com/xela07ax/spaceai-toolgate/internal/evidence"
	"github.com/xela07ax/spaceai-toolgate/internal/keyring"
	"github.com/xela07ax/spaceai-toolgate/internal/leak"
	"github.com/xela07ax/spaceai-toolgate/internal/quota"
	"github.com/xela07ax/spaceai-toolgate/internal/registry"
	"github.com/xela07ax/spaceai-toolgate/internal/risk"
	"github.com/xela07ax/spaceai-toolgate/internal/sanitize"
)

// Default: шлюз со всеми компонентами в памяти и их конфигурацией по умолчанию.
// Компоненты доступны вызывающему для регистрации инструментов, тенантов и тарифов.
type Default struct {
	*Gateway
	Keys    *keyring.Service
	Auditor *audit.AgentFS
}

// NewDefaultGateway собирает шлюз без внешних зависимостей (тесты, CLI, dev).
// Аудит пишется в storage; nil — события только логируются.
func NewDefaultGateway(storage audit.StorageInterface, logger *zap.Logger) (*Default, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := NewMetrics(nil)

	keys := keyring.NewService(logger)
	if _, err := keys.GenerateSigningKey(keyring.PurposeEvidence, keyring.AlgEd25519); err != nil {
		return nil, fmt.Errorf("engine: evidence signing key: %w", err)
	}
	detector, err := leak.NewDetector(leak.DefaultConfig(), logger)
	if err != nil {
		return nil, err
	}
	if storage == nil {
		storage = audit.NewLogStorage(logger)
	}
	auditor := audit.NewAgentFS(storage, audit.DefaultConfig(), logger)
	auditor.SetObserver(metrics.AuditObserver)
	auditor.Start()

	gw, err := NewGateway(Deps{
		Registry: registry.New(nil, logger),
		Input:    sanitize.NewInputSanitizer(sanitize.InputConfig{}, logger),
		Output:   sanitize.NewOutputSanitizer(sanitize.OutputConfig{}, logger),
		Quota:    quota.NewTracker(quota.NewMemoryStore(), logger, quota.WithThresholdHook(metrics.QuotaHook)),
		Risk:     risk.NewEngine(risk.NewMatrix(risk.DefaultMatrix(), logger), risk.DefaultConfig(), logger, risk.WithObserver(metrics)),
		Leaks:    detector,
		Evidence: evidence.NewBinder(keys, evidence.NewMemoryStore(), evidence.DefaultConfig(), logger),
		Auditor:  auditor,
		Metrics:  metrics,
	}, DefaultConfig(), logger)
	if err != nil {
		auditor.Stop()
		return nil, err
	}
	return &Default{Gateway: gw, Keys: keys, Auditor: auditor}, nil
}

// Close дописывает буфер аудита.
func (d *Default) Close() { d.Auditor.Stop() }
