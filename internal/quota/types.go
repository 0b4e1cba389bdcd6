package quota

import (
	"errors"
	"time"
)

type QuotaType string

const (
	TypeRequests QuotaType = "requests"
	TypeTokens   QuotaType = "tokens"
	TypeStorage  QuotaType = "storage"
	TypeCompute  QuotaType = "compute"
)

type Period string

const (
	PeriodDaily   Period = "daily"
	PeriodMonthly Period = "monthly"
	PeriodAnnual  Period = "annual"
)

// periodOrder: детерминированный порядок обхода периодов тарифа.
var periodOrder = []Period{PeriodDaily, PeriodMonthly, PeriodAnnual}

type EntityType string

const (
	EntityUser   EntityType = "user"
	EntityTenant EntityType = "tenant"
)

type Entity struct {
	ID   string     `json:"id"`
	Type EntityType `json:"type"`
}

func (e Entity) String() string { return string(e.Type) + ":" + e.ID }

type Level string

const (
	LevelOK       Level = "ok"
	LevelWarning  Level = "warning"
	LevelCritical Level = "critical"
	LevelExceeded Level = "exceeded"
)

// Unlimited: значение лимита без ограничения.
const Unlimited int64 = -1

// Tier: статическая конфигурация тарифа. Пороговые значения — проценты.
type Tier struct {
	ID                string                         `json:"id" yaml:"id"`
	Quotas            map[QuotaType]map[Period]int64 `json:"quotas" yaml:"quotas"`
	OverageAllowed    bool                           `json:"overage_allowed" yaml:"overage_allowed"`
	WarningThreshold  float64                        `json:"warning_threshold" yaml:"warning_threshold"`
	CriticalThreshold float64                        `json:"critical_threshold" yaml:"critical_threshold"`
}

// Usage: запись потребления. Натуральный ключ: (entity, quota type, period, period start).
// Окно действия [PeriodStart, PeriodEnd).
type Usage struct {
	EntityID    string     `json:"entity_id"`
	EntityType  EntityType `json:"entity_type"`
	QuotaType   QuotaType  `json:"quota_type"`
	Period      Period     `json:"period"`
	PeriodStart time.Time  `json:"period_start"`
	PeriodEnd   time.Time  `json:"period_end"`
	Used        int64      `json:"used"`
	Limit       int64      `json:"limit"`
	Overage     int64      `json:"overage"`
}

func (u Usage) Key() Key {
	return Key{
		EntityID:    u.EntityID,
		EntityType:  u.EntityType,
		QuotaType:   u.QuotaType,
		Period:      u.Period,
		PeriodStart: u.PeriodStart,
	}
}

type Key struct {
	EntityID    string
	EntityType  EntityType
	QuotaType   QuotaType
	Period      Period
	PeriodStart time.Time
}

// slot: ключ без начала периода: одна ячейка на (entity, type, period).
func (k Key) slot() string {
	return string(k.EntityType) + ":" + k.EntityID + ":" + string(k.QuotaType) + ":" + string(k.Period)
}

type CheckResult struct {
	Allowed       bool      `json:"allowed"`
	QuotaType     QuotaType `json:"quota_type"`
	Period        Period    `json:"period,omitempty"`
	Used          int64     `json:"used"`
	Limit         int64     `json:"limit"`
	Remaining     int64     `json:"remaining"`
	UsagePercent  float64   `json:"usage_percent"`
	Level         Level     `json:"level"`
	ResetAt       time.Time `json:"reset_at"`
	InOverage     bool      `json:"in_overage"`
	OverageAmount int64     `json:"overage_amount"`
}

// Warning: событие пересечения порога.
type Warning struct {
	Entity       Entity    `json:"entity"`
	QuotaType    QuotaType `json:"quota_type"`
	Period       Period    `json:"period"`
	Level        Level     `json:"level"`
	Used         int64     `json:"used"`
	Limit        int64     `json:"limit"`
	UsagePercent float64   `json:"usage_percent"`
	PeriodStart  time.Time `json:"period_start"`
	ResetAt      time.Time `json:"reset_at"`
}

var (
	ErrQuotaExceeded = errors.New("quota exceeded")
	ErrUnknownTier   = errors.New("unknown quota tier")
	ErrInvalidTier   = errors.New("invalid quota tier")
	ErrInvalidAmount = errors.New("invalid quota amount")
)

// ExceededError несет данные для backoff на стороне клиента.
type ExceededError struct {
	Check CheckResult
}

func (e *ExceededError) Error() string {
	return "quota exceeded: " + string(e.Check.QuotaType) + "/" + string(e.Check.Period)
}

func (e *ExceededError) Unwrap() error { return ErrQuotaExceeded }
