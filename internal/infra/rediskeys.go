package infra

const (
	// RedisNamespace Базовый префикс для изоляции данных шлюза в Redis
	RedisNamespace = "toolgate"
)

// Ключи (состояние)
const (
	RedisKeyKnownTenants      = RedisNamespace + ":tenants:known_set"
	RedisKeyLockTenants       = RedisNamespace + ":lock:warmup:tenants"
	RedisKeyLockApprovalsExec = RedisNamespace + ":approvals:execution:"
	RedisKeyPendingApprovals  = RedisNamespace + ":approvals:pending_set"
	RedisKeyQuotaPrefix       = RedisNamespace + ":quota"
	RedisKeyKillSwitch        = RedisNamespace + ":killswitch:disabled_set"
	RedisKeyLockKillSwitch    = RedisNamespace + ":lock:warmup:killswitch"
)

// Каналы Pub/Sub (события)
const (
	// RedisChanApprovalDecisions: канал для трансляции решений оператора (HITL).
	RedisChanApprovalDecisions = RedisNamespace + ":approvals"
	// RedisChanApprovalRequests: новые запросы на апрув для консоли оператора.
	RedisChanApprovalRequests = RedisNamespace + ":approvals:pending"
	RedisChanTenantSync       = RedisNamespace + ":tenants:sync-signal"
	RedisChanLeakAlerts       = RedisNamespace + ":leaks:alerts"
	RedisChanKillSwitch       = RedisNamespace + ":killswitch:signal"
)
