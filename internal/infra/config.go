package infra

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config: корневая структура конфигурации шлюза.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	GRPC      GRPCConfig      `mapstructure:"grpc"`
	Console   ConsoleConfig   `mapstructure:"console"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Sanitizer SanitizerConfig `mapstructure:"sanitizer"`
	Quota     QuotaConfig     `mapstructure:"quota"`
	Risk      RiskConfig      `mapstructure:"risk"`
	Leak      LeakConfig      `mapstructure:"leak"`
	Evidence  EvidenceConfig  `mapstructure:"evidence"`
	Crypto    CryptoConfig    `mapstructure:"crypto"`
	Tools     ToolsConfig     `mapstructure:"tools"`
	Logger    LoggerConfig    `mapstructure:"logger"`
}

// ServerConfig описывает настройки HTTP-сервера.
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

func (s ServerConfig) Addr() string { return fmt.Sprintf("%s:%d", s.Host, s.Port) }

// GRPCConfig: порт gRPC-периметра; 0 выключает его.
type GRPCConfig struct {
	Port int `mapstructure:"port"`
}

// ConsoleConfig: порт API оператора (HITL, рубильник); 0 выключает его.
type ConsoleConfig struct {
	Port int `mapstructure:"port"`
}

// DatabaseConfig описывает подключение к PostgreSQL. Пустой URL — все в памяти.
type DatabaseConfig struct {
	URL      string `mapstructure:"url"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// RedisConfig описывает подключение к Redis (Pub/Sub и Cache). Пустой Addr — без Redis.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// AuthConfig содержит путь к публичному RSA ключу и ожидаемого издателя JWT.
type AuthConfig struct {
	PublicKeyPath string `mapstructure:"public_key_path"`
	Issuer        string `mapstructure:"issuer"`
	PublicKey     []byte
}

// EngineConfig: пайплайн и обертка надежности коннекторов.
type EngineConfig struct {
	AuditBufferSize    int           `mapstructure:"audit_buffer_size"`
	AuditBatchSize     int           `mapstructure:"audit_batch_size"`
	AuditFlushInterval time.Duration `mapstructure:"audit_flush_interval"`
	// AuditFile: дополнительный JSONL-журнал с хеш-цепочкой
	AuditFile string `mapstructure:"audit_file"`

	ApprovalTimeout    time.Duration `mapstructure:"approval_timeout"`
	ApprovalTTL        time.Duration `mapstructure:"approval_ttl"`
	QuotaEntity        string        `mapstructure:"quota_entity"`
	DefaultEnvironment string        `mapstructure:"default_environment"`

	// Настройки Circuit Breaker для внешних коннекторов
	CBMaxRequests  uint32        `mapstructure:"cb_max_requests"`
	CBInterval     time.Duration `mapstructure:"cb_interval"`
	CBTimeout      time.Duration `mapstructure:"cb_timeout"`
	CBFailures     uint32        `mapstructure:"cb_failures"`
	RatePerSecond  float64       `mapstructure:"rate_per_second"`
	RateBurst      int           `mapstructure:"rate_burst"`
	RetryAttempts  uint          `mapstructure:"retry_attempts"`
	AttemptTimeout time.Duration `mapstructure:"attempt_timeout"`
}

type SanitizerConfig struct {
	Strictness       string   `mapstructure:"strictness"`
	MaxDepth         int      `mapstructure:"max_depth"`
	MaxStringLength  int      `mapstructure:"max_string_length"`
	DisabledPatterns []string `mapstructure:"disabled_patterns"`
	MaxOutputBytes   int      `mapstructure:"max_output_bytes"`
	SensitiveFields  []string `mapstructure:"sensitive_fields"`
	SafeIPs          []string `mapstructure:"safe_ips"`
}

// QuotaConfig: YAML-файл тарифов и назначений.
type QuotaConfig struct {
	TiersFile string `mapstructure:"tiers_file"`
}

// RiskConfig: модификаторы CARS. Уровни задаются строками (LOW, HIGH, ...).
type RiskConfig struct {
	MatrixFile           string             `mapstructure:"matrix_file"`
	EnvironmentModifiers map[string]float64 `mapstructure:"environment_modifiers"`
	RoleModifiers        map[string]float64 `mapstructure:"role_modifiers"`
	UnknownRoleModifier  *float64           `mapstructure:"unknown_role_modifier"`
	ApprovalThreshold    string             `mapstructure:"approval_threshold"`
	BlockThreshold       string             `mapstructure:"block_threshold"`
}

type LeakConfig struct {
	TenantPatterns    []string `mapstructure:"tenant_patterns"`
	InternalDomains   []string `mapstructure:"internal_domains"`
	ResourceCacheSize int      `mapstructure:"resource_cache_size"`
	KnownTenants      []string `mapstructure:"known_tenants"`
}

type EvidenceConfig struct {
	AutoSeal bool `mapstructure:"auto_seal"`
}

// CryptoConfig: seed Ed25519 для подписи evidence (32 байта, hex или base64).
type CryptoConfig struct {
	EvidenceSeedPath string `mapstructure:"evidence_seed_path"`
	EvidenceSeed     []byte
}

// ToolsConfig: каталог инструментов и адрес удаленного коннектора.
// Пустой ConnectorAddr — локальный mock-коннектор.
type ToolsConfig struct {
	CatalogFile      string        `mapstructure:"catalog_file"`
	ConnectorAddr    string        `mapstructure:"connector_addr"`
	ConnectorTimeout time.Duration `mapstructure:"connector_timeout"`
}

// LoggerConfig настраивает поведение zap логгера.
type LoggerConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, console
}

// LoadConfig инициализирует конфигурацию, объединяя значения из файла и ENV.
// Пустой path — поиск config.yaml в . и ./configs.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()

	// 1. Настройка поиска файла
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")    // имя файла без расширения
		v.SetConfigType("yaml")      // формат
		v.AddConfigPath(".")         // ищем в корне
		v.AddConfigPath("./configs") // и в папке с конфигами
	}

	// 2. Настройка переменных окружения (ENV)
	// Позволяет перекрывать конфиг: TOOLGATE_SERVER_PORT=9000 перекроет server.port
	v.SetEnvPrefix("TOOLGATE")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// 3. Установка дефолтных значений
	setDefaults(v)

	// 4. Чтение файла
	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Если файла нет — работаем на ENV и дефолтах
	}

	// 5. Маппинг в структуру
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}

	// 6. Ключи из ENV или из файла
	cfg.Auth.PublicKey = loadKeyResource(cfg.Auth.PublicKeyPath, "TOOLGATE_AUTH_PUBLIC_KEY_DATA")
	cfg.Crypto.EvidenceSeed = loadKeyResource(cfg.Crypto.EvidenceSeedPath, "TOOLGATE_EVIDENCE_SEED_DATA")

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 5*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Minute) // ожидание апрува держит соединение
	v.SetDefault("grpc.port", 9090)
	v.SetDefault("console.port", 8081)
	v.SetDefault("database.max_conns", 15)
	v.SetDefault("database.min_conns", 5)
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")

	v.SetDefault("engine.audit_buffer_size", 10000)
	v.SetDefault("engine.audit_batch_size", 100)
	v.SetDefault("engine.audit_flush_interval", 500*time.Millisecond)
	v.SetDefault("engine.approval_timeout", 5*time.Minute)
	v.SetDefault("engine.approval_ttl", 24*time.Hour)
	v.SetDefault("engine.quota_entity", "tenant")
	v.SetDefault("engine.default_environment", "production")
	v.SetDefault("engine.cb_max_requests", 3)
	v.SetDefault("engine.cb_interval", 5*time.Second)
	v.SetDefault("engine.cb_timeout", 30*time.Second)
	v.SetDefault("engine.cb_failures", 5)
	v.SetDefault("engine.rate_per_second", 100)
	v.SetDefault("engine.rate_burst", 20)
	v.SetDefault("engine.retry_attempts", 3)
	v.SetDefault("engine.attempt_timeout", 10*time.Second)

	v.SetDefault("sanitizer.strictness", "moderate")
	v.SetDefault("risk.approval_threshold", "MEDIUM")
	v.SetDefault("risk.block_threshold", "CRITICAL")
	v.SetDefault("leak.resource_cache_size", 10000)
	v.SetDefault("evidence.auto_seal", true)
	v.SetDefault("tools.connector_timeout", 15*time.Second)
}

// loadKeyResource: ключ напрямую из ENV (PEM/hex) или из файла по пути из конфига
func loadKeyResource(path string, envDataKey string) []byte {
	if data := os.Getenv(envDataKey); data != "" {
		return []byte(data)
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			return data
		}
	}
	return nil
}
