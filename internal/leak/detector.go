package leak

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/xela07ax/spaceai-toolgate/internal/domain"
	"go.uber.org/zap"
)

type Type string

const (
	TypeTenantID   Type = "tenant_id"
	TypeResourceID Type = "resource_id"
	TypeEmail      Type = "email"
	TypePhone      Type = "phone"
	TypePII        Type = "pii"
)

var markers = map[Type]string{
	TypeTenantID:   "[REDACTED_TENANT]",
	TypeResourceID: "[REDACTED_RESOURCE]",
	TypeEmail:      "[REDACTED_EMAIL]",
	TypePhone:      "[REDACTED_PHONE]",
	TypePII:        "[REDACTED_PII]",
}

// Detection: найденная утечка. Value всегда маскирован.
type Detection struct {
	Type           Type            `json:"type"`
	Value          string          `json:"value"`
	Path           string          `json:"path"`
	LeakedTenantID string          `json:"leaked_tenant_id,omitempty"`
	Severity       domain.Severity `json:"severity"`
}

type Result struct {
	Safe      bool         `json:"safe"`
	Response  domain.Value `json:"response"`
	Leaks     []Detection  `json:"leaks,omitempty"`
	ScannedAt time.Time    `json:"scanned_at"`
}

type ScanContext struct {
	Tool      string
	RequestID string
}

// Alert уходит асинхронно при утечке уровня high/critical.
type Alert struct {
	AllowedTenant string          `json:"allowed_tenant"`
	LeakedTenants []string        `json:"leaked_tenants,omitempty"`
	Tool          string          `json:"tool"`
	RequestID     string          `json:"request_id,omitempty"`
	Severity      domain.Severity `json:"severity"`
	LeakCount     int             `json:"leak_count"`
	DetectedAt    time.Time       `json:"detected_at"`
}

type AlertFunc func(ctx context.Context, a Alert)

type Config struct {
	TenantPatterns    []string `mapstructure:"tenant_patterns" yaml:"tenant_patterns"`
	InternalDomains   []string `mapstructure:"internal_domains" yaml:"internal_domains"`
	ResourceCacheSize int      `mapstructure:"resource_cache_size" yaml:"resource_cache_size"`
	MaxDepth          int      `mapstructure:"max_depth" yaml:"max_depth"`
	DetectPhones      bool     `mapstructure:"detect_phones" yaml:"detect_phones"`
}

func DefaultConfig() Config {
	return Config{
		TenantPatterns:    []string{`\b(?:tenant|org|tnt)[_-][A-Za-z0-9][A-Za-z0-9_-]{1,63}\b`},
		ResourceCacheSize: 10000,
		MaxDepth:          32,
		DetectPhones:      true,
	}
}

var (
	emailRe = regexp.MustCompile(`[A-Za-z0-9._%+-]+@([A-Za-z0-9.-]+\.[A-Za-z]{2,})`)
	phoneRe = regexp.MustCompile(`\+?\d[\d\s().-]{7,}\d`)
	dateRe  = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}`)
)

// ключи, значение которых трактуется как идентификатор тенанта целиком
var tenantKeys = map[string]bool{"tenantid": true, "tenant": true, "orgid": true, "organizationid": true}

// Detector ищет в ответах инструментов данные чужих тенантов.
type Detector struct {
	cfg       Config
	tenantRes []*regexp.Regexp
	internal  []string

	mu      sync.RWMutex
	tenants map[string]struct{}

	// resourceID -> tenantID
	resources *lru.Cache[string, string]

	alert  AlertFunc
	now    func() time.Time
	logger *zap.Logger
}

type Option func(*Detector)

func WithAlertFunc(fn AlertFunc) Option     { return func(d *Detector) { d.alert = fn } }
func WithClock(now func() time.Time) Option { return func(d *Detector) { d.now = now } }

func NewDetector(cfg Config, logger *zap.Logger, opts ...Option) (*Detector, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ResourceCacheSize <= 0 {
		cfg.ResourceCacheSize = 10000
	}
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = 32
	}
	if len(cfg.TenantPatterns) == 0 {
		cfg.TenantPatterns = DefaultConfig().TenantPatterns
	}
	d := &Detector{
		cfg:     cfg,
		tenants: make(map[string]struct{}),
		now:     time.Now,
		logger:  logger.Named("leak"),
	}
	for _, p := range cfg.TenantPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("leak: tenant pattern %q: %w", p, err)
		}
		d.tenantRes = append(d.tenantRes, re)
	}
	for _, dom := range cfg.InternalDomains {
		d.internal = append(d.internal, strings.ToLower(strings.TrimPrefix(dom, "@")))
	}
	cache, err := lru.New[string, string](cfg.ResourceCacheSize)
	if err != nil {
		return nil, fmt.Errorf("leak: resource cache: %w", err)
	}
	d.resources = cache
	for _, o := range opts {
		o(d)
	}
	return d, nil
}

func (d *Detector) RegisterTenant(id string) {
	if id == "" {
		return
	}
	d.mu.Lock()
	d.tenants[id] = struct{}{}
	d.mu.Unlock()
}

func (d *Detector) UnregisterTenant(id string) {
	d.mu.Lock()
	delete(d.tenants, id)
	d.mu.Unlock()
}

// ReplaceTenants атомарно подменяет множество известных тенантов (прогрев из Redis).
func (d *Detector) ReplaceTenants(ids []string) {
	next := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if id != "" {
			next[id] = struct{}{}
		}
	}
	d.mu.Lock()
	d.tenants = next
	d.mu.Unlock()
}

func (d *Detector) KnownTenants() []string {
	d.mu.RLock()
	out := make([]string, 0, len(d.tenants))
	for id := range d.tenants {
		out = append(out, id)
	}
	d.mu.RUnlock()
	sort.Strings(out)
	return out
}

// RegisterResource запоминает владельца ресурса. Вытеснение по LRU.
func (d *Detector) RegisterResource(resourceID, tenantID string) {
	if resourceID == "" || tenantID == "" {
		return
	}
	d.resources.Add(resourceID, tenantID)
}

func (d *Detector) isKnownTenant(id string) bool {
	d.mu.RLock()
	_, ok := d.tenants[id]
	d.mu.RUnlock()
	return ok
}

// ScanResponse проверяет ответ инструмента. При утечке ответ глубоко копируется,
// а найденные листья заменяются маркерами; форма ответа сохраняется.
func (d *Detector) ScanResponse(ctx context.Context, resp domain.Value, allowedTenant string, sc ScanContext) (Result, error) {
	res := Result{Safe: true, Response: resp, ScannedAt: d.now()}
	if resp.Depth() > d.cfg.MaxDepth {
		return res, fmt.Errorf("leak: %w: %d", domain.ErrDepthExceeded, d.cfg.MaxDepth)
	}

	redacted := resp.Transform("", func(path, key string, leaf domain.Value) domain.Value {
		if leaf.Kind() != domain.KindString {
			return leaf
		}
		found := d.scanLeaf(path, key, leaf.Str(), allowedTenant)
		if len(found) == 0 {
			return leaf
		}
		res.Leaks = append(res.Leaks, found...)
		return domain.String(markers[worst(found).Type])
	})

	if len(res.Leaks) == 0 {
		return res, nil
	}
	res.Safe = false
	res.Response = redacted
	sort.SliceStable(res.Leaks, func(i, j int) bool { return res.Leaks[i].Path < res.Leaks[j].Path })

	d.logger.Warn("cross-tenant leak detected",
		zap.String("request_id", sc.RequestID),
		zap.String("tool", sc.Tool),
		zap.String("tenant_id", allowedTenant),
		zap.Int("leaks", len(res.Leaks)),
	)
	d.maybeAlert(ctx, res, allowedTenant, sc)
	return res, nil
}

func (d *Detector) scanLeaf(path, key, s, allowed string) (out []Detection) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("leak scan panicked", zap.String("path", path), zap.Any("panic", r))
		}
	}()

	seenTenant := make(map[string]bool)
	flagTenant := func(id string) {
		if id == allowed || seenTenant[id] || !d.isKnownTenant(id) {
			return
		}
		seenTenant[id] = true
		out = append(out, Detection{Type: TypeTenantID, Value: domain.Mask(id), Path: path, LeakedTenantID: id, Severity: domain.SeverityCritical})
	}

	// 1. Идентификаторы тенантов
	if tenantKeys[normalizeKey(key)] {
		flagTenant(strings.TrimSpace(s))
	}
	for _, re := range d.tenantRes {
		for _, m := range re.FindAllString(s, -1) {
			flagTenant(m)
		}
	}

	// 2. Ресурсы, принадлежащие другому тенанту
	for _, tok := range tokens(s) {
		if owner, ok := d.resources.Peek(tok); ok && owner != allowed {
			out = append(out, Detection{Type: TypeResourceID, Value: domain.Mask(tok), Path: path, LeakedTenantID: owner, Severity: domain.SeverityHigh})
			break
		}
	}

	// 3. PII
	for _, m := range emailRe.FindAllStringSubmatch(s, -1) {
		if !d.isInternalDomain(m[1]) {
			out = append(out, Detection{Type: TypeEmail, Value: domain.Mask(m[0]), Path: path, Severity: domain.SeverityMedium})
			break
		}
	}
	if d.cfg.DetectPhones {
		for _, loc := range phoneRe.FindAllStringIndex(s, -1) {
			m := s[loc[0]:loc[1]]
			if n := countDigits(m); n < 10 || n > 15 || dateRe.MatchString(m) || !standalone(s, loc) {
				continue
			}
			out = append(out, Detection{Type: TypePhone, Value: domain.Mask(m), Path: path, Severity: domain.SeverityMedium})
			break
		}
	}
	return out
}

func (d *Detector) isInternalDomain(host string) bool {
	host = strings.ToLower(host)
	for _, dom := range d.internal {
		if host == dom || strings.HasSuffix(host, "."+dom) {
			return true
		}
	}
	return false
}

func (d *Detector) maybeAlert(ctx context.Context, res Result, allowed string, sc ScanContext) {
	if d.alert == nil {
		return
	}
	sev := domain.SeverityLow
	var leaked []string
	seen := make(map[string]bool)
	for _, l := range res.Leaks {
		sev = domain.MaxSeverity(sev, l.Severity)
		if l.LeakedTenantID != "" && !seen[l.LeakedTenantID] {
			seen[l.LeakedTenantID] = true
			leaked = append(leaked, l.LeakedTenantID)
		}
	}
	if !sev.AtLeast(domain.SeverityHigh) {
		return
	}
	sort.Strings(leaked)
	a := Alert{
		AllowedTenant: allowed,
		LeakedTenants: leaked,
		Tool:          sc.Tool,
		RequestID:     sc.RequestID,
		Severity:      sev,
		LeakCount:     len(res.Leaks),
		DetectedAt:    res.ScannedAt,
	}
	go func() {
		actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		d.alert(actx, a)
	}()
}

func worst(ds []Detection) Detection {
	w := ds[0]
	for _, d := range ds[1:] {
		if d.Severity.Rank() > w.Severity.Rank() {
			w = d
		}
	}
	return w
}

func normalizeKey(k string) string {
	k = strings.ToLower(k)
	return strings.NewReplacer("_", "", "-", "").Replace(k)
}

func tokens(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return unicode.IsSpace(r) || strings.ContainsRune(`,;"'()[]{}<>`, r)
	})
}

// standalone: совпадение не является частью более длинного идентификатора (uuid, хеш).
func standalone(s string, loc []int) bool {
	isID := func(b byte) bool {
		return b == '-' || b == '_' || b >= '0' && b <= '9' || b >= 'a' && b <= 'z' || b >= 'A' && b <= 'Z'
	}
	if loc[0] > 0 && isID(s[loc[0]-1]) {
		return false
	}
	return loc[1] >= len(s) || !isID(s[loc[1]])
}

func countDigits(s string) int {
	n := 0
	for _, r := range s {
		if r >= '0' && r <= '9' {
			n++
		}
	}
	return n
}
