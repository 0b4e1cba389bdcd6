package sanitize

/*
Файл input.go — входной санитайзер параметров инструмента.

Порядок для каждого строкового листа:
 1. allow-list (точное совпадение без учета регистра) — лист безопасен;
 2. block-list (подстрока) — угроза severity high;
 3. детекторы, отобранные по подсказке типа (или все включенные).
Решение о блокировке — политика строгости. Если политика терпит найденные
угрозы, значение экранируется по типу угрозы, а не отклоняется.
*/

import (
	"errors"
	"fmt"
	"html"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"
	"golang.org/x/text/unicode/norm"

	"github.com/xela07ax/spaceai-toolgate/internal/domain"
)

type Strictness string

const (
	StrictnessStrict   Strictness = "strict"
	StrictnessModerate Strictness = "moderate"
	StrictnessLenient  Strictness = "lenient"
)

// blocks: блокирует ли политика угрозу данной severity.
func (s Strictness) blocks(sev domain.Severity) bool {
	switch s {
	case StrictnessStrict:
		return true
	case StrictnessLenient:
		return sev.AtLeast(domain.SeverityCritical)
	default:
		return sev.AtLeast(domain.SeverityHigh)
	}
}

func ParseStrictness(s string) Strictness {
	switch v := Strictness(strings.ToLower(s)); v {
	case StrictnessStrict, StrictnessModerate, StrictnessLenient:
		return v
	}
	return ""
}

var (
	ErrMaxDepthExceeded = errors.New("sanitize: max depth exceeded")
	ErrValueTooLarge    = errors.New("sanitize: value too large")
)

const filteredMarker = "[filtered]"

type InputConfig struct {
	MaxDepth          int
	MaxStringLength   int
	DefaultStrictness Strictness
	// Patterns == nil — встроенная таблица DefaultInputPatterns.
	Patterns         []Pattern
	DisabledPatterns []string
}

// Context: контекст конкретного параметра.
type Context struct {
	ToolName     string
	ParamName    string
	ExpectedType string
	Strictness   Strictness
	AllowList    []string
	BlockList    []string
}

type Result struct {
	Safe        bool              `json:"safe"`
	Sanitized   domain.Value      `json:"sanitized"`
	Threats     []ThreatDetection `json:"threats,omitempty"`
	Blocked     bool              `json:"blocked"`
	BlockReason string            `json:"block_reason,omitempty"`
}

type InputSanitizer struct {
	cfg      InputConfig
	patterns []Pattern
	logger   *zap.Logger
}

func NewInputSanitizer(cfg InputConfig, logger *zap.Logger) *InputSanitizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = 10
	}
	if cfg.MaxStringLength <= 0 {
		cfg.MaxStringLength = 64 * 1024
	}
	if cfg.DefaultStrictness == "" {
		cfg.DefaultStrictness = StrictnessModerate
	}
	all := cfg.Patterns
	if all == nil {
		all = DefaultInputPatterns()
	}
	disabled := make(map[string]bool, len(cfg.DisabledPatterns))
	for _, id := range cfg.DisabledPatterns {
		disabled[id] = true
	}
	patterns := make([]Pattern, 0, len(all))
	for _, p := range all {
		if !disabled[p.ID] {
			patterns = append(patterns, p)
		}
	}
	return &InputSanitizer{cfg: cfg, patterns: patterns, logger: logger.Named("sanitize.input")}
}

// Sanitize проверяет значение параметра. Ошибка возвращается только для
// нарушений формы (глубина, размер) — это не угроза, а невалидный запрос.
func (s *InputSanitizer) Sanitize(v domain.Value, ctx Context) (Result, error) {
	strictness := ctx.Strictness
	if strictness == "" {
		strictness = s.cfg.DefaultStrictness
	}
	allow := make(map[string]bool, len(ctx.AllowList))
	for _, a := range ctx.AllowList {
		allow[strings.ToLower(a)] = true
	}

	// 1. Обход с контролем глубины и размера
	var (
		all     []ThreatDetection
		sizeErr error
	)
	err := v.Walk(ctx.ParamName, s.cfg.MaxDepth, func(path string, leaf domain.Value) {
		if sizeErr != nil || leaf.Kind() != domain.KindString {
			return
		}
		text := leaf.Str()
		if len(text) > s.cfg.MaxStringLength {
			sizeErr = fmt.Errorf("%w: %d bytes at %q", ErrValueTooLarge, len(text), path)
			return
		}
		if allow[strings.ToLower(text)] {
			return
		}
		all = append(all, s.scan(text, path, ctx)...)
	})
	if err != nil {
		if errors.Is(err, domain.ErrDepthExceeded) {
			return Result{}, fmt.Errorf("%w: %v", ErrMaxDepthExceeded, err)
		}
		return Result{}, err
	}
	if sizeErr != nil {
		return Result{}, sizeErr
	}

	if len(all) == 0 {
		return Result{Safe: true, Sanitized: v}, nil
	}

	// 2. Политика блокировки
	for _, t := range all {
		if strictness.blocks(t.Severity) {
			s.logger.Warn("input blocked",
				zap.String("tool", ctx.ToolName),
				zap.String("path", t.Path),
				zap.String("pattern_id", t.PatternID),
				zap.String("severity", string(t.Severity)))
			return Result{
				Safe:        false,
				Sanitized:   domain.Null(),
				Threats:     all,
				Blocked:     true,
				BlockReason: fmt.Sprintf("%s (%s) at %s", t.Description, t.Severity, pathOrRoot(t.Path)),
			}, nil
		}
	}

	// 3. Экранирование: каждый лист пересканируется сам, без привязки к пути
	sanitized := v.Transform(ctx.ParamName, func(path, _ string, leaf domain.Value) domain.Value {
		if leaf.Kind() != domain.KindString || allow[strings.ToLower(leaf.Str())] {
			return leaf
		}
		threats := s.scan(leaf.Str(), path, ctx)
		if len(threats) == 0 {
			return leaf
		}
		return domain.String(s.escape(leaf.Str(), threats))
	})
	return Result{Safe: false, Sanitized: sanitized, Threats: all}, nil
}

// ScanString: проверка одной строки без обхода (для CLI и заголовков).
func (s *InputSanitizer) ScanString(text string, ctx Context) []ThreatDetection {
	return s.scan(text, ctx.ParamName, ctx)
}

func (s *InputSanitizer) scan(text, path string, ctx Context) []ThreatDetection {
	var threats []ThreatDetection

	lower := strings.ToLower(text)
	for _, b := range ctx.BlockList {
		if b == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(b)) {
			threats = append(threats, ThreatDetection{
				Type:        ThreatBlockList,
				PatternID:   "blocklist",
				Severity:    domain.SeverityHigh,
				MatchedText: domain.Mask(b),
				Path:        path,
				Description: "blocked term",
			})
		}
	}

	types := typesForHint(strings.ToLower(ctx.ExpectedType))
	normalized := norm.NFKC.String(text)
	for _, p := range s.patterns {
		if !typeEnabled(p.Type, types) {
			continue
		}
		loc := s.match(p, text)
		matched := text
		if loc == nil && normalized != text {
			loc = s.match(p, normalized)
			matched = normalized
		}
		if loc == nil {
			continue
		}
		threats = append(threats, ThreatDetection{
			Type:        p.Type,
			PatternID:   p.ID,
			Severity:    p.Severity,
			MatchedText: domain.Mask(matched[loc[0]:loc[1]]),
			Path:        path,
			Description: p.Description,
		})
	}
	return threats
}

// match изолирует паники отдельного детектора.
func (s *InputSanitizer) match(p Pattern, text string) (loc []int) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("pattern matcher failed", zap.String("pattern_id", p.ID), zap.Any("panic", r))
			loc = nil
		}
	}()
	return p.Matcher.FindStringIndex(text)
}

func typeEnabled(t ThreatType, types []ThreatType) bool {
	if types == nil {
		return true
	}
	for _, x := range types {
		if x == t {
			return true
		}
	}
	return false
}

// escape приводит строку к безопасной форме для найденных типов угроз.
// После экранирования строка перепроверяется, и все оставшиеся сырые
// совпадения заменяются маркером.
func (s *InputSanitizer) escape(text string, threats []ThreatDetection) string {
	out := genericEscape(text)

	seen := make(map[ThreatType]bool)
	for _, t := range threats {
		if seen[t.Type] {
			continue
		}
		seen[t.Type] = true
		switch t.Type {
		case ThreatSQLInjection:
			out = escapeSQL(out)
		case ThreatXSS:
			out = html.EscapeString(out)
		case ThreatCommandInjection:
			out = escapeShell(out)
		case ThreatPathTraversal:
			out = escapePath(out)
		}
	}

	for _, t := range threats {
		p, ok := s.pattern(t.PatternID)
		if !ok {
			continue
		}
		for i := 0; i < 4 && s.match(p, out) != nil; i++ {
			out = p.Matcher.ReplaceAllString(out, filteredMarker)
		}
	}
	return out
}

func (s *InputSanitizer) pattern(id string) (Pattern, bool) {
	for _, p := range s.patterns {
		if p.ID == id {
			return p, true
		}
	}
	return Pattern{}, false
}

// genericEscape убирает null-байты и нормализует Unicode (NFKC).
func genericEscape(s string) string {
	s = strings.ReplaceAll(s, "\x00", "")
	s = strings.ReplaceAll(s, "%00", "")
	if !utf8.ValidString(s) {
		s = strings.ToValidUTF8(s, "")
	}
	return norm.NFKC.String(s)
}

var sqlReplacer = strings.NewReplacer("'", "''", "--", "", "/*", "", "*/", "", ";", "")

func escapeSQL(s string) string {
	return sqlReplacer.Replace(s)
}

const shellMeta = "\\;&|$`<>(){}!*?[]#~\"'\n"

func escapeShell(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 8)
	for _, r := range s {
		if strings.ContainsRune(shellMeta, r) {
			if r == '\n' {
				b.WriteString(" ")
				continue
			}
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

var pathReplacer = strings.NewReplacer("../", "", "..\\", "", "%2e%2e", "", "%2E%2E", "", "%2f", "/", "%2F", "/")

func escapePath(s string) string {
	// повторяем, пока замены что-то меняют: "....//" схлопывается в "../"
	for i := 0; i < 8; i++ {
		next := pathReplacer.Replace(s)
		if next == s {
			break
		}
		s = next
	}
	return s
}

func pathOrRoot(p string) string {
	if p == "" {
		return "<root>"
	}
	return p
}
