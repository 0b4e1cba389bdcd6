package sanitize

/*
Файл output.go — выходной санитайзер ответов инструментов (и текстов ошибок).

Редактирование:
  - поля с чувствительным именем заменяются целиком на [REDACTED];
  - строки прогоняются через таблицу PII/секретов, совпадение заменяется
    маркером [REDACTED_<KIND>].
Маркеры не совпадают ни с одним паттерном, поэтому повторный проход по уже
очищенному ответу ничего не меняет.
Ответ больше бюджета обрезается до наибольшего структурного префикса.
*/

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-toolgate/internal/domain"
)

const (
	redactedField  = "[REDACTED]"
	depthMarker    = "[MAX_DEPTH]"
	truncateSuffix = "...[TRUNCATED]"
)

// Redaction: запись аудита о замене. Оригинальное значение не хранится.
type Redaction struct {
	Path    string `json:"path"`
	Kind    string `json:"kind"`
	Preview string `json:"preview"`
}

type OutputResult struct {
	Output       domain.Value `json:"output"`
	Modified     bool         `json:"modified"`
	Redactions   []Redaction  `json:"redactions,omitempty"`
	Truncated    bool         `json:"truncated"`
	OriginalSize int          `json:"original_size"`
	FinalSize    int          `json:"final_size"`
}

type OutputConfig struct {
	MaxOutputBytes  int
	MaxDepth        int
	SensitiveFields []string
	SafeIPs         []string
}

type redactRule struct {
	kind   string
	re     *regexp.Regexp
	marker string
	// accept: дополнительная проверка совпадения (Luhn, safe IP)
	accept func(match string) bool
}

var defaultSensitiveFields = []string{
	"password", "passwd", "pwd", "secret", "token", "accesstoken", "refreshtoken",
	"apikey", "apisecret", "privatekey", "clientsecret", "authorization", "cookie",
	"sessionid", "credential", "credentials", "ssn", "creditcard", "cardnumber", "cvv",
}

var sensitiveSuffixes = []string{"password", "secret", "token", "apikey", "privatekey", "credential", "credentials"}

var defaultSafeIPs = []string{"127.0.0.1", "0.0.0.0", "255.255.255.255"}

type OutputSanitizer struct {
	cfg     OutputConfig
	fields  map[string]bool
	safeIPs map[string]bool
	rules   []redactRule
	logger  *zap.Logger
}

func NewOutputSanitizer(cfg OutputConfig, logger *zap.Logger) *OutputSanitizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = 1 << 20
	}
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = 32
	}
	fields := cfg.SensitiveFields
	if len(fields) == 0 {
		fields = defaultSensitiveFields
	}
	ips := cfg.SafeIPs
	if len(ips) == 0 {
		ips = defaultSafeIPs
	}
	s := &OutputSanitizer{
		cfg:     cfg,
		fields:  make(map[string]bool, len(fields)),
		safeIPs: make(map[string]bool, len(ips)),
		logger:  logger.Named("sanitize.output"),
	}
	for _, f := range fields {
		s.fields[normalizeField(f)] = true
	}
	for _, ip := range ips {
		s.safeIPs[ip] = true
	}
	s.rules = s.defaultRules()
	return s
}

func (s *OutputSanitizer) defaultRules() []redactRule {
	rule := func(kind, expr, marker string) redactRule {
		return redactRule{kind: kind, re: regexp.MustCompile(expr), marker: marker}
	}
	card := rule("credit_card", `\b(?:\d[ -]?){12,18}\d\b`, "[REDACTED_CARD]")
	card.accept = luhnValid
	ip := rule("ip_address", `\b(?:\d{1,3}\.){3}\d{1,3}\b`, "[REDACTED_IP]")
	ip.accept = func(m string) bool { return !s.safeIPs[m] }

	// порядок важен: сначала длинные структуры (ключи, строки подключения),
	// потом короткие токены внутри них
	return []redactRule{
		rule("private_key", `-----BEGIN [A-Z ]*PRIVATE KEY-----[\s\S]*?-----END [A-Z ]*PRIVATE KEY-----`, "[REDACTED_PRIVATE_KEY]"),
		rule("connection_string", `(?i)\b(?:postgres(?:ql)?|mysql|mongodb(?:\+srv)?|redis|rediss|amqp|mssql)://[^\s'"]+`, "[REDACTED_CONNECTION_STRING]"),
		rule("bearer_token", `(?i)\bbearer\s+[a-z0-9\-._~+/]+=*`, "[REDACTED_BEARER]"),
		rule("jwt", `\beyJ[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+`, "[REDACTED_JWT]"),
		rule("aws_access_key", `\b(?:AKIA|ASIA)[0-9A-Z]{16}\b`, "[REDACTED_AWS_KEY]"),
		rule("aws_secret", `(?i)aws_secret_access_key\s*[=:]\s*[^\s'"]+`, "[REDACTED_AWS_SECRET]"),
		rule("api_key", `\b(?:sk|pk|rk)[-_](?:live[-_]|test[-_])?[A-Za-z0-9]{16,}\b|\bgh[pousr]_[A-Za-z0-9]{36,}\b|\bxox[baprs]-[A-Za-z0-9-]{10,}\b|\bAIza[0-9A-Za-z_-]{35}\b`, "[REDACTED_API_KEY]"),
		rule("email", `\b[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}\b`, "[REDACTED_EMAIL]"),
		rule("ssn", `\b\d{3}-\d{2}-\d{4}\b`, "[REDACTED_SSN]"),
		card,
		rule("phone", `(?:\+\d{1,3}[\s.-])?\(?\b\d{3}\)?[\s.-]\d{3}[\s.-]\d{4}\b`, "[REDACTED_PHONE]"),
		ip,
		rule("file_path", `(?:/(?:home|Users|root|etc|var|opt|proc)/[^\s'"]*)|(?i:\b[A-Z]:\\(?:Users|Windows)\\[^\s'"]*)`, "[REDACTED_PATH]"),
		rule("stack_trace", `(?m)^\s*at\s+[\w.$<>]+\s*\([^)\n]*:\d+(?::\d+)?\)|goroutine \d+ \[[a-z ]+\]:|Traceback \(most recent call last\):`, "[REDACTED_STACK_TRACE]"),
	}
}

// Sanitize редактирует и при необходимости обрезает ответ инструмента.
func (s *OutputSanitizer) Sanitize(v domain.Value) OutputResult {
	res := OutputResult{OriginalSize: v.Size()}

	var redactions []Redaction
	out := s.redact(v, "", 0, &redactions)
	res.Redactions = redactions

	if size := out.Size(); size > s.cfg.MaxOutputBytes {
		out = truncate(out, s.cfg.MaxOutputBytes, res.OriginalSize)
		res.Truncated = true
	}
	res.Output = out
	res.FinalSize = out.Size()
	res.Modified = len(redactions) > 0 || res.Truncated

	if res.Modified {
		s.logger.Debug("output sanitized",
			zap.Int("redactions", len(redactions)),
			zap.Bool("truncated", res.Truncated),
			zap.Int("original_size", res.OriginalSize),
			zap.Int("final_size", res.FinalSize))
	}
	return res
}

// SanitizeText применяет строковые правила к тексту (сообщения об ошибках).
func (s *OutputSanitizer) SanitizeText(text string) (string, []Redaction) {
	var redactions []Redaction
	out := s.redactString(text, "", &redactions)
	return out, redactions
}

func (s *OutputSanitizer) redact(v domain.Value, path string, depth int, acc *[]Redaction) domain.Value {
	switch v.Kind() {
	case domain.KindMap, domain.KindArray:
		if depth >= s.cfg.MaxDepth {
			*acc = append(*acc, Redaction{Path: path, Kind: "max_depth", Preview: "***"})
			return domain.String(depthMarker)
		}
	}

	switch v.Kind() {
	case domain.KindMap:
		fields := v.Fields()
		out := make(map[string]domain.Value, len(fields))
		for _, k := range v.Keys() {
			child := fields[k]
			p := domain.JoinKey(path, k)
			if s.sensitiveField(k) {
				if child.Kind() == domain.KindString && child.Str() == redactedField {
					out[k] = child
					continue
				}
				*acc = append(*acc, Redaction{Path: p, Kind: "sensitive_field", Preview: preview(child)})
				out[k] = domain.String(redactedField)
				continue
			}
			out[k] = s.redact(child, p, depth+1, acc)
		}
		return domain.Map(out)
	case domain.KindArray:
		items := v.Items()
		out := make([]domain.Value, len(items))
		for i, it := range items {
			out[i] = s.redact(it, domain.JoinIndex(path, i), depth+1, acc)
		}
		return domain.Array(out...)
	case domain.KindString:
		str := v.Str()
		red := s.redactString(str, path, acc)
		if red == str {
			return v
		}
		return domain.String(red)
	default:
		return v
	}
}

func (s *OutputSanitizer) redactString(text, path string, acc *[]Redaction) string {
	for _, r := range s.rules {
		text = s.applyRule(r, text, path, acc)
	}
	return text
}

func (s *OutputSanitizer) applyRule(r redactRule, text, path string, acc *[]Redaction) (out string) {
	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Error("redaction rule failed", zap.String("kind", r.kind), zap.Any("panic", rec))
			out = text
		}
	}()
	if !r.re.MatchString(text) {
		return text
	}
	return r.re.ReplaceAllStringFunc(text, func(m string) string {
		if r.accept != nil && !r.accept(m) {
			return m
		}
		*acc = append(*acc, Redaction{Path: path, Kind: r.kind, Preview: domain.Mask(m)})
		return r.marker
	})
}

func (s *OutputSanitizer) sensitiveField(name string) bool {
	n := normalizeField(name)
	if s.fields[n] {
		return true
	}
	for _, suf := range sensitiveSuffixes {
		if strings.HasSuffix(n, suf) {
			return true
		}
	}
	return false
}

func normalizeField(name string) string {
	n := strings.ToLower(name)
	n = strings.ReplaceAll(n, "_", "")
	return strings.ReplaceAll(n, "-", "")
}

func preview(v domain.Value) string {
	if v.Kind() == domain.KindString {
		return domain.Mask(v.Str())
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "***"
	}
	return domain.Mask(string(b))
}

// luhnValid: контрольная сумма номера карты (пробелы и дефисы игнорируются).
func luhnValid(s string) bool {
	var digits []int
	for _, r := range s {
		if r >= '0' && r <= '9' {
			digits = append(digits, int(r-'0'))
		}
	}
	if len(digits) < 13 || len(digits) > 19 {
		return false
	}
	sum := 0
	double := false
	for i := len(digits) - 1; i >= 0; i-- {
		d := digits[i]
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}

// truncate возвращает наибольший префикс, влезающий в budget байт JSON.
// Если ни один префикс не влезает — уведомление об обрезке.
func truncate(v domain.Value, budget, originalSize int) domain.Value {
	if out, ok := prefix(v, budget); ok {
		return out
	}
	return domain.String(fmt.Sprintf("[OUTPUT_TRUNCATED: %d bytes exceeded limit of %d]", originalSize, budget))
}

func prefix(v domain.Value, budget int) (domain.Value, bool) {
	if v.Size() <= budget {
		return v, true
	}
	switch v.Kind() {
	case domain.KindArray:
		used := 2 // []
		var out []domain.Value
		for _, it := range v.Items() {
			sz := it.Size()
			if len(out) > 0 {
				sz++ // ,
			}
			if used+sz > budget {
				break
			}
			used += sz
			out = append(out, it)
		}
		if len(out) == 0 {
			return domain.Value{}, false
		}
		return domain.Array(out...), true
	case domain.KindMap:
		used := 2 // {}
		fields := v.Fields()
		out := make(map[string]domain.Value)
		for _, k := range v.Keys() {
			kb, _ := json.Marshal(k)
			sz := len(kb) + 1 + fields[k].Size()
			if len(out) > 0 {
				sz++
			}
			if used+sz > budget {
				break
			}
			used += sz
			out[k] = fields[k]
		}
		if len(out) == 0 {
			return domain.Value{}, false
		}
		return domain.Map(out), true
	case domain.KindString:
		str := v.Str()
		n := len(str)
		for n > 0 {
			for n > 0 && n < len(str) && !utf8.RuneStart(str[n]) {
				n--
			}
			cand := domain.String(str[:n] + truncateSuffix)
			if cand.Size() <= budget {
				return cand, true
			}
			// JSON-экранирование может раздувать строку, поэтому шаг пропорционален превышению
			step := cand.Size() - budget
			if step < 1 {
				step = 1
			}
			n -= step
		}
		return domain.Value{}, false
	}
	return domain.Value{}, false
}
