package sanitize

import (
	"regexp"

	"github.com/xela07ax/spaceai-toolgate/internal/domain"
)

type ThreatType string

const (
	ThreatSQLInjection     ThreatType = "sql_injection"
	ThreatCommandInjection ThreatType = "command_injection"
	ThreatPromptInjection  ThreatType = "prompt_injection"
	ThreatPathTraversal    ThreatType = "path_traversal"
	ThreatXSS              ThreatType = "xss"
	ThreatBlockList        ThreatType = "blocklist"
)

// Matcher: минимальный контракт детектора. *regexp.Regexp подходит как есть.
type Matcher interface {
	FindStringIndex(s string) []int
	ReplaceAllString(src, repl string) string
}

// Pattern: строка таблицы детекторов. Новые паттерны добавляются конфигурацией.
type Pattern struct {
	ID          string
	Type        ThreatType
	Severity    domain.Severity
	Matcher     Matcher
	Description string
}

// ThreatDetection: одна находка. MatchedText всегда маскирован.
type ThreatDetection struct {
	Type        ThreatType      `json:"type"`
	PatternID   string          `json:"pattern_id"`
	Severity    domain.Severity `json:"severity"`
	MatchedText string          `json:"matched_text"`
	Path        string          `json:"path"`
	Description string          `json:"description"`
}

func pattern(id string, typ ThreatType, sev domain.Severity, expr, desc string) Pattern {
	return Pattern{ID: id, Type: typ, Severity: sev, Matcher: regexp.MustCompile(expr), Description: desc}
}

// DefaultInputPatterns возвращает новую копию встроенной таблицы.
// regexp в Go — RE2, время матчинга линейно от длины входа.
func DefaultInputPatterns() []Pattern {
	return []Pattern{
		// SQL
		pattern("sql_union_select", ThreatSQLInjection, domain.SeverityHigh,
			`(?i)\bunion(\s+all)?\s+select\b`, "UNION-based SQL injection"),
		pattern("sql_tautology", ThreatSQLInjection, domain.SeverityHigh,
			`(?i)['"]\s*(or|and)\s+['"]?\w+['"]?\s*=\s*['"]?\w+|\bor\s+1\s*=\s*1\b`, "SQL tautology"),
		pattern("sql_comment", ThreatSQLInjection, domain.SeverityMedium,
			`--(\s|$)|/\*.*?\*/`, "SQL comment sequence"),
		pattern("sql_stacked_query", ThreatSQLInjection, domain.SeverityCritical,
			`(?i);\s*(drop|delete|truncate|alter|insert|update|create|exec)\s`, "stacked SQL statement"),
		pattern("sql_time_based", ThreatSQLInjection, domain.SeverityHigh,
			`(?i)\b(sleep|benchmark|pg_sleep)\s*\(|\bwaitfor\s+delay\b`, "time-based SQL injection"),

		// Command
		pattern("cmd_chain", ThreatCommandInjection, domain.SeverityHigh,
			`(?i)(;|&&|\|\||&)\s*(rm|cat|curl|wget|nc|bash|sh|python|perl|chmod|chown|kill|whoami|id|uname)\b`, "shell command chaining"),
		pattern("cmd_substitution", ThreatCommandInjection, domain.SeverityHigh,
			"\\$\\([^)]*\\)|`[^`]*`", "shell command substitution"),
		pattern("cmd_rm_rf", ThreatCommandInjection, domain.SeverityCritical,
			`(?i)\brm\s+-[a-z]*(rf|fr)[a-z]*\b`, "recursive forced delete"),
		pattern("cmd_pipe_shell", ThreatCommandInjection, domain.SeverityCritical,
			`(?i)\|\s*(ba|z|k|da)?sh\b`, "pipe into shell interpreter"),
		pattern("cmd_redirect_system", ThreatCommandInjection, domain.SeverityHigh,
			`>\s*/(etc|dev|proc|sys|bin|usr)/`, "redirect into system path"),

		// Prompt
		pattern("prompt_ignore_previous", ThreatPromptInjection, domain.SeverityHigh,
			`(?i)(ignore|disregard|forget|override)\s+(all\s+)?(the\s+)?(previous|prior|above|earlier|system)\s+(instructions?|rules?|prompts?|context)`,
			"instruction override attempt"),
		pattern("prompt_role_override", ThreatPromptInjection, domain.SeverityHigh,
			`(?i)\byou\s+are\s+now\s+|\bact\s+as\s+(an?\s+)?(admin|root|developer|system|unrestricted)\b|\bpretend\s+(to\s+be|you\s+are)\b`,
			"role manipulation attempt"),
		pattern("prompt_system_tokens", ThreatPromptInjection, domain.SeverityMedium,
			`(?i)</?(system|assistant|user)>|\[/?(system|inst)\]|<\|im_(start|end)\|>|###\s*(system|instruction)`,
			"chat template control tokens"),
		pattern("prompt_reveal_system", ThreatPromptInjection, domain.SeverityMedium,
			`(?i)(reveal|show|print|repeat|output)\s+(me\s+)?(your\s+)?(system\s+)?(prompt|instructions)`,
			"system prompt extraction attempt"),

		// Path
		pattern("path_dot_dot", ThreatPathTraversal, domain.SeverityMedium,
			`\.\.[/\\]`, "relative path traversal"),
		pattern("path_encoded", ThreatPathTraversal, domain.SeverityHigh,
			`(?i)%2e%2e(%2f|%5c|/|\\)|\.\.%2f|%252e%252e`, "encoded path traversal"),
		pattern("path_sensitive_file", ThreatPathTraversal, domain.SeverityHigh,
			`(?i)/etc/(passwd|shadow|sudoers)|\\windows\\system32|/proc/self/`, "sensitive system file access"),
		pattern("path_null_byte", ThreatPathTraversal, domain.SeverityMedium,
			`\x00|%00`, "null byte injection"),

		// XSS
		pattern("xss_script_tag", ThreatXSS, domain.SeverityHigh,
			`(?i)<\s*script\b`, "script tag injection"),
		pattern("xss_javascript_uri", ThreatXSS, domain.SeverityHigh,
			`(?i)javascript\s*:`, "javascript URI"),
		pattern("xss_event_handler", ThreatXSS, domain.SeverityMedium,
			`(?i)<[^>]*\bon[a-z]+\s*=`, "inline event handler"),
		pattern("xss_iframe", ThreatXSS, domain.SeverityHigh,
			`(?i)<\s*(iframe|object|embed)\b`, "embedded frame injection"),
	}
}

// typesForHint сопоставляет подсказку типа параметра с группами детекторов.
// nil: прогонять все включенные детекторы.
func typesForHint(hint string) []ThreatType {
	switch hint {
	case "sql", "query":
		return []ThreatType{ThreatSQLInjection}
	case "command", "shell":
		return []ThreatType{ThreatCommandInjection}
	case "prompt", "text":
		return []ThreatType{ThreatPromptInjection}
	case "path", "file", "filename":
		return []ThreatType{ThreatPathTraversal}
	case "html", "url":
		return []ThreatType{ThreatXSS}
	}
	return nil
}
