package domain

import "strings"

// Severity: общая шкала для угроз санитайзера, утечек и индикаторов CARS.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank переводит severity в число для сравнения. Неизвестное значение = 0.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}

// AtLeast: s не ниже other.
func (s Severity) AtLeast(other Severity) bool {
	return s.Rank() >= other.Rank()
}

// MaxSeverity возвращает наибольшую severity из списка.
func MaxSeverity(items ...Severity) Severity {
	var out Severity
	for _, s := range items {
		if s.Rank() > out.Rank() {
			out = s
		}
	}
	return out
}

func ParseSeverity(s string) Severity {
	switch sev := Severity(strings.ToLower(strings.TrimSpace(s))); sev {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return sev
	}
	return ""
}
