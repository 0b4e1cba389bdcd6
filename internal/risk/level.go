package risk

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Level: шкала риска CARS: 0 (MINIMAL) .. 4 (CRITICAL).
type Level int

const (
	Minimal Level = iota
	Low
	Medium
	High
	Critical
)

var levelNames = [...]string{"MINIMAL", "LOW", "MEDIUM", "HIGH", "CRITICAL"}

func (l Level) String() string {
	if l < Minimal || l > Critical {
		return "Level(" + strconv.Itoa(int(l)) + ")"
	}
	return levelNames[l]
}

// Escalate поднимает уровень на ceil(amount) с насыщением на CRITICAL.
// Отрицательные и NaN модификаторы игнорируются: эскалация монотонна.
func (l Level) Escalate(amount float64) Level {
	l = l.clamp()
	if !(amount > 0) {
		return l
	}
	step := math.Ceil(amount)
	if step >= float64(Critical-l) {
		return Critical
	}
	return l + Level(step)
}

func (l Level) clamp() Level {
	switch {
	case l < Minimal:
		return Minimal
	case l > Critical:
		return Critical
	}
	return l
}

func ParseLevel(s string) (Level, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	for i, name := range levelNames {
		if s == name {
			return Level(i), nil
		}
	}
	if n, err := strconv.Atoi(s); err == nil && n >= int(Minimal) && n <= int(Critical) {
		return Level(n), nil
	}
	return Critical, fmt.Errorf("risk: unknown level %q", s)
}

func (l Level) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

func (l *Level) UnmarshalText(b []byte) error {
	v, err := ParseLevel(string(b))
	if err != nil {
		return err
	}
	*l = v
	return nil
}

// Autonomy: грубая проекция уровня риска на режим исполнения.
type Autonomy string

const (
	AutonomyFull       Autonomy = "full"
	AutonomySupervised Autonomy = "supervised"
	AutonomyAssisted   Autonomy = "assisted"
	AutonomyManual     Autonomy = "manual"
)

func (l Level) Autonomy() Autonomy {
	switch l.clamp() {
	case Minimal, Low:
		return AutonomyFull
	case Medium:
		return AutonomySupervised
	case High:
		return AutonomyAssisted
	default:
		return AutonomyManual
	}
}
