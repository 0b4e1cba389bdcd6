package quota

import (
	"fmt"
	"time"
)

// Bounds возвращает [start, end) периода, содержащего t, в локации t.
// daily: календарные сутки, monthly — с 1-го числа до 1-го следующего месяца,
// annual: с 1 января до 1 января.
func Bounds(p Period, t time.Time) (time.Time, time.Time, error) {
	loc := t.Location()
	y, m, d := t.Date()
	switch p {
	case PeriodDaily:
		start := time.Date(y, m, d, 0, 0, 0, 0, loc)
		return start, start.AddDate(0, 0, 1), nil
	case PeriodMonthly:
		start := time.Date(y, m, 1, 0, 0, 0, 0, loc)
		return start, start.AddDate(0, 1, 0), nil
	case PeriodAnnual:
		start := time.Date(y, time.January, 1, 0, 0, 0, 0, loc)
		return start, start.AddDate(1, 0, 0), nil
	}
	return time.Time{}, time.Time{}, fmt.Errorf("quota: unknown period %q", p)
}
