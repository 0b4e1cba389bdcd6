package risk

import (
	"strconv"
	"strings"

	"github.com/xela07ax/spaceai-toolgate/internal/domain"
	"go.uber.org/zap"
)

// ContextFactor: один модификатор, повлиявший на итоговый риск.
type ContextFactor struct {
	Name        string  `json:"name"`
	Modifier    float64 `json:"modifier"`
	Description string  `json:"description"`
}

// Analyzer применяет динамические пороги инструмента к параметрам вызова.
type Analyzer struct {
	logger *zap.Logger
}

func NewAnalyzer(logger *zap.Logger) *Analyzer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Analyzer{logger: logger.Named("analyzer")}
}

// Evaluate возвращает факторы для всех сработавших правил.
func (a *Analyzer) Evaluate(tool string, rules []ParamRule, params domain.Value) []ContextFactor {
	var out []ContextFactor
	for _, rule := range rules {
		// 1. Если в правиле не указано, какое поле проверять — пропускаем
		if rule.Field == "" || rule.Modifier <= 0 {
			continue
		}

		// 2. Достаем поле по пути вида "payment.amount"
		raw, ok := lookupField(params, rule.Field)
		if !ok {
			continue
		}
		val, ok := numeric(raw)
		if !ok {
			continue
		}

		// 3. Порог превышен — эскалируем
		if val > rule.Threshold {
			a.logger.Warn("dynamic risk threshold triggered",
				zap.String("tool", tool),
				zap.String("field", rule.Field),
				zap.Float64("value", val),
				zap.Float64("threshold", rule.Threshold),
			)
			out = append(out, ContextFactor{
				Name:        "param:" + rule.Field,
				Modifier:    rule.Modifier,
				Description: rule.Field + " " + strconv.FormatFloat(val, 'f', -1, 64) + " exceeds " + strconv.FormatFloat(rule.Threshold, 'f', -1, 64),
			})
		}
	}
	return out
}

func lookupField(v domain.Value, path string) (domain.Value, bool) {
	cur := v
	for _, seg := range strings.Split(path, ".") {
		next, ok := cur.Get(seg)
		if !ok {
			return domain.Value{}, false
		}
		cur = next
	}
	return cur, true
}

func numeric(v domain.Value) (float64, bool) {
	switch v.Kind() {
	case domain.KindNumber:
		return v.Number(), true
	case domain.KindString:
		f, err := strconv.ParseFloat(strings.TrimSpace(v.Str()), 64)
		return f, err == nil
	}
	return 0, false
}
