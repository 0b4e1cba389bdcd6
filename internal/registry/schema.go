package registry

import (
	"fmt"
	"sort"
	"strings"

	"github.com/xela07ax/spaceai-toolgate/internal/domain"
)

// ScopeAll: скоуп, открывающий любой инструмент.
const ScopeAll = "*"

// SchemaError: нарушение входной схемы инструмента.
type SchemaError struct {
	Tool    string
	Param   string
	Problem string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("tool %s: param %q %s", e.Tool, e.Param, e.Problem)
}

func (e *SchemaError) Unwrap() error { return ErrInvalidParams }

// Permitted проверяет, что скоупы вызывающего покрывают permissions инструмента.
// Инструмент без permissions доступен всем.
func Permitted(desc domain.ToolDescriptor, scopes []string) bool {
	if len(desc.Metadata.Permissions) == 0 {
		return true
	}
	granted := make(map[string]bool, len(scopes))
	for _, s := range scopes {
		if s == ScopeAll {
			return true
		}
		granted[s] = true
	}
	for _, p := range desc.Metadata.Permissions {
		if !granted[p] {
			return false
		}
	}
	return true
}

// ValidateParams проверяет обязательные параметры и их базовый тип.
// Лишние параметры допускаются: их проверяет санитайзер без подсказки типа.
func ValidateParams(desc domain.ToolDescriptor, params domain.Value) error {
	if params.IsNull() && !hasRequired(desc) {
		return nil
	}
	if params.Kind() != domain.KindMap {
		return &SchemaError{Tool: desc.Name, Param: "", Problem: "params must be an object"}
	}

	names := make([]string, 0, len(desc.InputSchema))
	for name := range desc.InputSchema {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		spec := desc.InputSchema[name]
		v, ok := params.Get(name)
		if !ok || v.IsNull() {
			if spec.Required {
				return &SchemaError{Tool: desc.Name, Param: name, Problem: "is required"}
			}
			continue
		}
		if want, ok := kindFor(spec.Type); ok && v.Kind() != want {
			return &SchemaError{Tool: desc.Name, Param: name, Problem: "must be " + want.String()}
		}
	}
	return nil
}

// Hint: подсказка типа для санитайзера.
func Hint(desc domain.ToolDescriptor, param string) string {
	if spec, ok := desc.InputSchema[param]; ok {
		return strings.ToLower(spec.Type)
	}
	return ""
}

func hasRequired(desc domain.ToolDescriptor) bool {
	for _, s := range desc.InputSchema {
		if s.Required {
			return true
		}
	}
	return false
}

// kindFor сводит тип схемы к виду значения. Строковые подсказки
// (sql, command, path, ...) требуют строку.
func kindFor(typ string) (domain.Kind, bool) {
	switch strings.ToLower(typ) {
	case "":
		return 0, false
	case "number", "integer":
		return domain.KindNumber, true
	case "bool", "boolean":
		return domain.KindBool, true
	case "object":
		return domain.KindMap, true
	case "array":
		return domain.KindArray, true
	case "any":
		return 0, false
	default:
		return domain.KindString, true
	}
}
