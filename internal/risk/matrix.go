package risk

import (
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// ParamRule: динамический порог: если числовой параметр Field больше
// Threshold, к риску добавляется Modifier.
type ParamRule struct {
	Field     string  `json:"field" yaml:"field"`
	Threshold float64 `json:"threshold" yaml:"threshold"`
	Modifier  float64 `json:"modifier" yaml:"modifier"`
}

type ToolRisk struct {
	Level Level       `json:"level" yaml:"level"`
	Rules []ParamRule `json:"rules,omitempty" yaml:"rules"`
}

// Matrix: статическая таблица tool -> базовый риск.
// Обновления редкие и применяются атомарно; чтение на горячем пути под RLock.
type Matrix struct {
	mu     sync.RWMutex
	tools  map[string]ToolRisk
	logger *zap.Logger
}

func NewMatrix(initial map[string]ToolRisk, logger *zap.Logger) *Matrix {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Matrix{tools: make(map[string]ToolRisk, len(initial)), logger: logger.Named("risk.matrix")}
	for name, tr := range initial {
		m.tools[name] = tr
	}
	return m
}

// Get: базовый риск инструмента. Неизвестный инструмент — CRITICAL (fail-closed).
func (m *Matrix) Get(tool string) Level {
	tr, ok := m.Lookup(tool)
	if !ok {
		return Critical
	}
	return tr.Level
}

func (m *Matrix) Lookup(tool string) (ToolRisk, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tr, ok := m.tools[tool]
	return tr, ok
}

// Register задает риск одного инструмента.
func (m *Matrix) Register(tool string, level Level, rules ...ParamRule) {
	m.mu.Lock()
	m.tools[tool] = ToolRisk{Level: level.clamp(), Rules: rules}
	m.mu.Unlock()
	m.logger.Info("tool risk registered", zap.String("tool", tool), zap.String("level", level.String()))
}

// Replace атомарно подменяет всю таблицу (hot reload).
func (m *Matrix) Replace(tools map[string]ToolRisk) {
	next := make(map[string]ToolRisk, len(tools))
	for name, tr := range tools {
		tr.Level = tr.Level.clamp()
		next[name] = tr
	}
	m.mu.Lock()
	m.tools = next
	m.mu.Unlock()
	m.logger.Info("risk matrix replaced", zap.Int("tools", len(next)))
}

func (m *Matrix) Snapshot() map[string]ToolRisk {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]ToolRisk, len(m.tools))
	for k, v := range m.tools {
		out[k] = v
	}
	return out
}

// DefaultMatrix: встроенная таблица для типовых инструментов агента.
func DefaultMatrix() map[string]ToolRisk {
	return map[string]ToolRisk{
		"search":             {Level: Minimal},
		"list_directory":     {Level: Minimal},
		"read_file":          {Level: Low},
		"web_search":         {Level: Low},
		"database_query":     {Level: Medium},
		"write_file":         {Level: Medium},
		"send_email":         {Level: Medium, Rules: []ParamRule{{Field: "recipients_count", Threshold: 50, Modifier: 1}}},
		"http_request":       {Level: Medium},
		"database_write":     {Level: High},
		"delete_file":        {Level: High},
		"execute_code":       {Level: High},
		"shell_command":      {Level: High},
		"transfer_funds":     {Level: High, Rules: []ParamRule{{Field: "amount", Threshold: 10000, Modifier: 1}}},
		"modify_permissions": {Level: Critical},
		"deploy_production":  {Level: Critical},
	}
}

// MatrixFile: формат YAML-файла матрицы.
//
//	tools:
//	  read_file: {level: LOW}
//	  transfer_funds:
//	    level: HIGH
//	    rules: [{field: amount, threshold: 10000, modifier: 1}]
type MatrixFile struct {
	Tools map[string]ToolRisk `yaml:"tools"`
}

func LoadMatrixFile(path string) (map[string]ToolRisk, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("risk: read matrix: %w", err)
	}
	var f MatrixFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("risk: parse matrix: %w", err)
	}
	if len(f.Tools) == 0 {
		return nil, fmt.Errorf("risk: matrix %s has no tools", path)
	}
	return f.Tools, nil
}
