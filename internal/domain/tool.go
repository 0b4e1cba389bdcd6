package domain

// ParamSpec описывает параметр инструмента. Type используется санитайзером
// как подсказка (sql, command, prompt, path, html, string, number, bool, object).
type ParamSpec struct {
	Type        string `json:"type" yaml:"type"`
	Required    bool   `json:"required,omitempty" yaml:"required"`
	Description string `json:"description,omitempty" yaml:"description"`
}

type ToolMetadata struct {
	RiskLevel          string   `json:"risk_level,omitempty" yaml:"risk_level"`
	Permissions        []string `json:"permissions,omitempty" yaml:"permissions"`
	VerificationStatus string   `json:"verification_status,omitempty" yaml:"verification_status"`
}

// ToolDescriptor: то, что регистрирует владелец инструмента.
type ToolDescriptor struct {
	Name        string               `json:"name" yaml:"name"`
	Description string               `json:"description,omitempty" yaml:"description"`
	Version     string               `json:"version,omitempty" yaml:"version"`
	InputSchema map[string]ParamSpec `json:"input_schema,omitempty" yaml:"input_schema"`
	Metadata    ToolMetadata         `json:"metadata" yaml:"metadata"`
}
