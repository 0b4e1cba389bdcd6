package registry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/xela07ax/spaceai-toolgate/internal/domain"
)

var (
	ErrToolNotFound  = errors.New("registry: tool not found")
	ErrInvalidTool   = errors.New("registry: invalid tool")
	ErrInvalidParams = errors.New("registry: invalid params")
)

// Executor исполняет инструмент. Params в запросе уже санитизированы.
type Executor interface {
	Execute(ctx context.Context, req domain.ToolCallRequest) (domain.Value, error)
}

type ExecutorFunc func(ctx context.Context, req domain.ToolCallRequest) (domain.Value, error)

func (f ExecutorFunc) Execute(ctx context.Context, req domain.ToolCallRequest) (domain.Value, error) {
	return f(ctx, req)
}

type Tool struct {
	Descriptor domain.ToolDescriptor
	Executor   Executor
}

// Catalog: внешний источник дескрипторов (файл, сервис каталога).
type Catalog interface {
	ListTools(ctx context.Context) ([]domain.ToolDescriptor, error)
}

// Registry: in-memory реестр инструментов. Горячий путь читает только память,
// Refresh атомарно подменяет содержимое, загруженное из каталога.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool

	// fallback: исполнитель для инструментов из каталога (удаленный коннектор)
	fallback Executor
	logger   *zap.Logger
}

func New(fallback Executor, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		tools:    make(map[string]Tool),
		fallback: fallback,
		logger:   logger.Named("registry"),
	}
}

func (r *Registry) Register(desc domain.ToolDescriptor, exec Executor) error {
	if desc.Name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidTool)
	}
	if exec == nil {
		return fmt.Errorf("%w: %s has no executor", ErrInvalidTool, desc.Name)
	}
	r.mu.Lock()
	r.tools[desc.Name] = Tool{Descriptor: desc, Executor: exec}
	r.mu.Unlock()
	r.logger.Debug("tool registered", zap.String("tool", desc.Name), zap.String("version", desc.Version))
	return nil
}

func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	delete(r.tools, name)
	r.mu.Unlock()
}

func (r *Registry) Lookup(name string) (Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	if !ok {
		return Tool{}, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	return t, nil
}

// List возвращает дескрипторы, отсортированные по имени.
func (r *Registry) List() []domain.ToolDescriptor {
	r.mu.RLock()
	out := make([]domain.ToolDescriptor, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t.Descriptor)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Refresh загружает каталог и привязывает его инструменты к fallback-исполнителю.
// Локально зарегистрированные инструменты с собственным исполнителем сохраняются.
func (r *Registry) Refresh(ctx context.Context, c Catalog) error {
	if r.fallback == nil {
		return fmt.Errorf("registry: refresh without fallback executor")
	}
	descs, err := c.ListTools(ctx)
	if err != nil {
		return fmt.Errorf("registry: list tools: %w", err)
	}

	next := make(map[string]Tool, len(descs))
	for _, d := range descs {
		if d.Name == "" {
			r.logger.Warn("catalog entry without name skipped")
			continue
		}
		next[d.Name] = Tool{Descriptor: d, Executor: r.fallback}
	}

	r.mu.Lock()
	for name, t := range r.tools {
		if _, ok := next[name]; !ok && t.Executor != r.fallback {
			next[name] = t
		}
	}
	r.tools = next
	r.mu.Unlock()

	r.logger.Info("tool registry refreshed", zap.Int("count", len(next)))
	return nil
}

// FileCatalog читает дескрипторы из YAML-файла вида `tools: [...]`.
type FileCatalog struct {
	Path string
}

func (f FileCatalog) ListTools(_ context.Context) ([]domain.ToolDescriptor, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, err
	}
	var file struct {
		Tools []domain.ToolDescriptor `yaml:"tools"`
	}
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse %s: %w", f.Path, err)
	}
	return file.Tools, nil
}
