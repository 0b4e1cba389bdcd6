package domain

/*
Файл value.go описывает Value — размеченное рекурсивное значение для параметров
инструментов и их ответов. Вместо map[string]interface{} и рефлексии шлюз
работает с явным типом: null | bool | number | string | array | map.
Обход всегда рекурсивный спуск с контролем глубины (см. Walk).
*/

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindNumber
	KindString
	KindArray
	KindMap
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindArray:
		return "array"
	case KindMap:
		return "map"
	default:
		return "unknown"
	}
}

// ErrDepthExceeded возвращается, когда вложенность значения больше допустимой.
var ErrDepthExceeded = errors.New("value nesting exceeds max depth")

// Value: неизменяемое по соглашению значение. Zero value — null.
type Value struct {
	kind Kind
	b    bool
	n    float64
	s    string
	arr  []Value
	m    map[string]Value
}

func Null() Value { return Value{} }
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }
func Number(n float64) Value { return Value{kind: KindNumber, n: n} }
func String(s string) Value { return Value{kind: KindString, s: s} }
func Array(items ...Value) Value {
	return Value{kind: KindArray, arr: items}
}

func Map(m map[string]Value) Value {
	if m == nil {
		m = map[string]Value{}
	}
	return Value{kind: KindMap, m: m}
}

func (v Value) Kind() Kind { return v.kind }
func (v Value) IsNull() bool { return v.kind == KindNull }
func (v Value) Bool() bool { return v.b }
func (v Value) Number() float64 { return v.n }
func (v Value) Str() string { return v.s }
func (v Value) Len() int {
	switch v.kind {
	case KindArray:
		return len(v.arr)
	case KindMap:
		return len(v.m)
	case KindString:
		return len(v.s)
	}
	return 0
}

// Items возвращает элементы массива. Слайс нельзя модифицировать.
func (v Value) Items() []Value { return v.arr }

// Fields возвращает поля объекта. Мапу нельзя модифицировать.
func (v Value) Fields() map[string]Value { return v.m }

// Get достает поле объекта.
func (v Value) Get(key string) (Value, bool) {
	if v.kind != KindMap {
		return Value{}, false
	}
	f, ok := v.m[key]
	return f, ok
}

// Keys возвращает отсортированные ключи объекта (детерминированный обход).
func (v Value) Keys() []string {
	keys := make([]string, 0, len(v.m))
	for k := range v.m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Clone делает глубокую копию.
func (v Value) Clone() Value {
	switch v.kind {
	case KindArray:
		out := make([]Value, len(v.arr))
		for i, it := range v.arr {
			out[i] = it.Clone()
		}
		return Value{kind: KindArray, arr: out}
	case KindMap:
		out := make(map[string]Value, len(v.m))
		for k, it := range v.m {
			out[k] = it.Clone()
		}
		return Value{kind: KindMap, m: out}
	default:
		return v
	}
}

// Depth считает глубину вложенности (скаляр = 0).
func (v Value) Depth() int {
	max := 0
	switch v.kind {
	case KindArray:
		for _, it := range v.arr {
			if d := it.Depth() + 1; d > max {
				max = d
			}
		}
		if len(v.arr) == 0 {
			max = 1
		}
	case KindMap:
		for _, it := range v.m {
			if d := it.Depth() + 1; d > max {
				max = d
			}
		}
		if len(v.m) == 0 {
			max = 1
		}
	}
	return max
}

// WalkFunc получает путь и значение листа (скаляра).
type WalkFunc func(path string, leaf Value)

// Walk обходит все листья значения. Ошибка ErrDepthExceeded, если глубина > maxDepth.
func (v Value) Walk(root string, maxDepth int, fn WalkFunc) error {
	return walk(v, root, 0, maxDepth, fn)
}

func walk(v Value, path string, depth, maxDepth int, fn WalkFunc) error {
	if maxDepth > 0 && depth > maxDepth {
		return fmt.Errorf("%w: %d at %q", ErrDepthExceeded, maxDepth, path)
	}
	switch v.kind {
	case KindArray:
		for i, it := range v.arr {
			if err := walk(it, JoinIndex(path, i), depth+1, maxDepth, fn); err != nil {
				return err
			}
		}
	case KindMap:
		for _, k := range v.Keys() {
			if err := walk(v.m[k], JoinKey(path, k), depth+1, maxDepth, fn); err != nil {
				return err
			}
		}
	default:
		fn(path, v)
	}
	return nil
}

// Transform возвращает копию значения, где каждый лист заменен результатом fn.
// Ключи объектов передаются через key (пустая строка для элементов массива).
func (v Value) Transform(path string, fn func(path, key string, leaf Value) Value) Value {
	return transform(v, path, "", fn)
}

func transform(v Value, path, key string, fn func(path, key string, leaf Value) Value) Value {
	switch v.kind {
	case KindArray:
		out := make([]Value, len(v.arr))
		for i, it := range v.arr {
			out[i] = transform(it, JoinIndex(path, i), "", fn)
		}
		return Value{kind: KindArray, arr: out}
	case KindMap:
		out := make(map[string]Value, len(v.m))
		for k, it := range v.m {
			out[k] = transform(it, JoinKey(path, k), k, fn)
		}
		return Value{kind: KindMap, m: out}
	default:
		return fn(path, key, v)
	}
}

// SetPath возвращает копию с замененным значением по пути вида "a.b[2].c".
// Несуществующий путь оставляет значение без изменений.
func (v Value) SetPath(path string, repl Value) Value {
	return v.Transform("", func(p, _ string, leaf Value) Value {
		if p == path {
			return repl
		}
		return leaf
	})
}

// JoinKey дописывает ключ к пути. Ключ с '.', '[', ']' или '"' пишется
// в кавычках (a["x.y"]), иначе пути a.x.y и a["x.y"] совпали бы.
func JoinKey(path, key string) string {
	if key == "" || strings.ContainsAny(key, `.[]"`) {
		return path + "[" + strconv.Quote(key) + "]"
	}
	if path == "" {
		return key
	}
	return path + "." + key
}

func JoinIndex(path string, i int) string {
	return path + "[" + strconv.Itoa(i) + "]"
}

// FromAny конвертирует результат encoding/json (или похожую структуру) в Value.
func FromAny(x any) (Value, error) {
	switch t := x.(type) {
	case nil:
		return Null(), nil
	case Value:
		return t, nil
	case bool:
		return Bool(t), nil
	case float64:
		return Number(t), nil
	case float32:
		return Number(float64(t)), nil
	case int:
		return Number(float64(t)), nil
	case int64:
		return Number(float64(t)), nil
	case int32:
		return Number(float64(t)), nil
	case uint64:
		return Number(float64(t)), nil
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return Value{}, fmt.Errorf("domain: invalid number %q: %w", t, err)
		}
		return Number(f), nil
	case string:
		return String(t), nil
	case []string:
		items := make([]Value, len(t))
		for i, s := range t {
			items[i] = String(s)
		}
		return Array(items...), nil
	case []any:
		items := make([]Value, len(t))
		for i, it := range t {
			val, err := FromAny(it)
			if err != nil {
				return Value{}, err
			}
			items[i] = val
		}
		return Array(items...), nil
	case map[string]any:
		m := make(map[string]Value, len(t))
		for k, it := range t {
			val, err := FromAny(it)
			if err != nil {
				return Value{}, err
			}
			m[k] = val
		}
		return Map(m), nil
	case map[string]string:
		m := make(map[string]Value, len(t))
		for k, s := range t {
			m[k] = String(s)
		}
		return Map(m), nil
	default:
		return Value{}, fmt.Errorf("domain: unsupported value type %T", x)
	}
}

// MustFromAny: для литералов в тестах и дефолтах.
func MustFromAny(x any) Value {
	v, err := FromAny(x)
	if err != nil {
		panic(err)
	}
	return v
}

// ToAny: обратное преобразование (для structpb и логов).
func (v Value) ToAny() any {
	switch v.kind {
	case KindBool:
		return v.b
	case KindNumber:
		return v.n
	case KindString:
		return v.s
	case KindArray:
		out := make([]any, len(v.arr))
		for i, it := range v.arr {
			out[i] = it.ToAny()
		}
		return out
	case KindMap:
		out := make(map[string]any, len(v.m))
		for k, it := range v.m {
			out[k] = it.ToAny()
		}
		return out
	default:
		return nil
	}
}

func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindNull:
		return []byte("null"), nil
	case KindBool:
		return json.Marshal(v.b)
	case KindNumber:
		return json.Marshal(v.n)
	case KindString:
		return json.Marshal(v.s)
	case KindArray:
		if v.arr == nil {
			return []byte("[]"), nil
		}
		return json.Marshal(v.arr)
	case KindMap:
		// encoding/json сортирует ключи, поэтому сериализация детерминирована
		return json.Marshal(v.m)
	}
	return nil, fmt.Errorf("domain: unknown kind %d", v.kind)
}

func (v *Value) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	val, err := FromAny(raw)
	if err != nil {
		return err
	}
	*v = val
	return nil
}

// Size: размер JSON-представления в байтах.
func (v Value) Size() int {
	b, err := json.Marshal(v)
	if err != nil {
		return 0
	}
	return len(b)
}

// Equal: структурное сравнение.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindNull:
		return true
	case KindBool:
		return v.b == o.b
	case KindNumber:
		return v.n == o.n
	case KindString:
		return v.s == o.s
	case KindArray:
		if len(v.arr) != len(o.arr) {
			return false
		}
		for i := range v.arr {
			if !v.arr[i].Equal(o.arr[i]) {
				return false
			}
		}
		return true
	case KindMap:
		if len(v.m) != len(o.m) {
			return false
		}
		for k, it := range v.m {
			ot, ok := o.m[k]
			if !ok || !it.Equal(ot) {
				return false
			}
		}
		return true
	}
	return false
}
