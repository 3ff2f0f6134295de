package route

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Definition 路由定义，加载后不可修改，刷新时整体替换
type Definition struct {
	ID         string                `json:"id" yaml:"id"`
	URI        string                `json:"uri" yaml:"uri"`
	Predicates []PredicateDefinition `json:"predicates" yaml:"predicates"`
	Filters    []FilterDefinition    `json:"filters,omitempty" yaml:"filters"`
	Metadata   Metadata              `json:"metadata" yaml:"metadata"`
}

// Enabled 路由是否启用
func (d Definition) Enabled() bool {
	return d.Metadata.IsEnabled()
}

// Metadata 路由元数据
type Metadata struct {
	// Timeout 转发超时，毫秒，0 表示使用默认值
	Timeout int64 `json:"timeout" yaml:"timeout"`
	// Enabled 未设置时视为启用
	Enabled *bool `json:"enabled,omitempty" yaml:"enabled"`
	// Order 越小优先级越高
	Order int `json:"order" yaml:"order"`
}

// IsEnabled 返回启用状态
func (m Metadata) IsEnabled() bool {
	return m.Enabled == nil || *m.Enabled
}

// TimeoutDuration 返回转发超时时间
func (m Metadata) TimeoutDuration() time.Duration {
	return time.Duration(m.Timeout) * time.Millisecond
}

// BoolPtr 返回 b 的指针
func BoolPtr(b bool) *bool {
	return &b
}

// PredicateDefinition 谓词定义
//
// 同时支持简写形式 "Path=/user/**" 与展开形式 {name, args}。
type PredicateDefinition struct {
	Name string            `json:"name" yaml:"name"`
	Args map[string]string `json:"args,omitempty" yaml:"args,omitempty"`
}

// FilterDefinition 过滤器定义，格式与谓词相同
type FilterDefinition struct {
	Name string            `json:"name" yaml:"name"`
	Args map[string]string `json:"args,omitempty" yaml:"args,omitempty"`
}

// Arg 返回参数值
func (p PredicateDefinition) Arg(key string) string { return p.Args[key] }

// Arg 返回参数值
func (f FilterDefinition) Arg(key string) string { return f.Args[key] }

// ParsePredicate 解析简写形式的谓词
func ParsePredicate(text string) (PredicateDefinition, error) {
	name, args, err := parseShortcut(text, predicateShortcuts)
	return PredicateDefinition{Name: name, Args: args}, err
}

// ParseFilter 解析简写形式的过滤器
func ParseFilter(text string) (FilterDefinition, error) {
	name, args, err := parseShortcut(text, filterShortcuts)
	return FilterDefinition{Name: name, Args: args}, err
}

func (p *PredicateDefinition) UnmarshalYAML(node *yaml.Node) error {
	name, args, err := decodeYAMLComponent(node, predicateShortcuts)
	if err != nil {
		return fmt.Errorf("predicate: %w", err)
	}
	p.Name, p.Args = name, args
	return nil
}

func (f *FilterDefinition) UnmarshalYAML(node *yaml.Node) error {
	name, args, err := decodeYAMLComponent(node, filterShortcuts)
	if err != nil {
		return fmt.Errorf("filter: %w", err)
	}
	f.Name, f.Args = name, args
	return nil
}

func (p *PredicateDefinition) UnmarshalJSON(data []byte) error {
	name, args, err := decodeJSONComponent(data, predicateShortcuts)
	if err != nil {
		return fmt.Errorf("predicate: %w", err)
	}
	p.Name, p.Args = name, args
	return nil
}

func (f *FilterDefinition) UnmarshalJSON(data []byte) error {
	name, args, err := decodeJSONComponent(data, filterShortcuts)
	if err != nil {
		return fmt.Errorf("filter: %w", err)
	}
	f.Name, f.Args = name, args
	return nil
}

type expandedComponent struct {
	Name string                 `json:"name" yaml:"name"`
	Args map[string]interface{} `json:"args" yaml:"args"`
}

func decodeYAMLComponent(node *yaml.Node, table map[string]shortcut) (string, map[string]string, error) {
	switch node.Kind {
	case yaml.ScalarNode:
		return parseShortcut(node.Value, table)
	case yaml.MappingNode:
		var c expandedComponent
		if err := node.Decode(&c); err != nil {
			return "", nil, err
		}
		return expand(c)
	default:
		return "", nil, fmt.Errorf("line %d: expected string or mapping", node.Line)
	}
}

func decodeJSONComponent(data []byte, table map[string]shortcut) (string, map[string]string, error) {
	var text string
	if err := json.Unmarshal(data, &text); err == nil {
		return parseShortcut(text, table)
	}
	var c expandedComponent
	if err := json.Unmarshal(data, &c); err != nil {
		return "", nil, err
	}
	return expand(c)
}

func expand(c expandedComponent) (string, map[string]string, error) {
	name := strings.TrimSpace(c.Name)
	if name == "" {
		return "", nil, fmt.Errorf("missing name")
	}
	if len(c.Args) == 0 {
		return name, nil, nil
	}
	args := make(map[string]string, len(c.Args))
	for k, v := range c.Args {
		args[k] = argString(v)
	}
	return name, args, nil
}

// parseShortcut 解析 "Name=a,b" 形式，位置参数按种类声明的参数名映射
func parseShortcut(text string, table map[string]shortcut) (string, map[string]string, error) {
	text = strings.TrimSpace(text)
	name, value, hasValue := strings.Cut(text, "=")
	name = strings.TrimSpace(name)
	if name == "" {
		return "", nil, fmt.Errorf("invalid shortcut %q: missing name", text)
	}
	if !hasValue || strings.TrimSpace(value) == "" {
		return name, nil, nil
	}

	sc, known := table[name]
	fields := sc.fields
	if !known || len(fields) == 0 {
		fields = []string{"arg0"}
	}

	args := make(map[string]string, len(fields))
	if sc.gather {
		args[fields[0]] = strings.TrimSpace(value)
		return name, args, nil
	}

	parts := strings.Split(value, ",")
	for i, part := range parts {
		if i == len(fields)-1 {
			args[fields[i]] = strings.TrimSpace(strings.Join(parts[i:], ","))
			break
		}
		args[fields[i]] = strings.TrimSpace(part)
	}
	return name, args, nil
}

func argString(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case time.Time:
		return t.Format(time.RFC3339)
	case []interface{}:
		parts := make([]string, len(t))
		for i, item := range t {
			parts[i] = argString(item)
		}
		return strings.Join(parts, ",")
	case map[string]interface{}:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, len(keys))
		for i, k := range keys {
			parts[i] = k + "=" + argString(t[k])
		}
		return strings.Join(parts, ",")
	default:
		return fmt.Sprint(t)
	}
}

// SplitList 按逗号拆分列表参数，去掉空项
func SplitList(value string) []string {
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
