package route

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"sort"

	"github.com/songzhibin97/routegate/internal/governance/circuitbreaker"
	"gopkg.in/yaml.v3"
)

// Document 一份完整的路由配置文档，YAML 或 JSON 编码
type Document struct {
	Routes          []Definition                                `json:"routes" yaml:"routes"`
	CircuitBreakers map[string]circuitbreaker.Config            `json:"circuit_breakers,omitempty" yaml:"circuit_breakers"`
	TimeLimiters    map[string]circuitbreaker.TimeLimiterConfig `json:"time_limiters,omitempty" yaml:"time_limiters"`
	Fallbacks       map[string]string                           `json:"fallbacks,omitempty" yaml:"fallbacks"`
}

// Parse 解析配置文档，未知字段视为错误；空输入得到空文档
func Parse(data []byte) (*Document, error) {
	doc := &Document{}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(doc); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to decode route document: %w", err)
	}
	return doc, nil
}

// Validate 校验路由以及熔断、限时配置
func (d *Document) Validate() error {
	if err := Validate(d.Routes); err != nil {
		return err
	}

	for _, name := range sortedKeys(d.CircuitBreakers) {
		cfg := d.CircuitBreakers[name].WithDefaults(circuitbreaker.DefaultConfig())
		if err := cfg.Validate(); err != nil {
			return &ValidationError{Index: -1, Err: ErrInvalidSettings, Detail: fmt.Sprintf("circuit_breakers.%s: %v", name, err)}
		}
	}
	for _, name := range sortedKeys(d.TimeLimiters) {
		if d.TimeLimiters[name].Timeout < 0 {
			return &ValidationError{Index: -1, Err: ErrInvalidSettings, Detail: fmt.Sprintf("time_limiters.%s: timeout must be >= 0", name)}
		}
	}
	return nil
}

// Hash 整份文档的内容哈希，熔断、限时和降级配置的变化同样计入
func (d *Document) Hash() uint64 {
	h := fnv.New64a()
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], SetHash(d.Routes))
	_, _ = h.Write(buf[:])

	settings, err := json.Marshal(struct {
		CircuitBreakers map[string]circuitbreaker.Config            `json:"cb"`
		TimeLimiters    map[string]circuitbreaker.TimeLimiterConfig `json:"tl"`
		Fallbacks       map[string]string                           `json:"fb"`
	}{d.CircuitBreakers, d.TimeLimiters, d.Fallbacks})
	if err == nil {
		_, _ = h.Write(settings)
	}
	return h.Sum64()
}

// Find 按 ID 查找路由定义
func (d *Document) Find(id string) (Definition, bool) {
	for _, r := range d.Routes {
		if r.ID == id {
			return r, true
		}
	}
	return Definition{}, false
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
