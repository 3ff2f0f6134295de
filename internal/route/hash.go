package route

import (
	"encoding/binary"
	"encoding/json"
	"hash/fnv"
)

// canonical 用于计算内容哈希的规范形式，enabled 已解析为具体值
type canonical struct {
	ID         string                `json:"id"`
	URI        string                `json:"uri"`
	Predicates []PredicateDefinition `json:"predicates"`
	Filters    []FilterDefinition    `json:"filters"`
	Timeout    int64                 `json:"timeout"`
	Enabled    bool                  `json:"enabled"`
	Order      int                   `json:"order"`
}

func (d Definition) canonicalJSON() []byte {
	c := canonical{
		ID:         d.ID,
		URI:        d.URI,
		Predicates: d.Predicates,
		Filters:    d.Filters,
		Timeout:    d.Metadata.Timeout,
		Enabled:    d.Metadata.IsEnabled(),
		Order:      d.Metadata.Order,
	}
	if len(c.Predicates) == 0 {
		c.Predicates = nil
	}
	if len(c.Filters) == 0 {
		c.Filters = nil
	}

	// map 键在 encoding/json 中按字典序输出，结果是确定的
	data, err := json.Marshal(c)
	if err != nil {
		// 只包含字符串和整数，不会失败
		panic(err)
	}
	return data
}

// Hash 单个路由定义的内容哈希
func (d Definition) Hash() uint64 {
	h := fnv.New64a()
	_, _ = h.Write(d.canonicalJSON())
	return h.Sum64()
}

// SetHash 整个路由集合的内容哈希，顺序敏感
func SetHash(routes []Definition) uint64 {
	h := fnv.New64a()
	var buf [8]byte
	for _, r := range routes {
		binary.BigEndian.PutUint64(buf[:], r.Hash())
		_, _ = h.Write(buf[:])
	}
	return h.Sum64()
}
