package refresh

import (
	"sync"
	"time"

	"github.com/songzhibin97/routegate/internal/route"
)

// DefaultHistorySize 默认保留的版本数量
const DefaultHistorySize = 20

// Revision 一次刷新尝试的记录
type Revision struct {
	Version   uint64    `json:"version,omitempty"`
	Hash      uint64    `json:"hash,omitempty"`
	Trigger   string    `json:"trigger"`
	Routes    int       `json:"routes"`
	Changed   bool      `json:"changed"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`

	document *route.Document
}

// Succeeded 该次刷新是否成功
func (r Revision) Succeeded() bool {
	return r.Error == ""
}

// history 最近刷新记录的环形缓冲，只有生效过的版本可以回滚
type history struct {
	mu        sync.RWMutex
	revisions []Revision
	size      int
}

func newHistory(size int) *history {
	if size <= 0 {
		size = DefaultHistorySize
	}
	return &history{size: size}
}

func (h *history) add(rev Revision) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.revisions = append(h.revisions, rev)
	if over := len(h.revisions) - h.size; over > 0 {
		h.revisions = append(h.revisions[:0:0], h.revisions[over:]...)
	}
}

// list 按时间倒序返回记录
func (h *history) list() []Revision {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]Revision, len(h.revisions))
	for i, rev := range h.revisions {
		out[len(h.revisions)-1-i] = rev
	}
	return out
}

func (h *history) document(version uint64) (*route.Document, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for i := len(h.revisions) - 1; i >= 0; i-- {
		rev := h.revisions[i]
		if rev.Version == version && rev.document != nil {
			return rev.document, true
		}
	}
	return nil, false
}
