package router

import (
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/songzhibin97/routegate/internal/route"
	"github.com/songzhibin97/routegate/pkg/log"
)

// Snapshot 某一时刻的完整路由集合，构建后不可变
type Snapshot struct {
	Version  uint64
	Hash     uint64
	Routes   []*CompiledRoute
	Excluded []*CompileError
	BuiltAt  time.Time

	byID map[string]*CompiledRoute
}

// Match 匹配结果
type Match struct {
	Route *CompiledRoute
	Vars  map[string]string
}

// Route 按ID查找已编译路由
func (s *Snapshot) Route(id string) (*CompiledRoute, bool) {
	r, ok := s.byID[id]
	return r, ok
}

// Len 返回可匹配的路由数量
func (s *Snapshot) Len() int {
	return len(s.Routes)
}

// MatchAt 按顺序返回第一个所有谓词均成立的路由
func (s *Snapshot) MatchAt(r *http.Request, now time.Time) (*Match, bool) {
	for _, cr := range s.Routes {
		ex := &exchange{req: r, now: now}
		if cr.matches(ex) {
			return &Match{Route: cr, Vars: ex.vars}, true
		}
	}
	return nil, false
}

// TableOption 路由表选项
type TableOption func(*Table)

// WithLogger 设置日志
func WithLogger(logger log.Logger) TableOption {
	return func(t *Table) {
		t.logger = logger
	}
}

// WithClock 设置时间源，用于时间窗口谓词
func WithClock(now func() time.Time) TableOption {
	return func(t *Table) {
		t.now = now
	}
}

// Table 动态路由表
//
// 读取无锁：当前快照保存在 atomic.Pointer 中，重建时整体替换。
type Table struct {
	current atomic.Pointer[Snapshot]

	mu      sync.Mutex
	cache   map[uint64]*CompiledRoute
	version uint64

	logger log.Logger
	now    func() time.Time
}

// NewTable 创建空路由表
func NewTable(opts ...TableOption) *Table {
	t := &Table{
		cache:  make(map[uint64]*CompiledRoute),
		logger: log.Component("router"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	t.current.Store(&Snapshot{
		Hash:    route.SetHash(nil),
		BuiltAt: t.now(),
		byID:    map[string]*CompiledRoute{},
	})
	return t
}

// Snapshot 返回当前快照
func (t *Table) Snapshot() *Snapshot {
	return t.current.Load()
}

// Routes 返回当前有序路由
func (t *Table) Routes() []*CompiledRoute {
	return t.current.Load().Routes
}

// Match 在当前快照上匹配请求
func (t *Table) Match(r *http.Request) (*Match, bool) {
	return t.current.Load().MatchAt(r, t.now())
}

// Update 以新的路由定义重建路由表
//
// 内容哈希未变化时返回当前快照；否则构建新快照并原子替换。
// 编译失败的路由被记录并排除，不影响其余路由。
func (t *Table) Update(defs []route.Definition) *Snapshot {
	hash := route.SetHash(defs)

	t.mu.Lock()
	defer t.mu.Unlock()

	cur := t.current.Load()
	if cur.Hash == hash {
		t.logger.Debug("route set unchanged, keeping snapshot",
			log.Uint64(log.FieldRouteVersion, cur.Version))
		return cur
	}

	next := &Snapshot{
		Hash:    hash,
		BuiltAt: t.now(),
		byID:    make(map[string]*CompiledRoute, len(defs)),
	}
	cache := make(map[uint64]*CompiledRoute, len(defs))
	reused := 0

	for _, def := range defs {
		if !def.Enabled() {
			continue
		}

		h := def.Hash()
		cr, ok := t.cache[h]
		if ok {
			reused++
		} else {
			var err error
			cr, err = Compile(def)
			if err != nil {
				ce, _ := err.(*CompileError)
				if ce == nil {
					ce = &CompileError{RouteID: def.ID, Err: err}
				}
				next.Excluded = append(next.Excluded, ce)
				t.logger.Error("route excluded from table",
					log.String(log.FieldRouteID, def.ID),
					log.Error(err))
				continue
			}
		}

		cache[h] = cr
		next.Routes = append(next.Routes, cr)
		next.byID[cr.ID] = cr
	}

	sort.SliceStable(next.Routes, func(i, j int) bool {
		return next.Routes[i].Order < next.Routes[j].Order
	})

	t.version++
	next.Version = t.version
	t.cache = cache
	t.current.Store(next)

	t.logger.Info("route table rebuilt",
		log.Uint64(log.FieldRouteVersion, next.Version),
		log.Int("routes", len(next.Routes)),
		log.Int("reused", reused),
		log.Int("excluded", len(next.Excluded)))

	return next
}
