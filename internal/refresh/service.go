// Package refresh 负责加载路由配置文档并在网关运行期间热更新
//
// 每次刷新依次读取配置源、解码、校验；通过校验且内容变化时发布
// RoutesChanged 事件，由路由表和熔断器注册表消费。任何一步失败都
// 保留之前的路由集合。
package refresh

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/songzhibin97/routegate/internal/config"
	"github.com/songzhibin97/routegate/internal/events"
	"github.com/songzhibin97/routegate/internal/governance/circuitbreaker"
	"github.com/songzhibin97/routegate/internal/route"
	"github.com/songzhibin97/routegate/internal/router"
	pkgconfig "github.com/songzhibin97/routegate/pkg/config"
	"github.com/songzhibin97/routegate/pkg/log"
	"github.com/songzhibin97/routegate/pkg/metrics"
)

// 刷新触发方式
const (
	TriggerStartup  = "startup"
	TriggerManual   = "manual"
	TriggerWatch    = "watch"
	TriggerSchedule = "schedule"
	TriggerRemote   = "remote"
	TriggerRollback = "rollback"
)

// scheduleParser 支持 5 段、6 段（秒）以及 @every 形式
var scheduleParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// applied 当前生效的配置
type applied struct {
	document  *route.Document
	hash      uint64
	version   uint64
	appliedAt time.Time
}

// Service 配置刷新服务
type Service struct {
	source   pkgconfig.Source
	table    *router.Table
	breakers *circuitbreaker.Registry
	bus      events.Bus
	cfg      config.RefreshConfig

	instance string
	logger   log.Logger
	now      func() time.Time
	history  *history

	refreshTotal metrics.CounterVec
	activeRoutes metrics.GaugeVec

	// mu 串行化刷新，请求处理不受影响
	mu          sync.Mutex
	version     uint64
	current     atomic.Pointer[applied]
	lastRefresh atomic.Pointer[time.Time]

	lifecycle   sync.Mutex
	started     bool
	cancel      context.CancelFunc
	cron        *cron.Cron
	wg          sync.WaitGroup
	unsubscribe []func()
}

// Option 刷新服务选项
type Option func(*Service)

// WithLogger 设置日志
func WithLogger(logger log.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// WithInstanceID 设置实例标识，作为事件来源
func WithInstanceID(id string) Option {
	return func(s *Service) { s.instance = id }
}

// WithHistorySize 设置保留的刷新记录数量
func WithHistorySize(n int) Option {
	return func(s *Service) { s.history = newHistory(n) }
}

// WithClock 替换时钟，测试使用
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithMetrics 注册刷新次数和生效路由数指标
func WithMetrics(provider metrics.Provider) Option {
	return func(s *Service) {
		if provider == nil {
			return
		}
		var err error
		s.refreshTotal, err = provider.NewCounterVec(metrics.MetricOptions{
			Name:   "gateway_route_refresh_total",
			Help:   "Route configuration refresh attempts by trigger and result",
			Labels: []string{"trigger", "result"},
		})
		if err != nil {
			s.logger.Warn("failed to register refresh counter", log.Error(err))
		}
		s.activeRoutes, err = provider.NewGaugeVec(metrics.MetricOptions{
			Name:   "gateway_routes_active",
			Help:   "Number of enabled routes in the active configuration",
			Labels: []string{},
		})
		if err != nil {
			s.logger.Warn("failed to register active routes gauge", log.Error(err))
		}
	}
}

// NewService 创建刷新服务并订阅 RoutesChanged 事件
func NewService(source pkgconfig.Source, table *router.Table, breakers *circuitbreaker.Registry, bus events.Bus, cfg config.RefreshConfig, opts ...Option) *Service {
	s := &Service{
		source:   source,
		table:    table,
		breakers: breakers,
		bus:      bus,
		cfg:      cfg,
		instance: "local",
		logger:   log.Component("refresh"),
		now:      time.Now,
		history:  newHistory(DefaultHistorySize),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.unsubscribe = append(s.unsubscribe,
		bus.Subscribe(events.RoutesChanged, s.onRoutesChanged),
	)
	return s
}

// Refresh 手动触发一次刷新
func (s *Service) Refresh(ctx context.Context) error {
	return s.refresh(ctx, TriggerManual)
}

// Load 启动时的首次加载
func (s *Service) Load(ctx context.Context) error {
	return s.refresh(ctx, TriggerStartup)
}

func (s *Service) refresh(ctx context.Context, trigger string) error {
	if s.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()
	}

	data, err := s.source.Get(ctx)
	if err != nil {
		return s.failed(trigger, &RefreshError{Stage: StageRead, Err: err})
	}
	return s.apply(ctx, data, trigger)
}

// apply 解码并校验配置文档，通过后发布
func (s *Service) apply(ctx context.Context, data []byte, trigger string) error {
	doc, err := route.Parse(data)
	if err != nil {
		return s.failed(trigger, &RefreshError{Stage: StageDecode, Err: err})
	}
	if err := doc.Validate(); err != nil {
		return s.failed(trigger, &RefreshError{Stage: StageValidate, Err: err})
	}
	return s.publish(ctx, doc, trigger)
}

func (s *Service) publish(ctx context.Context, doc *route.Document, trigger string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	hash := doc.Hash()
	now := s.now()
	if cur := s.current.Load(); cur != nil && cur.hash == hash {
		s.lastRefresh.Store(&now)
		s.history.add(Revision{
			Version:   cur.version,
			Hash:      hash,
			Trigger:   trigger,
			Routes:    len(doc.Routes),
			Timestamp: now,
		})
		s.count(trigger, "unchanged")
		s.logger.Debug("route configuration unchanged",
			log.String("trigger", trigger),
			log.Uint64(log.FieldRouteVersion, cur.version))
		return nil
	}

	s.version++
	version := s.version
	err := s.bus.Publish(ctx, events.Event{
		Type:     events.RoutesChanged,
		Source:   s.instance,
		Version:  version,
		Hash:     hash,
		Document: doc,
	})

	cur := s.current.Load()
	if cur == nil || cur.version != version {
		// 本地没有消费者应用该版本
		if err == nil {
			err = fmt.Errorf("no subscriber applied version %d", version)
		}
		return s.failedLocked(trigger, &RefreshError{Stage: StagePublish, Err: err})
	}
	if err != nil {
		// 本地已生效，仅广播失败
		s.logger.Warn("route configuration applied locally but broadcast failed",
			log.Uint64(log.FieldRouteVersion, version),
			log.Error(err))
	}

	s.lastRefresh.Store(&now)
	s.history.add(Revision{
		Version:   version,
		Hash:      hash,
		Trigger:   trigger,
		Routes:    len(doc.Routes),
		Changed:   true,
		Timestamp: now,
		document:  doc,
	})
	s.count(trigger, "applied")
	if s.activeRoutes != nil {
		s.activeRoutes.WithLabelValues().Set(float64(s.EnabledRouteCount()))
	}

	s.logger.Info("route configuration applied",
		log.String("trigger", trigger),
		log.Uint64(log.FieldRouteVersion, version),
		log.Int("routes", len(doc.Routes)),
		log.Int("enabled", s.EnabledRouteCount()),
		log.Int("excluded", len(s.ExcludedRoutes())))
	return nil
}

// onRoutesChanged 本实例发布的事件应用到路由表和熔断器；其他实例的事件触发重新读取配置源
func (s *Service) onRoutesChanged(ctx context.Context, e events.Event) {
	if e.Remote {
		if cur := s.current.Load(); cur != nil && cur.hash == e.Hash {
			return
		}
		s.logger.Info("remote route change received, refreshing",
			log.String("source", e.Source),
			log.Uint64(log.FieldRouteVersion, e.Version))
		if err := s.refresh(ctx, TriggerRemote); err != nil {
			s.logger.Warn("refresh after remote change failed", log.Error(err))
		}
		return
	}
	if e.Document == nil || e.Source != s.instance {
		return
	}

	doc := e.Document
	snapshot := s.table.Update(doc.Routes)
	s.breakers.Sync(doc.CircuitBreakers, doc.TimeLimiters, doc.Fallbacks)
	s.current.Store(&applied{
		document:  doc,
		hash:      e.Hash,
		version:   e.Version,
		appliedAt: s.now(),
	})

	s.logger.Debug("route table updated",
		log.Uint64(log.FieldRouteVersion, e.Version),
		log.Uint64("table_version", snapshot.Version),
		log.Int("compiled", snapshot.Len()),
		log.Int("excluded", len(snapshot.Excluded)))
}

func (s *Service) failed(trigger string, err *RefreshError) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failedLocked(trigger, err)
}

func (s *Service) failedLocked(trigger string, err *RefreshError) error {
	s.history.add(Revision{
		Trigger:   trigger,
		Error:     err.Error(),
		Timestamp: s.now(),
	})
	s.count(trigger, "failed")
	s.logger.Error("route refresh failed, keeping previous configuration",
		log.String("trigger", trigger),
		log.String("stage", string(err.Stage)),
		log.Error(err.Err))
	return err
}

func (s *Service) count(trigger, result string) {
	if s.refreshTotal != nil {
		s.refreshTotal.WithLabelValues(trigger, result).Inc()
	}
}

// Rollback 重新应用历史中的某个版本，生成新的版本号
//
// 配置源下一次变化时仍以配置源为准。
func (s *Service) Rollback(ctx context.Context, version uint64) error {
	doc, ok := s.history.document(version)
	if !ok {
		return fmt.Errorf("%w: %d", ErrVersionNotFound, version)
	}
	return s.publish(ctx, doc, TriggerRollback)
}

// Document 返回当前生效的配置文档，未加载时为 nil
func (s *Service) Document() *route.Document {
	if cur := s.current.Load(); cur != nil {
		return cur.document
	}
	return nil
}

// Version 返回当前生效的配置版本
func (s *Service) Version() uint64 {
	if cur := s.current.Load(); cur != nil {
		return cur.version
	}
	return 0
}

// EnabledRouteCount 返回路由表中实际生效的路由数量，编译失败被排除的不计入
func (s *Service) EnabledRouteCount() int {
	return s.table.Snapshot().Len()
}

// IsRouteEnabled 路由已编译进路由表时返回 true
func (s *Service) IsRouteEnabled(id string) bool {
	_, ok := s.table.Snapshot().Route(id)
	return ok
}

// ExcludedRoutes 返回启用但编译失败而被排除的路由
func (s *Service) ExcludedRoutes() []*router.CompileError {
	return s.table.Snapshot().Excluded
}

// RouteMetadata 返回路由的元数据
func (s *Service) RouteMetadata(id string) (route.Metadata, bool) {
	doc := s.Document()
	if doc == nil {
		return route.Metadata{}, false
	}
	def, ok := doc.Find(id)
	return def.Metadata, ok
}

// LastRefresh 返回最近一次成功刷新的时间
func (s *Service) LastRefresh() time.Time {
	if t := s.lastRefresh.Load(); t != nil {
		return *t
	}
	return time.Time{}
}

// History 按时间倒序返回刷新记录
func (s *Service) History() []Revision {
	return s.history.list()
}

// Start 启动配置源监听、定时刷新和远程事件订阅
func (s *Service) Start(ctx context.Context) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	if s.started {
		return ErrAlreadyStarted
	}
	ctx, cancel := context.WithCancel(ctx)

	if s.cfg.Watch {
		ch, err := s.source.Watch(ctx)
		if err != nil {
			cancel()
			return fmt.Errorf("failed to watch %s: %w", s.source.Name(), err)
		}
		s.wg.Add(1)
		go s.watch(ctx, ch)
	}

	if s.cfg.Schedule != "" {
		c := cron.New(
			cron.WithParser(scheduleParser),
			cron.WithChain(cron.SkipIfStillRunning(cronLogger{s.logger})),
			cron.WithLogger(cronLogger{s.logger}),
		)
		if _, err := c.AddFunc(s.cfg.Schedule, func() {
			if err := s.refresh(ctx, TriggerSchedule); err != nil {
				s.logger.Warn("scheduled refresh failed", log.Error(err))
			}
		}); err != nil {
			cancel()
			return fmt.Errorf("invalid refresh schedule %q: %w", s.cfg.Schedule, err)
		}
		c.Start()
		s.cron = c
	}

	s.started = true
	s.cancel = cancel
	s.logger.Info("refresh service started",
		log.String("source", s.source.Name()),
		log.Bool("watch", s.cfg.Watch),
		log.String("schedule", s.cfg.Schedule))
	return nil
}

func (s *Service) watch(ctx context.Context, ch <-chan []byte) {
	defer s.wg.Done()
	for data := range ch {
		if err := s.apply(ctx, data, TriggerWatch); err != nil {
			s.logger.Warn("refresh from source change failed", log.Error(err))
		}
	}
}

// Stop 停止所有触发器并取消事件订阅
func (s *Service) Stop() {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	if s.cron != nil {
		<-s.cron.Stop().Done()
		s.cron = nil
	}
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.wg.Wait()

	for _, unsubscribe := range s.unsubscribe {
		unsubscribe()
	}
	s.unsubscribe = nil
	s.started = false
}

// ValidateSchedule 校验 cron 表达式
func ValidateSchedule(spec string) error {
	_, err := scheduleParser.Parse(spec)
	return err
}

// cronLogger 将 cron 的日志接口适配到网关日志
type cronLogger struct {
	logger log.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug("cron: "+msg, kvFields(keysAndValues)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error("cron: "+msg, append(kvFields(keysAndValues), log.Error(err))...)
}

func kvFields(kv []interface{}) []log.Field {
	fields := make([]log.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		fields = append(fields, log.Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return fields
}
