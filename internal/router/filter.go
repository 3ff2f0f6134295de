package router

import (
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/songzhibin97/routegate/internal/route"
)

// Filter 编译后的路由过滤器
type Filter interface {
	Name() string
}

// RequestFilter 修改转发到后端的请求
type RequestFilter interface {
	Filter
	ApplyRequest(out *http.Request, vars map[string]string)
}

// ResponseFilter 修改返回给客户端的响应头
type ResponseFilter interface {
	Filter
	ApplyResponse(header http.Header, vars map[string]string)
}

// CircuitBreakerFilter 为路由启用熔断
type CircuitBreakerFilter struct {
	// BreakerName 熔断器名称，默认为路由ID
	BreakerName string
	// FallbackOnFailure 为 true 时后端失败也返回降级响应
	FallbackOnFailure bool
}

// RetryFilter 重试策略
type RetryFilter struct {
	Retries  int
	Statuses []int
	Methods  []string
	Backoff  time.Duration
}

// RateLimitFilter 请求限流
type RateLimitFilter struct {
	ReplenishRate float64
	BurstCapacity int
	// Key 取值 ip、route 或 header:<Name>
	Key   string
	Store string
}

// StripPrefixFilter 去掉路径前 Parts 段
type StripPrefixFilter struct {
	Parts int
}

// PrefixPathFilter 在路径前添加前缀
type PrefixPathFilter struct {
	Prefix string
}

// SetPathFilter 以模板替换路径，模板中的 {var} 取自路径谓词
type SetPathFilter struct {
	Template string
}

// RewritePathFilter 正则改写路径
type RewritePathFilter struct {
	Regexp      *regexp.Regexp
	Replacement string
}

type headerOp int

const (
	headerAdd headerOp = iota
	headerSet
	headerRemove
)

// RequestHeaderFilter 请求头增删改
type RequestHeaderFilter struct {
	name   string
	op     headerOp
	Header string
	Value  string
}

// ResponseHeaderFilter 响应头增删改
type ResponseHeaderFilter struct {
	name   string
	op     headerOp
	Header string
	Value  string
}

// AddRequestParameterFilter 添加查询参数
type AddRequestParameterFilter struct {
	Param string
	Value string
}

// PreserveHostHeaderFilter 保留客户端的 Host 头
type PreserveHostHeaderFilter struct{}

func (*CircuitBreakerFilter) Name() string      { return route.FilterCircuitBreaker }
func (*RetryFilter) Name() string               { return route.FilterRetry }
func (*RateLimitFilter) Name() string           { return route.FilterRequestRateLimiter }
func (*StripPrefixFilter) Name() string         { return route.FilterStripPrefix }
func (*PrefixPathFilter) Name() string          { return route.FilterPrefixPath }
func (*SetPathFilter) Name() string             { return route.FilterSetPath }
func (*RewritePathFilter) Name() string         { return route.FilterRewritePath }
func (f *RequestHeaderFilter) Name() string     { return f.name }
func (f *ResponseHeaderFilter) Name() string    { return f.name }
func (*AddRequestParameterFilter) Name() string { return route.FilterAddRequestParameter }
func (*PreserveHostHeaderFilter) Name() string  { return route.FilterPreserveHostHeader }

func (f *StripPrefixFilter) ApplyRequest(out *http.Request, _ map[string]string) {
	p := out.URL.Path
	parts := strings.Split(strings.TrimPrefix(p, "/"), "/")
	if f.Parts >= len(parts) {
		setPath(out, "/")
		return
	}
	stripped := "/" + strings.Join(parts[f.Parts:], "/")
	setPath(out, stripped)
}

func (f *PrefixPathFilter) ApplyRequest(out *http.Request, _ map[string]string) {
	setPath(out, strings.TrimSuffix(f.Prefix, "/")+out.URL.Path)
}

func (f *SetPathFilter) ApplyRequest(out *http.Request, vars map[string]string) {
	setPath(out, expandVars(f.Template, vars))
}

func (f *RewritePathFilter) ApplyRequest(out *http.Request, _ map[string]string) {
	rewritten := f.Regexp.ReplaceAllString(out.URL.Path, f.Replacement)
	if rewritten == "" {
		rewritten = "/"
	}
	setPath(out, rewritten)
}

func (f *RequestHeaderFilter) ApplyRequest(out *http.Request, vars map[string]string) {
	applyHeader(out.Header, f.op, f.Header, expandVars(f.Value, vars))
}

func (f *ResponseHeaderFilter) ApplyResponse(header http.Header, vars map[string]string) {
	applyHeader(header, f.op, f.Header, expandVars(f.Value, vars))
}

func (f *AddRequestParameterFilter) ApplyRequest(out *http.Request, vars map[string]string) {
	q := out.URL.Query()
	q.Add(f.Param, expandVars(f.Value, vars))
	out.URL.RawQuery = q.Encode()
}

// ShouldRetry 判断该次尝试的结果是否需要重试
func (f *RetryFilter) ShouldRetry(method string, status int, err error) bool {
	if f == nil || !f.retryableMethod(method) {
		return false
	}
	if err != nil {
		return true
	}
	if len(f.Statuses) == 0 {
		return status >= http.StatusInternalServerError
	}
	for _, s := range f.Statuses {
		if s == status {
			return true
		}
	}
	return false
}

// Attempts 返回该方法允许的最大尝试次数
func (f *RetryFilter) Attempts(method string) int {
	if f == nil || !f.retryableMethod(method) {
		return 1
	}
	return 1 + f.Retries
}

func (f *RetryFilter) retryableMethod(method string) bool {
	for _, m := range f.Methods {
		if m == method {
			return true
		}
	}
	return false
}

// Delay 返回第 attempt 次重试前的等待时间，指数增长
func (f *RetryFilter) Delay(attempt int) time.Duration {
	if f.Backoff <= 0 || attempt < 1 {
		return 0
	}
	if attempt > 6 {
		attempt = 6
	}
	return f.Backoff << (attempt - 1)
}

// KeyFor 计算限流键，clientIP 由调用方按受信代理规则解析
func (f *RateLimitFilter) KeyFor(r *http.Request, routeID, clientIP string) string {
	switch {
	case f.Key == "route":
		return "route:" + routeID
	case strings.HasPrefix(f.Key, "header:"):
		name := strings.TrimPrefix(f.Key, "header:")
		return "header:" + routeID + ":" + r.Header.Get(name)
	default:
		return "ip:" + routeID + ":" + clientIP
	}
}

func setPath(out *http.Request, p string) {
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	out.URL.Path = p
	out.URL.RawPath = ""
}

func applyHeader(h http.Header, op headerOp, name, value string) {
	switch op {
	case headerAdd:
		h.Add(name, value)
	case headerSet:
		h.Set(name, value)
	case headerRemove:
		h.Del(name)
	}
}

var varPattern = regexp.MustCompile(`\{([^{}]+)\}`)

// expandVars 用捕获变量替换 {name}，未知变量保持原样
func expandVars(template string, vars map[string]string) string {
	if len(vars) == 0 || !strings.Contains(template, "{") {
		return template
	}
	return varPattern.ReplaceAllStringFunc(template, func(m string) string {
		if v, ok := vars[m[1:len(m)-1]]; ok {
			return v
		}
		return m
	})
}

// CompileFilter 将过滤器定义解析为带类型的过滤器
func CompileFilter(def route.FilterDefinition, routeID string) (Filter, error) {
	switch def.Name {
	case route.FilterCircuitBreaker:
		name := def.Arg("name")
		if name == "" {
			name = routeID
		}
		onFailure, err := optionalBool(def, "fallback_on_failure")
		if err != nil {
			return nil, err
		}
		return &CircuitBreakerFilter{BreakerName: name, FallbackOnFailure: onFailure}, nil

	case route.FilterRetry:
		return compileRetry(def)

	case route.FilterRequestRateLimiter:
		return compileRateLimit(def)

	case route.FilterStripPrefix:
		n, err := strconv.Atoi(def.Arg("parts"))
		if err != nil || n < 0 {
			return nil, argError(def.Name, "parts", def.Arg("parts"), err)
		}
		return &StripPrefixFilter{Parts: n}, nil

	case route.FilterPrefixPath:
		prefix := def.Arg("prefix")
		if !strings.HasPrefix(prefix, "/") {
			return nil, argError(def.Name, "prefix", prefix, nil)
		}
		return &PrefixPathFilter{Prefix: prefix}, nil

	case route.FilterSetPath:
		tpl := def.Arg("template")
		if !strings.HasPrefix(tpl, "/") {
			return nil, argError(def.Name, "template", tpl, nil)
		}
		return &SetPathFilter{Template: tpl}, nil

	case route.FilterRewritePath:
		expr := def.Arg("regexp")
		re, err := regexp.Compile(expr)
		if err != nil || expr == "" {
			return nil, argError(def.Name, "regexp", expr, err)
		}
		repl := strings.ReplaceAll(def.Arg("replacement"), `$\`, `$`)
		return &RewritePathFilter{Regexp: re, Replacement: repl}, nil

	case route.FilterAddRequestHeader, route.FilterSetRequestHeader, route.FilterRemoveRequestHeader:
		op, header, value, err := headerArgs(def)
		if err != nil {
			return nil, err
		}
		return &RequestHeaderFilter{name: def.Name, op: op, Header: header, Value: value}, nil

	case route.FilterAddResponseHeader, route.FilterSetResponseHeader, route.FilterRemoveResponseHeader:
		op, header, value, err := headerArgs(def)
		if err != nil {
			return nil, err
		}
		return &ResponseHeaderFilter{name: def.Name, op: op, Header: header, Value: value}, nil

	case route.FilterAddRequestParameter:
		name := def.Arg("name")
		if name == "" {
			return nil, argError(def.Name, "name", name, nil)
		}
		return &AddRequestParameterFilter{Param: name, Value: def.Arg("value")}, nil

	case route.FilterPreserveHostHeader:
		return &PreserveHostHeaderFilter{}, nil

	default:
		return nil, fmt.Errorf("%w: filter %q", ErrUnknownKind, def.Name)
	}
}

func headerArgs(def route.FilterDefinition) (headerOp, string, string, error) {
	var op headerOp
	switch def.Name {
	case route.FilterAddRequestHeader, route.FilterAddResponseHeader:
		op = headerAdd
	case route.FilterSetRequestHeader, route.FilterSetResponseHeader:
		op = headerSet
	default:
		op = headerRemove
	}
	name := def.Arg("name")
	if name == "" {
		return op, "", "", argError(def.Name, "name", name, nil)
	}
	return op, http.CanonicalHeaderKey(name), def.Arg("value"), nil
}

func compileRetry(def route.FilterDefinition) (*RetryFilter, error) {
	f := &RetryFilter{Retries: 3, Methods: []string{http.MethodGet}}

	if v := def.Arg("retries"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return nil, argError(def.Name, "retries", v, err)
		}
		f.Retries = n
	}
	for _, s := range route.SplitList(def.Arg("statuses")) {
		code, err := strconv.Atoi(s)
		if err != nil || code < 100 || code > 599 {
			return nil, argError(def.Name, "statuses", s, err)
		}
		f.Statuses = append(f.Statuses, code)
	}
	if methods := route.SplitList(def.Arg("methods")); len(methods) > 0 {
		f.Methods = f.Methods[:0]
		for _, m := range methods {
			f.Methods = append(f.Methods, strings.ToUpper(m))
		}
	}
	if v := def.Arg("backoff"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			return nil, argError(def.Name, "backoff", v, err)
		}
		f.Backoff = d
	}
	return f, nil
}

func compileRateLimit(def route.FilterDefinition) (*RateLimitFilter, error) {
	rate, err := strconv.ParseFloat(def.Arg("replenish_rate"), 64)
	if err != nil || rate <= 0 {
		return nil, argError(def.Name, "replenish_rate", def.Arg("replenish_rate"), err)
	}
	f := &RateLimitFilter{ReplenishRate: rate, BurstCapacity: int(rate), Key: "ip", Store: "local"}
	if f.BurstCapacity < 1 {
		f.BurstCapacity = 1
	}

	if v := def.Arg("burst_capacity"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return nil, argError(def.Name, "burst_capacity", v, err)
		}
		f.BurstCapacity = n
	}

	if v := def.Arg("key"); v != "" {
		if v != "ip" && v != "route" && !(strings.HasPrefix(v, "header:") && len(v) > len("header:")) {
			return nil, argError(def.Name, "key", v, nil)
		}
		f.Key = v
	}

	if v := def.Arg("store"); v != "" {
		if v != "local" && v != "redis" {
			return nil, argError(def.Name, "store", v, nil)
		}
		f.Store = v
	}
	return f, nil
}

func optionalBool(def route.FilterDefinition, key string) (bool, error) {
	v := def.Arg(key)
	if v == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, argError(def.Name, key, v, err)
	}
	return b, nil
}
