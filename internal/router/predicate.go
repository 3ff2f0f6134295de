package router

import (
	"fmt"
	"net"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/songzhibin97/routegate/internal/route"
)

// exchange 单次匹配的上下文
type exchange struct {
	req  *http.Request
	now  time.Time
	vars map[string]string
}

// Predicate 编译后的谓词
//
// 实现集合是封闭的：每种谓词对应一个带类型参数的结构体，路由编译时一次性解析。
type Predicate interface {
	Name() string
	test(ex *exchange) bool
}

// PathPredicate 路径谓词，任一模式匹配即可
type PathPredicate struct {
	Patterns []*PathPattern
}

// MethodPredicate 方法谓词
type MethodPredicate struct {
	Methods []string
}

// HeaderPredicate 请求头谓词，Regexp 为空时只要求存在
type HeaderPredicate struct {
	Header string
	Regexp *regexp.Regexp
}

// QueryPredicate 查询参数谓词，Regexp 为空时只要求存在
type QueryPredicate struct {
	Param  string
	Regexp *regexp.Regexp
}

// HostPredicate 主机谓词，支持 *.example.com、**.example.com、{sub}.example.com
type HostPredicate struct {
	Patterns []string
	regexes  []*regexp.Regexp
}

// CookiePredicate Cookie 谓词
type CookiePredicate struct {
	Cookie string
	Regexp *regexp.Regexp
}

// AfterPredicate 指定时间之后
type AfterPredicate struct {
	Time time.Time
}

// BeforePredicate 指定时间之前
type BeforePredicate struct {
	Time time.Time
}

// BetweenPredicate 时间窗口 [Start, End)
type BetweenPredicate struct {
	Start time.Time
	End   time.Time
}

// RemoteAddrPredicate 客户端地址谓词
type RemoteAddrPredicate struct {
	Networks []*net.IPNet
}

func (*PathPredicate) Name() string       { return route.PredicatePath }
func (*MethodPredicate) Name() string     { return route.PredicateMethod }
func (*HeaderPredicate) Name() string     { return route.PredicateHeader }
func (*QueryPredicate) Name() string      { return route.PredicateQuery }
func (*HostPredicate) Name() string       { return route.PredicateHost }
func (*CookiePredicate) Name() string     { return route.PredicateCookie }
func (*AfterPredicate) Name() string      { return route.PredicateAfter }
func (*BeforePredicate) Name() string     { return route.PredicateBefore }
func (*BetweenPredicate) Name() string    { return route.PredicateBetween }
func (*RemoteAddrPredicate) Name() string { return route.PredicateRemoteAddr }

func (p *PathPredicate) test(ex *exchange) bool {
	for _, pattern := range p.Patterns {
		if vars, ok := pattern.Match(ex.req.URL.Path); ok {
			for k, v := range vars {
				if ex.vars == nil {
					ex.vars = make(map[string]string, len(vars))
				}
				ex.vars[k] = v
			}
			return true
		}
	}
	return false
}

func (p *MethodPredicate) test(ex *exchange) bool {
	for _, m := range p.Methods {
		if m == ex.req.Method {
			return true
		}
	}
	return false
}

func (p *HeaderPredicate) test(ex *exchange) bool {
	return anyMatch(ex.req.Header.Values(p.Header), p.Regexp)
}

func (p *QueryPredicate) test(ex *exchange) bool {
	values, ok := ex.req.URL.Query()[p.Param]
	if !ok {
		return false
	}
	if p.Regexp == nil {
		return true
	}
	return anyMatch(values, p.Regexp)
}

func (p *HostPredicate) test(ex *exchange) bool {
	host := ex.req.Host
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	for _, re := range p.regexes {
		if re.MatchString(host) {
			return true
		}
	}
	return false
}

func (p *CookiePredicate) test(ex *exchange) bool {
	var values []string
	for _, c := range ex.req.Cookies() {
		if c.Name == p.Cookie {
			values = append(values, c.Value)
		}
	}
	return anyMatch(values, p.Regexp)
}

func (p *AfterPredicate) test(ex *exchange) bool {
	return ex.now.After(p.Time)
}

func (p *BeforePredicate) test(ex *exchange) bool {
	return ex.now.Before(p.Time)
}

func (p *BetweenPredicate) test(ex *exchange) bool {
	return !ex.now.Before(p.Start) && ex.now.Before(p.End)
}

func (p *RemoteAddrPredicate) test(ex *exchange) bool {
	host := ex.req.RemoteAddr
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	for _, n := range p.Networks {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func anyMatch(values []string, re *regexp.Regexp) bool {
	if len(values) == 0 {
		return false
	}
	if re == nil {
		return true
	}
	for _, v := range values {
		if re.MatchString(v) {
			return true
		}
	}
	return false
}

// CompilePredicate 将谓词定义解析为带类型的谓词
func CompilePredicate(def route.PredicateDefinition) (Predicate, error) {
	switch def.Name {
	case route.PredicatePath:
		patterns := route.SplitList(def.Arg("patterns"))
		if len(patterns) == 0 {
			return nil, argError(def.Name, "patterns", "", nil)
		}
		p := &PathPredicate{}
		for _, raw := range patterns {
			pattern, err := CompilePathPattern(raw)
			if err != nil {
				return nil, err
			}
			p.Patterns = append(p.Patterns, pattern)
		}
		return p, nil

	case route.PredicateMethod:
		methods := route.SplitList(def.Arg("methods"))
		if len(methods) == 0 {
			return nil, argError(def.Name, "methods", "", nil)
		}
		for i := range methods {
			methods[i] = strings.ToUpper(methods[i])
		}
		return &MethodPredicate{Methods: methods}, nil

	case route.PredicateHeader:
		name := def.Arg("header")
		if name == "" {
			return nil, argError(def.Name, "header", name, nil)
		}
		re, err := optionalRegexp(def.Name, "regexp", def.Arg("regexp"))
		if err != nil {
			return nil, err
		}
		return &HeaderPredicate{Header: http.CanonicalHeaderKey(name), Regexp: re}, nil

	case route.PredicateQuery:
		param := def.Arg("param")
		if param == "" {
			return nil, argError(def.Name, "param", param, nil)
		}
		re, err := optionalRegexp(def.Name, "regexp", def.Arg("regexp"))
		if err != nil {
			return nil, err
		}
		return &QueryPredicate{Param: param, Regexp: re}, nil

	case route.PredicateHost:
		patterns := route.SplitList(def.Arg("patterns"))
		if len(patterns) == 0 {
			return nil, argError(def.Name, "patterns", "", nil)
		}
		p := &HostPredicate{Patterns: patterns}
		for _, raw := range patterns {
			re, err := compileHostPattern(raw)
			if err != nil {
				return nil, argError(def.Name, "patterns", raw, err)
			}
			p.regexes = append(p.regexes, re)
		}
		return p, nil

	case route.PredicateCookie:
		name := def.Arg("name")
		if name == "" {
			return nil, argError(def.Name, "name", name, nil)
		}
		re, err := optionalRegexp(def.Name, "regexp", def.Arg("regexp"))
		if err != nil {
			return nil, err
		}
		return &CookiePredicate{Cookie: name, Regexp: re}, nil

	case route.PredicateAfter:
		t, err := parseDateTime(def.Arg("datetime"))
		if err != nil {
			return nil, argError(def.Name, "datetime", def.Arg("datetime"), err)
		}
		return &AfterPredicate{Time: t}, nil

	case route.PredicateBefore:
		t, err := parseDateTime(def.Arg("datetime"))
		if err != nil {
			return nil, argError(def.Name, "datetime", def.Arg("datetime"), err)
		}
		return &BeforePredicate{Time: t}, nil

	case route.PredicateBetween:
		start, err := parseDateTime(def.Arg("datetime1"))
		if err != nil {
			return nil, argError(def.Name, "datetime1", def.Arg("datetime1"), err)
		}
		end, err := parseDateTime(def.Arg("datetime2"))
		if err != nil {
			return nil, argError(def.Name, "datetime2", def.Arg("datetime2"), err)
		}
		if !start.Before(end) {
			return nil, argError(def.Name, "datetime2", def.Arg("datetime2"), fmt.Errorf("must be after datetime1"))
		}
		return &BetweenPredicate{Start: start, End: end}, nil

	case route.PredicateRemoteAddr:
		sources := route.SplitList(def.Arg("sources"))
		if len(sources) == 0 {
			return nil, argError(def.Name, "sources", "", nil)
		}
		p := &RemoteAddrPredicate{}
		for _, src := range sources {
			n, err := parseNetwork(src)
			if err != nil {
				return nil, argError(def.Name, "sources", src, err)
			}
			p.Networks = append(p.Networks, n)
		}
		return p, nil

	default:
		return nil, fmt.Errorf("%w: predicate %q", ErrUnknownKind, def.Name)
	}
}

func optionalRegexp(name, key, expr string) (*regexp.Regexp, error) {
	if expr == "" {
		return nil, nil
	}
	re, err := regexp.Compile("^(?:" + expr + ")$")
	if err != nil {
		return nil, argError(name, key, expr, err)
	}
	return re, nil
}

// compileHostPattern 将主机模式转换为正则，按 "." 分段，忽略大小写
func compileHostPattern(pattern string) (*regexp.Regexp, error) {
	parts := strings.Split(strings.ToLower(pattern), ".")
	out := make([]string, len(parts))
	for i, part := range parts {
		switch {
		case part == "**":
			out[i] = `.+`
		case part == "*":
			out[i] = `[^.]+`
		case strings.HasPrefix(part, "{") && strings.HasSuffix(part, "}"):
			out[i] = `[^.]+`
		case part == "":
			return nil, fmt.Errorf("empty label")
		default:
			out[i] = regexp.QuoteMeta(part)
		}
	}
	return regexp.Compile(`(?i)^` + strings.Join(out, `\.`) + `$`)
}

// parseDateTime 支持 RFC3339、带 [Zone] 后缀的时间和毫秒时间戳
func parseDateTime(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, fmt.Errorf("empty datetime")
	}
	if ms, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.UnixMilli(ms), nil
	}
	if i := strings.Index(value, "["); i > 0 && strings.HasSuffix(value, "]") {
		value = value[:i]
	}
	return time.Parse(time.RFC3339Nano, value)
}

func parseNetwork(src string) (*net.IPNet, error) {
	if strings.Contains(src, "/") {
		_, n, err := net.ParseCIDR(src)
		return n, err
	}
	ip := net.ParseIP(src)
	if ip == nil {
		return nil, fmt.Errorf("invalid ip")
	}
	bits := 32
	if ip.To4() == nil {
		bits = 128
	}
	return &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)}, nil
}
