package router

import (
	"fmt"
	"path"
	"regexp"
	"strings"
)

type segmentKind int

const (
	segLiteral segmentKind = iota
	segGlob                // 段内通配符，如 *.html
	segCapture             // {name} 或 {name:regex}
	segAny                 // ** 匹配零个或多个段
	segCaptureRest         // {*name} 捕获剩余路径
)

type segment struct {
	kind  segmentKind
	text  string
	name  string
	regex *regexp.Regexp
}

// PathPattern 编译后的路径模式
//
// 支持 /exact、/prefix/**、/a/*/b、/users/{id}、/users/{id:\d+}、/files/{*rest}。
// 请求路径末尾的 "/" 可选。
type PathPattern struct {
	raw      string
	segments []segment
	captures int
}

// CompilePathPattern 编译路径模式
func CompilePathPattern(pattern string) (*PathPattern, error) {
	if !strings.HasPrefix(pattern, "/") {
		return nil, fmt.Errorf("%w: %q must start with '/'", ErrInvalidPattern, pattern)
	}

	p := &PathPattern{raw: pattern}
	for i, part := range splitPath(pattern) {
		seg, err := compileSegment(part)
		if err != nil {
			return nil, fmt.Errorf("%w: %q segment %d: %v", ErrInvalidPattern, pattern, i, err)
		}
		if seg.kind == segCaptureRest && i != len(splitPath(pattern))-1 {
			return nil, fmt.Errorf("%w: %q: {*%s} must be the last segment", ErrInvalidPattern, pattern, seg.name)
		}
		if seg.kind == segCapture || seg.kind == segCaptureRest {
			p.captures++
		}
		p.segments = append(p.segments, seg)
	}
	return p, nil
}

func compileSegment(part string) (segment, error) {
	switch {
	case part == "**":
		return segment{kind: segAny}, nil

	case strings.HasPrefix(part, "{*") && strings.HasSuffix(part, "}"):
		name := part[2 : len(part)-1]
		if name == "" {
			return segment{}, fmt.Errorf("empty capture name")
		}
		return segment{kind: segCaptureRest, name: name}, nil

	case strings.HasPrefix(part, "{") && strings.HasSuffix(part, "}"):
		body := part[1 : len(part)-1]
		name, expr, hasExpr := strings.Cut(body, ":")
		if name == "" {
			return segment{}, fmt.Errorf("empty capture name")
		}
		seg := segment{kind: segCapture, name: name}
		if hasExpr {
			re, err := regexp.Compile("^(?:" + expr + ")$")
			if err != nil {
				return segment{}, err
			}
			seg.regex = re
		}
		return seg, nil

	case strings.ContainsAny(part, "*?["):
		if _, err := path.Match(part, ""); err != nil {
			return segment{}, err
		}
		return segment{kind: segGlob, text: part}, nil

	default:
		return segment{kind: segLiteral, text: part}, nil
	}
}

// Match 匹配请求路径，返回捕获的变量
func (p *PathPattern) Match(requestPath string) (map[string]string, bool) {
	parts := splitPath(requestPath)
	var values []string
	if p.captures > 0 {
		values = make([]string, 0, p.captures)
	}

	values, ok := p.match(0, parts, values)
	if !ok {
		return nil, false
	}
	if len(values) == 0 {
		return nil, true
	}

	vars := make(map[string]string, len(values))
	i := 0
	for _, seg := range p.segments {
		if seg.kind == segCapture || seg.kind == segCaptureRest {
			vars[seg.name] = values[i]
			i++
		}
	}
	return vars, true
}

func (p *PathPattern) match(si int, parts []string, values []string) ([]string, bool) {
	if si == len(p.segments) {
		return values, len(parts) == 0
	}

	seg := p.segments[si]
	switch seg.kind {
	case segAny:
		for k := 0; k <= len(parts); k++ {
			if out, ok := p.match(si+1, parts[k:], values); ok {
				return out, true
			}
		}
		return values, false

	case segCaptureRest:
		return append(values, "/"+strings.Join(parts, "/")), true
	}

	if len(parts) == 0 {
		return values, false
	}
	part := parts[0]

	switch seg.kind {
	case segLiteral:
		if part != seg.text {
			return values, false
		}
	case segGlob:
		if ok, _ := path.Match(seg.text, part); !ok {
			return values, false
		}
	case segCapture:
		if part == "" || (seg.regex != nil && !seg.regex.MatchString(part)) {
			return values, false
		}
		values = append(values, part)
	}

	out, ok := p.match(si+1, parts[1:], values)
	if !ok && seg.kind == segCapture {
		return values[:len(values)-1], false
	}
	return out, ok
}

// String 返回原始模式
func (p *PathPattern) String() string {
	return p.raw
}

// splitPath 拆分路径段，忽略首尾的 "/"
func splitPath(p string) []string {
	p = strings.TrimPrefix(p, "/")
	p = strings.TrimSuffix(p, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}
