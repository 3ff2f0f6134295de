package router

import (
	"fmt"
	"net"
	"net/http"
	"strings"
)

// TrustedProxies 解析客户端地址；只有来自受信代理的 X-Forwarded-For 才被采信
type TrustedProxies struct {
	nets []*net.IPNet
}

// ParseTrustedProxies 解析 CIDR 或单个 IP 列表，空列表表示不信任任何代理
func ParseTrustedProxies(entries []string) (*TrustedProxies, error) {
	tp := &TrustedProxies{}
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if !strings.Contains(entry, "/") {
			ip := net.ParseIP(entry)
			if ip == nil {
				return nil, fmt.Errorf("invalid trusted proxy %q", entry)
			}
			bits := 32
			if ip.To4() == nil {
				bits = 128
			}
			entry = fmt.Sprintf("%s/%d", entry, bits)
		}
		_, ipNet, err := net.ParseCIDR(entry)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted proxy %q: %w", entry, err)
		}
		tp.nets = append(tp.nets, ipNet)
	}
	return tp, nil
}

func (tp *TrustedProxies) trusted(addr string) bool {
	if tp == nil {
		return false
	}
	ip := net.ParseIP(addr)
	if ip == nil {
		return false
	}
	for _, n := range tp.nets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// ClientIP 返回客户端地址
//
// 直连地址不受信时忽略 X-Forwarded-For；受信时从右向左跳过受信代理，
// 取第一个不受信的地址。
func (tp *TrustedProxies) ClientIP(r *http.Request) string {
	remote := ClientIP(r)
	if !tp.trusted(remote) {
		return remote
	}

	hops := strings.Split(r.Header.Get("X-Forwarded-For"), ",")
	for i := len(hops) - 1; i >= 0; i-- {
		hop := strings.TrimSpace(hops[i])
		if hop == "" {
			continue
		}
		if net.ParseIP(hop) == nil {
			break
		}
		if !tp.trusted(hop) {
			return hop
		}
		remote = hop
	}
	return remote
}

// ClientIP 返回直连对端地址，不读取任何转发头
func ClientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
