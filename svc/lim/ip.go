package lim

import (
	"net"
	"net/http"
	"strings"

	"github.com/pkg/errors"
)

const maxForwardedHops = 100

// ProxySet is the parsed TRUSTED_PROXIES list.
type ProxySet struct {
	nets []*net.IPNet
}

func ParseProxies(list []string) (*ProxySet, error) {
	ps := &ProxySet{}
	for _, p := range list {
		if !strings.Contains(p, "/") {
			ip := net.ParseIP(p)
			if ip == nil {
				return nil, errors.Errorf("invalid trusted proxy %q", p)
			}
			bits := 128
			if ip.To4() != nil {
				ip, bits = ip.To4(), 32
			}
			ps.nets = append(ps.nets, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
			continue
		}
		_, n, err := net.ParseCIDR(p)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid trusted proxy %q", p)
		}
		ps.nets = append(ps.nets, n)
	}
	return ps, nil
}

func (ps *ProxySet) Trusted(ip string) bool {
	if ps == nil {
		return false
	}
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}
	for _, n := range ps.nets {
		if n.Contains(parsed) {
			return true
		}
	}
	return false
}

// ClientIP walks X-Forwarded-For right to left and returns the first hop
// that is not a trusted proxy. The header is ignored unless the direct peer
// is trusted.
func (ps *ProxySet) ClientIP(r *http.Request) string {
	remote := r.RemoteAddr
	if host, _, err := net.SplitHostPort(remote); err == nil {
		remote = host
	}
	if !ps.Trusted(remote) {
		return remote
	}
	hops := strings.Split(r.Header.Get("X-Forwarded-For"), ",")
	seen := 0
	for i := len(hops) - 1; i >= 0 && seen < maxForwardedHops; i-- {
		hop := strings.TrimSpace(hops[i])
		if hop == "" || net.ParseIP(hop) == nil {
			continue
		}
		seen++
		if !ps.Trusted(hop) {
			return hop
		}
	}
	return remote
}
