package gateway

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/SolidCitadel/UniSync/pkg/config"
)

// route は1つの下流サービスへのルーティング規則。
type route struct {
	// name はメトリクスとログに使うルート名。
	name string
	// prefixes はこのルートが受け持つパスの接頭辞。
	prefixes []string
	// host が空でなければHostヘッダーが一致するリクエストだけを受け持つ。
	host string
	// upstream は転送先のベースURL。
	upstream *url.URL
	// stripPrefix は転送前にパスから取り除く接頭辞。
	stripPrefix string
}

// routeTable はリクエストから転送先のルートを選ぶ。
// ホスト規則がパス規則より優先し、同じ種類の規則の中では最長の接頭辞が勝つ。
type routeTable struct {
	routes []route
}

func newRouteTable(cfgs []config.RouteConfig) (*routeTable, error) {
	t := &routeTable{}
	for _, c := range cfgs {
		u, err := url.Parse(c.Upstream)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("route %q の upstream が不正です: %q", c.Name, c.Upstream)
		}
		prefixes := make([]string, 0, len(c.PathPrefixes))
		for _, p := range c.PathPrefixes {
			prefixes = append(prefixes, strings.TrimSuffix(p, "/"))
		}
		t.routes = append(t.routes, route{
			name:        c.Name,
			prefixes:    prefixes,
			host:        strings.ToLower(c.Host),
			upstream:    u,
			stripPrefix: strings.TrimSuffix(c.StripPrefix, "/"),
		})
	}
	return t, nil
}

// match はhostとpathに一致するルートを返す。
func (t *routeTable) match(host, path string) (*route, bool) {
	host = strings.ToLower(host)
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}

	var best *route
	bestLen := -1
	bestHost := false
	for i := range t.routes {
		r := &t.routes[i]
		if r.host != "" && r.host != host {
			continue
		}
		n, ok := r.matchPath(path)
		if !ok {
			continue
		}
		isHost := r.host != ""
		switch {
		case isHost && !bestHost:
		case isHost == bestHost && n > bestLen:
		default:
			continue
		}
		best, bestLen, bestHost = r, n, isHost
	}
	return best, best != nil
}

// matchPath はpathに一致した接頭辞の長さを返す。
// 接頭辞を持たないホスト規則は全てのパスに一致する。
func (r *route) matchPath(path string) (int, bool) {
	if len(r.prefixes) == 0 {
		return 0, r.host != ""
	}
	longest := -1
	for _, p := range r.prefixes {
		if path == p || strings.HasPrefix(path, p+"/") {
			longest = max(longest, len(p))
		}
	}
	return longest, longest >= 0
}

// target は転送先のURLを組み立てる。
func (r *route) target(path, rawQuery string) *url.URL {
	if r.stripPrefix != "" && (path == r.stripPrefix || strings.HasPrefix(path, r.stripPrefix+"/")) {
		path = strings.TrimPrefix(path, r.stripPrefix)
	}
	if path == "" {
		path = "/"
	}
	u := *r.upstream
	u.Path = strings.TrimSuffix(u.Path, "/") + path
	u.RawPath = ""
	u.RawQuery = rawQuery
	return &u
}

// publicPaths は認証を要求しないパスの許可リスト。
// "/" で終わるエントリは接頭辞として、それ以外は完全一致として扱う。
type publicPaths []string

func (p publicPaths) allows(path string) bool {
	for _, entry := range p {
		if strings.HasSuffix(entry, "/") {
			if strings.HasPrefix(path, entry) {
				return true
			}
			continue
		}
		if path == entry {
			return true
		}
	}
	return false
}
