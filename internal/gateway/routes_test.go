package gateway

import (
	"testing"

	"github.com/SolidCitadel/UniSync/pkg/config"
)

func TestRouteTable_match(t *testing.T) {
	t.Parallel()

	table, err := newRouteTable([]config.RouteConfig{
		{Name: "courses", PathPrefixes: []string{"/api/v1/courses"}, Upstream: "http://course:8082", StripPrefix: "/api/v1"},
		{Name: "course-notices", PathPrefixes: []string{"/api/v1/courses/notices/"}, Upstream: "http://notice:8090"},
		{Name: "admin-host", Host: "admin.unisync.example", Upstream: "http://admin:9000"},
		{Name: "admin-courses", Host: "ops.unisync.example", PathPrefixes: []string{"/api"}, Upstream: "http://ops:9001"},
	})
	if err != nil {
		t.Fatalf("ルーティング表の生成に失敗: %v", err)
	}

	tests := []struct {
		name     string
		host     string
		path     string
		want     string
		wantPath string
	}{
		{name: "接頭辞に一致する", host: "api.unisync.example", path: "/api/v1/courses", want: "courses", wantPath: "/courses"},
		{name: "接頭辞の配下に一致する", host: "api.unisync.example", path: "/api/v1/courses/1/assignments", want: "courses", wantPath: "/courses/1/assignments"},
		{name: "最長の接頭辞が勝つ", host: "api.unisync.example", path: "/api/v1/courses/notices/3", want: "course-notices", wantPath: "/api/v1/courses/notices/3"},
		{name: "セグメントの途中では一致しない", host: "api.unisync.example", path: "/api/v1/coursesX", want: ""},
		{name: "ホスト規則がパス規則より優先する", host: "admin.unisync.example:443", path: "/api/v1/courses", want: "admin-host", wantPath: "/api/v1/courses"},
		{name: "ホストは大文字小文字を区別しない", host: "ADMIN.unisync.example", path: "/", want: "admin-host", wantPath: "/"},
		{name: "ホストとパスの両方を要求する規則", host: "ops.unisync.example", path: "/api/v1/courses", want: "admin-courses", wantPath: "/api/v1/courses"},
		{name: "ホストが一致してもパスが外れればパス規則へ", host: "ops.unisync.example", path: "/other", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			r, ok := table.match(tt.host, tt.path)
			if tt.want == "" {
				if ok {
					t.Errorf("一致しないはずが %q に一致した", r.name)
				}
				return
			}
			if !ok {
				t.Fatalf("一致するルートがない: want %q", tt.want)
			}
			if r.name != tt.want {
				t.Errorf("ルート: got %q, want %q", r.name, tt.want)
			}
			if got := r.target(tt.path, "").Path; got != tt.wantPath {
				t.Errorf("転送先パス: got %q, want %q", got, tt.wantPath)
			}
		})
	}
}

func TestRoute_target(t *testing.T) {
	t.Parallel()

	table, err := newRouteTable([]config.RouteConfig{
		{Name: "user", PathPrefixes: []string{"/api/v1/credentials"}, Upstream: "http://user:8081/base/", StripPrefix: "/api/v1/credentials"},
	})
	if err != nil {
		t.Fatalf("ルーティング表の生成に失敗: %v", err)
	}
	r := &table.routes[0]

	if got := r.target("/api/v1/credentials", "a=1").String(); got != "http://user:8081/base/?a=1" {
		t.Errorf("got %q", got)
	}
	if got := r.target("/api/v1/credentials/canvas", "").String(); got != "http://user:8081/base/canvas" {
		t.Errorf("got %q", got)
	}
}

func TestPublicPaths_allows(t *testing.T) {
	t.Parallel()

	public := publicPaths{"/health", "/.well-known/", "/api/v1/auth/"}

	tests := []struct {
		path string
		want bool
	}{
		{"/health", true},
		{"/healthz", false},
		{"/health/deep", false},
		{"/.well-known/jwks.json", true},
		{"/api/v1/auth/signin", true},
		{"/api/v1/auth", false},
		{"/api/v1/courses", false},
	}
	for _, tt := range tests {
		if got := public.allows(tt.path); got != tt.want {
			t.Errorf("allows(%q): got %v, want %v", tt.path, got, tt.want)
		}
	}
}
