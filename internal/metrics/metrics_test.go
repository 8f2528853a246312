package metrics

import (
	"testing"
)

func TestNew_GathersMetrics(t *testing.T) {
	m := New()

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}

	// Should include at least Go runtime and process collectors.
	if len(families) == 0 {
		t.Fatal("expected non-empty metric families from Gather()")
	}

	// Vec metrics only appear once a label set has been observed.
	m.RequestsTotal.WithLabelValues("GET", "200", "/").Inc()
	m.WebSocketSessionsTotal.WithLabelValues("relayed").Inc()
	m.HTMLRewrites.WithLabelValues("injected").Inc()

	families, err = m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}

	want := map[string]bool{
		"gallery_proxy_http_requests_total":       false,
		"gallery_proxy_websocket_sessions_total":  false,
		"gallery_proxy_websocket_sessions_active": false,
		"gallery_proxy_backend_ready":             false,
		"gallery_proxy_html_rewrites_total":       false,
	}
	for _, f := range families {
		if _, ok := want[f.GetName()]; ok {
			want[f.GetName()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("expected %s in gathered metrics", name)
		}
	}
}

func TestNormalizeMethod(t *testing.T) {
	tests := []struct {
		method string
		want   string
	}{
		{"GET", "GET"},
		{"POST", "POST"},
		{"PUT", "PUT"},
		{"DELETE", "DELETE"},
		{"PATCH", "PATCH"},
		{"HEAD", "HEAD"},
		{"OPTIONS", "OPTIONS"},
		{"FOOBAR", "other"},
		{"get", "other"},
		{"", "other"},
	}

	for _, tt := range tests {
		t.Run(tt.method, func(t *testing.T) {
			got := NormalizeMethod(tt.method)
			if got != tt.want {
				t.Errorf("NormalizeMethod(%q) = %q, want %q", tt.method, got, tt.want)
			}
		})
	}
}

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/health", "/health"},
		{"/proxy/status", "/proxy/status"},
		{"/metrics", "/metrics"},
		{"/_stcore/stream", "/_stcore"},
		{"/_stcore/health", "/_stcore"},
		{"/static/js/main.js", "/static"},
		{"/media/abc.png", "/media"},
		{"/google1234abcd.html", "/google"},
		{"/", "/"},
		{"/healthz", "other"},
		{"/statics", "other"},
		{"/unknown", "other"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got := NormalizePath(tt.path)
			if got != tt.want {
				t.Errorf("NormalizePath(%q) = %q, want %q", tt.path, got, tt.want)
			}
		})
	}
}
