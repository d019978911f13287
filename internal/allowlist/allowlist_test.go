package allowlist

import (
	"net/http"
	"net/http/httptest"
	"net/netip"
	"testing"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		entries []string
		want    int
	}{
		{"empty", nil, 0},
		{"single IP", []string{"192.168.1.1"}, 1},
		{"CIDR", []string{"10.0.0.0/8", "192.168.0.0/16"}, 2},
		{"with invalid", []string{"192.168.1.1", "invalid", "10.0.0.0/33", " "}, 1},
		{"IPv6", []string{"::1", "fe80::/10"}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := New(tt.entries, nil).Len(); got != tt.want {
				t.Errorf("Len() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestAllows(t *testing.T) {
	l := New([]string{"10.0.0.0/8", "192.168.1.1", "::1"}, nil)

	tests := []struct {
		ip   string
		want bool
	}{
		{"10.1.2.3", true},
		{"192.168.1.1", true},
		{"192.168.1.2", false},
		{"::ffff:10.0.0.1", true},
		{"::1", true},
		{"8.8.8.8", false},
	}
	for _, tt := range tests {
		if got := l.Allows(netip.MustParseAddr(tt.ip)); got != tt.want {
			t.Errorf("Allows(%s) = %v, want %v", tt.ip, got, tt.want)
		}
	}

	if !New(nil, nil).Allows(netip.MustParseAddr("8.8.8.8")) {
		t.Error("empty list should allow everyone")
	}
}

func TestClientAddr(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		headers    map[string]string
		want       string
	}{
		{"remote addr", "192.168.1.1:12345", nil, "192.168.1.1"},
		{"remote without port", "192.168.1.1", nil, "192.168.1.1"},
		{"forwarded for", "10.0.0.1:1", map[string]string{"X-Forwarded-For": "203.0.113.5, 10.0.0.1"}, "203.0.113.5"},
		{"real ip", "10.0.0.1:1", map[string]string{"X-Real-IP": "203.0.113.7"}, "203.0.113.7"},
		{"bad forwarded falls back", "10.0.0.1:1", map[string]string{"X-Forwarded-For": "garbage"}, "10.0.0.1"},
		{"ipv6", "[::1]:8080", nil, "::1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tt.remoteAddr
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			got, ok := ClientAddr(r)
			if !ok || got.String() != tt.want {
				t.Errorf("ClientAddr() = %v, %v; want %s", got, ok, tt.want)
			}
		})
	}
}

func TestMiddleware(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	h := New([]string{"127.0.0.1"}, nil).Middleware(ok)

	tests := []struct {
		remoteAddr string
		want       int
	}{
		{"127.0.0.1:5000", http.StatusOK},
		{"10.0.0.1:5000", http.StatusForbidden},
		{"not-an-ip", http.StatusForbidden},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/metrics", nil)
		r.RemoteAddr = tt.remoteAddr
		w := httptest.NewRecorder()
		h.ServeHTTP(w, r)
		if w.Code != tt.want {
			t.Errorf("%s: status = %d, want %d", tt.remoteAddr, w.Code, tt.want)
		}
	}
}
