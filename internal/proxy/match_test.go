package proxy

import "testing"

func TestMatchDomain(t *testing.T) {
	tests := []struct {
		host    string
		pattern string
		want    bool
	}{
		// Exact match
		{"alkali.example.com", "alkali.example.com", true},
		{"example.com", "example.com", true},

		// Wildcard match
		{"example.com", "*.example.com", true},
		{"api.example.com", "*.example.com", true},
		{"deep.api.example.com", "*.example.com", true},

		// Port stripping
		{"api.example.com:443", "*.example.com", true},
		{"example.com:8443", "example.com", true},

		// Case insensitivity
		{"API.Example.COM", "*.example.com", true},

		// Suffix-grafted hosts must not match
		{"notexample.com", "*.example.com", false},
		{"badexample.com", "example.com", false},
		{"example.com.evil.net", "*.example.com", false},

		// Exact entries do not cover subdomains
		{"api.example.com", "example.com", false},

		// IPv6 literals keep their full address after port stripping
		{"[2001:db8::1]:443", "2001:db8::1", true},
		{"2001:db8::1", "2001:db8::1", true},
		{"[2001:db8::2]:443", "2001:db8::1", false},

		// Unrelated
		{"github.com", "*.example.com", false},
		{"", "*.example.com", false},
	}

	for _, tt := range tests {
		t.Run(tt.host+"_"+tt.pattern, func(t *testing.T) {
			if got := matchDomain(tt.host, tt.pattern); got != tt.want {
				t.Errorf("matchDomain(%q, %q) = %v, want %v", tt.host, tt.pattern, got, tt.want)
			}
		})
	}
}

func TestStripPort(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"example.com:443", "example.com"},
		{"example.com", "example.com"},
		{"[::1]:443", "::1"},
		{"[::1]", "::1"},
		{"::1", "::1"},
		{"[2001:db8::1]:8443", "2001:db8::1"},
		{"192.0.2.1:443", "192.0.2.1"},
	}
	for _, tt := range tests {
		if got := stripPort(tt.in); got != tt.want {
			t.Errorf("stripPort(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestDialAddr(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"example.com:8443", "example.com:8443"},
		{"example.com", "example.com:443"},
		{"[::1]:8443", "[::1]:8443"},
		{"[::1]", "[::1]:443"},
		{"::1", "[::1]:443"},
	}
	for _, tt := range tests {
		if got := dialAddr(tt.in); got != tt.want {
			t.Errorf("dialAddr(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestMatchAnyDomain(t *testing.T) {
	patterns := []string{"*.alpha.net", "exact.beta.org"}

	if !matchAnyDomain("svc.alpha.net:443", patterns) {
		t.Error("wildcard entry did not match")
	}
	if !matchAnyDomain("exact.beta.org", patterns) {
		t.Error("exact entry did not match")
	}
	if matchAnyDomain("sub.exact.beta.org", patterns) {
		t.Error("exact entry must not cover subdomains")
	}
	if matchAnyDomain("gamma.io", patterns) {
		t.Error("unlisted host matched")
	}
}
