package helper

import "testing"

func TestMatchHost(t *testing.T) {
	hosts := []string{
		"*.example.com",
		"www.example.com:443",
		"www.example.com",
		"api.other.org",
	}

	cases := []struct {
		address string
		want    bool
	}{
		{"www.example.com:443", true},
		{"www.example.com:80", true},
		{"shop.example.com:443", true},
		{"api.other.org:80", true},
		{"www.test.com:80", false},
		{"example.com:443", false},
	}

	for _, c := range cases {
		if got := MatchHost(c.address, hosts); got != c.want {
			t.Errorf("MatchHost(%q) = %t, want %t", c.address, got, c.want)
		}
	}

	if !MatchHost("anything.at.all:1234", []string{"*"}) {
		t.Error("bare wildcard should match everything")
	}
}

func TestMatchHostPortScoped(t *testing.T) {
	hosts := []string{"*.example.com:443"}
	if !MatchHost("a.example.com:443", hosts) {
		t.Error("expected port-scoped wildcard match")
	}
	if MatchHost("a.example.com:80", hosts) {
		t.Error("port mismatch should not match")
	}
}
