// SPDX-License-Identifier: MIT

package netutil

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"192.168.1.77", "192.168.1.0/24"},
		{"192.168.1.77/32", "192.168.1.0/24"},
		{"10.20.30.40/16", "10.20.30.0/24"},
		{"2001:db8::1", "2001:db8::1/128"},
		{"2001:0db8:0000::0001", "2001:db8::1/128"},
		{"2001:db8::/48", "2001:db8::/48"},
		{"not-an-ip", "not-an-ip"},
		{"999.1.1.1/24", "999.1.1.1/24"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Normalize(tt.in), "Normalize(%q)", tt.in)
	}
}

func TestMatch(t *testing.T) {
	patterns := []string{"", "10.1.0.0/16", "192.168.1.0/24", "2001:db8::1/128", "8.8.8.8"}

	ok, matched := Match("10.1.200.3", patterns)
	assert.True(t, ok)
	assert.Equal(t, "10.1.0.0/16", matched)

	ok, matched = Match("192.168.1.9", patterns)
	assert.True(t, ok)
	assert.Equal(t, "192.168.1.0/24", matched)

	ok, matched = Match("8.8.8.8", patterns)
	assert.True(t, ok)
	assert.Equal(t, "8.8.8.8", matched)

	ok, matched = Match("172.16.0.1", patterns)
	assert.False(t, ok)
	assert.Equal(t, "", matched)

	// Unparseable client IP fails soft.
	ok, matched = Match("garbage", patterns)
	assert.False(t, ok)
	assert.Equal(t, "", matched)
}

func TestIPInCIDR(t *testing.T) {
	assert.True(t, IPInCIDR("192.168.1.42", "192.168.1.0/24"))
	assert.False(t, IPInCIDR("192.168.2.42", "192.168.1.0/24"))
	assert.True(t, IPInCIDR("2001:db8::5", "2001:db8::/64"))
	assert.False(t, IPInCIDR("bogus", "192.168.1.0/24"))
	assert.False(t, IPInCIDR("192.168.1.1", "bogus"))
}

func TestCanonicalIPv6Forms(t *testing.T) {
	a := CanonicalIP("2001:0DB8:0:0:0:0:0:1")
	b := CanonicalIP("2001:db8::1")
	assert.Equal(t, a, b)
	assert.Equal(t, "2001:db8::1", a)

	// IPv4-mapped IPv6 stays IPv6.
	assert.Equal(t, "::ffff:192.0.2.1", CanonicalIP("::ffff:192.0.2.1"))
	assert.Equal(t, "unparseable", CanonicalIP("unparseable"))
}

func TestExamples(t *testing.T) {
	got := Examples("192.168.1.0/24", 3)
	assert.Equal(t, []string{"192.168.1.1", "192.168.1.2", "192.168.1.3"}, got)

	assert.Equal(t, []string{"10.0.0.1"}, Examples("10.0.0.1/32", 5))
	assert.Nil(t, Examples("garbage", 5))
}

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/x", nil)
	r.RemoteAddr = "203.0.113.9:51234"
	assert.Equal(t, "203.0.113.9", ClientIP(r))

	r.Header.Set("X-Real-IP", " 198.51.100.7 ")
	assert.Equal(t, "198.51.100.7", ClientIP(r))

	r.Header.Set("X-Forwarded-For", "2001:0db8::0001, 10.0.0.1")
	assert.Equal(t, "2001:db8::1", ClientIP(r))
}
