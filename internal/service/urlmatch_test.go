package service

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestURLMatches(t *testing.T) {
	tests := []struct {
		name    string
		pattern string
		url     string
		want    bool
	}{
		{
			name:    "exact match",
			pattern: "https://api.example.com/x",
			url:     "https://api.example.com/x",
			want:    true,
		},
		{
			name:    "query strings ignored on both sides",
			pattern: "https://api.example.com/x?env=prod",
			url:     "https://api.example.com/x?token=abc",
			want:    true,
		},
		{
			name:    "wildcard matches one subdomain label",
			pattern: "https://*.example.com/x",
			url:     "https://api.example.com/x",
			want:    true,
		},
		{
			name:    "wildcard does not match bare domain",
			pattern: "https://*.example.com/x",
			url:     "https://example.com/x",
			want:    false,
		},
		{
			name:    "wildcard does not match two labels",
			pattern: "https://*.example.com/x",
			url:     "https://a.b.example.com/x",
			want:    false,
		},
		{
			name:    "no path suffix matching",
			pattern: "https://*.example.com/x",
			url:     "https://api.example.com/x/y",
			want:    false,
		},
		{
			name:    "exact pattern rejects subdomain",
			pattern: "https://example.com/x",
			url:     "https://api.example.com/x",
			want:    false,
		},
		{
			name:    "scheme must match",
			pattern: "https://api.example.com/x",
			url:     "http://api.example.com/x",
			want:    false,
		},
		{
			name:    "wildcard in path never matches",
			pattern: "https://api.example.com/*",
			url:     "https://api.example.com/x",
			want:    false,
		},
		{
			name:    "wildcard mid-host never matches",
			pattern: "https://api.*.com/x",
			url:     "https://api.example.com/x",
			want:    false,
		},
		{
			name:    "bare wildcard host never matches",
			pattern: "https://*/x",
			url:     "https://api.example.com/x",
			want:    false,
		},
		{
			name:    "double wildcard never matches",
			pattern: "https://*.*.com/x",
			url:     "https://a.b.com/x",
			want:    false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, urlMatches(tt.pattern, tt.url))
		})
	}
}

func TestURLAllowed(t *testing.T) {
	allowList := []string{
		"https://transform.internal/q",
		"https://*.example.com/x",
	}

	assert.True(t, urlAllowed(allowList, "https://transform.internal/q"))
	assert.True(t, urlAllowed(allowList, "https://api.example.com/x"))
	assert.False(t, urlAllowed(allowList, "https://evil.com/x"))
	assert.False(t, urlAllowed(nil, "https://transform.internal/q"))
}
