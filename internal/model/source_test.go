package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanonicalURL(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"lowercases scheme and host", "HTTPS://WWW.Razer.COM/Mice", "https://www.razer.com/Mice"},
		{"strips default ports", "https://www.razer.com:443/mice", "https://www.razer.com/mice"},
		{"drops fragment", "https://a.com/p#specs", "https://a.com/p"},
		{"drops tracking params", "https://a.com/p?utm_source=x&ref=y&id=3", "https://a.com/p?id=3"},
		{"sorts query keys", "https://a.com/p?b=2&a=1", "https://a.com/p?a=1&b=2"},
		{"trims trailing slash", "https://a.com/p/", "https://a.com/p"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CanonicalURL(tt.in))
		})
	}
}

func TestRootDomainOf(t *testing.T) {
	tests := []struct {
		host string
		want string
	}{
		{"www.razer.com", "razer.com"},
		{"support.razer.co.uk", "razer.co.uk"},
		{"shop.example.com.au", "example.com.au"},
		{"razer.com", "razer.com"},
		{"localhost", "localhost"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, RootDomainOf(tt.host), tt.host)
	}
}

func TestSourceIDStableAcrossEquivalentURLs(t *testing.T) {
	a := SourceID("run1", CanonicalURL("https://www.razer.com/mice?b=2&a=1"))
	b := SourceID("run1", CanonicalURL("https://www.razer.com/mice?a=1&b=2#top"))
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, SourceID("run2", CanonicalURL("https://www.razer.com/mice?a=1&b=2")))
}
