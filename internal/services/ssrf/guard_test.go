package ssrf

import (
	"context"
	"fmt"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/forager/internal/common"
)

// fakeResolver returns fixed answers per hostname
type fakeResolver struct {
	answers map[string][]string
	err     error
}

func (f *fakeResolver) LookupIPAddr(_ context.Context, host string) ([]net.IPAddr, error) {
	if f.err != nil {
		return nil, f.err
	}
	ips, ok := f.answers[host]
	if !ok {
		return nil, fmt.Errorf("no such host: %s", host)
	}
	addrs := make([]net.IPAddr, 0, len(ips))
	for _, ip := range ips {
		addrs = append(addrs, net.IPAddr{IP: net.ParseIP(ip)})
	}
	return addrs, nil
}

func newTestGuard(answers map[string][]string) *Guard {
	return NewGuardWithResolver(&fakeResolver{answers: answers}, common.GetLogger())
}

func TestIsSafe_SchemeAndHostValidation(t *testing.T) {
	g := newTestGuard(nil)

	tests := []struct {
		name string
		url  string
	}{
		{"ftp scheme", "ftp://example.com/file"},
		{"file scheme", "file:///etc/passwd"},
		{"missing hostname", "http:///path"},
		{"localhost", "http://localhost:8080/admin"},
		{"metadata hostname", "http://metadata.google.internal/computeMetadata"},
		{"metadata IP", "http://169.254.169.254/latest/meta-data"},
		{"unparseable", "http://[::1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, reason := g.IsSafe(context.Background(), tt.url)
			assert.False(t, ok)
			assert.NotEmpty(t, reason)
		})
	}
}

func TestIsSafe_LiteralIPs(t *testing.T) {
	g := newTestGuard(nil)

	blocked := []string{
		"http://127.0.0.1/",
		"http://10.1.2.3/",
		"http://172.16.0.1/",
		"http://192.168.1.1/",
		"http://100.64.0.1/",
		"http://224.0.0.1/",
		"http://[::1]/",
		"http://[fe80::1]/",
		"http://[fc00::1]/",
	}
	for _, u := range blocked {
		ok, _ := g.IsSafe(context.Background(), u)
		assert.False(t, ok, "expected %s blocked", u)
	}

	ok, reason := g.IsSafe(context.Background(), "http://93.184.216.34/")
	assert.True(t, ok)
	assert.Empty(t, reason)
}

func TestIsSafe_ResolvedAddresses(t *testing.T) {
	g := newTestGuard(map[string][]string{
		"public.example.com":  {"93.184.216.34"},
		"rebound.example.com": {"93.184.216.34", "10.0.0.5"},
		"private.internal":    {"192.168.0.10"},
	})

	ok, _ := g.IsSafe(context.Background(), "https://public.example.com/article")
	assert.True(t, ok)

	// One internal answer blocks the whole host
	ok, reason := g.IsSafe(context.Background(), "https://rebound.example.com/")
	assert.False(t, ok)
	assert.Contains(t, reason, "10.0.0.5")

	ok, _ = g.IsSafe(context.Background(), "https://private.internal/")
	assert.False(t, ok)
}

func TestIsSafe_DNSFailureIsUnsafe(t *testing.T) {
	g := NewGuardWithResolver(&fakeResolver{err: fmt.Errorf("dns timeout")}, common.GetLogger())

	ok, reason := g.IsSafe(context.Background(), "https://unknown.example.com/")
	assert.False(t, ok)
	assert.Contains(t, reason, "DNS resolution failed")
}

func TestFilterSeeds(t *testing.T) {
	g := newTestGuard(map[string][]string{
		"example.com": {"93.184.216.34"},
	})

	safe, blocked := g.FilterSeeds(context.Background(), []string{
		"http://169.254.169.254/meta",
		"https://example.com",
	})
	require.Len(t, safe, 1)
	require.Len(t, blocked, 1)
	assert.Equal(t, "https://example.com", safe[0])
	assert.Equal(t, "http://169.254.169.254/meta", blocked[0])
}
