package proxy

import (
	"context"
	"net"
	"testing"
	"time"

	"go.uber.org/zap"
)

func newTestProxy(t *testing.T) (*Proxy, context.CancelFunc) {
	t.Helper()
	p := NewProxy("127.0.0.1:0", zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	go p.Run(ctx)
	return p, cancel
}

func TestCheckAllowedDeniesUnregisteredSourceIP(t *testing.T) {
	p, cancel := newTestProxy(t)
	defer cancel()

	if err := p.checkAllowed("10.0.0.5", "example.com"); err == nil {
		t.Fatal("expected denial for unregistered source IP")
	}
}

func TestCheckAllowedEnforcesPerContainerList(t *testing.T) {
	p, cancel := newTestProxy(t)
	defer cancel()

	p.RegisterContainer("10.0.0.5", []string{"api.example.com"})
	time.Sleep(10 * time.Millisecond) // let Run drain the register channel

	if err := p.checkAllowed("10.0.0.5", "api.example.com"); err != nil {
		t.Fatalf("expected allow-listed host to pass, got %v", err)
	}
	if err := p.checkAllowed("10.0.0.5", "evil.example.com"); err == nil {
		t.Fatal("expected denial for a host not on the allow-list")
	}

	p.UnregisterContainer("10.0.0.5")
	time.Sleep(10 * time.Millisecond)

	if err := p.checkAllowed("10.0.0.5", "api.example.com"); err == nil {
		t.Fatal("expected denial after unregistering the container")
	}
}

func TestIsPrivateOrReservedCatchesSSRFTargets(t *testing.T) {
	cases := []struct {
		ip   string
		want bool
	}{
		{"127.0.0.1", true},
		{"169.254.169.254", true}, // cloud metadata endpoint
		{"10.1.2.3", true},
		{"8.8.8.8", false},
	}
	for _, c := range cases {
		if got := isPrivateOrReserved(net.ParseIP(c.ip)); got != c.want {
			t.Errorf("isPrivateOrReserved(%s) = %v, want %v", c.ip, got, c.want)
		}
	}
}
