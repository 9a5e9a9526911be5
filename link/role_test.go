package link

import (
	"errors"
	"testing"

	"github.com/jingcjie/WDCableWUI/models"
)

func TestDetermineRoleSameSubnet(t *testing.T) {
	role, err := DetermineRole("192.168.1.5", "192.168.1.200")
	if err != nil {
		t.Fatalf("DetermineRole failed: %v", err)
	}
	if role != models.RoleHost {
		t.Fatalf("expected host for smaller last octet, got %s", role)
	}

	role, err = DetermineRole("192.168.1.200", "192.168.1.5")
	if err != nil {
		t.Fatalf("DetermineRole failed: %v", err)
	}
	if role != models.RolePeer {
		t.Fatalf("expected peer for larger last octet, got %s", role)
	}
}

func TestDetermineRoleDifferentSubnet(t *testing.T) {
	role, err := DetermineRole("192.168.0.1", "10.1.2.77")
	if err != nil {
		t.Fatalf("DetermineRole failed: %v", err)
	}
	if role != models.RoleHost {
		t.Fatalf("expected host for last octet 1, got %s", role)
	}

	role, err = DetermineRole("10.1.2.77", "192.168.0.1")
	if err != nil {
		t.Fatalf("DetermineRole failed: %v", err)
	}
	if role != models.RolePeer {
		t.Fatalf("expected peer opposite a last octet of 1, got %s", role)
	}
}

func TestDetermineRoleMutuallyExclusive(t *testing.T) {
	pairs := []struct {
		a, b string
	}{
		{"192.168.1.5", "192.168.1.200"},
		{"192.168.1.2", "192.168.1.3"},
		{"192.168.0.1", "10.1.2.77"},
		{"172.16.4.9:8988", "172.16.4.30:51234"},
	}

	for _, pair := range pairs {
		roleA, err := DetermineRole(pair.a, pair.b)
		if err != nil {
			t.Fatalf("DetermineRole(%s, %s) failed: %v", pair.a, pair.b, err)
		}
		roleB, err := DetermineRole(pair.b, pair.a)
		if err != nil {
			t.Fatalf("DetermineRole(%s, %s) failed: %v", pair.b, pair.a, err)
		}
		if roleA == roleB {
			t.Errorf("pair %s / %s agreed on %s from both sides", pair.a, pair.b, roleA)
		}
		if roleA != models.RoleHost && roleB != models.RoleHost {
			t.Errorf("pair %s / %s produced no host", pair.a, pair.b)
		}
	}
}

func TestDetermineRoleStripsPorts(t *testing.T) {
	role, err := DetermineRole("192.168.1.4:8988", "192.168.1.9:54321")
	if err != nil {
		t.Fatalf("DetermineRole failed: %v", err)
	}
	if role != models.RoleHost {
		t.Fatalf("expected host, got %s", role)
	}
}

func TestDetermineRoleAcceptsMappedIPv6(t *testing.T) {
	role, err := DetermineRole("::ffff:192.168.1.4", "192.168.1.9")
	if err != nil {
		t.Fatalf("DetermineRole failed: %v", err)
	}
	if role != models.RoleHost {
		t.Fatalf("expected host, got %s", role)
	}
}

func TestDetermineRoleRejectsUnparsableAddresses(t *testing.T) {
	cases := []struct {
		name   string
		local  string
		remote string
	}{
		{"empty local", "", "192.168.1.9"},
		{"hostname", "gateway.local", "192.168.1.9"},
		{"plain ipv6 remote", "192.168.1.9", "fe80::1"},
		{"garbage", "not-an-address", "also-not"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := DetermineRole(tc.local, tc.remote); !errors.Is(err, ErrRoleUndetermined) {
				t.Fatalf("expected ErrRoleUndetermined, got %v", err)
			}
		})
	}
}
