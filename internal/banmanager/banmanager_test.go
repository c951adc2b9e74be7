package banmanager

import (
	"testing"
	"time"
)

func TestCanonicalKey(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"203.0.113.7", "203.0.113.7"},
		{"2001:db8:abcd::1", "2001:db8:abcd::/48"},
		{"2001:db8:abcd:ffff::2", "2001:db8:abcd::/48"},
		{"not-an-ip", "not-an-ip"},
	}
	for _, c := range cases {
		if got := CanonicalKey(c.in); got != c.want {
			t.Errorf("CanonicalKey(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestRecordFailure_BansAfterThreshold(t *testing.T) {
	m := New(5, time.Hour)
	id := "198.51.100.9"

	for i := 0; i < 4; i++ {
		m.RecordFailure(id)
		if m.IsBanned(id) {
			t.Fatalf("banned too early after %d failures", i+1)
		}
	}
	m.RecordFailure(id)
	if !m.IsBanned(id) {
		t.Fatal("expected ban after 5th failure")
	}
}

func TestIPv6SlashFortyEightAggregation(t *testing.T) {
	m := New(5, time.Hour)
	m.RecordFailure("2001:db8:abcd::1")
	for i := 0; i < 4; i++ {
		m.RecordFailure("2001:db8:abcd:ffff::2")
	}
	if !m.IsBanned("2001:db8:abcd::1") {
		t.Fatal("expected /48 network to be banned")
	}
	if !m.IsBanned("2001:db8:abcd:1234::9") {
		t.Fatal("expected any address within the /48 to be banned")
	}
}

func TestResetFailures(t *testing.T) {
	m := New(5, time.Hour)
	id := "203.0.113.7"
	m.RecordFailure(id)
	m.RecordFailure(id)

	m.ResetFailures(id)

	if got := m.GetFailureCount(id); got != 0 {
		t.Errorf("GetFailureCount after reset = %d, want 0", got)
	}
	if m.IsBanned(id) {
		t.Fatal("reset must not affect an existing ban, but there was none here either way")
	}
}

func TestFailureWindowExpiry(t *testing.T) {
	m := New(5, 10*time.Millisecond)
	id := "203.0.113.7"
	m.RecordFailure(id)
	m.RecordFailure(id)

	time.Sleep(20 * time.Millisecond)

	if got := m.GetFailureCount(id); got != 0 {
		t.Errorf("GetFailureCount after window expiry = %d, want 0", got)
	}

	m.RecordFailure(id)
	if got := m.GetFailureCount(id); got != 1 {
		t.Errorf("GetFailureCount after expiry+1 failure = %d, want 1", got)
	}
}

func TestClientIdentifier(t *testing.T) {
	cases := []struct {
		peer, realIP, xff, want string
	}{
		{"8.8.8.8", "", "", "8.8.8.8"},
		{"10.0.0.1", "203.0.113.5", "", "203.0.113.5"},
		{"10.0.0.1", "", "203.0.113.6, 10.0.0.2", "203.0.113.6"},
		{"10.0.0.1", "", "", "10.0.0.1"},
	}
	for _, c := range cases {
		if got := ClientIdentifier(c.peer, c.realIP, c.xff); got != c.want {
			t.Errorf("ClientIdentifier(%q,%q,%q) = %q, want %q", c.peer, c.realIP, c.xff, got, c.want)
		}
	}
}
