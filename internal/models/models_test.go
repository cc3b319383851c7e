package models

import (
	"testing"
	"time"
)

func TestUserDIDOf(t *testing.T) {
	tests := []struct {
		name          string
		credentialDID string
		want          string
	}{
		{"with device fragment", "did:plc:abc123#device-1", "did:plc:abc123"},
		{"with web DID and fragment", "did:web:example.com#device-2", "did:web:example.com"},
		{"no fragment", "did:plc:abc123", "did:plc:abc123"},
		{"empty", "", ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := UserDIDOf(tc.credentialDID); got != tc.want {
				t.Errorf("UserDIDOf(%q) = %q, want %q", tc.credentialDID, got, tc.want)
			}
		})
	}
}

func TestDeviceIDOf(t *testing.T) {
	tests := []struct {
		name          string
		credentialDID string
		want          string
	}{
		{"with device fragment", "did:plc:abc123#device-1", "device-1"},
		{"no fragment", "did:plc:abc123", ""},
		{"empty", "", ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := DeviceIDOf(tc.credentialDID); got != tc.want {
				t.Errorf("DeviceIDOf(%q) = %q, want %q", tc.credentialDID, got, tc.want)
			}
		})
	}
}

func TestKeyPackage_Expired(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name      string
		expiresAt time.Time
		at        time.Time
		expired   bool
	}{
		{"not yet expired", now.Add(time.Hour), now, false},
		{"expired", now.Add(-time.Hour), now, true},
		{"exactly at expiry", now, now, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			k := KeyPackage{ExpiresAt: tc.expiresAt}
			if got := k.Expired(tc.at); got != tc.expired {
				t.Errorf("Expired() = %v, want %v", got, tc.expired)
			}
		})
	}
}

func TestMembership_Active(t *testing.T) {
	left := time.Now()
	if !(Membership{}).Active() {
		t.Error("membership with nil LeftAt should be active")
	}
	if (Membership{LeftAt: &left}).Active() {
		t.Error("membership with set LeftAt should not be active")
	}
}

func TestBucketTimestamp_FloorsToInterval(t *testing.T) {
	t1 := time.Date(2026, 1, 1, 12, 0, 1, 500_000_000, time.UTC)
	bucketed := BucketTimestamp(t1)
	if bucketed.Nanosecond() != 0 {
		t.Fatalf("bucketed timestamp should have zero sub-second component, got %v", bucketed)
	}
	if bucketed.Sub(t1) > 0 {
		t.Fatalf("bucketed timestamp %v should not be after input %v", bucketed, t1)
	}
	if t1.Sub(bucketed) >= BucketInterval {
		t.Fatalf("bucketed timestamp %v too far before input %v", bucketed, t1)
	}
}

func TestBucketTimestamp_Deterministic(t *testing.T) {
	base := time.Date(2026, 1, 1, 12, 0, 1, 100_000_000, time.UTC)
	near := time.Date(2026, 1, 1, 12, 0, 1, 900_000_000, time.UTC)
	if !BucketTimestamp(base).Equal(BucketTimestamp(near)) {
		t.Fatalf("timestamps in the same %v window should bucket identically", BucketInterval)
	}
}

func TestPaddedSize(t *testing.T) {
	tests := []struct {
		declared int
		want     int
	}{
		{0, 1},
		{1, 1},
		{2, 2},
		{3, 4},
		{5, 8},
		{1000, 1024},
		{1 << 20, 1 << 20},
		{(1 << 24) + 1, 1 << 24}, // capped at MaxPaddedSizeExponent
	}
	for _, tc := range tests {
		if got := PaddedSize(tc.declared); got != tc.want {
			t.Errorf("PaddedSize(%d) = %d, want %d", tc.declared, got, tc.want)
		}
	}
}

func TestPaddedSize_NeverSmallerThanDeclared(t *testing.T) {
	for _, declared := range []int{1, 7, 100, 4095, 70000} {
		got := PaddedSize(declared)
		if got < declared {
			t.Errorf("PaddedSize(%d) = %d, smaller than input", declared, got)
		}
	}
}

func TestEventKindConstants(t *testing.T) {
	kinds := []EventKind{
		EventMessageReceived, EventCommitProcessed, EventMembershipChanged,
		EventMembershipConflict, EventAdminChanged, EventReportSubmitted,
		EventWelcomeAvailable, EventRejoinRequested,
	}
	seen := make(map[EventKind]bool)
	for _, k := range kinds {
		if k == "" {
			t.Error("event kind constant is empty")
		}
		if seen[k] {
			t.Errorf("duplicate event kind: %s", k)
		}
		seen[k] = true
	}
}
