package actor

import (
	"testing"
	"time"

	"github.com/amityvox/deliveryservice/internal/models"
)

func TestLoadStateFromRows_SkipsLeftMembers(t *testing.T) {
	left := time.Now().Add(-time.Hour)
	rows := []models.Membership{
		{MemberMLSDID: "did:a#1", IsAdmin: true, UnreadCount: 2},
		{MemberMLSDID: "did:b#1", LeftAt: &left},
		{MemberMLSDID: "did:c#1", UnreadCount: 5},
	}

	st := loadStateFromRows(rows, 4, 11)

	if st.currentEpoch != 4 || st.nextSeq != 11 {
		t.Fatalf("unexpected epoch/seq: %+v", st)
	}
	if st.activeCount() != 2 {
		t.Fatalf("activeCount = %d, want 2", st.activeCount())
	}
	if !st.activeMembers["did:a#1"] || !st.activeMembers["did:c#1"] {
		t.Fatal("expected did:a#1 and did:c#1 to be active")
	}
	if st.activeMembers["did:b#1"] {
		t.Fatal("did:b#1 has left and must not be active")
	}
	if !st.adminMembers["did:a#1"] {
		t.Fatal("expected did:a#1 to be admin")
	}
	if st.unreadCounts["did:c#1"] != 5 {
		t.Fatalf("unreadCounts[did:c#1] = %d, want 5", st.unreadCounts["did:c#1"])
	}
}

func TestLoadStateFromRows_EmptyConversation(t *testing.T) {
	st := loadStateFromRows(nil, 0, 1)
	if st.activeCount() != 0 {
		t.Fatalf("activeCount = %d, want 0", st.activeCount())
	}
}
