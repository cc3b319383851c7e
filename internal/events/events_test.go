package events

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/amityvox/deliveryservice/internal/models"
)

func TestSubjectFor(t *testing.T) {
	got := subjectFor("convo-1")
	if !strings.HasPrefix(got, SubjectPrefix) {
		t.Errorf("subjectFor(%q) = %q, want prefix %q", "convo-1", got, SubjectPrefix)
	}
	if !strings.HasSuffix(got, "convo-1") {
		t.Errorf("subjectFor(%q) = %q, want suffix %q", "convo-1", got, "convo-1")
	}
}

func TestEventStreamEntry_JSONRoundtrip(t *testing.T) {
	payload, _ := json.Marshal(map[string]string{"added": "did:plc:abc#dev1"})
	entry := models.EventStreamEntry{
		Cursor:  models.NewULID(),
		ConvoID: "convo-1",
		Kind:    models.EventMembershipChanged,
		Payload: payload,
	}

	encoded, err := json.Marshal(entry)
	if err != nil {
		t.Fatalf("marshal error: %v", err)
	}

	var decoded models.EventStreamEntry
	if err := json.Unmarshal(encoded, &decoded); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if decoded.Cursor.String() != entry.Cursor.String() {
		t.Errorf("cursor = %s, want %s", decoded.Cursor, entry.Cursor)
	}
	if decoded.Kind != models.EventMembershipChanged {
		t.Errorf("kind = %s, want %s", decoded.Kind, models.EventMembershipChanged)
	}
}
