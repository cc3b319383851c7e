package fanout

import (
	"encoding/json"
	"testing"
)

func TestExcludeSender_RemovesOnlySender(t *testing.T) {
	members := []string{"did:plc:a#1", "did:plc:b#1", "did:plc:c#1"}
	got := excludeSender(members, "did:plc:b#1")
	want := []string{"did:plc:a#1", "did:plc:c#1"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestExcludeSender_SenderAbsent(t *testing.T) {
	members := []string{"did:plc:a#1", "did:plc:c#1"}
	got := excludeSender(members, "did:plc:z#1")
	if len(got) != 2 {
		t.Fatalf("expected all members retained, got %v", got)
	}
}

func TestPushPayload_OmitsCiphertextWhenNil(t *testing.T) {
	payload := PushPayload{ConvoID: "convo-1", MessageID: 42, Epoch: 3, Seq: 7, Alert: "New message"}
	encoded, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal error: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(encoded, &decoded); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if _, present := decoded["ciphertext"]; present {
		t.Fatalf("expected ciphertext omitted when nil, got %v", decoded)
	}
}

func TestPushPayload_IncludesCiphertextWhenSet(t *testing.T) {
	payload := PushPayload{ConvoID: "convo-1", MessageID: 42, Ciphertext: []byte("secret"), Epoch: 3, Seq: 7}
	encoded, _ := json.Marshal(payload)
	var decoded map[string]any
	if err := json.Unmarshal(encoded, &decoded); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if _, present := decoded["ciphertext"]; !present {
		t.Fatal("expected ciphertext present when set")
	}
}
