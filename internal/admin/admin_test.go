package admin

import (
	"bytes"
	"context"
	"testing"

	"github.com/amityvox/deliveryservice/internal/dserr"
)

func TestSubmitReport_RejectsSelfReport(t *testing.T) {
	s := New(nil, nil)
	_, err := s.SubmitReport(context.Background(), "convo-1", "did:plc:a#1", "did:plc:a#1", "spam", nil)
	if err == nil {
		t.Fatal("expected error for self-report")
	}
	derr, ok := dserr.As(err)
	if !ok || derr.Kind != dserr.KindBadRequest {
		t.Fatalf("expected BadRequest, got %v", err)
	}
}

func TestSubmitReport_RejectsOversizedContent(t *testing.T) {
	s := New(nil, nil)
	oversized := bytes.Repeat([]byte("a"), defaultMaxEncryptedContentLen+1)
	_, err := s.SubmitReport(context.Background(), "convo-1", "did:plc:a#1", "did:plc:b#1", "spam", oversized)
	if err == nil {
		t.Fatal("expected error for oversized encrypted_content")
	}
	derr, ok := dserr.As(err)
	if !ok || derr.Kind != dserr.KindBadRequest {
		t.Fatalf("expected BadRequest, got %v", err)
	}
}

func TestPrecheckBlocks_SkipsQueryForSingleDID(t *testing.T) {
	s := New(nil, nil)
	blocks, err := s.PrecheckBlocks(context.Background(), []string{"did:plc:a#1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if blocks != nil {
		t.Fatalf("expected nil blocks for fewer than two distinct DIDs, got %v", blocks)
	}
}

func TestPrecheckBlocks_DedupesDevicesOfSameUser(t *testing.T) {
	s := New(nil, nil)
	// Two credential DIDs belonging to the same user DID should collapse to
	// a single entry, leaving fewer than two distinct user DIDs and skipping
	// the query entirely rather than hitting a nil pool.
	blocks, err := s.PrecheckBlocks(context.Background(), []string{"did:plc:a#1", "did:plc:a#2"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if blocks != nil {
		t.Fatalf("expected nil blocks after dedup, got %v", blocks)
	}
}
