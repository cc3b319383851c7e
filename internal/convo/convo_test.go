package convo

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/amityvox/deliveryservice/internal/dserr"
	"github.com/amityvox/deliveryservice/internal/models"
)

func TestPublishKeyPackage_RejectsEmpty(t *testing.T) {
	s := New(nil, nil, nil)
	_, err := s.PublishKeyPackage(context.Background(), "did:plc:a#1", "MLS_128_DHKEMX25519", nil, time.Now().Add(time.Hour))
	if err == nil {
		t.Fatal("expected error for empty key package")
	}
	derr, ok := dserr.As(err)
	if !ok || derr.Kind != dserr.KindBadRequest {
		t.Fatalf("expected BadRequest, got %v", err)
	}
}

func TestPublishKeyPackage_RejectsOversized(t *testing.T) {
	s := New(nil, nil, nil)
	oversized := bytes.Repeat([]byte("a"), MaxKeyPackageSize+1)
	_, err := s.PublishKeyPackage(context.Background(), "did:plc:a#1", "MLS_128_DHKEMX25519", oversized, time.Now().Add(time.Hour))
	if err == nil {
		t.Fatal("expected error for oversized key package")
	}
}

func TestGetKeyPackages_RejectsEmptyRequest(t *testing.T) {
	s := New(nil, nil, nil)
	_, err := s.GetKeyPackages(context.Background(), nil)
	if err == nil {
		t.Fatal("expected error for empty request")
	}
}

func TestGetKeyPackages_RejectsOversizedBatch(t *testing.T) {
	s := New(nil, nil, nil)
	dids := make([]string, MaxKeyPackageBatch+1)
	for i := range dids {
		dids[i] = "did:plc:a#1"
	}
	_, err := s.GetKeyPackages(context.Background(), dids)
	if err == nil {
		t.Fatal("expected error for oversized batch")
	}
}

func TestDeliverWelcome_RejectsEmptyData(t *testing.T) {
	s := New(nil, nil, nil)
	err := s.DeliverWelcome(context.Background(), "convo-1", "did:plc:b#1", nil)
	if err == nil {
		t.Fatal("expected error for empty welcome data")
	}
}

func TestRegisterDevice_RejectsMissingSignatureKey(t *testing.T) {
	s := New(nil, nil, nil)
	_, _, _, err := s.RegisterDevice(context.Background(), "did:plc:a", "phone", nil, nil)
	if err == nil {
		t.Fatal("expected error for missing signature_public_key")
	}
}

func TestGroupInfoCache_Expired(t *testing.T) {
	now := time.Now()
	fresh := models.GroupInfoCache{UpdatedAt: now.Add(-time.Minute)}
	if fresh.Expired(now) {
		t.Fatal("expected cache within TTL to not be expired")
	}
	stale := models.GroupInfoCache{UpdatedAt: now.Add(-10 * time.Minute)}
	if !stale.Expired(now) {
		t.Fatal("expected cache older than TTL to be expired")
	}
}
