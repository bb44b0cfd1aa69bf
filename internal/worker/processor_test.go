package worker

import (
	"context"
	"math/rand"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"refurb-tracker/internal/config"
	"refurb-tracker/internal/models"
)

func TestBackoffWithJitter(t *testing.T) {
	rand.Seed(1)
	base := time.Second
	max := 8 * time.Second

	b1 := backoffWithJitter(base, max, 1)
	if b1 < base/2 || b1 > max {
		t.Fatalf("backoff out of range: %s", b1)
	}

	b3 := backoffWithJitter(base, max, 3)
	if b3 < base || b3 > max {
		t.Fatalf("backoff out of range for attempt 3: %s", b3)
	}

	// The cap holds even for absurd attempt counts.
	b20 := backoffWithJitter(base, max, 20)
	if b20 > max {
		t.Fatalf("backoff exceeded cap: %s", b20)
	}
}

func TestDispatchUnknownKind(t *testing.T) {
	p := NewProcessor(config.Config{}, nil, nil, zap.NewNop())
	err := p.dispatch(context.Background(), models.Effect{ID: "e1", Kind: "mystery"})
	if err == nil || !strings.Contains(err.Error(), "mystery") {
		t.Fatalf("expected unknown-kind error, got %v", err)
	}
}

func TestRegisterHandlerIgnoresNil(t *testing.T) {
	p := NewProcessor(config.Config{}, nil, nil, zap.NewNop())
	p.RegisterHandler("", func(context.Context, models.Effect) error { return nil })
	p.RegisterHandler("x", nil)
	if len(p.handlers) != 0 {
		t.Fatalf("expected no handlers registered, got %d", len(p.handlers))
	}
}

func TestMapVendorStatus(t *testing.T) {
	cases := map[string]string{
		"pass":    models.ResultPass,
		"passed":  models.ResultPass,
		"fail":    models.ResultFail,
		"skipped": models.ResultSkip,
		"weird":   models.ResultPending,
	}
	for in, want := range cases {
		if got := mapVendorStatus(in); got != want {
			t.Fatalf("mapVendorStatus(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSignPayloadIsDeterministic(t *testing.T) {
	body := []byte(`{"event":"job.completed"}`)
	a := SignPayload(body, "secret")
	b := SignPayload(body, "secret")
	if a != b {
		t.Fatalf("signatures differ: %s vs %s", a, b)
	}
	if a == SignPayload(body, "other") {
		t.Fatal("different secrets must produce different signatures")
	}
	if len(a) != 64 {
		t.Fatalf("signature length = %d, want 64 hex chars", len(a))
	}
}
