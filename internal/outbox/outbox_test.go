package outbox

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"gudangkas/backend/internal/domain"
)

func sampleMovement(receiptID string) domain.CashMovement {
	return domain.CashMovement{
		ID:        "mov-" + receiptID,
		SessionID: "cbx-1",
		Amount:    decimal.RequireFromString("45.5"),
		Direction: domain.CashIn,
		Source:    domain.CashSourcePayment,
		ReceiptID: receiptID,
		UserID:    "kasir",
	}
}

func exerciseSpool(t *testing.T, spool Spool) {
	t.Helper()
	ctx := context.Background()

	first, err := spool.Enqueue(ctx, sampleMovement("rcp-1"), "connection refused")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	second, err := spool.Enqueue(ctx, sampleMovement("rcp-2"), "timeout")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	pending, err := spool.Pending(ctx, 10)
	if err != nil || len(pending) != 2 {
		t.Fatalf("expected 2 pending entries, got %d (%v)", len(pending), err)
	}
	if !pending[0].Movement.Amount.Equal(decimal.RequireFromString("45.5")) {
		t.Fatalf("expected movement payload to round-trip, got %+v", pending[0].Movement)
	}

	now := time.Now().UTC()
	if err := spool.MarkPosted(ctx, first.ID, now); err != nil {
		t.Fatalf("mark posted: %v", err)
	}
	if err := spool.MarkFailed(ctx, second.ID, "session closed", true, now); err != nil {
		t.Fatalf("mark failed: %v", err)
	}

	pending, _ = spool.Pending(ctx, 10)
	if len(pending) != 0 {
		t.Fatalf("expected no pending entries, got %+v", pending)
	}
	dead, _ := spool.List(ctx, StatusDead, 10)
	if len(dead) != 1 || dead[0].Attempts != 1 || dead[0].LastError != "session closed" {
		t.Fatalf("unexpected dead entries: %+v", dead)
	}
	all, _ := spool.List(ctx, "", 10)
	if len(all) != 2 {
		t.Fatalf("expected 2 entries overall, got %d", len(all))
	}

	if err := spool.MarkPosted(ctx, "obx-missing", now); !errors.Is(err, ErrEntryNotFound) {
		t.Fatalf("expected ErrEntryNotFound, got %v", err)
	}
}

func TestMemorySpool(t *testing.T) {
	exerciseSpool(t, NewMemorySpool())
}

func TestSQLiteSpool(t *testing.T) {
	spool, err := OpenSQLite(filepath.Join(t.TempDir(), "outbox", "spool.db"))
	if err != nil {
		t.Fatalf("open sqlite spool: %v", err)
	}
	t.Cleanup(func() { _ = spool.Close() })

	exerciseSpool(t, spool)
}

func TestFailedEntryStaysPendingUntilDead(t *testing.T) {
	spool := NewMemorySpool()
	ctx := context.Background()
	entry, _ := spool.Enqueue(ctx, sampleMovement("rcp-3"), "")

	_ = spool.MarkFailed(ctx, entry.ID, "db busy", false, time.Now())
	pending, _ := spool.Pending(ctx, 0)
	if len(pending) != 1 || pending[0].Attempts != 1 {
		t.Fatalf("expected entry to remain pending with one attempt, got %+v", pending)
	}
}
