package service

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/MorseWayne/tyre_ledger/internal/domain"
)

func newTestMovement() *domain.MovementRecord {
	return domain.NewMovement("tyre-a", -2, domain.ReasonFulfilled, domain.ReferenceFulfillment, "order-1", "", nil)
}

func TestMovementRecorder_Record(t *testing.T) {
	tests := []struct {
		name      string
		failures  int
		spoolErr  error
		noSpool   bool
		wantErr   bool
		wantSaved int
		wantSpool int
	}{
		{name: "direct append", failures: 0, wantSaved: 1},
		{name: "retry succeeds", failures: 2, wantSaved: 1},
		{name: "spooled after retries", failures: -1, wantSpool: 1},
		{name: "spool rejects", failures: -1, spoolErr: ErrSpoolFull, wantErr: true},
		{name: "no spool configured", failures: -1, noSpool: true, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			movements := newMockMovementRepository()
			movements.setFailures(tt.failures)
			spool := &mockSpool{err: tt.spoolErr}

			var recorder *MovementRecorder
			if tt.noSpool {
				recorder = NewMovementRecorder(movements, nil, 3, 0, zap.NewNop())
			} else {
				recorder = NewMovementRecorder(movements, spool, 3, 0, zap.NewNop())
			}

			err := recorder.Record(context.Background(), newTestMovement())
			if (err != nil) != tt.wantErr {
				t.Fatalf("Record() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got := movements.count(); got != tt.wantSaved {
				t.Errorf("saved movements = %d, want %d", got, tt.wantSaved)
			}
			if got := len(spool.items); got != tt.wantSpool {
				t.Errorf("spooled movements = %d, want %d", got, tt.wantSpool)
			}
		})
	}
}

func TestMovementRecorder_CanceledContext(t *testing.T) {
	movements := newMockMovementRepository()
	recorder := NewMovementRecorder(movements, nil, 1, 0, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := recorder.Record(ctx, newTestMovement()); err != nil {
		t.Fatalf("Record() with canceled context error = %v", err)
	}
	if movements.count() != 1 {
		t.Errorf("movement not saved after request cancellation")
	}
}

func TestMemorySpool_Replay(t *testing.T) {
	movements := newMockMovementRepository()
	movements.setFailures(2)
	spool := NewMemorySpool(movements, 4, 5*time.Millisecond, zap.NewNop())

	m := newTestMovement()
	if err := spool.Enqueue(context.Background(), m); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	// 同一条流水重复入队，写入按 ID 去重
	if err := spool.Enqueue(context.Background(), m); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		spool.Run(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for spool.Replayed() < 2 {
		select {
		case <-deadline:
			t.Fatalf("spool did not replay in time, replayed=%d", spool.Replayed())
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	<-done

	if movements.count() != 1 {
		t.Errorf("saved movements = %d, want 1", movements.count())
	}
	if spool.Len() != 0 {
		t.Errorf("pending = %d, want 0", spool.Len())
	}
}

func TestMemorySpool_Full(t *testing.T) {
	spool := NewMemorySpool(newMockMovementRepository(), 1, time.Millisecond, zap.NewNop())

	if err := spool.Enqueue(context.Background(), newTestMovement()); err != nil {
		t.Fatalf("first Enqueue() error = %v", err)
	}
	if err := spool.Enqueue(context.Background(), newTestMovement()); err != ErrSpoolFull {
		t.Errorf("second Enqueue() error = %v, want %v", err, ErrSpoolFull)
	}
}
