package moqt

import (
	"context"
	"testing"
	"time"
)

func TestBroadcastInsertAndSubscribe(t *testing.T) {
	producer, _ := Broadcast{Path: "test"}.Produce()

	track1w, track1r := Track{Name: "track1"}.Produce()
	producer.Insert(track1r)
	track1w.AppendGroup().Finish()

	consumer := producer.Consume()

	sub1 := consumer.Subscribe(Track{Name: "track1"})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := sub1.NextGroup(ctx); err != nil {
		t.Fatalf("expected a group, got %v", err)
	}

	track2w, track2r := Track{Name: "track2"}.Produce()
	producer.Insert(track2r)

	consumer2 := producer.Consume()
	sub2 := consumer2.Subscribe(Track{Name: "track2"})

	noGroupCtx, cancel2 := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel2()
	if _, err := sub2.NextGroup(noGroupCtx); err == nil {
		t.Fatalf("expected no group yet")
	}

	track2w.AppendGroup().Finish()
	if _, err := sub2.NextGroup(ctx); err != nil {
		t.Fatalf("expected a group after append, got %v", err)
	}
}

func TestBroadcastUnused(t *testing.T) {
	producer, _ := Broadcast{Path: "test"}.Produce()

	unusedCtx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	if err := producer.Unused(unusedCtx); err != nil {
		t.Fatalf("should start unused: %v", err)
	}
	cancel()

	consumer1 := producer.Consume()

	busyCtx, busyCancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	if err := producer.Unused(busyCtx); err == nil {
		t.Fatalf("should be used while a consumer is open")
	}
	busyCancel()

	consumer2 := consumer1.Clone()
	consumer1.Close()

	busyCtx2, busyCancel2 := context.WithTimeout(context.Background(), 10*time.Millisecond)
	if err := producer.Unused(busyCtx2); err == nil {
		t.Fatalf("closing one of two handles should not make it unused")
	}
	busyCancel2()

	consumer2.Close()

	doneCtx, doneCancel := context.WithTimeout(context.Background(), time.Second)
	defer doneCancel()
	if err := producer.Unused(doneCtx); err != nil {
		t.Fatalf("should become unused once every handle closes: %v", err)
	}
}

func TestBroadcastClosed(t *testing.T) {
	producer, _ := Broadcast{Path: "test"}.Produce()
	consumer := producer.Consume()

	track1w, track1r := Track{Name: "track1"}.Produce()
	track1w.AppendGroup().Finish()
	producer.Insert(track1r)

	sub1 := consumer.Subscribe(Track{Name: "track1"})
	sub2 := consumer.Subscribe(Track{Name: "track2"})

	producer.Finish()

	closedCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := consumer.Closed(closedCtx); err != nil {
		t.Fatalf("broadcast should be closed after Finish: %v", err)
	}

	shortCtx, shortCancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer shortCancel()
	if _, err := sub1.NextGroup(shortCtx); err != nil {
		t.Fatalf("track1 already had a group published before Finish: %v", err)
	}

	noGroupCtx, noGroupCancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer noGroupCancel()
	if _, err := sub2.NextGroup(noGroupCtx); err == nil {
		t.Fatalf("track2 was never published and should never produce a group")
	}
}

// TestBroadcastClosedSubscribeTerminatesImmediately covers spec §4.4 step 2:
// subscribing to an unpublished track on an already-closed broadcast must
// return a dead consumer right away, not one that only ends once some
// unrelated timeout elapses. The context carries no deadline at all, so the
// test can only pass via ErrNotFound surfacing from NextGroup itself.
func TestBroadcastClosedSubscribeTerminatesImmediately(t *testing.T) {
	producer, consumer := Broadcast{Path: "test"}.Produce()
	producer.Finish()

	sub := consumer.Subscribe(Track{Name: "never-published"})

	done := make(chan error, 1)
	go func() {
		_, err := sub.NextGroup(context.Background())
		done <- err
	}()

	select {
	case err := <-done:
		if err == nil {
			t.Fatalf("expected a dead consumer on a closed broadcast, got a group")
		}
	case <-time.After(time.Second):
		t.Fatalf("subscribing to a closed broadcast should terminate immediately, not hang")
	}
}

// TestBroadcastFinishAbortsOutstandingRequests covers the other half of the
// same bug: a request already pending when Finish runs must be aborted right
// then, not left to its own DefaultTrackRequestTimeout (which in production
// never even fires, since Finish clears the pending map dropPending checks).
func TestBroadcastFinishAbortsOutstandingRequests(t *testing.T) {
	producer, consumer := Broadcast{Path: "test"}.Produce()

	sub := consumer.Subscribe(Track{Name: "unknown"})
	producer.Finish()

	done := make(chan error, 1)
	go func() {
		_, err := sub.NextGroup(context.Background())
		done <- err
	}()

	select {
	case err := <-done:
		if err == nil {
			t.Fatalf("expected the pending request to be aborted by Finish")
		}
	case <-time.After(time.Second):
		t.Fatalf("Finish should abort outstanding requests immediately, not hang")
	}
}

func TestBroadcastRequestedDedup(t *testing.T) {
	producer, consumer := Broadcast{Path: "test"}.Produce()

	sub1 := consumer.Subscribe(Track{Name: "unknown"})
	sub2 := consumer.Subscribe(Track{Name: "unknown"})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	tw := producer.Requested(ctx)
	if tw == nil {
		t.Fatalf("expected a pending request")
	}
	tw.AppendGroup().Finish()

	if _, err := sub1.NextGroup(ctx); err != nil {
		t.Fatalf("sub1 should see the fulfilled request: %v", err)
	}
	if _, err := sub2.NextGroup(ctx); err != nil {
		t.Fatalf("sub2 should see the same fulfilled request: %v", err)
	}
}

func TestBroadcastRequestTimeout(t *testing.T) {
	producer, consumer := Broadcast{Path: "test"}.Produce()
	_ = producer

	sub := consumer.Subscribe(Track{Name: "never-arrives"})

	deadline := DefaultTrackRequestTimeout
	_ = deadline
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := sub.NextGroup(ctx); err == nil {
		t.Fatalf("expected no group before the request timeout elapses")
	}
}
