// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package longpoll

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/AleutianAI/Attune/services/mediator/datatypes"
)

// messageLog is a minimal committed-message source for tests.
type messageLog struct {
	mu   sync.Mutex
	msgs []datatypes.Message
}

func (l *messageLog) append(createdAt int64) datatypes.Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	msg := datatypes.Message{
		MessageID: fmt.Sprintf("msg-%d", createdAt),
		SessionID: "sess-1",
		Sender:    datatypes.SenderPartnerA,
		Content:   "hello",
		CreatedAt: createdAt,
	}
	l.msgs = append(l.msgs, msg)
	return msg
}

func (l *messageLog) fetch(_ context.Context, _ string, afterMs int64) ([]datatypes.Message, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []datatypes.Message
	for _, m := range l.msgs {
		if m.CreatedAt > afterMs {
			out = append(out, m)
		}
	}
	return out, nil
}

func testManager(log *messageLog, maxWaiters int) *Manager {
	return NewManager(log.fetch, Config{
		GlobalMaxWait:        2 * time.Second,
		MaxWaitersPerSession: maxWaiters,
		SweepInterval:        time.Hour, // sweep driven manually in tests
	})
}

func TestPoll_ImmediateMessages(t *testing.T) {
	log := &messageLog{}
	log.append(100)
	log.append(200)
	m := testManager(log, 4)

	res, err := m.Poll(context.Background(), "sess-1", "client-a", 0, time.Second)
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	if res.Kind != KindMessages {
		t.Fatalf("kind: got %d, want KindMessages", res.Kind)
	}
	if len(res.Messages) != 2 {
		t.Errorf("messages: got %d, want 2", len(res.Messages))
	}
	if res.Watermark != 200 {
		t.Errorf("watermark: got %d, want 200", res.Watermark)
	}
	if got := m.ActiveWaiters("sess-1"); got != 0 {
		t.Errorf("waiter leaked after immediate resolution: %d active", got)
	}
}

func TestPoll_WatermarkFiltersSeenMessages(t *testing.T) {
	log := &messageLog{}
	log.append(100)
	m := testManager(log, 4)

	// Everything at or before the watermark is already seen.
	res, err := m.Poll(context.Background(), "sess-1", "client-a", 100, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	if res.Kind != KindHeartbeat {
		t.Errorf("kind: got %d, want KindHeartbeat", res.Kind)
	}
	if res.Watermark != 100 {
		t.Errorf("heartbeat must not move the watermark: got %d", res.Watermark)
	}
}

func TestPoll_WakesOnDelivery(t *testing.T) {
	log := &messageLog{}
	m := testManager(log, 4)

	type pollOut struct {
		res Result
		err error
	}
	done := make(chan pollOut, 1)
	go func() {
		res, err := m.Poll(context.Background(), "sess-1", "client-a", 0, time.Second)
		done <- pollOut{res, err}
	}()

	// Wait for the waiter to park before delivering.
	deadline := time.Now().Add(time.Second)
	for m.ActiveWaiters("sess-1") == 0 {
		if time.Now().After(deadline) {
			t.Fatal("waiter never registered")
		}
		time.Sleep(time.Millisecond)
	}

	msg := log.append(500)
	m.Deliver("sess-1", msg)

	out := <-done
	if out.err != nil {
		t.Fatalf("Poll failed: %v", out.err)
	}
	if out.res.Kind != KindMessages || len(out.res.Messages) != 1 {
		t.Fatalf("got kind %d with %d messages, want one delivered message",
			out.res.Kind, len(out.res.Messages))
	}
	if out.res.Messages[0].CreatedAt != 500 {
		t.Errorf("delivered CreatedAt: got %d, want 500", out.res.Messages[0].CreatedAt)
	}
	if out.res.Watermark != 500 {
		t.Errorf("watermark: got %d, want 500", out.res.Watermark)
	}
}

func TestDeliver_FansOutToAllClients(t *testing.T) {
	log := &messageLog{}
	m := testManager(log, 8)

	const clients = 3
	results := make(chan Result, clients)
	var wg sync.WaitGroup
	for i := 0; i < clients; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := m.Poll(context.Background(), "sess-1",
				fmt.Sprintf("client-%d", i), 0, time.Second)
			if err != nil {
				t.Errorf("Poll failed: %v", err)
				return
			}
			results <- res
		}(i)
	}

	deadline := time.Now().Add(time.Second)
	for m.ActiveWaiters("sess-1") < clients {
		if time.Now().After(deadline) {
			t.Fatal("waiters never registered")
		}
		time.Sleep(time.Millisecond)
	}

	m.Deliver("sess-1", log.append(700))
	wg.Wait()
	close(results)

	delivered := 0
	for res := range results {
		if res.Kind == KindMessages {
			delivered++
		}
	}
	if delivered != clients {
		t.Errorf("delivered to %d clients, want %d", delivered, clients)
	}
}

func TestDeliver_SkipsWaitersPastTheWatermark(t *testing.T) {
	log := &messageLog{}
	m := testManager(log, 4)

	done := make(chan Result, 1)
	go func() {
		res, _ := m.Poll(context.Background(), "sess-1", "client-a", 900, 200*time.Millisecond)
		done <- res
	}()

	deadline := time.Now().Add(time.Second)
	for m.ActiveWaiters("sess-1") == 0 {
		if time.Now().After(deadline) {
			t.Fatal("waiter never registered")
		}
		time.Sleep(time.Millisecond)
	}

	// Older than the client's watermark: must not wake it.
	m.Deliver("sess-1", datatypes.Message{CreatedAt: 800})

	res := <-done
	if res.Kind != KindHeartbeat {
		t.Errorf("kind: got %d, want KindHeartbeat (stale delivery must not wake)", res.Kind)
	}
}

func TestPoll_WaiterOverflow(t *testing.T) {
	log := &messageLog{}
	m := testManager(log, 2)

	for i := 0; i < 2; i++ {
		go m.Poll(context.Background(), "sess-1", fmt.Sprintf("client-%d", i), 0, time.Second)
	}
	deadline := time.Now().Add(time.Second)
	for m.ActiveWaiters("sess-1") < 2 {
		if time.Now().After(deadline) {
			t.Fatal("waiters never registered")
		}
		time.Sleep(time.Millisecond)
	}

	_, err := m.Poll(context.Background(), "sess-1", "client-over", 0, time.Second)
	if err != ErrWaiterOverflow {
		t.Errorf("got %v, want ErrWaiterOverflow", err)
	}
}

func TestPoll_FullCeilingStillAnswersFromStore(t *testing.T) {
	log := &messageLog{}
	m := testManager(log, 2)

	for i := 0; i < 2; i++ {
		go m.Poll(context.Background(), "sess-1", fmt.Sprintf("client-%d", i), 500, time.Second)
	}
	deadline := time.Now().Add(time.Second)
	for m.ActiveWaiters("sess-1") < 2 {
		if time.Now().After(deadline) {
			t.Fatal("waiters never registered")
		}
		time.Sleep(time.Millisecond)
	}

	// A client whose watermark trails a committed message never needs a
	// waiter slot, so the full ceiling must not reject it.
	log.append(100)
	res, err := m.Poll(context.Background(), "sess-1", "client-behind", 0, time.Second)
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	if res.Kind != KindMessages {
		t.Errorf("kind: got %d, want KindMessages", res.Kind)
	}
	if res.Watermark != 100 {
		t.Errorf("watermark: got %d, want 100", res.Watermark)
	}
	if got := m.ActiveWaiters("sess-1"); got != 2 {
		t.Errorf("active waiters: got %d, want 2", got)
	}
}

func TestPoll_SameClientSupersedes(t *testing.T) {
	log := &messageLog{}
	m := testManager(log, 1)

	first := make(chan Result, 1)
	go func() {
		res, _ := m.Poll(context.Background(), "sess-1", "client-a", 0, time.Second)
		first <- res
	}()

	deadline := time.Now().Add(time.Second)
	for m.ActiveWaiters("sess-1") == 0 {
		if time.Now().After(deadline) {
			t.Fatal("waiter never registered")
		}
		time.Sleep(time.Millisecond)
	}

	// Same client again: replaces the parked waiter instead of tripping the
	// ceiling of one.
	second := make(chan Result, 1)
	go func() {
		res, err := m.Poll(context.Background(), "sess-1", "client-a", 0, 100*time.Millisecond)
		if err != nil {
			t.Errorf("superseding poll failed: %v", err)
		}
		second <- res
	}()

	res := <-first
	if res.Kind != KindHeartbeat {
		t.Errorf("superseded poll: got kind %d, want KindHeartbeat", res.Kind)
	}
	<-second
}

func TestPoll_ClientCancellation(t *testing.T) {
	log := &messageLog{}
	m := testManager(log, 4)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan Result, 1)
	go func() {
		res, _ := m.Poll(ctx, "sess-1", "client-a", 0, time.Second)
		done <- res
	}()

	deadline := time.Now().Add(time.Second)
	for m.ActiveWaiters("sess-1") == 0 {
		if time.Now().After(deadline) {
			t.Fatal("waiter never registered")
		}
		time.Sleep(time.Millisecond)
	}
	cancel()

	res := <-done
	if res.Kind != KindCancelled {
		t.Errorf("kind: got %d, want KindCancelled", res.Kind)
	}
	if got := m.ActiveWaiters("sess-1"); got != 0 {
		t.Errorf("cancelled waiter leaked: %d active", got)
	}
}

func TestNotifyBoundary(t *testing.T) {
	log := &messageLog{}
	m := testManager(log, 4)

	done := make(chan Result, 1)
	go func() {
		res, _ := m.Poll(context.Background(), "sess-1", "client-a", 0, time.Second)
		done <- res
	}()

	deadline := time.Now().Add(time.Second)
	for m.ActiveWaiters("sess-1") == 0 {
		if time.Now().After(deadline) {
			t.Fatal("waiter never registered")
		}
		time.Sleep(time.Millisecond)
	}

	m.NotifyBoundary("sess-1")
	res := <-done
	if res.Kind != KindBoundary {
		t.Errorf("kind: got %d, want KindBoundary", res.Kind)
	}
}

func TestSweepExpired(t *testing.T) {
	log := &messageLog{}
	m := testManager(log, 4)

	done := make(chan Result, 1)
	go func() {
		res, _ := m.Poll(context.Background(), "sess-1", "client-a", 0, 500*time.Millisecond)
		done <- res
	}()

	deadline := time.Now().Add(time.Second)
	for m.ActiveWaiters("sess-1") == 0 {
		if time.Now().After(deadline) {
			t.Fatal("waiter never registered")
		}
		time.Sleep(time.Millisecond)
	}

	if retired := m.SweepExpired(time.Now()); retired != 0 {
		t.Errorf("sweep before the deadline retired %d waiters", retired)
	}
	if retired := m.SweepExpired(time.Now().Add(time.Minute)); retired != 1 {
		t.Errorf("sweep after the deadline retired %d waiters, want 1", retired)
	}
	res := <-done
	if res.Kind != KindHeartbeat {
		t.Errorf("swept waiter: got kind %d, want KindHeartbeat", res.Kind)
	}
	if got := m.ActiveWaiters("sess-1"); got != 0 {
		t.Errorf("sweep left %d waiters", got)
	}
}

func TestRelease(t *testing.T) {
	log := &messageLog{}
	m := testManager(log, 4)

	done := make(chan Result, 2)
	for _, client := range []string{"client-a", "client-b"} {
		go func(client string) {
			res, _ := m.Poll(context.Background(), "sess-1", client, 0, time.Second)
			done <- res
		}(client)
	}

	deadline := time.Now().Add(time.Second)
	for m.ActiveWaiters("sess-1") < 2 {
		if time.Now().After(deadline) {
			t.Fatal("waiters never registered")
		}
		time.Sleep(time.Millisecond)
	}

	m.Release("sess-1")
	for i := 0; i < 2; i++ {
		res := <-done
		if res.Kind != KindHeartbeat {
			t.Errorf("released waiter: got kind %d, want KindHeartbeat", res.Kind)
		}
	}
}

func TestSweepLoop_StartStop(t *testing.T) {
	log := &messageLog{}
	m := testManager(log, 4)

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := m.Start(context.Background()); err == nil {
		t.Error("second Start should fail while the sweep is running")
	}
	m.Stop()
	m.Stop() // idempotent

	if err := m.Start(context.Background()); err != nil {
		t.Errorf("Start after Stop failed: %v", err)
	}
	m.Stop()
}
