package eventbus

import (
	"sync"
	"testing"
	"time"

	"github.com/tornadogo/mixer-indexer/internal/store"
)

func TestBus_SubscribeAndPublish(t *testing.T) {
	bus := New()
	defer bus.Close()

	received := make(chan Event, 10)
	bus.Subscribe(Deposit, received)

	d := store.Deposit{LeafIndex: 3}
	bus.Publish(Event{
		Kind:        Deposit,
		BlockNumber: 100,
		Timestamp:   time.Now(),
		Deposit:     &d,
	})

	select {
	case evt := <-received:
		if evt.Kind != Deposit {
			t.Errorf("expected Deposit, got %s", evt.Kind)
		}
		if evt.BlockNumber != 100 {
			t.Errorf("expected block 100, got %d", evt.BlockNumber)
		}
		if evt.Deposit == nil || evt.Deposit.LeafIndex != 3 {
			t.Errorf("expected deposit leaf_index 3, got %+v", evt.Deposit)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestBus_MultipleSubscribers(t *testing.T) {
	bus := New()
	defer bus.Close()

	ch1 := make(chan Event, 10)
	ch2 := make(chan Event, 10)
	bus.Subscribe(Deposit, ch1)
	bus.Subscribe(Deposit, ch2)

	bus.Publish(Event{Kind: Deposit, BlockNumber: 1})

	for _, ch := range []chan Event{ch1, ch2} {
		select {
		case <-ch:
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive event")
		}
	}
}

func TestBus_KindFiltering(t *testing.T) {
	bus := New()
	defer bus.Close()

	depositCh := make(chan Event, 10)
	withdrawalCh := make(chan Event, 10)
	bus.Subscribe(Deposit, depositCh)
	bus.Subscribe(Withdrawal, withdrawalCh)

	bus.Publish(Event{Kind: Deposit, BlockNumber: 1})

	select {
	case <-depositCh:
	case <-time.After(time.Second):
		t.Fatal("deposit subscriber did not receive event")
	}

	select {
	case <-withdrawalCh:
		t.Fatal("withdrawal subscriber should NOT receive a deposit event")
	case <-time.After(50 * time.Millisecond):
		// good
	}
}

func TestBus_PublishBatch(t *testing.T) {
	bus := New()
	defer bus.Close()

	received := make(chan Event, 100)
	bus.Subscribe(Deposit, received)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(h uint64) {
			defer wg.Done()
			bus.Publish(Event{Kind: Deposit, BlockNumber: h})
		}(uint64(i))
	}
	wg.Wait()

	time.Sleep(100 * time.Millisecond)
	if len(received) != 50 {
		t.Errorf("expected 50 events, got %d", len(received))
	}
}

func TestBus_PublishAfterCloseIsNoop(t *testing.T) {
	bus := New()
	received := make(chan Event, 1)
	bus.Subscribe(Withdrawal, received)

	bus.Close()
	bus.Publish(Event{Kind: Withdrawal, BlockNumber: 1})

	select {
	case <-received:
		t.Fatal("Publish after Close should be a no-op")
	case <-time.After(50 * time.Millisecond):
		// good
	}
}
