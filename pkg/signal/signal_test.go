package signal

import (
	"sync"
	"testing"
	"time"
)

func TestAtomicSignalSetAndDone(t *testing.T) {
	s := NewAtomic()

	if s.IsSet() {
		t.Fatal("fresh signal is set")
	}
	select {
	case <-s.Done():
		t.Fatal("done channel closed before Set")
	default:
	}

	s.Set()
	s.Set() // idempotent

	if !s.IsSet() {
		t.Fatal("signal not set after Set")
	}
	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("done channel not closed after Set")
	}
}

func TestAtomicSignalReset(t *testing.T) {
	s := NewAtomic()
	s.Set()
	s.Reset()

	if s.IsSet() {
		t.Fatal("signal still set after Reset")
	}
	select {
	case <-s.Done():
		t.Fatal("done channel from before Reset still closed")
	default:
	}

	// Reusable after reset.
	s.Set()
	if !s.IsSet() {
		t.Fatal("signal not reusable after Reset")
	}
}

func TestAtomicSignalConcurrentSet(t *testing.T) {
	s := NewAtomic()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Set()
		}()
	}
	wg.Wait()

	if !s.IsSet() {
		t.Fatal("signal not set")
	}
}

func TestPolledSignalRequiresDelivery(t *testing.T) {
	s := NewPolled()

	s.Set()
	if s.IsSet() {
		t.Fatal("polled signal visible before delivery")
	}

	if !s.Deliver() {
		t.Fatal("Deliver() did not report a transition")
	}
	if !s.IsSet() {
		t.Fatal("signal not set after delivery")
	}
	if s.Deliver() {
		t.Fatal("second Deliver() reported a transition")
	}

	select {
	case <-s.Done():
	default:
		t.Fatal("done channel not closed after delivery")
	}
}

func TestPolledSignalDeliverWithoutSet(t *testing.T) {
	s := NewPolled()
	if s.Deliver() {
		t.Fatal("Deliver() transitioned without Set")
	}
	if s.IsSet() {
		t.Fatal("signal set without Set")
	}
}

func TestPolledSignalReset(t *testing.T) {
	s := NewPolled()
	s.Set()
	s.Deliver()
	s.Reset()

	if s.IsSet() {
		t.Fatal("signal still set after Reset")
	}
	s.Set()
	if !s.Deliver() {
		t.Fatal("signal not reusable after Reset")
	}
}
