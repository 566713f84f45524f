package eventq

import (
	"context"
	"testing"
)

func TestOfferSendsWhenSpace(t *testing.T) {
	ch := make(chan int, 1)
	if !Offer(ch, 42) {
		t.Fatal("expected send to succeed")
	}
	if got := <-ch; got != 42 {
		t.Fatalf("got %d, want 42", got)
	}
}

func TestOfferDropsWhenFull(t *testing.T) {
	ch := make(chan int, 1)
	ch <- 1
	if Offer(ch, 2) {
		t.Fatal("expected send to be dropped")
	}
}

func TestOfferClosedChannel(t *testing.T) {
	ch := make(chan int)
	close(ch)
	if Offer(ch, 1) {
		t.Fatal("expected send to closed channel to report false")
	}
}

func TestOfferContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ch := make(chan int, 1)
	if OfferContext(ctx, ch, 1) {
		t.Fatal("expected send to fail on cancelled context")
	}
}

func TestDrain(t *testing.T) {
	ch := make(chan string, 4)
	ch <- "a"
	ch <- "b"
	ch <- "c"
	got := Drain(ch)
	if len(got) != 3 || got[0] != "a" || got[2] != "c" {
		t.Fatalf("drained %v", got)
	}
	if rest := Drain(ch); len(rest) != 0 {
		t.Fatalf("second drain should be empty, got %v", rest)
	}
}
