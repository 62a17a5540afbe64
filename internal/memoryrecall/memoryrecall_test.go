package memoryrecall

import (
	"testing"
	"time"
)

type fakeIndex struct {
	context string
	ok      bool
}

func (f fakeIndex) Recall(sessionID, query string) (string, bool) {
	return f.context, f.ok
}

func TestTryRecallReturnsIndexResult(t *testing.T) {
	g := NewGate(fakeIndex{context: "user prefers terse replies", ok: true})
	got, ok := g.TryRecall("sess-1", "how do I like my answers")
	if !ok {
		t.Fatal("expected ok")
	}
	if got != "user prefers terse replies" {
		t.Fatalf("got %q", got)
	}
}

func TestTryRecallPropagatesIndexMiss(t *testing.T) {
	g := NewGate(fakeIndex{ok: false})
	_, ok := g.TryRecall("sess-1", "anything")
	if ok {
		t.Fatal("expected ok=false on an index miss")
	}
}

func TestTryRecallFallsBackOnContention(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	blocking := blockingIndex{started: started, release: release}
	g := NewGate(blocking)

	go func() {
		g.TryRecall("sess-1", "first")
	}()

	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("first recall never started")
	}

	_, ok := g.TryRecall("sess-1", "second")
	if ok {
		t.Fatal("expected the second, contending call to fall back with ok=false")
	}

	close(release)
}

func TestTryRecallNilGateFallsBack(t *testing.T) {
	var g *Gate
	_, ok := g.TryRecall("sess-1", "anything")
	if ok {
		t.Fatal("expected a nil Gate to always fall back")
	}
}

type blockingIndex struct {
	started chan struct{}
	release chan struct{}
}

func (b blockingIndex) Recall(sessionID, query string) (string, bool) {
	close(b.started)
	<-b.release
	return "", true
}
