package subscription

import (
	"reflect"
	"sort"
	"testing"

	"xconnect/pkg/xctype"
)

func keySlice(keys []Key) []string {
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = k.Channel + "|" + string(k.Symbol)
	}
	sort.Strings(out)
	return out
}

func TestAcknowledgeTransitionsPendingToActive(t *testing.T) {
	r := New()
	key := Key{Channel: "book", Symbol: xctype.Symbol("BTC/USD")}
	r.MarkPending(key)
	if got := keySlice(r.Active()); len(got) != 0 {
		t.Fatalf("expected no active keys before ack, got %v", got)
	}
	r.Acknowledge(key)
	if got := keySlice(r.Active()); !reflect.DeepEqual(got, []string{"book|BTC/USD"}) {
		t.Fatalf("got %v", got)
	}
}

func TestResetResubscribesActiveAndDropsPending(t *testing.T) {
	r := New()
	book := Key{Channel: "book", Symbol: xctype.Symbol("BTC/USD")}
	trade := Key{Channel: "trade", Symbol: xctype.Symbol("BTC/USD")}
	never := Key{Channel: "ticker", Symbol: xctype.Symbol("ETH/USD")}

	r.MarkPending(book)
	r.Acknowledge(book)
	r.MarkPending(trade)
	r.Acknowledge(trade)
	r.MarkPending(never) // never acknowledged

	toResub := keySlice(r.Reset())
	want := []string{"book|BTC/USD", "trade|BTC/USD"}
	if !reflect.DeepEqual(toResub, want) {
		t.Fatalf("got %v, want %v", toResub, want)
	}

	// after reset, previously-active keys are pending again (not active)
	// until re-acknowledged
	if got := r.Active(); len(got) != 0 {
		t.Fatalf("expected no active keys immediately after reset, got %v", got)
	}

	r.Acknowledge(book)
	r.Acknowledge(trade)
	if got := keySlice(r.Active()); !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}
