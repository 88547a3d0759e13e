package rpc

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"nhooyr.io/websocket"

	"github.com/khengleng/mycard-pay-protocol/core/events"
	"github.com/khengleng/mycard-pay-protocol/core/types"
)

func TestEventHubFiltersAndCancels(t *testing.T) {
	hub := NewEventHub()
	all, cancelAll := hub.Subscribe()
	sold, cancelSold := hub.Subscribe(events.TypePrepaidCardSold)

	hub.Emit(events.MerchantRegistered{Merchant: common.HexToAddress("0x01"), Owner: common.HexToAddress("0x02")})
	hub.Emit(events.PrepaidCardSold{Card: common.HexToAddress("0x03"), Nonce: 4})

	if got := (<-all).Type; got != events.TypeMerchantRegistered {
		t.Fatalf("expected merchant event first, got %s", got)
	}
	if got := (<-all).Type; got != events.TypePrepaidCardSold {
		t.Fatalf("expected sold event second, got %s", got)
	}
	evt := <-sold
	if evt.Type != events.TypePrepaidCardSold || evt.Attributes["nonce"] != "4" {
		t.Fatalf("unexpected filtered event %+v", evt)
	}
	select {
	case extra := <-sold:
		t.Fatalf("filtered subscriber received %+v", extra)
	default:
	}

	cancelSold()
	cancelSold()
	if hub.Subscribers() != 1 {
		t.Fatalf("expected one subscriber after cancel, got %d", hub.Subscribers())
	}
	if _, ok := <-sold; ok {
		t.Fatalf("expected cancelled channel to be closed")
	}
	cancelAll()
}

func TestEventHubDropsForSlowSubscribers(t *testing.T) {
	hub := NewEventHub()
	ch, cancel := hub.Subscribe()
	defer cancel()
	for i := 0; i < streamBufferSize+10; i++ {
		hub.Emit(events.PrepaidCardSold{Nonce: uint64(i)})
	}
	if len(ch) != streamBufferSize {
		t.Fatalf("expected buffer to cap at %d, got %d", streamBufferSize, len(ch))
	}
}

func TestEventStreamDisabledWithoutHub(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/events", nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestEventStreamDeliversOverWebsocket(t *testing.T) {
	f := newFixture(t)
	hub := NewEventHub()
	srv := httptest.NewServer(NewServer(f.chain, Config{}, WithEventHub(hub)).Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/events?types=" + events.TypePrepaidCardSold
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	deadline := time.Now().Add(2 * time.Second)
	for hub.Subscribers() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("stream never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	hub.Emit(events.MerchantRegistered{Merchant: common.HexToAddress("0x01")})
	hub.Emit(events.PrepaidCardSold{Card: common.HexToAddress("0x03"), Nonce: 9})

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var evt types.Event
	if err := json.Unmarshal(data, &evt); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if evt.Type != events.TypePrepaidCardSold || evt.Attributes["nonce"] != "9" {
		t.Fatalf("unexpected event %+v", evt)
	}
}
