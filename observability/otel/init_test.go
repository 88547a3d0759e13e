package otel

import (
	"context"
	"testing"
)

func TestInitWithoutExportersIsNoop(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{ServiceName: "cardpayd"})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if _, err := Init(context.Background(), Config{}); err == nil {
		t.Fatalf("expected missing service name error")
	}
}

func TestParseHeaders(t *testing.T) {
	headers := ParseHeaders("authorization=Bearer x, ,bad,tenant = cardpay")
	if len(headers) != 2 || headers["authorization"] != "Bearer x" || headers["tenant"] != "cardpay" {
		t.Fatalf("unexpected headers %v", headers)
	}
}
