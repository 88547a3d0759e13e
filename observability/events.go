package observability

import (
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/khengleng/mycard-pay-protocol/core/events"
)

type eventMetrics struct {
	emitted      *prometheus.CounterVec
	cardsCreated prometheus.Counter
	spendMinted  prometheus.Counter
	payments     *prometheus.CounterVec
	snaps        *prometheus.CounterVec
}

var (
	eventMetricsOnce sync.Once
	eventRegistry    *eventMetrics
)

// Events returns the registry tracking committed protocol events. The
// registry is itself an events.Emitter so it can subscribe to the chain.
func Events() *eventMetrics {
	eventMetricsOnce.Do(func() {
		eventRegistry = &eventMetrics{
			emitted: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "cardpay",
				Subsystem: "events",
				Name:      "emitted_total",
				Help:      "Committed events segmented by type.",
			}, []string{"type"}),
			cardsCreated: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "cardpay",
				Subsystem: "prepaid",
				Name:      "cards_created_total",
				Help:      "Prepaid card wallets created and funded.",
			}),
			spendMinted: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "cardpay",
				Subsystem: "revenue",
				Name:      "spend_minted_total",
				Help:      "SPEND minted to merchants.",
			}),
			payments: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "cardpay",
				Subsystem: "prepaid",
				Name:      "actions_total",
				Help:      "Card actions segmented by action.",
			}, []string{"action"}),
			snaps: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "cardpay",
				Subsystem: "oracle",
				Name:      "snaps_total",
				Help:      "USD prices snapped to the peg, by adapter.",
			}, []string{"adapter"}),
		}
		prometheus.MustRegister(
			eventRegistry.emitted,
			eventRegistry.cardsCreated,
			eventRegistry.spendMinted,
			eventRegistry.payments,
			eventRegistry.snaps,
		)
	})
	return eventRegistry
}

// Emit satisfies events.Emitter.
func (m *eventMetrics) Emit(evt events.Event) {
	if m == nil || evt == nil {
		return
	}
	m.emitted.WithLabelValues(evt.EventType()).Inc()
	switch e := evt.(type) {
	case events.PrepaidCardCreated:
		m.cardsCreated.Inc()
		if e.Source != (common.Address{}) {
			m.payments.WithLabelValues("split_issue").Inc()
		} else {
			m.payments.WithLabelValues("issue").Inc()
		}
	case events.PrepaidCardSplit:
		m.payments.WithLabelValues("split").Inc()
	case events.PrepaidCardSold:
		m.payments.WithLabelValues("sell").Inc()
	case events.CustomerPayment:
		m.payments.WithLabelValues("pay").Inc()
		m.spendMinted.Add(bigToFloat(e.Spend))
	}
}

// RecordSnap counts a USD price snapped to the peg.
func (m *eventMetrics) RecordSnap(adapter string) {
	if m == nil {
		return
	}
	normalized := strings.ToLower(strings.TrimSpace(adapter))
	if normalized == "" {
		normalized = "unknown"
	}
	m.snaps.WithLabelValues(normalized).Inc()
}

func bigToFloat(v *big.Int) float64 {
	if v == nil {
		return 0
	}
	f, _ := new(big.Float).SetInt(v).Float64()
	return f
}
