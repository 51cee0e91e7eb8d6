// Package engines builds the domain specific transaction sets the funding
// pipeline queues for signing: trustlines, issuance, escrows, bonds, DvP
// clearing and attestation. Engines never sign or submit. Each one exposes an
// audit notice stream on TopicEngineAudit.
package engines

import (
	"context"
	"encoding/hex"
	"strings"

	"github.com/upb/funding-control-plane/internal/events"
	"github.com/upb/funding-control-plane/internal/shared"
	"go.uber.org/zap"
)

// notifier is embedded by every engine. It makes the engine an events.Source
// and publishes audit notices.
type notifier struct {
	*events.Bus
	name   string
	clock  shared.Clock
	logger *zap.Logger
}

func newNotifier(name string, clock shared.Clock, logger *zap.Logger) notifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clock == nil {
		clock = shared.SystemClock{}
	}
	return notifier{
		Bus:    events.NewBus(logger),
		name:   name,
		clock:  clock,
		logger: logger.With(zap.String("engine", name)),
	}
}

// notify publishes an audit notice. Listener failures are already logged by
// the bus.
func (n notifier) notify(ctx context.Context, action string, details map[string]interface{}) {
	payload := map[string]interface{}{
		"engine": n.name,
		"action": action,
	}
	for k, v := range details {
		payload[k] = v
	}
	_ = n.Publish(ctx, events.Event{
		Topic:   events.TopicEngineAudit,
		Source:  n.name,
		Payload: payload,
		At:      n.clock.Now(),
	})
}

// Memo is a typed note attached to a transaction
type Memo struct {
	Type string `json:"type"`
	Data string `json:"data"`
}

// xrplMemo renders a memo in the XRPL Memos array layout, hex encoded
func xrplMemo(m Memo) map[string]interface{} {
	return map[string]interface{}{
		"Memo": map[string]interface{}{
			"MemoType": strings.ToUpper(hex.EncodeToString([]byte(m.Type))),
			"MemoData": strings.ToUpper(hex.EncodeToString([]byte(m.Data))),
		},
	}
}

// xrplAmount renders amount in XRPL form: drops for XRP, an issued currency
// object otherwise
func xrplAmount(currency, issuer, value string) interface{} {
	if currency == "" || currency == "XRP" {
		return xrpToDrops(value)
	}
	return map[string]interface{}{
		"currency": currency,
		"issuer":   issuer,
		"value":    value,
	}
}
