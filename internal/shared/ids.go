package shared

import (
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Identifier prefixes.
const (
	PrefixTransaction   = "TX"
	PrefixQueueAudit    = "TXA"
	PrefixAuditEvent    = "ABE"
	PrefixSettlement    = "CS"
	PrefixDeliveryLeg   = "DL"
	PrefixPaymentLeg    = "PL"
	PrefixPipeline      = "FUND"
	PrefixEscrow        = "ESC"
	PrefixSettlementLeg = "LEG"
	PrefixInstruction   = "SI"
	PrefixBond          = "BOND"
)

// IDGenerator produces entity identifiers.
type IDGenerator interface {
	NewID(prefix string) string
}

// TimeRandomIDs builds ids of the form PREFIX-<unix millis>-<8 hex>. The
// random part comes from a v4 UUID.
type TimeRandomIDs struct {
	Clock Clock
}

// NewTimeRandomIDs creates a generator bound to clock.
func NewTimeRandomIDs(clock Clock) *TimeRandomIDs {
	return &TimeRandomIDs{Clock: clock}
}

// NewID returns a fresh identifier.
func (g *TimeRandomIDs) NewID(prefix string) string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
	return fmt.Sprintf("%s-%d-%s", prefix, g.Clock.Now().UnixMilli(), suffix)
}

// SequentialIDs hands out PREFIX-0001, PREFIX-0002, ... with an independent
// counter per prefix.
type SequentialIDs struct {
	mu       sync.Mutex
	counters map[string]int
}

// NewSequentialIDs creates a deterministic generator.
func NewSequentialIDs() *SequentialIDs {
	return &SequentialIDs{counters: make(map[string]int)}
}

// NewID returns the next identifier for prefix.
func (g *SequentialIDs) NewID(prefix string) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.counters[prefix]++
	return fmt.Sprintf("%s-%04d", prefix, g.counters[prefix])
}
