package verification

import (
	"math/big"
	"strconv"

	"github.com/google/uuid"

	"invoiceflow/core/types"
	"invoiceflow/crypto"
)

const (
	EventTypeVerificationRecorded = "verification.recorded"
	EventTypeAgentRosterChanged   = "verification.agent_roster_changed"
)

// NewVerificationRecordedEvent builds the audit-trail payload for a recorded
// verification. Each event carries a unique audit id so downstream sinks can
// reference individual submissions.
func NewVerificationRecordedEvent(agent crypto.Address, id uint64, verified bool, fraudScore uint8, collateralValue *big.Int, reason string) *types.Event {
	attrs := map[string]string{
		"auditId":    uuid.NewString(),
		"id":         strconv.FormatUint(id, 10),
		"agent":      agent.String(),
		"verified":   strconv.FormatBool(verified),
		"fraudScore": strconv.FormatUint(uint64(fraudScore), 10),
		"reason":     reason,
	}
	if collateralValue != nil {
		attrs["collateralValue"] = collateralValue.String()
	}
	return &types.Event{Type: EventTypeVerificationRecorded, Attributes: attrs}
}

// NewAgentRosterEvent records an agent being added to or removed from the
// trusted roster.
func NewAgentRosterEvent(addr crypto.Address, allowed bool) *types.Event {
	return &types.Event{Type: EventTypeAgentRosterChanged, Attributes: map[string]string{
		"agent":   addr.String(),
		"allowed": strconv.FormatBool(allowed),
	}}
}
