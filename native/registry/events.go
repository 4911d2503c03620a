package registry

import (
	"strconv"

	"invoiceflow/core/types"
	"invoiceflow/crypto"
)

const (
	EventTypeInvoiceMinted      = "invoice.minted"
	EventTypeInvoiceVerified    = "invoice.verified"
	EventTypeInvoiceLocked      = "invoice.locked"
	EventTypeInvoiceUnlocked    = "invoice.unlocked"
	EventTypeInvoiceTransferred = "invoice.transferred"
	EventTypeInvoiceSeized      = "invoice.seized"
	EventTypeLockerAuthorized   = "registry.locker_authorized"
	EventTypeVerifierAuthorized = "registry.verifier_authorized"
)

// NewMintedEvent returns the canonical event payload for a freshly minted
// invoice.
func NewMintedEvent(inv *Invoice) *types.Event {
	evt := newInvoiceEvent(EventTypeInvoiceMinted, inv)
	if inv != nil {
		evt.Attributes["issuer"] = inv.Issuer
		evt.Attributes["recipient"] = inv.Recipient
		evt.Attributes["documentRef"] = inv.DocumentRef
		evt.Attributes["dueDate"] = strconv.FormatInt(inv.DueDate, 10)
	}
	return evt
}

// NewVerifiedEvent returns the event payload emitted once a verification
// outcome has been written into the registry.
func NewVerifiedEvent(inv *Invoice) *types.Event {
	evt := newInvoiceEvent(EventTypeInvoiceVerified, inv)
	if inv != nil {
		evt.Attributes["verified"] = strconv.FormatBool(inv.Verified)
		evt.Attributes["fraudScore"] = strconv.FormatUint(uint64(inv.FraudScore), 10)
		if inv.CollateralValue != nil {
			evt.Attributes["collateralValue"] = inv.CollateralValue.String()
		}
	}
	return evt
}

// NewLockedEvent returns the event payload for a lock transition.
func NewLockedEvent(inv *Invoice) *types.Event {
	return newInvoiceEvent(EventTypeInvoiceLocked, inv)
}

// NewUnlockedEvent returns the event payload for an unlock transition.
func NewUnlockedEvent(inv *Invoice) *types.Event {
	return newInvoiceEvent(EventTypeInvoiceUnlocked, inv)
}

// NewTransferredEvent returns the event payload for a custody transfer.
func NewTransferredEvent(inv *Invoice, from crypto.Address) *types.Event {
	evt := newInvoiceEvent(EventTypeInvoiceTransferred, inv)
	evt.Attributes["from"] = from.String()
	return evt
}

// NewSeizedEvent returns the event payload for a collateral seizure.
func NewSeizedEvent(inv *Invoice, from crypto.Address) *types.Event {
	evt := newInvoiceEvent(EventTypeInvoiceSeized, inv)
	evt.Attributes["from"] = from.String()
	return evt
}

// NewLockerAuthorizedEvent records an allow-list change for lockers.
func NewLockerAuthorizedEvent(addr crypto.Address, allowed bool) *types.Event {
	return newAllowListEvent(EventTypeLockerAuthorized, addr, allowed)
}

// NewVerifierAuthorizedEvent records an allow-list change for verifiers.
func NewVerifierAuthorizedEvent(addr crypto.Address, allowed bool) *types.Event {
	return newAllowListEvent(EventTypeVerifierAuthorized, addr, allowed)
}

func newInvoiceEvent(eventType string, inv *Invoice) *types.Event {
	attrs := make(map[string]string)
	if inv == nil {
		return &types.Event{Type: eventType, Attributes: attrs}
	}
	attrs["id"] = strconv.FormatUint(inv.ID, 10)
	attrs["owner"] = inv.Owner.String()
	if inv.Amount != nil {
		attrs["amount"] = inv.Amount.String()
	}
	attrs["locked"] = strconv.FormatBool(inv.Locked)
	return &types.Event{Type: eventType, Attributes: attrs}
}

func newAllowListEvent(eventType string, addr crypto.Address, allowed bool) *types.Event {
	return &types.Event{Type: eventType, Attributes: map[string]string{
		"address": addr.String(),
		"allowed": strconv.FormatBool(allowed),
	}}
}
