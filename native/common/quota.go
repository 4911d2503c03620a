package common

import (
	"errors"
	"math"
)

var (
	ErrQuotaRequestsExceeded = errors.New("quota requests exceeded")
	ErrQuotaValueExceeded    = errors.New("quota value cap exceeded")
	ErrQuotaCounterOverflow  = errors.New("quota counter overflow")
)

// QuotaNow captures the current quota usage counters for an address.
type QuotaNow struct {
	Requests  uint32
	ValueUsed uint64
	EpochID   uint64
}

// Quota defines the limits enforced for a module interaction per address.
// A zero EpochSeconds disables enforcement entirely.
type Quota struct {
	MaxRequestsPerEpoch uint32
	MaxValuePerEpoch    uint64
	EpochSeconds        uint32
}

// Enabled reports whether the quota carries any enforceable limit.
func (q Quota) Enabled() bool {
	return q.EpochSeconds > 0 && (q.MaxRequestsPerEpoch > 0 || q.MaxValuePerEpoch > 0)
}

// CheckQuota verifies whether the additional request and value usage fit
// within the configured quota. The returned QuotaNow reflects the updated
// counters when the quota is not exceeded; counters reset whenever the epoch
// advances.
func CheckQuota(q Quota, nowEpoch uint64, prev QuotaNow, addReq uint32, addValue uint64) (QuotaNow, error) {
	next := prev
	if prev.EpochID != nowEpoch {
		next = QuotaNow{EpochID: nowEpoch}
	}

	if addReq > 0 {
		if next.Requests > math.MaxUint32-addReq {
			return prev, ErrQuotaCounterOverflow
		}
		next.Requests += addReq
	}
	if q.MaxRequestsPerEpoch > 0 && next.Requests > q.MaxRequestsPerEpoch {
		return prev, ErrQuotaRequestsExceeded
	}

	if addValue > 0 {
		if next.ValueUsed > math.MaxUint64-addValue {
			return prev, ErrQuotaCounterOverflow
		}
		next.ValueUsed += addValue
	}
	if q.MaxValuePerEpoch > 0 && next.ValueUsed > q.MaxValuePerEpoch {
		return prev, ErrQuotaValueExceeded
	}

	return next, nil
}
