package observability

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestLedgerMetricsRecordOperation(t *testing.T) {
	m := Ledger()

	success := m.operations.WithLabelValues("registry", "mint_invoice", "success")
	failure := m.operations.WithLabelValues("registry", "mint_invoice", "error")
	successBefore := testutil.ToFloat64(success)
	failureBefore := testutil.ToFloat64(failure)

	m.RecordOperation("registry", "mint_invoice", nil)
	m.RecordOperation("registry", "mint_invoice", errors.New("rejected"))

	if got := testutil.ToFloat64(success); got != successBefore+1 {
		t.Fatalf("success counter: got %v want %v", got, successBefore+1)
	}
	if got := testutil.ToFloat64(failure); got != failureBefore+1 {
		t.Fatalf("error counter: got %v want %v", got, failureBefore+1)
	}
}

func TestLedgerMetricsRecordEvent(t *testing.T) {
	m := Ledger()

	counter := m.events.WithLabelValues("invoice.minted")
	before := testutil.ToFloat64(counter)

	m.RecordEvent("invoice.minted")
	m.RecordEvent("")

	if got := testutil.ToFloat64(counter); got != before+1 {
		t.Fatalf("event counter: got %v want %v", got, before+1)
	}
	unknown := m.events.WithLabelValues("unknown")
	if testutil.ToFloat64(unknown) < 1 {
		t.Fatalf("blank event types should be counted under unknown")
	}
}

func TestMetricsNilReceiversAreSafe(t *testing.T) {
	var ledger *LedgerMetrics
	ledger.RecordOperation("registry", "mint_invoice", nil)
	ledger.RecordEvent("invoice.minted")

	var gateway *GatewayMetrics
	gateway.Observe("invoices", 200, time.Millisecond)
	gateway.RecordThrottle("invoices")
}
