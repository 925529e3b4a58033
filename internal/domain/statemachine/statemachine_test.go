package statemachine

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateLegalTransitions(t *testing.T) {
	cases := []struct {
		kind Kind
		from string
		to   string
	}{
		{KindPurchaseRequest, PRPendingRFQ, PRInRFQ},
		{KindPurchaseRequest, PRPendingRFQ, PRCancelled},
		{KindPurchaseRequest, PRInRFQ, PRAwarded},
		{KindPurchaseRequest, PRInRFQ, PRCancelled},
		{KindPurchaseRequest, PRAwarded, PROrdered},
		{KindPurchaseRequest, PRAwarded, PRCancelled},
		{KindPurchaseRequest, PROrdered, PRPartiallyReceived},
		{KindPurchaseRequest, PROrdered, PRCancelled},
		{KindPurchaseRequest, PRPartiallyReceived, PRReceived},
		{KindPurchaseRequest, PRPartiallyReceived, PRCancelled},
		{KindRFQ, RFQDraft, RFQOpen},
		{KindRFQ, RFQDraft, RFQClosed},
		{KindRFQ, RFQDraft, RFQCancelled},
		{KindRFQ, RFQOpen, RFQCollectingQuotes},
		{KindRFQ, RFQOpen, RFQClosed},
		{KindRFQ, RFQOpen, RFQCancelled},
		{KindRFQ, RFQCollectingQuotes, RFQAwarded},
		{KindRFQ, RFQCollectingQuotes, RFQClosed},
		{KindRFQ, RFQCollectingQuotes, RFQCancelled},
		{KindAward, AwardAwarded, AwardConvertedToPO},
		{KindAward, AwardAwarded, AwardCancelled},
		{KindPurchaseOrder, PODraft, POApproved},
		{KindPurchaseOrder, PODraft, POCancelled},
		{KindPurchaseOrder, POApproved, POSentToERP},
		{KindPurchaseOrder, POApproved, POCancelled},
		{KindPurchaseOrder, POSentToERP, POERPAccepted},
		{KindPurchaseOrder, POSentToERP, POERPError},
		{KindPurchaseOrder, POERPAccepted, POPartiallyReceived},
		{KindPurchaseOrder, POERPAccepted, POReceived},
		{KindPurchaseOrder, POPartiallyReceived, POReceived},
		{KindPurchaseOrder, POERPError, POSentToERP},
		{KindPurchaseOrder, POERPError, POCancelled},
		{KindReceipt, ReceiptPartiallyReceived, ReceiptReceived},
	}

	for _, tc := range cases {
		assert.NoError(t, Validate(tc.kind, tc.from, tc.to), "%s: %s -> %s", tc.kind, tc.from, tc.to)
	}
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		kind Kind
		from string
		to   string
	}{
		{KindPurchaseRequest, PRPendingRFQ, PRAwarded},
		{KindPurchaseRequest, PRReceived, PRCancelled},
		{KindPurchaseRequest, PRCancelled, PRPendingRFQ},
		{KindRFQ, RFQClosed, RFQOpen},
		{KindRFQ, RFQDraft, RFQAwarded},
		{KindAward, AwardConvertedToPO, AwardAwarded},
		{KindPurchaseOrder, PODraft, POSentToERP},
		{KindPurchaseOrder, POSentToERP, POCancelled},
		{KindPurchaseOrder, POReceived, PODraft},
		{KindPurchaseOrder, POERPAccepted, POERPError},
		{KindReceipt, ReceiptReceived, ReceiptPartiallyReceived},
	}

	for _, tc := range cases {
		err := Validate(tc.kind, tc.from, tc.to)
		require.Error(t, err, "%s: %s -> %s", tc.kind, tc.from, tc.to)

		var rejection *Rejection
		require.True(t, errors.As(err, &rejection))
		assert.Equal(t, tc.kind, rejection.Kind)
		assert.Equal(t, tc.from, rejection.From)
		assert.Equal(t, tc.to, rejection.To)
		assert.Contains(t, rejection.Error(), string(tc.kind))
	}
}

func TestValidateNoOp(t *testing.T) {
	assert.NoError(t, Validate(KindPurchaseOrder, POERPAccepted, POERPAccepted))
	assert.NoError(t, Validate(KindSupplier, "anything", "anything"))
}

func TestInitial(t *testing.T) {
	assert.Equal(t, PRPendingRFQ, Initial(KindPurchaseRequest))
	assert.Equal(t, RFQDraft, Initial(KindRFQ))
	assert.Equal(t, AwardAwarded, Initial(KindAward))
	assert.Equal(t, PODraft, Initial(KindPurchaseOrder))
	assert.Equal(t, ReceiptReceived, Initial(KindReceipt))
	assert.Empty(t, Initial(KindSupplier))
}

func TestIsTerminal(t *testing.T) {
	assert.True(t, IsTerminal(KindPurchaseRequest, PRCancelled))
	assert.True(t, IsTerminal(KindPurchaseRequest, PRReceived))
	assert.True(t, IsTerminal(KindPurchaseOrder, POReceived))
	assert.True(t, IsTerminal(KindPurchaseOrder, POCancelled))
	assert.False(t, IsTerminal(KindPurchaseOrder, POERPError))
	assert.False(t, IsTerminal(KindPurchaseOrder, POSentToERP))
	assert.True(t, IsTerminal(KindSupplier, "anything"))
}

func TestParseKind(t *testing.T) {
	kind, ok := ParseKind("purchase_order")
	require.True(t, ok)
	assert.Equal(t, KindPurchaseOrder, kind)

	_, ok = ParseKind("invoice")
	assert.False(t, ok)
}

func TestHasMachine(t *testing.T) {
	assert.True(t, HasMachine(KindPurchaseOrder))
	assert.False(t, HasMachine(KindSupplier))
	assert.False(t, HasMachine(KindCategory))
}
