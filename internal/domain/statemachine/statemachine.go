package statemachine

import "fmt"

// Kind enumerates the entity kinds shared by watermarks, identity mappings,
// status events, and sync-run scopes.
type Kind string

const (
	KindPurchaseRequest Kind = "purchase_request"
	KindRFQ             Kind = "rfq"
	KindAward           Kind = "award"
	KindPurchaseOrder   Kind = "purchase_order"
	KindReceipt         Kind = "receipt"
	KindSupplier        Kind = "supplier"
	KindCategory        Kind = "category"
)

// Kinds lists every supported entity kind.
var Kinds = []Kind{
	KindPurchaseRequest,
	KindRFQ,
	KindAward,
	KindPurchaseOrder,
	KindReceipt,
	KindSupplier,
	KindCategory,
}

// ParseKind validates a raw scope string against the shared vocabulary.
func ParseKind(raw string) (Kind, bool) {
	k := Kind(raw)
	for _, known := range Kinds {
		if k == known {
			return k, true
		}
	}
	return "", false
}

// Purchase request statuses.
const (
	PRPendingRFQ        = "pending_rfq"
	PRInRFQ             = "in_rfq"
	PRAwarded           = "awarded"
	PROrdered           = "ordered"
	PRPartiallyReceived = "partially_received"
	PRReceived          = "received"
	PRCancelled         = "cancelled"
)

// RFQ statuses.
const (
	RFQDraft            = "draft"
	RFQOpen             = "open"
	RFQCollectingQuotes = "collecting_quotes"
	RFQAwarded          = "awarded"
	RFQClosed           = "closed"
	RFQCancelled        = "cancelled"
)

// Award statuses.
const (
	AwardAwarded       = "awarded"
	AwardConvertedToPO = "converted_to_po"
	AwardCancelled     = "cancelled"
)

// Purchase order statuses.
const (
	PODraft             = "draft"
	POApproved          = "approved"
	POSentToERP         = "sent_to_erp"
	POERPAccepted       = "erp_accepted"
	POPartiallyReceived = "partially_received"
	POReceived          = "received"
	POERPError          = "erp_error"
	POCancelled         = "cancelled"
)

// Receipt statuses.
const (
	ReceiptPartiallyReceived = "partially_received"
	ReceiptReceived          = "received"
)

// Rejection is returned when a requested transition is not legal for the
// entity kind. It is a plain value, never a panic, so callers can decide
// whether to surface it or discard an out-of-order update.
type Rejection struct {
	Kind Kind
	From string
	To   string
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("illegal %s transition: %s -> %s", r.Kind, r.From, r.To)
}

// transitions maps each kind to its legal (from -> to) pairs.
var transitions = map[Kind]map[string][]string{
	KindPurchaseRequest: {
		PRPendingRFQ:        {PRInRFQ, PRCancelled},
		PRInRFQ:             {PRAwarded, PRCancelled},
		PRAwarded:           {PROrdered, PRCancelled},
		PROrdered:           {PRPartiallyReceived, PRCancelled},
		PRPartiallyReceived: {PRReceived, PRCancelled},
	},
	KindRFQ: {
		RFQDraft:            {RFQOpen, RFQClosed, RFQCancelled},
		RFQOpen:             {RFQCollectingQuotes, RFQClosed, RFQCancelled},
		RFQCollectingQuotes: {RFQAwarded, RFQClosed, RFQCancelled},
	},
	KindAward: {
		AwardAwarded: {AwardConvertedToPO, AwardCancelled},
	},
	KindPurchaseOrder: {
		PODraft:             {POApproved, POCancelled},
		POApproved:          {POSentToERP, POCancelled},
		POSentToERP:         {POERPAccepted, POERPError},
		POERPAccepted:       {POPartiallyReceived, POReceived},
		POPartiallyReceived: {POReceived},
		// Re-dispatch after a failed push goes back through sent_to_erp.
		POERPError: {POSentToERP, POCancelled},
	},
	KindReceipt: {
		ReceiptPartiallyReceived: {ReceiptReceived},
	},
}

// initialStatus maps each kind to its creation status.
var initialStatus = map[Kind]string{
	KindPurchaseRequest: PRPendingRFQ,
	KindRFQ:             RFQDraft,
	KindAward:           AwardAwarded,
	KindPurchaseOrder:   PODraft,
	KindReceipt:         ReceiptReceived,
}

// Initial returns the status assigned to a freshly created entity of the
// given kind. Kinds without a status machine return an empty string.
func Initial(kind Kind) string {
	return initialStatus[kind]
}

// HasMachine reports whether the kind carries a status state machine.
func HasMachine(kind Kind) bool {
	_, ok := transitions[kind]
	return ok
}

// Validate decides whether moving an entity of the given kind from its
// current status to the requested status is legal. It returns nil when
// allowed and a *Rejection otherwise. A no-op transition (from == to) is
// always allowed so redelivered records do not trip validation.
func Validate(kind Kind, from, to string) error {
	if from == to {
		return nil
	}
	table, ok := transitions[kind]
	if !ok {
		return &Rejection{Kind: kind, From: from, To: to}
	}
	for _, allowed := range table[from] {
		if allowed == to {
			return nil
		}
	}
	return &Rejection{Kind: kind, From: from, To: to}
}

// IsTerminal reports whether the status admits no further transitions for
// the kind.
func IsTerminal(kind Kind, status string) bool {
	table, ok := transitions[kind]
	if !ok {
		return true
	}
	return len(table[status]) == 0
}
