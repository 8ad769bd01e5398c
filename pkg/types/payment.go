package types

type PaymentProvider string

const (
	PaymentProviderStripe PaymentProvider = "stripe"
	PaymentProviderP24    PaymentProvider = "p24"
	PaymentProviderStub   PaymentProvider = "stub"
)

type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusPaid      OrderStatus = "paid"
	OrderStatusInPrep    OrderStatus = "in_prep"
	OrderStatusReady     OrderStatus = "ready"
	OrderStatusCompleted OrderStatus = "completed"
	OrderStatusCancelled OrderStatus = "cancelled"
	OrderStatusFailed    OrderStatus = "failed"
)

type TransactionStatus string

const (
	TransactionStatusPending        TransactionStatus = "pending"
	TransactionStatusRequiresAction TransactionStatus = "requires_action"
	TransactionStatusSucceeded      TransactionStatus = "succeeded"
	TransactionStatusFailed         TransactionStatus = "failed"
	TransactionStatusCancelled      TransactionStatus = "cancelled"
)

// IsTerminal reports whether no further transitions are legal for the status.
func (s TransactionStatus) IsTerminal() bool {
	switch s {
	case TransactionStatusSucceeded, TransactionStatusFailed, TransactionStatusCancelled:
		return true
	}
	return false
}

func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusCompleted, OrderStatusCancelled, OrderStatusFailed:
		return true
	}
	return false
}

// NonTerminalTransactionStatuses is the reconciliation cohort filter.
var NonTerminalTransactionStatuses = []TransactionStatus{
	TransactionStatusPending,
	TransactionStatusRequiresAction,
}
