package statemachine

import (
	"errors"
	"fmt"

	"github.com/fatflowers/payflow/internal/models"
	"github.com/fatflowers/payflow/pkg/types"
)

// ErrIllegalTransition is returned by Apply* when the target status is not
// reachable from the current one. Callers decide whether it is fatal; the
// machine itself never logs or performs I/O.
var ErrIllegalTransition = errors.New("illegal status transition")

var orderTransitions = map[types.OrderStatus][]types.OrderStatus{
	types.OrderStatusPending:   {types.OrderStatusPaid, types.OrderStatusCancelled, types.OrderStatusFailed},
	types.OrderStatusPaid:      {types.OrderStatusInPrep, types.OrderStatusCancelled},
	types.OrderStatusInPrep:    {types.OrderStatusReady, types.OrderStatusCancelled},
	types.OrderStatusReady:     {types.OrderStatusCompleted, types.OrderStatusCancelled},
	types.OrderStatusCompleted: nil,
	types.OrderStatusCancelled: nil,
	types.OrderStatusFailed:    nil,
}

var transactionTransitions = map[types.TransactionStatus][]types.TransactionStatus{
	types.TransactionStatusPending: {
		types.TransactionStatusRequiresAction,
		types.TransactionStatusSucceeded,
		types.TransactionStatusFailed,
		types.TransactionStatusCancelled,
	},
	types.TransactionStatusRequiresAction: {
		types.TransactionStatusSucceeded,
		types.TransactionStatusFailed,
		types.TransactionStatusCancelled,
	},
	types.TransactionStatusSucceeded: nil,
	types.TransactionStatusFailed:    nil,
	types.TransactionStatusCancelled: nil,
}

// Change describes an applied transition; the orchestrator turns it into an
// outbox notification.
type Change struct {
	Entity   string
	EntityID string
	From     string
	To       string
}

func CanOrderTransition(from, to types.OrderStatus) bool {
	for _, allowed := range orderTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

func CanTransactionTransition(from, to types.TransactionStatus) bool {
	for _, allowed := range transactionTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// ApplyOrder mutates the order status and returns the resulting change.
func ApplyOrder(o *models.Order, to types.OrderStatus) (Change, error) {
	if o == nil {
		return Change{}, fmt.Errorf("nil order")
	}
	if !CanOrderTransition(o.Status, to) {
		return Change{}, fmt.Errorf("%w: order %s -> %s", ErrIllegalTransition, o.Status, to)
	}
	change := Change{Entity: "order", EntityID: o.ID, From: string(o.Status), To: string(to)}
	o.Status = to
	return change, nil
}

// ApplyTransaction mutates the transaction status and returns the resulting change.
func ApplyTransaction(t *models.PaymentTransaction, to types.TransactionStatus) (Change, error) {
	if t == nil {
		return Change{}, fmt.Errorf("nil transaction")
	}
	if !CanTransactionTransition(t.Status, to) {
		return Change{}, fmt.Errorf("%w: transaction %s -> %s", ErrIllegalTransition, t.Status, to)
	}
	change := Change{Entity: "transaction", EntityID: t.ID, From: string(t.Status), To: string(to)}
	t.Status = to
	return change, nil
}
