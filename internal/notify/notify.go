// Package notify delivers trigger notifications to webhooks and brokers.
package notify

import (
	"context"
	"fmt"

	"github.com/colebrumley/tablewatch/internal/recipe"
	"github.com/colebrumley/tablewatch/internal/source"
)

// Payload is the body sent for every fired record.
type Payload struct {
	Recipe string        `json:"recipe"`
	Record source.Record `json:"record"`
}

// Notifier delivers a payload to an endpoint. A non-2xx response is reported
// through the status code, never as an error.
type Notifier interface {
	Deliver(ctx context.Context, endpoint string, payload Payload) (int, error)
}

// DeliveryError wraps a transport failure; no status code was received.
type DeliveryError struct {
	Endpoint string
	Err      error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivering to %s: %v", e.Endpoint, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// Dispatcher routes a recipe's action to the notifier for its kind.
type Dispatcher struct {
	notifiers map[recipe.ActionKind]Notifier
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{notifiers: make(map[recipe.ActionKind]Notifier)}
}

// Register binds kind to n.
func (d *Dispatcher) Register(kind recipe.ActionKind, n Notifier) {
	d.notifiers[kind] = n
}

// Dispatch sends rec for recipeName to action's endpoint.
func (d *Dispatcher) Dispatch(ctx context.Context, action recipe.Action, recipeName string, rec source.Record) (int, error) {
	n, ok := d.notifiers[action.Kind]
	if !ok {
		return 0, &DeliveryError{Endpoint: action.Endpoint, Err: fmt.Errorf("no notifier configured for action %q", action.Kind)}
	}
	return n.Deliver(ctx, action.Endpoint, Payload{Recipe: recipeName, Record: rec})
}
