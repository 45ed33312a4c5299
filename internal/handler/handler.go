package handler

import (
	"integration-service/internal/ledger"
	"integration-service/internal/notifier"
	"integration-service/internal/registry"
)

var (
	reg    *registry.Registry
	led    *ledger.Ledger
	events *notifier.Notifier
)

// Init wires the domain components into the handlers
func Init(r *registry.Registry, l *ledger.Ledger, n *notifier.Notifier) {
	reg = r
	led = l
	events = n
}
