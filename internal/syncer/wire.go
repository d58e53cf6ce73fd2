package syncer

import "github.com/roach88/offsync/internal/event"

// Request is the body POSTed to the sync endpoint.
type Request struct {
	Events []event.DomainEvent `json:"events"`
}

// Response is the body of a 2xx reply from the sync endpoint.
//
// Synced lists ids the server accepted, Failed ids it rejected and Conflicts
// the events it holds that collide with what was sent. Clock, when present,
// is the server's Lamport value and is observed by the client.
type Response struct {
	Synced    []string            `json:"synced"`
	Failed    []string            `json:"failed"`
	Conflicts []event.DomainEvent `json:"conflicts"`
	Clock     *int64              `json:"clock,omitempty"`
}
