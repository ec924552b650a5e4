/**
 * @description
 * Event payloads published to RabbitMQ by the claims-service. Downstream
 * consumers (notifications, analytics, operator tooling) subscribe to these on
 * the `chainquest.events` topic exchange.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// ClaimQueuedEvent is published when admission creates a new pending claim.
type ClaimQueuedEvent struct {
	ClaimID   uuid.UUID `json:"claim_id"`
	Wallet    string    `json:"wallet"`
	Token     string    `json:"token"`
	Amount    int64     `json:"amount"`
	CappedBy  *string   `json:"capped_by,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// PayoutCompletedEvent is published after a disbursement is confirmed on-chain
// and committed.
type PayoutCompletedEvent struct {
	ClaimID        uuid.UUID `json:"claim_id"`
	Wallet         string    `json:"wallet"`
	Token          string    `json:"token"`
	Amount         int64     `json:"amount"`
	TransactionRef string    `json:"transaction_ref"`
	Attempts       int       `json:"attempts"`
	Timestamp      time.Time `json:"timestamp"`
}

// PayoutFailedEvent is published when a claim transitions to its terminal
// failed state and needs operator attention.
type PayoutFailedEvent struct {
	ClaimID   uuid.UUID `json:"claim_id"`
	Wallet    string    `json:"wallet"`
	Token     string    `json:"token"`
	Amount    int64     `json:"amount"`
	Attempts  int       `json:"attempts"`
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}

// CapReachedEvent is published once per (scope, day) when a daily accumulator
// first reaches its cap.
type CapReachedEvent struct {
	Scope     string    `json:"scope"` // "user" or "global"
	Day       string    `json:"day"`
	Wallet    string    `json:"wallet,omitempty"`
	Token     string    `json:"token"`
	Total     int64     `json:"total"`
	Cap       int64     `json:"cap"`
	Timestamp time.Time `json:"timestamp"`
}

// CapViolationEvent signals that a cap-safe increment was refused after funds
// had already moved on-chain. This is a reconciliation signal, never a
// rollback trigger: on-chain transfers are irreversible.
type CapViolationEvent struct {
	ClaimID        uuid.UUID `json:"claim_id"`
	Scope          string    `json:"scope"`
	Wallet         string    `json:"wallet"`
	Token          string    `json:"token"`
	Amount         int64     `json:"amount"`
	TransactionRef string    `json:"transaction_ref"`
	Timestamp      time.Time `json:"timestamp"`
}
