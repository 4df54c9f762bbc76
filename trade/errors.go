package trade

import "errors"

// Error taxonomy shared by the workflow engine and its collaborators. All
// failures crossing a package boundary wrap one of these sentinels so callers
// can branch with errors.Is.
var (
	// ErrGuardViolation signals an event not allowed from the current state.
	// Never retried automatically.
	ErrGuardViolation = errors.New("trade: transition not allowed")
	// ErrValidation signals malformed or incomplete input.
	ErrValidation = errors.New("trade: invalid input")
	// ErrExternalService signals a provider call failure. For side effects
	// dispatched after the state change lands it is surfaced for manual
	// retry rather than rolling the transition back.
	ErrExternalService = errors.New("trade: external service failure")
	// ErrDataIntegrity signals an inconsistency such as a computed negative
	// payout. The condition is recorded, never silently clamped.
	ErrDataIntegrity = errors.New("trade: data integrity violation")
	// ErrLocked signals a field mutation attempted while the trade is locked
	// for an active signature round.
	ErrLocked = errors.New("trade: locked for editing")
	// ErrNotFound is returned when no trade row exists for the identifier.
	ErrNotFound = errors.New("trade: not found")
)
