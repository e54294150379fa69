package services

import "errors"

var (
	// ErrNotYetClaimable means the caller asked for a transition the
	// completion record is not in a state to make. Not retryable.
	ErrNotYetClaimable = errors.New("task is not in a claimable state")
	ErrUnknownTask     = errors.New("unknown task")
	ErrUnknownUser     = errors.New("unknown user")
	ErrUnknownBonus    = errors.New("unknown bonus kind")
	ErrUnknownUpgrade  = errors.New("unknown upgrade")

	ErrAlreadyClaimedToday = errors.New("bonus already claimed today")
	ErrVerificationTimeout = errors.New("verification timed out")
	ErrInsufficientFunds   = errors.New("insufficient funds")

	// ErrTransientVerification wraps network and third-party failures.
	// The caller may poll again with backoff.
	ErrTransientVerification = errors.New("transient verification failure")

	// ErrConflict means another writer won a compare-and-set. It never
	// reaches API callers: the loser re-reads and returns the winner's result.
	ErrConflict = errors.New("conflicting concurrent update")

	ErrInvalidSource = errors.New("invalid reward source")
	ErrTaskExists    = errors.New("task id already used with a different reward")
	ErrInvalidTask   = errors.New("invalid task")
)
