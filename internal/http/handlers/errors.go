package handlers

// Error codes carried in ErrorResponse.Code. Clients branch on these, not on
// the message text.
const (
	ErrCodeBadRequest       = "bad_request"
	ErrCodeNotFound         = "not_found"
	ErrCodeMethodNotAllowed = "method_not_allowed"
	ErrCodeInternal         = "internal_error"

	// ErrCodeRunInProgress answers a trigger while a run is active.
	ErrCodeRunInProgress = "run_in_progress"
	ErrCodeListFailed    = "list_failed"
	ErrCodeTriggerFailed = "trigger_failed"
)
