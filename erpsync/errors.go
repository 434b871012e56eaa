package erpsync

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrUnknownFamily  = errors.New("unknown sync family")
	ErrAlreadyRunning = errors.New("sync family is already running")
)

// Item error codes stored on SyncError rows.
const (
	CodeInvalidPayload  = "invalid_payload"
	CodeMissingId       = "missing_id"
	CodeDBError         = "db_error"
	CodeResolveFailed   = "resolve_failed"
	CodePartnerNotFound = "partner_not_found"
	CodeRateUnavailable = "rate_unavailable"
	CodeSubmitFailed    = "submit_failed"
	CodePushFailed      = "push_failed"
	CodeFetchFailed     = "fetch_failed"
	CodeLinkFailed      = "link_failed"
)

// ItemProcessingError is a failure confined to one record. It is logged,
// counted and stored; the run moves on to the next record.
type ItemProcessingError struct {
	Family     string
	EntityType string
	RemoteCode string
	Code       string
	Retryable  bool
	Payload    json.RawMessage
	Err        error
}

func (e *ItemProcessingError) Error() string {
	if e.RemoteCode == "" {
		return fmt.Sprintf("%s %s: %s: %v", e.Family, e.EntityType, e.Code, e.Err)
	}
	return fmt.Sprintf("%s %s %s: %s: %v", e.Family, e.EntityType, e.RemoteCode, e.Code, e.Err)
}

func (e *ItemProcessingError) Unwrap() error { return e.Err }
