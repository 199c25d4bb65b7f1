package domain

import (
	"net/http"

	"github.com/pkg/errors"
)

var (
	ErrRecordNotFound     = NewErr("RECORD_NOT_FOUND", "record not found", http.StatusNotFound)
	ErrPasteTooLarge      = NewErr("PASTE_TOO_LARGE", "paste too large", http.StatusBadRequest)
	ErrPasswordRequired   = NewErr("PASSWORD_REQUIRED", "password required", http.StatusUnauthorized)
	ErrDecryptionFailed   = NewErr("DECRYPTION_FAILED", "decryption failed", http.StatusUnauthorized)
	ErrNotEncrypted       = NewErr("NOT_ENCRYPTED", "paste is not encrypted", http.StatusConflict)
	ErrEncrypted          = NewErr("ENCRYPTED", "paste is encrypted", http.StatusConflict)
	ErrInvalidRequest     = NewErr("INVALID_REQUEST", "invalid request", http.StatusBadRequest)
	ErrInvalidPrivacy     = NewErr("INVALID_PRIVACY", "privacy must be public or private", http.StatusBadRequest)
	ErrSubmissionRejected = NewErr("SUBMISSION_REJECTED", "submission rejected", http.StatusBadGateway)
	ErrInvalidSigningKey  = NewErr("INVALID_SIGNING_KEY", "invalid signing key", http.StatusInternalServerError)
	ErrRateLimitExceeded  = NewErr("RATE_LIMIT_EXCEEDED", "rate limit exceeded", http.StatusTooManyRequests)
	ErrInternalServer     = NewErr("INTERNAL_ERROR", "internal error", http.StatusInternalServerError)
	ErrUnavailable        = NewErr("UNAVAILABLE", "service unavailable", http.StatusServiceUnavailable)
	ErrTimeout            = NewErr("TIMEOUT", "request timed out", http.StatusGatewayTimeout)
)

type Err struct {
	Code   string `json:"code"`
	Msg    string `json:"message"`
	Status int    `json:"-"`
}

func (e *Err) Error() string { return e.Msg }

func NewErr(code, msg string, status int) *Err {
	return &Err{Code: code, Msg: msg, Status: status}
}

type ErrResp struct {
	Error ErrDetail `json:"error"`
}
type ErrDetail struct {
	Code      string `json:"code"`
	Msg       string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

func asErr(err error) (*Err, bool) {
	var e *Err
	if errors.As(err, &e) {
		return e, true
	}
	if e, ok := errors.Cause(err).(*Err); ok {
		return e, true
	}
	return nil, false
}

func ToResp(err error) ErrResp {
	if e, ok := asErr(err); ok {
		return ErrResp{Error: ErrDetail{Code: e.Code, Msg: e.Msg}}
	}
	return ErrResp{Error: ErrDetail{Code: "INTERNAL_ERROR", Msg: "internal error"}}
}

func Status(err error) int {
	if e, ok := asErr(err); ok {
		return e.Status
	}
	return http.StatusInternalServerError
}
