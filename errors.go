package main

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"
)

// Kind classifies an error so the HTTP layer can map it to a status
// code without re-deriving intent from the underlying cause.
type Kind int

const (
	KindNone Kind = iota
	KindAuthRejected
	KindAuthForbidden
	KindNotFound
	KindNotAcceptable
	KindParseError
	KindStoreError
)

// archiverError is the error type every handler in this service deals
// in. authCode is only meaningful for KindAuthRejected, carrying the
// "invalid_request" / "invalid_token" codes used in WWW-Authenticate.
type archiverError struct {
	kind     Kind
	authCode string
	cause    error
}

func (e *archiverError) Error() string {
	if e.cause != nil {
		return e.cause.Error()
	}
	return e.kind.String()
}

func (e *archiverError) Unwrap() error { return e.cause }

func (k Kind) String() string {
	switch k {
	case KindAuthRejected:
		return "auth_rejected"
	case KindAuthForbidden:
		return "auth_forbidden"
	case KindNotFound:
		return "not_found"
	case KindNotAcceptable:
		return "not_acceptable"
	case KindParseError:
		return "parse_error"
	case KindStoreError:
		return "store_error"
	default:
		return "none"
	}
}

func newError(kind Kind, cause error) *archiverError {
	return &archiverError{kind: kind, cause: cause}
}

func authRejected(code string, cause error) *archiverError {
	return &archiverError{kind: KindAuthRejected, authCode: code, cause: cause}
}

func errNotFound() *archiverError {
	return &archiverError{kind: KindNotFound}
}

func errNotAcceptable() *archiverError {
	return &archiverError{kind: KindNotAcceptable}
}

// statusFor maps a Kind to its HTTP status.
func statusFor(kind Kind) int {
	switch kind {
	case KindAuthRejected:
		return http.StatusUnauthorized
	case KindAuthForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindNotAcceptable:
		return http.StatusNotAcceptable
	case KindParseError, KindStoreError:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

type apiErr struct {
	Message string `json:"message"`
}

// httpError writes the public-facing error response and logs the
// underlying cause.
func httpError(log *zap.Logger, w http.ResponseWriter, r *http.Request, err error) {
	var aerr *archiverError
	kind := KindStoreError
	if errors.As(err, &aerr) {
		kind = aerr.kind
	}

	status := statusFor(kind)
	if status >= http.StatusInternalServerError {
		log.Error("request failed", zap.Error(err), zap.String("path", r.URL.Path))
	} else {
		log.Debug("request rejected", zap.Error(err), zap.Int("status", status))
	}

	if kind == KindAuthRejected {
		value := `bearer realm="` + r.Host + `"`
		if aerr.authCode != "" {
			value += `, error="` + aerr.authCode + `"`
		}
		w.Header().Set("WWW-Authenticate", value)
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(apiErr{Message: http.StatusText(status)})
}
