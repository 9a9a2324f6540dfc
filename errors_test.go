package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestStatusForMapsEveryKind(t *testing.T) {
	cases := map[Kind]int{
		KindAuthRejected:  http.StatusUnauthorized,
		KindAuthForbidden: http.StatusForbidden,
		KindNotFound:      http.StatusNotFound,
		KindNotAcceptable: http.StatusNotAcceptable,
		KindParseError:    http.StatusInternalServerError,
		KindStoreError:    http.StatusInternalServerError,
	}
	for kind, want := range cases {
		require.Equal(t, want, statusFor(kind))
	}
}

func TestHTTPErrorWritesJSONEnvelope(t *testing.T) {
	log := zap.NewNop()
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/mail/abc", nil)

	httpError(log, w, r, errNotFound())

	require.Equal(t, http.StatusNotFound, w.Code)
	require.Equal(t, "application/json; charset=utf-8", w.Header().Get("Content-Type"))

	var body apiErr
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Equal(t, http.StatusText(http.StatusNotFound), body.Message)
}

func TestNewErrorUnwraps(t *testing.T) {
	cause := errors.New("boom")
	err := newError(KindStoreError, cause)
	require.ErrorIs(t, err, cause)
}
