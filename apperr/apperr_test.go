package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4"
	"github.com/stretchr/testify/require"
)

func TestStatusCodes(t *testing.T) {
	var cases = []struct {
		err    *Error
		status int
	}{
		{BadRequest("bad"), http.StatusBadRequest},
		{Unauthorized("who"), http.StatusUnauthorized},
		{Forbidden("no"), http.StatusForbidden},
		{NotFound("gone"), http.StatusNotFound},
		{MethodNotAllowed("nope"), http.StatusMethodNotAllowed},
		{Conflict("dup"), http.StatusConflict},
		{Unprocessable("cannot"), http.StatusUnprocessableEntity},
		{Internal(errors.New("boom")), http.StatusInternalServerError},
		{NotImplemented("later"), http.StatusNotImplemented},
		{BadGateway("upstream"), http.StatusBadGateway},
		{Unavailable("busy"), http.StatusServiceUnavailable},
	}
	for _, tc := range cases {
		require.Equal(t, tc.status, tc.err.Status())
	}
}

func TestInternalMasksCauseFromClients(t *testing.T) {
	var cause = errors.New("dial tcp 10.0.0.5:5432: connect: connection refused")
	var err = Internal(cause)

	// The cause stays reachable for logs and unwrapping, but the
	// client-visible message carries none of it.
	require.True(t, errors.Is(err, cause))
	require.Equal(t, "internal server error: "+cause.Error(), err.Error())
	require.Equal(t, "internal server error", err.Message())
}

func TestFrom(t *testing.T) {
	var classified = NotFound("document missing")
	require.Equal(t, classified, From(classified))

	// A classified error survives wrapping.
	var wrapped = fmt.Errorf("reading title: %w", classified)
	require.Equal(t, classified, From(wrapped))

	var unknown = From(errors.New("surprise"))
	require.Equal(t, http.StatusInternalServerError, unknown.Status())
}

func TestFromStore(t *testing.T) {
	var cases = []struct {
		name   string
		err    error
		status int
	}{
		{"noRows", pgx.ErrNoRows, http.StatusNotFound},
		{"wrappedNoRows", fmt.Errorf("query: %w", pgx.ErrNoRows), http.StatusNotFound},
		{"notNull", &pgconn.PgError{Code: "23502", ColumnName: "title"}, http.StatusBadRequest},
		{"foreignKey", &pgconn.PgError{Code: "23503", ConstraintName: "document_updates_document_id_fkey"}, http.StatusBadRequest},
		{"unique", &pgconn.PgError{Code: "23505", ConstraintName: "documents_pkey"}, http.StatusConflict},
		{"otherPgError", &pgconn.PgError{Code: "57014"}, http.StatusInternalServerError},
		{"plainError", errors.New("dial tcp: connection refused"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.status, FromStore(tc.err).Status())
		})
	}

	// Already-classified errors pass through unchanged.
	var classified = BadRequest("malformed id")
	require.Equal(t, classified, FromStore(classified))
}

func TestWriteHTTP(t *testing.T) {
	var rec = httptest.NewRecorder()
	WriteHTTP(rec, NotFound("document 42 not found"))

	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, "document 42 not found\n", rec.Body.String())

	// An unclassified failure renders as a bare 500, with no trace of the
	// backend in the body.
	rec = httptest.NewRecorder()
	WriteHTTP(rec, errors.New("dial tcp 10.0.0.5:5432: connect: connection refused"))

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Equal(t, "internal server error\n", rec.Body.String())
	require.NotContains(t, rec.Body.String(), "10.0.0.5")
}
