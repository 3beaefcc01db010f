package provider

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTwilioTestServer(t *testing.T, status int, body string) (*TwilioProvider, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Contains(t, r.URL.Path, "/2010-04-01/Accounts/AC123/Messages.json")
		user, pass, ok := r.BasicAuth()
		require.True(t, ok)
		assert.Equal(t, "AC123", user)
		assert.Equal(t, "secret", pass)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "+15558675309", r.FormValue("To"))
		assert.NotEmpty(t, r.FormValue("Body"))

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)

	p := NewTwilioProvider(TwilioConfig{
		AccountSID: "AC123",
		AuthToken:  "secret",
		BaseURL:    srv.URL,
	}, slog.Default())
	return p, srv
}

func TestTwilioProvider_SendAccepted(t *testing.T) {
	p, _ := newTwilioTestServer(t, http.StatusCreated,
		`{"sid":"SM42","status":"queued"}`)

	result, err := p.Send(context.Background(), SendRequest{
		To: "+15558675309", From: "+15550001111", Body: "hello",
	})

	require.NoError(t, err)
	assert.Equal(t, "SM42", result.ProviderMessageID)
}

func TestTwilioProvider_PermanentRejection(t *testing.T) {
	p, _ := newTwilioTestServer(t, http.StatusBadRequest,
		`{"code":21211,"message":"The 'To' number is not a valid phone number."}`)

	result, err := p.Send(context.Background(), SendRequest{
		To: "+15558675309", From: "+15550001111", Body: "hello",
	})

	assert.Nil(t, result)
	assert.True(t, errors.Is(err, ErrRejected))
	assert.Contains(t, err.Error(), "21211")
}

func TestTwilioProvider_ServerErrorIsRetryable(t *testing.T) {
	p, _ := newTwilioTestServer(t, http.StatusServiceUnavailable,
		`{"code":20500,"message":"internal"}`)

	result, err := p.Send(context.Background(), SendRequest{
		To: "+15558675309", From: "+15550001111", Body: "hello",
	})

	assert.Nil(t, result)
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrRejected))
}
