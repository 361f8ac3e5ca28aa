package portalapi

import (
	"context"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/x509"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caresphere/portalcrypt"
	"github.com/caresphere/portalcrypt/internal"
	"github.com/caresphere/portalcrypt/pkg/servertest"
)

func newEstablishRequest(t *testing.T) *portalcrypt.EstablishRequest {
	t.Helper()

	private, err := ecdh.P256().GenerateKey(rand.Reader)
	require.NoError(t, err)

	der, err := x509.MarshalPKIXPublicKey(private.PublicKey())
	require.NoError(t, err)

	return &portalcrypt.EstablishRequest{
		ClientPublicKey: internal.B64Encode(der),
		DeviceID:        "device-under-test",
	}
}

func TestClient_EstablishSession(t *testing.T) {
	srv := servertest.New()
	defer srv.Close()

	c := New(srv.URL)

	resp, err := c.EstablishSession(context.Background(), newEstablishRequest(t))
	require.NoError(t, err)

	assert.NotEmpty(t, resp.SessionID)

	// the server's public key is a parseable SPKI EC key
	der, err := internal.B64Decode(resp.ServerPublicKey)
	require.NoError(t, err)

	_, err = x509.ParsePKIXPublicKey(der)
	assert.NoError(t, err)

	expiresAt, err := time.Parse(time.RFC3339, resp.ExpiresAt)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(servertest.DefaultSessionTTL), expiresAt, 2*time.Second)

	// the handshake produced a shared secret and recorded the device
	secret, ok := srv.SessionSecret(resp.SessionID)
	assert.True(t, ok)
	assert.Len(t, secret, 32)

	deviceID, ok := srv.SessionDeviceID(resp.SessionID)
	assert.True(t, ok)
	assert.Equal(t, "device-under-test", deviceID)
}

func TestClient_EstablishSession_ServerFailure(t *testing.T) {
	srv := servertest.New(servertest.WithEstablishFailure(http.StatusServiceUnavailable, "maintenance"))
	defer srv.Close()

	c := New(srv.URL)

	resp, err := c.EstablishSession(context.Background(), newEstablishRequest(t))

	if assert.Error(t, err) {
		assert.Nil(t, resp)

		var estErr *portalcrypt.EstablishmentError
		require.ErrorAs(t, err, &estErr)
		assert.Equal(t, http.StatusServiceUnavailable, estErr.StatusCode)
		assert.Contains(t, estErr.Body, "maintenance")
	}
}

func TestClient_EstablishSession_TransportFailure(t *testing.T) {
	srv := servertest.New()
	srv.Close()

	c := New(srv.URL)

	resp, err := c.EstablishSession(context.Background(), newEstablishRequest(t))

	if assert.Error(t, err) {
		assert.Nil(t, resp)

		var estErr *portalcrypt.EstablishmentError
		require.ErrorAs(t, err, &estErr)
		assert.Zero(t, estErr.StatusCode)
		assert.Error(t, estErr.Err)
	}
}

func TestClient_InvalidateSession(t *testing.T) {
	srv := servertest.New()
	defer srv.Close()

	c := New(srv.URL)

	resp, err := c.EstablishSession(context.Background(), newEstablishRequest(t))
	require.NoError(t, err)

	require.NoError(t, c.InvalidateSession(context.Background(), resp.SessionID))

	_, ok := srv.SessionSecret(resp.SessionID)
	assert.False(t, ok)

	// invalidation is idempotent
	assert.NoError(t, c.InvalidateSession(context.Background(), resp.SessionID))
}

func TestClient_BindSession(t *testing.T) {
	srv := servertest.New()
	defer srv.Close()

	c := New(srv.URL)

	resp, err := c.EstablishSession(context.Background(), newEstablishRequest(t))
	require.NoError(t, err)

	assert.NoError(t, c.BindSession(context.Background(), resp.SessionID))

	err = c.BindSession(context.Background(), "no-such-session")
	if assert.Error(t, err) {
		assert.Contains(t, err.Error(), "404")
	}
}

func TestClient_BindSession_RequiresAuthCookie(t *testing.T) {
	srv := servertest.New()
	defer srv.Close()

	// a client without a cookie jar drops the auth cookie on the floor
	c := New(srv.URL, WithHTTPClient(&http.Client{}))

	resp, err := c.EstablishSession(context.Background(), newEstablishRequest(t))
	require.NoError(t, err)

	err = c.BindSession(context.Background(), resp.SessionID)
	if assert.Error(t, err) {
		assert.Contains(t, err.Error(), "401")
	}
}

func TestNew_TrimsTrailingSlash(t *testing.T) {
	srv := servertest.New()
	defer srv.Close()

	c := New(srv.URL + "/")

	_, err := c.EstablishSession(context.Background(), newEstablishRequest(t))
	assert.NoError(t, err)
}

func TestNew_Options(t *testing.T) {
	c := New("https://portal.test/api", WithTimeout(5*time.Second))

	assert.Equal(t, "https://portal.test/api", c.baseURL)
	assert.Equal(t, 5*time.Second, c.client.Timeout)
}
