package gsa

import (
	"bytes"
	"testing"

	"github.com/kxapp-com/findmy-service/anisette"
	"github.com/kxapp-com/findmy-service/internal/appletest"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) (*Client, *appletest.Server, *anisette.Data) {
	t.Helper()
	srv := appletest.NewServer()
	t.Cleanup(srv.Close)
	c := NewClient()
	c.URL = srv.GSAURL()
	c.HttpClient = srv.Client()

	provider, err := anisette.NewRemoteProvider(srv.AnisetteURL())
	require.NoError(t, err)
	data, err := provider.Fetch("user-id", "device-id")
	require.NoError(t, err)
	return c, srv, data
}

func TestAuthenticate(t *testing.T) {
	t.Parallel()

	c, srv, data := newTestClient(t)
	result, e := c.Authenticate(srv.Username, srv.Password, data)
	require.Nil(t, e)
	require.False(t, result.NeedsSecondFactor())
	require.Equal(t, appletest.ADSID, result.SPD.Adsid)
	require.Equal(t, appletest.PetToken, result.SPD.Token(TokenIdmsPet))
	require.Equal(t, appletest.IdentityToken(), result.SPD.IdentityToken())
}

func TestAuthenticateFoProtocol(t *testing.T) {
	t.Parallel()

	c, srv, data := newTestClient(t)
	srv.Protocol = "s2k_fo"
	result, e := c.Authenticate(srv.Username, srv.Password, data)
	require.Nil(t, e)
	require.Equal(t, appletest.PetToken, result.SPD.Token(TokenIdmsPet))
}

func TestAuthenticateWrongPassword(t *testing.T) {
	t.Parallel()

	c, srv, data := newTestClient(t)
	_, e := c.Authenticate(srv.Username, "not-the-password", data)
	require.NotNil(t, e)
	require.Equal(t, appletest.ErrorCodeBadCredentials, e.Status)
	require.Contains(t, e.Body, "incorrectly")
}

func TestAuthenticateSecondFactor(t *testing.T) {
	t.Parallel()

	c, srv, data := newTestClient(t)
	srv.Require2FA = true
	result, e := c.Authenticate(srv.Username, srv.Password, data)
	require.Nil(t, e)
	require.True(t, result.NeedsSecondFactor())
	require.Empty(t, result.SPD.Token(TokenIdmsPet))
}

func TestAuthenticateRequiresAnisette(t *testing.T) {
	t.Parallel()

	_, e := NewClient().Authenticate("u", "p", nil)
	require.NotNil(t, e)
}

func TestNeedsSecondFactorFromSPDStatus(t *testing.T) {
	t.Parallel()

	require.True(t, (&AuthResult{SPD: ServerProvidedData{StatusCode: StatusSecondaryActionRequired}}).NeedsSecondFactor())
	require.True(t, (&AuthResult{Status: Status{AuthMode: AuthSecondary}}).NeedsSecondFactor())
	require.False(t, (&AuthResult{}).NeedsSecondFactor())
}

func TestDecryptSPD(t *testing.T) {
	t.Parallel()

	key := bytes.Repeat([]byte{0x42}, 32)
	for _, plain := range [][]byte{[]byte("x"), bytes.Repeat([]byte("a"), 16), []byte("<plist>spd</plist>")} {
		sealed, err := appletest.EncryptSPD(plain, key)
		require.NoError(t, err)
		got, err := DecryptSPD(sealed, key)
		require.NoError(t, err)
		require.Equal(t, plain, got)
	}

	_, err := DecryptSPD([]byte("short"), key)
	require.ErrorIs(t, err, errBadPadding)
}
