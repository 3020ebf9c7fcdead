package anisette

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewRemoteProviderValidatesURL(t *testing.T) {
	t.Parallel()

	for _, raw := range []string{"", "not a url", "ftp://host", "http://"} {
		_, err := NewRemoteProvider(raw)
		require.Error(t, err, raw)
	}
	p, err := NewRemoteProvider(" https://ani.example.com/ ")
	require.NoError(t, err)
	require.Equal(t, "https://ani.example.com/", p.URL)
}

func TestFetchFillsDefaults(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{
			"X-Apple-I-MD":   "md",
			"X-Apple-I-MD-M": "mdm",
			"X-Apple-Locale": "de_DE",
		})
	}))
	defer srv.Close()

	p, err := NewRemoteProvider(srv.URL)
	require.NoError(t, err)
	p.now = func() time.Time { return time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC) }

	d, err := p.Fetch("user-1", "dev-1")
	require.NoError(t, err)
	require.Equal(t, "md", d.XAppleIMD)
	require.Equal(t, "mdm", d.XAppleIMDM)
	require.Equal(t, "de_DE", d.XAppleLocale)
	require.Equal(t, DefaultRInfo, d.XAppleIMDRINFO)
	require.Equal(t, "DEV-1", d.XMmeDeviceId)
	require.Equal(t, "2024-05-01T10:00:00Z", d.XAppleIClientTime)
	require.Equal(t, "VVNFUi0x", d.XAppleIMDLU)

	h := d.Headers()
	require.Equal(t, "md", h["X-Apple-I-MD"])
	require.Equal(t, DefaultClientInfo, h["X-Mme-Client-Info"])
}

func TestFetchErrors(t *testing.T) {
	t.Parallel()

	t.Run("non 200 status", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer srv.Close()
		p, err := NewRemoteProvider(srv.URL)
		require.NoError(t, err)
		_, err = p.Fetch("u", "d")
		require.Error(t, err)
	})

	t.Run("missing machine data", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"X-Apple-I-MD":"md"}`))
		}))
		defer srv.Close()
		p, err := NewRemoteProvider(srv.URL)
		require.NoError(t, err)
		_, err = p.Fetch("u", "d")
		require.ErrorIs(t, err, ErrMissingMachineData)
	})
}
