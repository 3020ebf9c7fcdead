package report

import (
	"slices"
	"testing"
	"time"

	"github.com/kxapp-com/findmy-service/accessory"
	"github.com/stretchr/testify/require"
)

func sealFor(t *testing.T, key *accessory.KeyPair, ts time.Time, lat, lon float64) []byte {
	t.Helper()
	eph, err := accessory.GenerateKeyPair()
	require.NoError(t, err)
	payload, err := Seal(eph, key.PublicBytes(), ts, 3, lat, lon, 42, 0x24)
	require.NoError(t, err)
	return payload
}

func TestDecryptRoundTrip(t *testing.T) {
	t.Parallel()

	key, err := accessory.GenerateKeyPair()
	require.NoError(t, err)
	ts := time.Date(2024, 6, 1, 9, 30, 15, 0, time.UTC)
	published := ts.Add(2 * time.Minute)

	payload := sealFor(t, key, ts, 52.3702157, -4.8951679)
	require.Len(t, payload, 88)

	r, err := Decrypt(key, payload, published, "found")
	require.NoError(t, err)
	require.True(t, ts.Equal(r.Timestamp))
	require.True(t, published.Equal(r.PublishedAt))
	require.InDelta(t, 52.3702157, r.Latitude, 1e-6)
	require.InDelta(t, -4.8951679, r.Longitude, 1e-6)
	require.Equal(t, 3, r.Confidence)
	require.Equal(t, 42, r.HorizontalAccuracy)
	require.Equal(t, 0x24, r.Status)
	require.Equal(t, "found", r.Description)
	require.Equal(t, key.HashedAdvKeyB64(), r.HashedAdvKey)
}

func TestDecryptLongPayloadDropsExtraByte(t *testing.T) {
	t.Parallel()

	key, err := accessory.GenerateKeyPair()
	require.NoError(t, err)
	ts := time.Date(2024, 6, 1, 9, 30, 0, 0, time.UTC)
	payload := sealFor(t, key, ts, 1.5, 2.5)

	long := append(append(append([]byte{}, payload[:4]...), 0xee), payload[4:]...)
	r, err := Decrypt(key, long, ts, "")
	require.NoError(t, err)
	require.InDelta(t, 1.5, r.Latitude, 1e-6)
}

func TestDecryptErrors(t *testing.T) {
	t.Parallel()

	key, err := accessory.GenerateKeyPair()
	require.NoError(t, err)
	other, err := accessory.GenerateKeyPair()
	require.NoError(t, err)

	_, err = Decrypt(key, make([]byte, 10), time.Time{}, "")
	require.ErrorIs(t, err, ErrPayloadTooShort)

	payload := sealFor(t, other, time.Now(), 0, 0)
	_, err = Decrypt(key, payload, time.Time{}, "")
	require.Error(t, err)
}

func TestCompareOrdersByTimestampThenPublished(t *testing.T) {
	t.Parallel()

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	a := &LocationReport{Timestamp: base, PublishedAt: base.Add(time.Minute)}
	b := &LocationReport{Timestamp: base, PublishedAt: base.Add(2 * time.Minute)}
	c := &LocationReport{Timestamp: base.Add(time.Hour)}

	reports := []*LocationReport{c, b, a}
	slices.SortStableFunc(reports, Compare)
	require.Equal(t, []*LocationReport{a, b, c}, reports)

	again := slices.Clone(reports)
	slices.SortStableFunc(again, Compare)
	require.Equal(t, reports, again)
}
