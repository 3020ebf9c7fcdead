package bridge

import (
	"errors"
	"io"
	"slices"
	"testing"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/kxapp-com/findmy-service/accessory"
	"github.com/kxapp-com/findmy-service/account"
	"github.com/kxapp-com/findmy-service/report"
	"github.com/kxapp-com/findmy-service/twofactor"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAccessory string

func (f fakeAccessory) KeysAt(time.Time) []*accessory.KeyPair { return nil }
func (f fakeAccessory) Identifier() string                    { return string(f) }

type window struct {
	start, end time.Time
}

type fakeAccount struct {
	loginState account.LoginState
	loginErr   error
	loginPanic bool
	methods    []twofactor.Method
	methodsErr error
	snapshot   *account.Snapshot
	restoreErr error
	restored   *account.Snapshot

	reports  map[string][]*report.LocationReport
	fetchErr map[string]error
	windows  []window
	fetched  []string
}

func (f *fakeAccount) Login(username, password string) (account.LoginState, error) {
	if f.loginPanic {
		panic("transport exploded")
	}
	return f.loginState, f.loginErr
}

func (f *fakeAccount) State() account.LoginState { return f.loginState }

func (f *fakeAccount) Username() string { return "user@example.com" }

func (f *fakeAccount) SecondFactorMethods() ([]twofactor.Method, error) {
	return f.methods, f.methodsErr
}

func (f *fakeAccount) Export() (*account.Snapshot, error) {
	if f.snapshot == nil {
		return nil, errors.New("not exportable")
	}
	return f.snapshot, nil
}

func (f *fakeAccount) Restore(s *account.Snapshot) error {
	if f.restoreErr != nil {
		return f.restoreErr
	}
	f.restored = s
	return nil
}

func (f *fakeAccount) FetchReports(acc accessory.Accessory, start, end time.Time) ([]*report.LocationReport, error) {
	id := acc.Identifier()
	f.fetched = append(f.fetched, id)
	f.windows = append(f.windows, window{start, end})
	if id == "panic-fetch" {
		panic("fetch exploded")
	}
	if err := f.fetchErr[id]; err != nil {
		return nil, err
	}
	return f.reports[id], nil
}

func fakeDecode(descriptor string) (accessory.Accessory, error) {
	switch descriptor {
	case "<malformed>":
		return nil, accessory.ErrInvalidDescriptor
	case "panic-decode":
		panic("decoder exploded")
	}
	return fakeAccessory(descriptor), nil
}

func newTestBridge(acc *fakeAccount) *Bridge {
	b := New()
	b.NewAccount = func(string) (Account, error) { return acc, nil }
	b.Decode = fakeDecode
	b.Now = func() time.Time { return time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC) }
	b.Log = log.WithField("component", "bridge-test")
	return b
}

type syntheticMethod struct {
	kind  twofactor.Kind
	panic bool
}

func (m *syntheticMethod) Kind() twofactor.Kind {
	if m.panic {
		panic("no kind")
	}
	return m.kind
}
func (m *syntheticMethod) Request() error      { return nil }
func (m *syntheticMethod) Submit(string) error { return nil }

func TestClassify(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		method twofactor.Method
		want   MethodType
	}{
		{"nil", nil, MethodUnknown},
		{"trusted device", twofactor.NewTrustedDeviceMethod(nil), MethodTrustedDevice},
		{"sms", twofactor.NewSmsMethod(nil, 1, "+1"), MethodPhone},
		{"synced device", twofactor.NewSyncedDeviceMethod(nil, 2, "Mac"), MethodTrustedDevice},
		{"unknown kind", &syntheticMethod{kind: twofactor.Kind(42)}, MethodUnknown},
		{"explicit unknown", &syntheticMethod{kind: twofactor.KindUnknown}, MethodUnknown},
		{"panicking kind", &syntheticMethod{panic: true}, MethodUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			d := Classify(tc.method)
			require.Equal(t, tc.want, d.Type)
			require.Equal(t, tc.method, d.Method)
		})
	}
}

func TestLoginSecondFactor(t *testing.T) {
	t.Parallel()

	sms := twofactor.NewSmsMethod(nil, 1, "+1 555")
	device := twofactor.NewTrustedDeviceMethod(nil)
	acc := &fakeAccount{loginState: account.Require2FA, methods: []twofactor.Method{device, sms, &syntheticMethod{kind: 9}}}

	out := newTestBridge(acc).Login("user@example.com", "pw", "http://anisette")
	require.False(t, out.Failed())
	require.Same(t, acc, out.Account)
	require.Equal(t, account.Require2FA, out.LoginState)
	require.True(t, out.RequiresSecondFactor)
	require.Equal(t, []MethodType{MethodTrustedDevice, MethodPhone, MethodUnknown},
		[]MethodType{out.Methods[0].Type, out.Methods[1].Type, out.Methods[2].Type})
	require.Same(t, sms, out.Methods[1].Method)
}

func TestLoginSecondFactorWithoutMethods(t *testing.T) {
	t.Parallel()

	out := newTestBridge(&fakeAccount{loginState: account.Require2FA}).Login("u", "p", "e")
	require.NotNil(t, out.Methods)
	require.Empty(t, out.Methods)

	raw, err := jsoniter.Marshal(out)
	require.NoError(t, err)
	require.Contains(t, string(raw), `"loginMethods":[]`)
}

func TestLoginResolvedHasNoMethods(t *testing.T) {
	t.Parallel()

	acc := &fakeAccount{loginState: account.LoggedIn, methods: []twofactor.Method{twofactor.NewTrustedDeviceMethod(nil)}}
	out := newTestBridge(acc).Login("u", "p", "e")
	require.False(t, out.Failed())
	require.Same(t, acc, out.Account)
	require.Equal(t, account.LoggedIn, out.LoginState)
	require.False(t, out.RequiresSecondFactor)
	require.Nil(t, out.Methods)

	raw, err := jsoniter.Marshal(out)
	require.NoError(t, err)
	require.Contains(t, string(raw), `"loginMethods":null`)
}

func TestLoginFailures(t *testing.T) {
	t.Parallel()

	cases := map[string]struct {
		acc        *fakeAccount
		accountErr error
		want       string
	}{
		"wrong password": {acc: &fakeAccount{loginErr: errors.New("gsa authenticate: -20101 Your Apple ID or password was entered incorrectly.")}, want: "entered incorrectly"},
		"provisioner":    {accountErr: errors.New("anisette: invalid server url"), want: "invalid server url"},
		"panic":          {acc: &fakeAccount{loginPanic: true}, want: "transport exploded"},
		"methods":        {acc: &fakeAccount{loginState: account.Require2FA, methodsErr: errors.New("auth data 401")}, want: "auth data 401"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			b := newTestBridge(tc.acc)
			if tc.accountErr != nil {
				b.NewAccount = func(string) (Account, error) { return nil, tc.accountErr }
			}
			out := b.Login("u", "bad", "e")
			require.True(t, out.Failed())
			require.Contains(t, out.Error, tc.want)
			require.Nil(t, out.Account)
			require.Nil(t, out.Methods)
		})
	}
}

func TestExportRestore(t *testing.T) {
	t.Parallel()

	snap := &account.Snapshot{IDs: account.SnapshotIDs{UID: "U", DevID: "D"}}
	snap.Account.Username = "user@example.com"
	snap.LoginState.State = account.LoggedOut
	source := &fakeAccount{snapshot: snap}
	target := &fakeAccount{}
	b := newTestBridge(target)

	text, err := b.ExportSession(source)
	require.NoError(t, err)

	restored, ok := b.RestoreSession(text, "http://anisette")
	require.True(t, ok)
	require.Same(t, target, restored)
	require.Equal(t, snap, target.restored)

	_, err = b.ExportSession(nil)
	require.Error(t, err)
	_, err = b.ExportSession(&fakeAccount{})
	require.Error(t, err)
}

func TestRestoreFailures(t *testing.T) {
	t.Parallel()

	b := newTestBridge(&fakeAccount{restoreErr: account.ErrInvalidState})
	for _, text := range []string{"", "{broken", `{"ids":{}}`} {
		s, ok := b.RestoreSession(text, "e")
		require.False(t, ok, text)
		require.Nil(t, s)
	}

	b = newTestBridge(&fakeAccount{})
	b.NewAccount = func(string) (Account, error) { return nil, errors.New("bad endpoint") }
	_, ok := b.RestoreSession(`{"ids":{"uid":"u","devid":"d"}}`, "::")
	require.False(t, ok)
}

func at(minute int) time.Time {
	return time.Date(2024, 6, 1, 10, minute, 0, 0, time.UTC)
}

func TestFetchKeySetAndIsolation(t *testing.T) {
	t.Parallel()

	acc := &fakeAccount{
		reports: map[string][]*report.LocationReport{
			"desc-a": {{Timestamp: at(5), PublishedAt: at(6), Latitude: 1}, {Timestamp: at(1), PublishedAt: at(2), Latitude: 2}},
			"desc-d": {{Timestamp: at(3)}},
		},
		fetchErr: map[string]error{"desc-c": errors.New("gateway 500")},
	}
	items := []Item{
		{ID: "A", Descriptor: "desc-a"},
		{ID: "B", Descriptor: "<malformed>"},
		{ID: "C", Descriptor: "desc-c"},
		{ID: "P", Descriptor: "panic-decode"},
		{ID: "Q", Descriptor: "panic-fetch"},
		{ID: "D", Descriptor: "desc-d"},
	}

	result := newTestBridge(acc).FetchRecent(acc, items, 24)
	require.Len(t, result, len(items))
	for _, id := range []string{"B", "C", "P", "Q"} {
		require.NotNil(t, result[id], id)
		require.Empty(t, result[id], id)
	}
	require.Len(t, result["A"], 2)
	require.Equal(t, at(1).UnixMilli(), *result["A"][0].Timestamp)
	require.Equal(t, at(5).UnixMilli(), *result["A"][1].Timestamp)
	require.Len(t, result["D"], 1)
	require.Equal(t, []string{"desc-a", "desc-c", "panic-fetch", "desc-d"}, acc.fetched)
}

func TestFetchAllFailing(t *testing.T) {
	t.Parallel()

	acc := &fakeAccount{}
	items := []Item{{ID: "x", Descriptor: "<malformed>"}, {ID: "y", Descriptor: "panic-decode"}}
	result := newTestBridge(acc).FetchRange(acc, items, 0, 1000)
	require.Equal(t, BatchResult{"x": {}, "y": {}}, result)
}

func TestFetchEmptyAndNil(t *testing.T) {
	t.Parallel()

	b := newTestBridge(&fakeAccount{})
	result := b.FetchRecent(&fakeAccount{}, nil, 24)
	require.NotNil(t, result)
	require.Empty(t, result)

	result = b.FetchRange(nil, []Item{{ID: "a", Descriptor: "desc-a"}}, 0, 1)
	require.Equal(t, BatchResult{"a": {}}, result)
}

func TestFetchDuplicateIDLastWins(t *testing.T) {
	t.Parallel()

	acc := &fakeAccount{reports: map[string][]*report.LocationReport{"first": {{Timestamp: at(1)}}}}
	items := []Item{{ID: "dup", Descriptor: "first"}, {ID: "dup", Descriptor: "<malformed>"}}
	result := newTestBridge(acc).FetchRecent(acc, items, 1)
	require.Equal(t, BatchResult{"dup": {}}, result)

	items = []Item{{ID: "dup", Descriptor: "<malformed>"}, {ID: "dup", Descriptor: "first"}}
	result = newTestBridge(acc).FetchRecent(acc, items, 1)
	require.Len(t, result["dup"], 1)
}

func TestFetchRangeWindowSharedByItems(t *testing.T) {
	t.Parallel()

	acc := &fakeAccount{}
	start := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(36 * time.Hour)
	items := []Item{{ID: "a", Descriptor: "a"}, {ID: "b", Descriptor: "b"}}

	newTestBridge(acc).FetchRange(acc, items, start.UnixMilli(), end.UnixMilli())
	require.Equal(t, []window{{start, end}, {start, end}}, acc.windows)
}

func TestFetchRecentWindowFixedPerCall(t *testing.T) {
	t.Parallel()

	acc := &fakeAccount{}
	b := newTestBridge(acc)
	calls := 0
	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	b.Now = func() time.Time {
		calls++
		return base.Add(time.Duration(calls) * time.Minute)
	}

	b.FetchRecent(acc, []Item{{ID: "a", Descriptor: "a"}, {ID: "b", Descriptor: "b"}}, 6)
	require.Equal(t, 1, calls)
	end := base.Add(time.Minute)
	require.Equal(t, []window{{end.Add(-6 * time.Hour), end}, {end.Add(-6 * time.Hour), end}}, acc.windows)
}

func TestRecordMapping(t *testing.T) {
	t.Parallel()

	acc := &fakeAccount{reports: map[string][]*report.LocationReport{
		"a": {
			{Timestamp: at(2), Description: "found", Confidence: 3, Latitude: 52.1, Longitude: 4.2, HorizontalAccuracy: 12, Status: 36},
			nil,
			{PublishedAt: at(1)},
		},
	}}
	result := newTestBridge(acc).FetchRecent(acc, []Item{{ID: "a", Descriptor: "a"}}, 24)
	records := result["a"]
	require.Len(t, records, 2)

	// zero timestamp sorts first and is reported as absent
	assert.Nil(t, records[0].Timestamp)
	assert.Equal(t, at(1).UnixMilli(), *records[0].PublishedAt)

	assert.Nil(t, records[1].PublishedAt)
	assert.Equal(t, ReportRecord{
		Timestamp:          records[1].Timestamp,
		Description:        "found",
		Confidence:         3,
		Latitude:           52.1,
		Longitude:          4.2,
		HorizontalAccuracy: 12,
		Status:             "36",
	}, records[1])

	raw, err := jsoniter.Marshal(records[1])
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "publishedAt")
	assert.Contains(t, string(raw), `"status":"36"`)
}

func TestSortIsIdempotent(t *testing.T) {
	t.Parallel()

	sorted := []*report.LocationReport{
		{Timestamp: at(1), PublishedAt: at(3)},
		{Timestamp: at(1), PublishedAt: at(4)},
		{Timestamp: at(2)},
	}
	require.True(t, slices.IsSortedFunc(sorted, report.Compare))
	acc := &fakeAccount{reports: map[string][]*report.LocationReport{"a": sorted}}
	b := newTestBridge(acc)

	first := b.FetchRecent(acc, []Item{{ID: "a", Descriptor: "a"}}, 1)
	second := b.FetchRecent(acc, []Item{{ID: "a", Descriptor: "a"}}, 1)
	require.Equal(t, first, second)
	require.Equal(t, at(3).UnixMilli(), *first["a"][0].PublishedAt)
	require.Equal(t, at(4).UnixMilli(), *first["a"][1].PublishedAt)
}

func TestZeroBridgeNeverPanics(t *testing.T) {
	t.Parallel()

	var b Bridge
	out := b.Login("u", "p", "e")
	require.True(t, out.Failed())
	require.Nil(t, out.Account)

	acc := &fakeAccount{}
	items := []Item{{ID: "x", Descriptor: "<malformed>"}}
	require.Equal(t, BatchResult{"x": {}}, b.FetchRange(acc, items, 0, 1))
	require.Equal(t, BatchResult{"x": {}}, b.FetchRecent(acc, items, 1))

	_, err := b.ExportSession(nil)
	require.Error(t, err)
	_, ok := b.RestoreSession("{}", "e")
	require.False(t, ok)
}

func TestFetchRecentClockPanics(t *testing.T) {
	t.Parallel()

	acc := &fakeAccount{}
	b := newTestBridge(acc)
	b.Now = func() time.Time { panic("clock exploded") }
	result := b.FetchRecent(acc, []Item{{ID: "a", Descriptor: "a"}}, 1)
	require.Equal(t, BatchResult{"a": {}}, result)
	require.Len(t, acc.windows, 1)
}

// failingHook breaks logging for one beacon, which aborts the batch outside any item.
type failingHook string

func (h failingHook) Levels() []log.Level { return log.AllLevels }

func (h failingHook) Fire(e *log.Entry) error {
	if e.Data["beaconId"] == string(h) {
		panic("log sink exploded")
	}
	return nil
}

func TestFetchBatchPanicKeepsPartialResult(t *testing.T) {
	t.Parallel()

	acc := &fakeAccount{
		reports:  map[string][]*report.LocationReport{"desc-a": {{Timestamp: at(1)}}},
		fetchErr: map[string]error{"desc-c": errors.New("gateway 500")},
	}
	logger := log.New()
	logger.SetOutput(io.Discard)
	logger.AddHook(failingHook("C"))
	b := newTestBridge(acc)
	b.Log = log.NewEntry(logger)

	items := []Item{{ID: "A", Descriptor: "desc-a"}, {ID: "C", Descriptor: "desc-c"}, {ID: "D", Descriptor: "desc-d"}}
	var result BatchResult
	require.NotPanics(t, func() { result = b.FetchRange(acc, items, 0, 1) })
	require.NotNil(t, result)
	require.Len(t, result["A"], 1)
	require.NotContains(t, result, "C")
	require.NotContains(t, result, "D")
}
