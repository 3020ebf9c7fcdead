// Package bridge is the host facing surface: one login attempt in, one outcome out, and batch
// report retrieval that never lets a single accessory fail the whole call.
package bridge

import (
	"errors"
	"time"

	"github.com/kxapp-com/findmy-service/accessory"
	"github.com/kxapp-com/findmy-service/account"
	"github.com/kxapp-com/findmy-service/anisette"
	"github.com/kxapp-com/findmy-service/report"
	"github.com/kxapp-com/findmy-service/twofactor"
	log "github.com/sirupsen/logrus"
)

// Account is the session handle the host keeps between calls. *account.Account implements it.
type Account interface {
	Login(username, password string) (account.LoginState, error)
	State() account.LoginState
	Username() string
	SecondFactorMethods() ([]twofactor.Method, error)
	Export() (*account.Snapshot, error)
	Restore(s *account.Snapshot) error
	FetchReports(acc accessory.Accessory, start, end time.Time) ([]*report.LocationReport, error)
}

var _ Account = (*account.Account)(nil)

// Bridge fields are optional; a zero Bridge decodes descriptors with accessory.Decode, reads
// time.Now and logs to the standard logger.
type Bridge struct {
	// NewAccount builds an account bound to an anisette server.
	NewAccount func(anisetteEndpoint string) (Account, error)
	// Decode turns an accessory descriptor into something keys can be derived from.
	Decode func(descriptor string) (accessory.Accessory, error)
	Now    func() time.Time
	Log    *log.Entry
}

func New(opts ...account.Option) *Bridge {
	return &Bridge{
		NewAccount: func(endpoint string) (Account, error) {
			provider, err := anisette.NewRemoteProvider(endpoint)
			if err != nil {
				return nil, err
			}
			return account.New(provider, opts...), nil
		},
		Decode: accessory.Decode,
		Now:    time.Now,
		Log:    log.WithField("component", "bridge"),
	}
}

var errNoAccountFactory = errors.New("bridge: no account factory")

func (b *Bridge) logger() *log.Entry {
	if b.Log == nil {
		return log.WithField("component", "bridge")
	}
	return b.Log
}

func (b *Bridge) now() (t time.Time) {
	if b.Now == nil {
		return time.Now()
	}
	defer func() {
		if r := recover(); r != nil {
			b.logger().WithField("panic", r).Error("clock panicked, using system time")
			t = time.Now()
		}
	}()
	return b.Now()
}

func (b *Bridge) decode(descriptor string) (accessory.Accessory, error) {
	if b.Decode == nil {
		return accessory.Decode(descriptor)
	}
	return b.Decode(descriptor)
}

func (b *Bridge) newAccount(endpoint string) (Account, error) {
	if b.NewAccount == nil {
		return nil, errNoAccountFactory
	}
	return b.NewAccount(endpoint)
}

var Default = New()

func Login(email, password, anisetteEndpoint string) LoginOutcome {
	return Default.Login(email, password, anisetteEndpoint)
}

func ExportSession(session Account) (string, error) {
	return Default.ExportSession(session)
}

func RestoreSession(serialized, anisetteEndpoint string) (Account, bool) {
	return Default.RestoreSession(serialized, anisetteEndpoint)
}

func FetchRecent(session Account, items []Item, hoursBack int) BatchResult {
	return Default.FetchRecent(session, items, hoursBack)
}

func FetchRange(session Account, items []Item, startMs, endMs int64) BatchResult {
	return Default.FetchRange(session, items, startMs, endMs)
}
