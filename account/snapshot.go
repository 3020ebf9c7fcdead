package account

import (
	"fmt"
	"strings"

	"github.com/kxapp-com/findmy-service/gsa"
)

type SnapshotIDs struct {
	UID   string `json:"uid"`
	DevID string `json:"devid"`
}

type SnapshotAccount struct {
	Username string                  `json:"username"`
	Password string                  `json:"password"`
	Info     *gsa.ServerProvidedData `json:"info"`
}

type SnapshotLoginData struct {
	MobileMe          *MobileMe `json:"mobileme,omitempty"`
	TrustedDevicePush bool      `json:"trustedDevicePush,omitempty"`
}

type SnapshotLoginState struct {
	State LoginState        `json:"state"`
	Data  SnapshotLoginData `json:"data"`
}

// Snapshot 是账号可以导出和恢复的全部状态
type Snapshot struct {
	IDs        SnapshotIDs        `json:"ids"`
	Account    SnapshotAccount    `json:"account"`
	LoginState SnapshotLoginState `json:"login_state"`
}

func (a *Account) Export() (*Snapshot, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return &Snapshot{
		IDs:     SnapshotIDs{UID: a.uid, DevID: a.devid},
		Account: SnapshotAccount{Username: a.username, Password: a.password, Info: a.info},
		LoginState: SnapshotLoginState{
			State: a.state,
			Data:  SnapshotLoginData{MobileMe: a.mobileme, TrustedDevicePush: a.trustedDevicePush},
		},
	}, nil
}

// Restore replaces the account state with s. The account is left untouched when s is invalid.
func (a *Account) Restore(s *Snapshot) error {
	if err := s.validate(); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.uid = s.IDs.UID
	a.devid = s.IDs.DevID
	a.username = s.Account.Username
	a.password = s.Account.Password
	a.info = s.Account.Info
	a.state = s.LoginState.State
	a.mobileme = s.LoginState.Data.MobileMe
	a.trustedDevicePush = s.LoginState.Data.TrustedDevicePush
	a.log = a.log.WithField("device", a.devid)
	return nil
}

func (s *Snapshot) validate() error {
	if s == nil {
		return fmt.Errorf("%w: empty snapshot", ErrInvalidState)
	}
	if s.IDs.UID == "" || s.IDs.DevID == "" {
		return fmt.Errorf("%w: snapshot missing ids", ErrInvalidState)
	}
	switch s.LoginState.State {
	case LoggedOut:
	case Require2FA, Authenticated:
		if s.Account.Info == nil {
			return fmt.Errorf("%w: %s snapshot missing account info", ErrInvalidState, s.LoginState.State)
		}
	case LoggedIn:
		mm := s.LoginState.Data.MobileMe
		if s.Account.Info == nil || mm == nil || mm.DSID == "" || mm.SearchPartyToken == "" {
			return fmt.Errorf("%w: logged in snapshot missing credentials", ErrInvalidState)
		}
	default:
		return fmt.Errorf("%w: unknown state %d", ErrInvalidState, int(s.LoginState.State))
	}
	return nil
}

func EncodeSnapshot(s *Snapshot) (string, error) {
	if s == nil {
		return "", fmt.Errorf("%w: empty snapshot", ErrInvalidState)
	}
	raw, err := json.Marshal(s)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func DecodeSnapshot(text string) (*Snapshot, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: empty session text", ErrInvalidState)
	}
	var s Snapshot
	if err := json.UnmarshalFromString(text, &s); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	return &s, nil
}
