package bridge

import (
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/kxapp-com/findmy-service/account"
)

var errNilSession = errors.New("bridge: nil session")

/*
Login 执行一次登录，不重试。所有错误（包括panic）都转换成只带 Error 的结果
*/
func (b *Bridge) Login(email, password, anisetteEndpoint string) (out LoginOutcome) {
	entry := b.logger().WithField("email", email)
	defer func() {
		if r := recover(); r != nil {
			entry.WithField("panic", r).Error("login panicked\n", string(debug.Stack()))
			out = LoginOutcome{Error: fmt.Sprintf("login failed: %v", r)}
		}
	}()

	acc, err := b.newAccount(anisetteEndpoint)
	if err != nil {
		entry.WithError(err).Error("create account failed")
		return LoginOutcome{Error: err.Error()}
	}
	state, err := acc.Login(email, password)
	if err != nil {
		entry.WithError(err).Error("login failed")
		return LoginOutcome{Error: err.Error()}
	}
	if state != account.Require2FA {
		entry.WithField("state", state).Info("login resolved")
		return LoginOutcome{Account: acc, LoginState: state}
	}

	methods, err := acc.SecondFactorMethods()
	if err != nil {
		entry.WithError(err).Error("list second factor methods failed")
		return LoginOutcome{Error: err.Error()}
	}
	descriptors := make([]MethodDescriptor, 0, len(methods))
	for _, m := range methods {
		descriptors = append(descriptors, Classify(m))
	}
	entry.WithField("methods", len(descriptors)).Info("second factor required")
	return LoginOutcome{Account: acc, LoginState: state, RequiresSecondFactor: true, Methods: descriptors}
}

func (b *Bridge) ExportSession(session Account) (text string, err error) {
	logger := b.logger()
	defer func() {
		if r := recover(); r != nil {
			logger.WithField("panic", r).Error("export panicked\n", string(debug.Stack()))
			text, err = "", fmt.Errorf("export session: %v", r)
		}
	}()
	if session == nil {
		return "", errNilSession
	}
	snap, err := session.Export()
	if err != nil {
		return "", fmt.Errorf("export session: %w", err)
	}
	return account.EncodeSnapshot(snap)
}

/*
RestoreSession 从导出的文本恢复会话，任何失败都只返回 false，原因写到日志里
*/
func (b *Bridge) RestoreSession(serialized, anisetteEndpoint string) (session Account, ok bool) {
	logger := b.logger()
	defer func() {
		if r := recover(); r != nil {
			logger.WithField("panic", r).Error("restore panicked\n", string(debug.Stack()))
			session, ok = nil, false
		}
	}()
	snap, err := account.DecodeSnapshot(serialized)
	if err != nil {
		logger.WithError(err).Error("restore session: decode failed")
		return nil, false
	}
	acc, err := b.newAccount(anisetteEndpoint)
	if err != nil {
		logger.WithError(err).Error("restore session: create account failed")
		return nil, false
	}
	if err := acc.Restore(snap); err != nil {
		logger.WithError(err).Error("restore session failed")
		return nil, false
	}
	return acc, true
}
