package manager

import (
	"strings"
	"sync"
)

// Session is what the registry holds; *account.Account satisfies it.
type Session interface {
	Username() string
}

// Restorer rebuilds a session from its exported text.
type Restorer[T Session] func(text string) (T, bool)

/*
SessionManager 按用户名缓存已经登录的会话，避免每次请求都重新登录
*/
type SessionManager[T Session] struct {
	sessions map[string]T
	mu       sync.Mutex
}

func NewSessionManager[T Session]() *SessionManager[T] {
	return &SessionManager[T]{sessions: make(map[string]T)}
}

var (
	defaultManager *SessionManager[Session]
	onceManager    sync.Once
)

func GetSessionManager() *SessionManager[Session] {
	onceManager.Do(func() {
		defaultManager = NewSessionManager[Session]()
	})
	return defaultManager
}

func key(userName string) string {
	return strings.ToLower(strings.TrimSpace(userName))
}

func (m *SessionManager[T]) Get(userName string) (T, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[key(userName)]
	return s, ok
}

func (m *SessionManager[T]) Put(session T) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[key(session.Username())] = session
}

func (m *SessionManager[T]) Remove(userName string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, key(userName))
}

func (m *SessionManager[T]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

/*
LoadOrRestore 先查缓存，没有的时候用 load 读出导出的文本再恢复，恢复成功后放进缓存
*/
func (m *SessionManager[T]) LoadOrRestore(userName string, load func(userName string) (string, error), restore Restorer[T]) (T, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[key(userName)]; ok {
		return s, true
	}
	var zero T
	text, err := load(userName)
	if err != nil {
		return zero, false
	}
	s, ok := restore(text)
	if !ok {
		return zero, false
	}
	m.sessions[key(userName)] = s
	return s, true
}
