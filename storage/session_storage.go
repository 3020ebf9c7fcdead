package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gitee.com/kxapp/kxapp-common/utilz"
)

const sessionExt = ".session"

var (
	ErrNotFound     = errors.New("storage: session not found")
	ErrInvalidEmail = errors.New("storage: invalid email")
)

// storedSession 保存到磁盘上的会话，Session 是账号导出的文本
type storedSession struct {
	Email   string    `json:"email"`
	Session string    `json:"session"`
	SavedAt time.Time `json:"savedAt"`
}

/*
Store 每个账号一个文件，Password 不为空的时候文件内容使用 rc4 加密，为空的时候 utilz 直接写 json
*/
type Store struct {
	Dir      string
	Password string
}

func New(dir, password string) *Store {
	return &Store{Dir: dir, Password: password}
}

// DefaultDir ~/findmy/sessions, falling back to the working directory.
func DefaultDir() string {
	h, e := os.UserHomeDir()
	if e != nil {
		h = "./"
	}
	return filepath.Join(h, "findmy", "sessions")
}

func (s *Store) Path(email string) (string, error) {
	email = strings.TrimSpace(email)
	if email == "" || email != filepath.Base(email) || strings.HasPrefix(email, ".") {
		return "", fmt.Errorf("%w: %q", ErrInvalidEmail, email)
	}
	return filepath.Join(s.Dir, strings.ToLower(email)+sessionExt), nil
}

func (s *Store) Save(email, session string) error {
	p, err := s.Path(email)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return err
	}
	stored := &storedSession{Email: email, Session: session, SavedAt: time.Now().UTC()}
	return utilz.WriteToJsonFileSec(p, stored, s.Password)
}

func (s *Store) Load(email string) (string, error) {
	p, err := s.Path(email)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(p); errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("%w: %s", ErrNotFound, email)
	}
	stored, err := utilz.ReadFromJsonFileSec[storedSession](p, s.Password)
	if err != nil {
		return "", fmt.Errorf("storage: read %s: %w", p, err)
	}
	return stored.Session, nil
}

func (s *Store) Remove(email string) error {
	p, err := s.Path(email)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
