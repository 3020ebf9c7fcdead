package storage

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSaveLoadRemove(t *testing.T) {
	t.Parallel()

	for _, password := range []string{"", "session-pass"} {
		s := New(t.TempDir(), password)
		require.NoError(t, s.Save("User@Example.com", `{"ids":{"uid":"1"}}`))

		if password == "" {
			p, err := s.Path("user@example.com")
			require.NoError(t, err)
			raw, err := os.ReadFile(p)
			require.NoError(t, err)
			require.Contains(t, string(raw), "User@Example.com")
		}

		got, err := s.Load("user@example.com")
		require.NoError(t, err)
		require.Equal(t, `{"ids":{"uid":"1"}}`, got)

		require.NoError(t, s.Remove("user@example.com"))
		_, err = s.Load("user@example.com")
		require.ErrorIs(t, err, ErrNotFound)
		require.NoError(t, s.Remove("user@example.com"))
	}
}

func TestPathRejectsTraversal(t *testing.T) {
	t.Parallel()

	s := New(t.TempDir(), "")
	for _, email := range []string{"", "../evil", "a/b", ".hidden"} {
		_, err := s.Path(email)
		require.ErrorIs(t, err, ErrInvalidEmail, email)
	}
}
