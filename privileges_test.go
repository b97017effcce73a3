package main

import (
	"errors"
	"os/user"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func env(vars map[string]string) func(string) string {
	return func(k string) string { return vars[k] }
}

func TestSudoCallerNotUnderSudo(t *testing.T) {
	_, err := sudoCaller(env(nil), func(string) (*user.User, error) {
		t.Fatal("lookup must not run without SUDO_USER")
		return nil, nil
	})
	assert.ErrorIs(t, err, errNotUnderSudo)
}

func TestSudoCallerResolvesAccount(t *testing.T) {
	lookup := func(name string) (*user.User, error) {
		require.Equal(t, "alice", name)
		return &user.User{Username: "alice", Uid: "1000", Gid: "1001"}, nil
	}

	c, err := sudoCaller(env(map[string]string{"SUDO_USER": "alice"}), lookup)
	require.NoError(t, err)
	assert.Equal(t, credential{name: "alice", uid: 1000, gid: 1001}, c)
}

func TestSudoCallerErrors(t *testing.T) {
	errUnknown := errors.New("unknown user")
	tests := []struct {
		name   string
		lookup func(string) (*user.User, error)
		want   string
	}{
		{
			name:   "lookup fails",
			lookup: func(string) (*user.User, error) { return nil, errUnknown },
			want:   "lookup bob",
		},
		{
			name:   "non numeric uid",
			lookup: func(string) (*user.User, error) { return &user.User{Username: "bob", Uid: "S-1-5", Gid: "100"}, nil },
			want:   `uid "S-1-5"`,
		},
		{
			name:   "non numeric gid",
			lookup: func(string) (*user.User, error) { return &user.User{Username: "bob", Uid: "100", Gid: "staff"}, nil },
			want:   `gid "staff"`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := sudoCaller(env(map[string]string{"SUDO_USER": "bob"}), tt.lookup)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
