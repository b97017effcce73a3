package main

import (
	"errors"
	"fmt"
	"os"
	"os/user"
	"strconv"
	"syscall"
)

var errNotUnderSudo = errors.New("SUDO_USER is not set")

// credential is the account the monitor keeps running as after setup
type credential struct {
	name string
	uid  int
	gid  int
}

func sudoCaller(getenv func(string) string, lookup func(string) (*user.User, error)) (credential, error) {
	name := getenv("SUDO_USER")
	if name == "" {
		return credential{}, errNotUnderSudo
	}
	u, err := lookup(name)
	if err != nil {
		return credential{}, fmt.Errorf("lookup %s: %w", name, err)
	}
	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return credential{}, fmt.Errorf("uid %q of %s: %w", u.Uid, name, err)
	}
	gid, err := strconv.Atoi(u.Gid)
	if err != nil {
		return credential{}, fmt.Errorf("gid %q of %s: %w", u.Gid, name, err)
	}
	return credential{name: u.Username, uid: uid, gid: gid}, nil
}

// dropToCaller continues as the sudo caller once the probes are attached.
// Supplementary groups go first, then the gid, then the uid. The kprobe links
// and ring buffer stay usable through fds opened as root.
func dropToCaller() (credential, error) {
	c, err := sudoCaller(os.Getenv, user.Lookup)
	if err != nil {
		return credential{}, err
	}
	if err := syscall.Setgroups([]int{c.gid}); err != nil {
		return credential{}, fmt.Errorf("setgroups: %w", err)
	}
	if err := syscall.Setgid(c.gid); err != nil {
		return credential{}, fmt.Errorf("setgid %d: %w", c.gid, err)
	}
	if err := syscall.Setuid(c.uid); err != nil {
		return credential{}, fmt.Errorf("setuid %d: %w", c.uid, err)
	}
	return c, nil
}
