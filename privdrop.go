package main

import (
	"fmt"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// dropPrivileges sets the effective UID back to the real UID. Binding port
// 53 needs root, serving queries does not.
func dropPrivileges() error {
	if unix.Geteuid() != 0 {
		return nil
	}
	uid := unix.Getuid()
	if uid == 0 {
		log.Warn("running as root; no unprivileged UID to drop to")
		return nil
	}
	if err := unix.Setuid(uid); err != nil {
		return fmt.Errorf("dropping privileges to uid %d: %w", uid, err)
	}
	log.Infof("dropped privileges to uid %d", uid)
	return nil
}
