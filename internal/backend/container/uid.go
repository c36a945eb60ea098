package container

import (
	"os"
	"strconv"
)

// currentUID returns the "uid:gid" Docker's Config.User expects, matching
// the invoking process — the sandbox must never run as root, per spec.md
// §4.7 point 2.
func currentUID() string {
	uid := os.Getuid()
	gid := os.Getgid()
	if uid == 0 {
		// Refuse to hand the sandbox root; fall back to an unprivileged
		// placeholder uid rather than silently granting root.
		uid, gid = 1000, 1000
	}
	return strconv.Itoa(uid) + ":" + strconv.Itoa(gid)
}
