// Package procutil wraps the process inspection and detachment details the
// session lifecycle depends on: liveness checks, picking a long-lived
// ancestor to watch, and spawning daemons that outlive their parent.
package procutil

import (
	"strings"

	"github.com/shirou/gopsutil/v3/process"
)

// Alive reports whether a process with the given pid currently exists.
// pid <= 0 is never alive.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	ok, err := process.PidExists(int32(pid))
	return err == nil && ok
}

// stableNames are executables worth anchoring a session to. Hook runners
// and shells wrapping a single command come and go; the editor or agent
// process above them spans the whole session.
var stableNames = []string{"claude", "node", "code", "cursor", "windsurf", "zed", "idea", "goland"}

// transientNames are wrappers we skip past when walking up the tree.
var transientNames = []string{"sh", "bash", "zsh", "fish", "env", "timeout", "xargs"}

// StableAncestorPID walks up from pid looking for a long-lived ancestor to
// monitor. It prefers a known agent or editor process, falls back to the
// first non-transient ancestor, and finally to pid itself.
func StableAncestorPID(pid int) int {
	fallback := pid
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return pid
	}

	for depth := 0; depth < 10; depth++ {
		parent, err := p.Parent()
		if err != nil {
			break
		}
		ppid := int(parent.Pid)
		if ppid <= 1 {
			break
		}
		name, err := parent.Name()
		if err != nil {
			break
		}
		name = strings.ToLower(name)

		if matchesAny(name, stableNames) {
			return ppid
		}
		if !matchesAny(name, transientNames) && fallback == pid {
			fallback = ppid
		}
		p = parent
	}
	return fallback
}

func matchesAny(name string, candidates []string) bool {
	for _, c := range candidates {
		if strings.Contains(name, c) {
			return true
		}
	}
	return false
}
