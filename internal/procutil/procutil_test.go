package procutil

import (
	"os"
	"testing"
)

func TestAlive(t *testing.T) {
	if !Alive(os.Getpid()) {
		t.Error("own pid reported dead")
	}
	if Alive(0) || Alive(-1) {
		t.Error("non-positive pids reported alive")
	}
	if Alive(2147483646) {
		t.Error("implausible pid reported alive")
	}
}

func TestStableAncestorPID(t *testing.T) {
	pid := StableAncestorPID(os.Getpid())
	if pid <= 0 {
		t.Errorf("ancestor pid = %d", pid)
	}
	// A pid with no process falls back to itself.
	if got := StableAncestorPID(2147483646); got != 2147483646 {
		t.Errorf("missing process ancestor = %d, want input", got)
	}
}
