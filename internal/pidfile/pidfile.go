/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package pidfile implements daemon PID-file discipline: startup refuses
// when a live holder exists, and the file is removed on every shutdown path.
package pidfile

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"

	"github.com/gofrs/flock"
)

// PIDFile is an acquired PID file plus the flock guarding it.
type PIDFile struct {
	path string
	lock *flock.Flock
}

// Acquire writes the PID file at path after taking an exclusive flock on a
// sibling lock file. The flock closes the check-then-write race between two
// daemons starting concurrently; the stored PID additionally guards against a
// stale file surviving a crash.
func Acquire(path string) (*PIDFile, error) {
	lock := flock.New(path + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquiring pid lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("daemon already running (lock held by another process)")
	}

	if pid, ok := readPID(path); ok && processAlive(pid) {
		_ = lock.Unlock()
		return nil, fmt.Errorf("daemon already running (pid %d)", pid)
	}

	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0644); err != nil {
		_ = lock.Unlock()
		return nil, fmt.Errorf("writing pid file: %w", err)
	}

	return &PIDFile{path: path, lock: lock}, nil
}

// Release removes the PID file and drops the lock. Safe to call more than
// once.
func (p *PIDFile) Release() {
	if p == nil {
		return
	}
	_ = os.Remove(p.path)
	if p.lock != nil {
		_ = p.lock.Unlock()
		p.lock = nil
	}
}

func readPID(path string) (int, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}

// processAlive probes a PID with signal 0.
func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
