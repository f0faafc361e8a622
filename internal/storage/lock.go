package storage

import (
	"os"
	"sync"
	"syscall"
)

// lockTable serializes writers of the same file within the process and, through
// flock on a sidecar file, across processes sharing the directory.
type lockTable struct {
	mu    sync.Mutex
	locks map[string]*fileLock
}

type fileLock struct {
	mu   sync.Mutex
	refs int
}

func newLockTable() *lockTable {
	return &lockTable{locks: make(map[string]*fileLock)}
}

// lock acquires the lock for path and returns the release function.
func (t *lockTable) lock(path string) (func(), error) {
	t.mu.Lock()
	l, ok := t.locks[path]
	if !ok {
		l = &fileLock{}
		t.locks[path] = l
	}
	l.refs++
	t.mu.Unlock()

	l.mu.Lock()

	f, err := os.OpenFile(path+".lock", os.O_CREATE|os.O_RDWR, 0600)
	if err == nil {
		err = syscall.Flock(int(f.Fd()), syscall.LOCK_EX)
		if err != nil {
			f.Close()
		}
	}
	if err != nil {
		l.mu.Unlock()
		t.release(path, l)
		return nil, err
	}

	return func() {
		syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		f.Close()
		l.mu.Unlock()
		t.release(path, l)
	}, nil
}

func (t *lockTable) release(path string, l *fileLock) {
	t.mu.Lock()
	defer t.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(t.locks, path)
		os.Remove(path + ".lock")
	}
}
