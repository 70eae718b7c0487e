package artifact

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// keyedMutex serialises work per key. Entries are dropped once no goroutine
// holds or waits for them.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refLock
}

type refLock struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*refLock)}
}

// Lock blocks until key is free and returns the matching unlock func.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &refLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

func (k *keyedMutex) len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}

// fileLocks is an advisory lock per key shared with other processes that
// use the same directory. A lock file is created exclusively and removed on
// unlock. One older than stale is taken over, since its holder is gone.
type fileLocks struct {
	dir   string
	poll  time.Duration
	stale time.Duration
}

const (
	lockPoll  = 20 * time.Millisecond
	lockStale = 10 * time.Minute
)

func newFileLocks(dir string) *fileLocks {
	return &fileLocks{dir: dir, poll: lockPoll, stale: lockStale}
}

func (f *fileLocks) path(key string) string {
	return filepath.Join(f.dir, key+".lock")
}

// Lock waits until key is free or ctx is done.
func (f *fileLocks) Lock(ctx context.Context, key string) (func(), error) {
	if err := os.MkdirAll(f.dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating lock dir: %w", err)
	}
	path := f.path(key)
	for {
		lf, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			fmt.Fprintf(lf, "%d\n", os.Getpid())
			lf.Close()
			return func() { os.Remove(path) }, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("locking %s: %w", key, err)
		}
		if f.isStale(path) {
			os.Remove(path)
			continue
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(f.poll):
		}
	}
}

// Held reports whether a live lock file exists for key.
func (f *fileLocks) Held(key string) bool {
	_, err := os.Stat(f.path(key))
	return err == nil && !f.isStale(f.path(key))
}

func (f *fileLocks) isStale(path string) bool {
	info, err := os.Stat(path)
	return err == nil && time.Since(info.ModTime()) > f.stale
}
