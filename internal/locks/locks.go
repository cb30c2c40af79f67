// Package locks provides named exclusive locks that hold both within the
// process and across processes sharing a state directory.
package locks

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/loykin/tandem/internal/failure"
)

const retryInterval = 25 * time.Millisecond

// Locker hands out locks backed by an in-process semaphore plus flock(2) on
// <Dir>/<name>.lock. flock locks belong to the open file description, so the
// in-process semaphore is taken first.
type Locker struct {
	dir string

	mu   sync.Mutex
	sems map[string]chan struct{}
}

// New creates dir if needed.
func New(dir string) (*Locker, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("locks: %w", err)
	}
	return &Locker{dir: dir, sems: make(map[string]chan struct{})}, nil
}

// Lock is a held named lock.
type Lock struct {
	name string
	file *os.File
	sem  chan struct{}
	once sync.Once
}

func (l *Locker) sem(name string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.sems[name]
	if !ok {
		s = make(chan struct{}, 1)
		l.sems[name] = s
	}
	return s
}

// Acquire waits up to timeout for the named lock. A timeout yields a Busy
// failure, a cancelled ctx an Interrupted one.
func (l *Locker) Acquire(ctx context.Context, name string, timeout time.Duration) (*Lock, error) {
	deadline := time.Now().Add(timeout)
	waitCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	sem := l.sem(name)
	select {
	case sem <- struct{}{}:
	case <-waitCtx.Done():
		return nil, l.waitErr(ctx, name, timeout)
	}

	f, err := l.open(name)
	if err != nil {
		<-sem
		return nil, err
	}
	for {
		err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
		if err == nil {
			return &Lock{name: name, file: f, sem: sem}, nil
		}
		if !errors.Is(err, syscall.EWOULDBLOCK) && !errors.Is(err, syscall.EINTR) {
			_ = f.Close()
			<-sem
			return nil, fmt.Errorf("locks: flock %s: %w", name, err)
		}
		select {
		case <-time.After(retryInterval):
		case <-waitCtx.Done():
			_ = f.Close()
			<-sem
			return nil, l.waitErr(ctx, name, timeout)
		}
	}
}

// TryAcquire takes the named lock only if it is free right now.
func (l *Locker) TryAcquire(name string) (*Lock, error) {
	sem := l.sem(name)
	select {
	case sem <- struct{}{}:
	default:
		return nil, failure.Errorf(failure.KindBusy, "", "lock", "%s is held by this process", name)
	}
	f, err := l.open(name)
	if err != nil {
		<-sem
		return nil, err
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = f.Close()
		<-sem
		if errors.Is(err, syscall.EWOULDBLOCK) {
			return nil, failure.Errorf(failure.KindBusy, "", "lock", "%s is held by another process", name)
		}
		return nil, fmt.Errorf("locks: flock %s: %w", name, err)
	}
	return &Lock{name: name, file: f, sem: sem}, nil
}

func (l *Locker) open(name string) (*os.File, error) {
	f, err := os.OpenFile(filepath.Join(l.dir, name+".lock"), os.O_RDWR|os.O_CREATE, 0o600) // #nosec G304
	if err != nil {
		return nil, fmt.Errorf("locks: open %s: %w", name, err)
	}
	return f, nil
}

func (l *Locker) waitErr(ctx context.Context, name string, timeout time.Duration) error {
	if err := failure.FromContext(ctx, "lock"); err != nil {
		return err
	}
	return failure.Errorf(failure.KindBusy, "", "lock", "%s still held after %v", name, timeout)
}

// Name returns the lock name.
func (lk *Lock) Name() string { return lk.name }

// Release unlocks; calling it more than once is harmless.
func (lk *Lock) Release() error {
	var err error
	lk.once.Do(func() {
		if uerr := syscall.Flock(int(lk.file.Fd()), syscall.LOCK_UN); uerr != nil {
			err = fmt.Errorf("locks: unlock %s: %w", lk.name, uerr)
		}
		if cerr := lk.file.Close(); cerr != nil && err == nil {
			err = cerr
		}
		<-lk.sem
	})
	return err
}
