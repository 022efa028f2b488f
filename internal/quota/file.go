package quota

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

const (
	lockPollInterval = 5 * time.Millisecond
	lockSuffix       = ".lock"
)

// FileStore persists the counter as a small JSON document. Goroutines in this
// process serialise on a mutex; other processes are excluded with flock(2) on
// a sidecar lock file. The counter file itself is only ever replaced by
// rename, so a crash leaves either the old or the new record.
type FileStore struct {
	path string
	log  logrus.FieldLogger
	mu   sync.Mutex
}

// NewFileStore creates the parent directory of path if needed.
func NewFileStore(path string, log logrus.FieldLogger) (*FileStore, error) {
	if path == "" {
		return nil, fmt.Errorf("quota: empty counter file path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("quota: create counter dir: %w", err)
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &FileStore{path: path, log: log}, nil
}

// Update implements Store.
func (f *FileStore) Update(ctx context.Context, fn func(*State) error) (State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	lock, err := os.OpenFile(f.path+lockSuffix, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return State{}, fmt.Errorf("open lock file: %w", err)
	}
	defer lock.Close()

	if err := lockFile(ctx, lock); err != nil {
		return State{}, err
	}
	defer unix.Flock(int(lock.Fd()), unix.LOCK_UN)

	current, err := f.read()
	if err != nil {
		return State{}, err
	}

	next := current
	if err := fn(&next); err != nil {
		return current, err
	}
	if next == current {
		return next, nil
	}
	if err := f.write(next); err != nil {
		return current, err
	}
	return next, nil
}

// read loads the record. A missing file is a fresh counter; an unreadable one
// is an error, never a reset to zero.
func (f *FileStore) read() (State, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return State{}, nil
	}
	if err != nil {
		return State{}, fmt.Errorf("read counter file: %w", err)
	}
	s, err := parseState(data)
	if err != nil {
		f.log.WithError(err).WithField("path", f.path).Error("counter file unreadable, fix or remove it")
		return State{}, fmt.Errorf("counter file %s: %w", f.path, err)
	}
	return s, nil
}

// write replaces the counter file with s via a synced temp file and rename.
func (f *FileStore) write(s State) (err error) {
	out, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode counter: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(f.path), filepath.Base(f.path)+".tmp*")
	if err != nil {
		return fmt.Errorf("create counter temp file: %w", err)
	}
	defer func() {
		if err != nil {
			os.Remove(tmp.Name())
		}
	}()

	if _, err := tmp.Write(out); err != nil {
		tmp.Close()
		return fmt.Errorf("write counter file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync counter file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close counter file: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return fmt.Errorf("chmod counter file: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		return fmt.Errorf("replace counter file: %w", err)
	}
	return nil
}

// lockFile takes an exclusive flock, polling so ctx can interrupt the wait.
func lockFile(ctx context.Context, file *os.File) error {
	for {
		err := unix.Flock(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			return nil
		}
		if !errors.Is(err, unix.EWOULDBLOCK) && !errors.Is(err, unix.EINTR) {
			return fmt.Errorf("lock counter file: %w", err)
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("lock counter file: %w", ctx.Err())
		case <-time.After(lockPollInterval):
		}
	}
}

// parseState reads the JSON record, or the older "YYYY-MM-DD:count" line.
func parseState(data []byte) (State, error) {
	text := strings.TrimSpace(string(data))
	if text == "" {
		return State{}, nil
	}
	if strings.HasPrefix(text, "{") {
		var s State
		if err := json.Unmarshal([]byte(text), &s); err != nil {
			return State{}, fmt.Errorf("decode counter: %w", err)
		}
		if s.Count < 0 {
			return State{}, fmt.Errorf("negative count %d", s.Count)
		}
		return s, nil
	}

	date, count, ok := strings.Cut(text, ":")
	if !ok {
		return State{}, fmt.Errorf("unrecognised counter format %q", text)
	}
	if _, err := time.Parse(dateLayout, date); err != nil {
		return State{}, fmt.Errorf("bad counter date %q: %w", date, err)
	}
	n, err := strconv.Atoi(strings.TrimSpace(count))
	if err != nil || n < 0 {
		return State{}, fmt.Errorf("bad counter value %q", count)
	}
	return State{Date: date, Count: n}, nil
}
