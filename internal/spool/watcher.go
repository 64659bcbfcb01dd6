package spool

import (
	"context"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"paceq/pkg/logx"
)

// Handler receives each ingested job exactly once.
type Handler func(Job)

const (
	doneSuffix   = ".done"
	failedSuffix = ".failed"

	// settle delay before reading a file, so editors and scp finish writing
	ingestDelay = 250 * time.Millisecond

	restartBackoffBase = 250 * time.Millisecond
	restartBackoffMax  = 5 * time.Second
)

// Watcher ingests job files from a drop directory.
type Watcher struct {
	dir    string
	log    logx.Logger
	handle Handler

	tmu    sync.Mutex
	timers map[string]*time.Timer
}

func NewWatcher(dir string, log logx.Logger, handle Handler) *Watcher {
	return &Watcher{
		dir:    dir,
		log:    log,
		handle: handle,
		timers: map[string]*time.Timer{},
	}
}

// Run watches the spool directory until ctx is canceled. The watcher
// recreates itself with a jittered backoff when fsnotify breaks, and
// sweeps the directory on every (re)start so files dropped while the
// watcher was down are still picked up.
func (w *Watcher) Run(ctx context.Context) error {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return err
	}

	backoff := restartBackoffBase
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	wait := func() time.Duration {
		d := backoff + time.Duration(rng.Int63n(int64(backoff/2)+1))
		if backoff < restartBackoffMax {
			backoff *= 2
			if backoff > restartBackoffMax {
				backoff = restartBackoffMax
			}
		}
		return d
	}

	for {
		if ctx.Err() != nil {
			return nil
		}

		fw, err := fsnotify.NewWatcher()
		if err == nil {
			err = fw.Add(w.dir)
			if err != nil {
				_ = fw.Close()
			}
		}
		if err != nil {
			w.log.Warn("spool watch init failed", logx.Err(err), logx.String("dir", w.dir))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(wait()):
				continue
			}
		}

		backoff = restartBackoffBase
		w.log.Debug("spool watcher started", logx.String("dir", w.dir))
		w.sweep()

		broken := false
		for !broken {
			select {
			case <-ctx.Done():
				_ = fw.Close()
				return nil
			case ev, ok := <-fw.Events:
				if !ok {
					broken = true
					break
				}
				if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 && isJobFile(ev.Name) {
					w.scheduleIngest(ev.Name)
				}
			case err, ok := <-fw.Errors:
				if !ok {
					broken = true
					break
				}
				if err == nil {
					continue
				}
				msg := strings.ToLower(err.Error())
				if strings.Contains(msg, "overflow") {
					w.log.Warn("spool watch overflow; sweeping", logx.Err(err))
					w.sweep()
					continue
				}
				w.log.Warn("spool watch error", logx.Err(err))
				if strings.Contains(msg, "closed") {
					broken = true
				}
			}
		}

		_ = fw.Close()
		if ctx.Err() != nil {
			return nil
		}
		d := wait()
		w.log.Warn("spool watcher stopped; restarting",
			logx.String("dir", w.dir),
			logx.Duration("backoff", d))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(d):
		}
	}
}

func isJobFile(path string) bool {
	base := filepath.Base(path)
	if strings.HasSuffix(base, doneSuffix) || strings.HasSuffix(base, failedSuffix) {
		return false
	}
	ext := strings.ToLower(filepath.Ext(base))
	return ext == ".yaml" || ext == ".yml"
}

// sweep ingests any job files already sitting in the directory.
func (w *Watcher) sweep() {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		w.log.Warn("spool sweep failed", logx.Err(err), logx.String("dir", w.dir))
		return
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := filepath.Join(w.dir, e.Name())
		if isJobFile(name) {
			w.scheduleIngest(name)
		}
	}
}

// scheduleIngest debounces per path so partial writes settle before the
// file is read. Rescheduling replaces the pending timer.
func (w *Watcher) scheduleIngest(path string) {
	w.tmu.Lock()
	defer w.tmu.Unlock()
	if t, ok := w.timers[path]; ok {
		t.Stop()
	}
	w.timers[path] = time.AfterFunc(ingestDelay, func() {
		w.tmu.Lock()
		delete(w.timers, path)
		w.tmu.Unlock()
		w.ingest(path)
	})
}

func (w *Watcher) ingest(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			w.log.Warn("spool read failed", logx.Err(err), logx.String("path", path))
		}
		return
	}

	job, err := ParseJob(data)
	if err != nil {
		w.log.Warn("spool job rejected", logx.Err(err), logx.String("path", path))
		w.mark(path, failedSuffix)
		return
	}

	// mark consumed before handing off so a crash mid-handle cannot
	// replay the job on the next sweep
	if !w.mark(path, doneSuffix) {
		return
	}
	w.log.Info("spool job accepted",
		logx.String("job", job.Name),
		logx.String("path", path))
	w.handle(job)
}

func (w *Watcher) mark(path, suffix string) bool {
	if err := os.Rename(path, path+suffix); err != nil {
		w.log.Warn("spool mark failed", logx.Err(err), logx.String("path", path))
		return false
	}
	return true
}
