package cronfeed

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"paceq/pkg/logx"
)

// Feed schedules recurring firings. Each registered entry fires a callback
// on its schedule; the callback is expected to be cheap (enqueue and
// return). Entries registered before Start are attached when Start runs.
type Feed struct {
	mu sync.Mutex

	log    logx.Logger
	parser cron.Parser
	c      *cron.Cron
	defs   []entryDef
}

type entryDef struct {
	name    string
	spec    string // normalized cron spec, including @every
	fire    func()
	entryID cron.EntryID
}

// EntryInfo describes a registered entry for inspection.
type EntryInfo struct {
	Name string
	Spec string
	Next time.Time
	Prev time.Time
}

func New(log logx.Logger) *Feed {
	return &Feed{
		log:    log,
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// Add registers a firing under name. Duplicate names replace the previous
// entry so hot-reloads do not accumulate schedules.
func (f *Feed) Add(name, schedule string, fire func()) error {
	if strings.TrimSpace(name) == "" {
		return errors.New("name required")
	}
	if fire == nil {
		return errors.New("fire callback required")
	}
	ps, err := ParseSchedule(schedule)
	if err != nil {
		return err
	}
	spec := ps.Cron
	if ps.Kind == SpecInterval {
		spec = fmt.Sprintf("@every %s", ps.Every.String())
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.removeLocked(name)
	f.defs = append(f.defs, entryDef{name: name, spec: spec, fire: fire})
	if f.c != nil {
		if err := f.attachLocked(&f.defs[len(f.defs)-1]); err != nil {
			return err
		}
	}
	f.log.Debug("schedule registered",
		logx.String("name", name),
		logx.String("spec", spec))
	return nil
}

// Remove unregisters an entry. Returns true if something was removed.
func (f *Feed) Remove(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.removeLocked(name)
}

func (f *Feed) removeLocked(name string) bool {
	n := 0
	removed := false
	for _, d := range f.defs {
		if d.name == name {
			if f.c != nil && d.entryID != 0 {
				f.c.Remove(d.entryID)
			}
			removed = true
			continue
		}
		f.defs[n] = d
		n++
	}
	f.defs = f.defs[:n]
	return removed
}

func (f *Feed) attachLocked(d *entryDef) error {
	eid, err := f.c.AddFunc(d.spec, d.fire)
	if err != nil {
		return fmt.Errorf("schedule %q: %w", d.name, err)
	}
	d.entryID = eid
	return nil
}

// Start attaches all registered entries and begins firing. Calling Start
// while running is a no-op.
func (f *Feed) Start() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.c != nil {
		return nil
	}
	f.c = cron.New(cron.WithParser(f.parser), cron.WithLocation(time.Local))
	for i := range f.defs {
		if err := f.attachLocked(&f.defs[i]); err != nil {
			f.c = nil
			return err
		}
	}
	f.c.Start()
	f.log.Info("cron feed started", logx.Int("schedules", len(f.defs)))
	return nil
}

// Stop halts firing and waits for in-progress callbacks, honoring ctx.
func (f *Feed) Stop(ctx context.Context) error {
	f.mu.Lock()
	c := f.c
	f.c = nil
	for i := range f.defs {
		f.defs[i].entryID = 0
	}
	f.mu.Unlock()
	if c == nil {
		return nil
	}
	select {
	case <-c.Stop().Done():
		f.log.Info("cron feed stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Entries reports the registered entries with next/prev fire times when
// the feed is running.
func (f *Feed) Entries() []EntryInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]EntryInfo, 0, len(f.defs))
	for _, d := range f.defs {
		info := EntryInfo{Name: d.name, Spec: d.spec}
		if f.c != nil && d.entryID != 0 {
			e := f.c.Entry(d.entryID)
			info.Next, info.Prev = e.Next, e.Prev
		}
		out = append(out, info)
	}
	return out
}
