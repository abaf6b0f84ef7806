package conflict

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Overlap reports a relative path written by more than one live worker.
// These are early warnings: the merge engine is what actually decides
// whether the edits conflict.
type Overlap struct {
	RelativePath string
	WorkerIDs    []string
	LastModified time.Time
}

// OverlapDetector watches worker worktrees and reports paths touched by
// more than one worker.
type OverlapDetector struct {
	watcher *fsnotify.Watcher

	mu       sync.RWMutex
	worktree map[string]string               // worker ID -> worktree root
	touched  map[string]map[string]time.Time // relative path -> worker ID -> last write
	reported map[string]int                  // relative path -> worker count last reported

	onOverlap func(Overlap)
	ignore    []string

	debounce time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewOverlapDetector creates a detector. Call Start to begin watching.
func NewOverlapDetector(ignore ...string) (*OverlapDetector, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &OverlapDetector{
		watcher:  watcher,
		worktree: make(map[string]string),
		touched:  make(map[string]map[string]time.Time),
		reported: make(map[string]int),
		ignore:   append([]string{".git", "node_modules", ".DS_Store"}, ignore...),
		debounce: 50 * time.Millisecond,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}, nil
}

// OnOverlap sets the callback fired once for each path each time another
// worker joins the set of writers.
func (d *OverlapDetector) OnOverlap(cb func(Overlap)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onOverlap = cb
}

// AddWorker starts watching root on behalf of workerID.
func (d *OverlapDetector) AddWorker(workerID, root string) error {
	info, err := os.Stat(root)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("worktree path does not exist: %s", root)
		}
		return fmt.Errorf("checking worktree path %s: %w", root, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("worktree path is not a directory: %s", root)
	}

	d.mu.Lock()
	d.worktree[workerID] = filepath.Clean(root)
	d.mu.Unlock()

	return d.watchTree(root)
}

func (d *OverlapDetector) watchTree(root string) error {
	if err := d.watcher.Add(root); err != nil {
		return err
	}
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if info.IsDir() {
			if path != root && d.ignored(path) {
				return filepath.SkipDir
			}
			_ = d.watcher.Add(path)
		}
		return nil
	})
}

// RemoveWorker stops tracking a worker and forgets its writes.
func (d *OverlapDetector) RemoveWorker(workerID string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	root, ok := d.worktree[workerID]
	if !ok {
		return
	}
	_ = d.watcher.Remove(root)
	delete(d.worktree, workerID)

	for rel, writers := range d.touched {
		delete(writers, workerID)
		if len(writers) == 0 {
			delete(d.touched, rel)
			delete(d.reported, rel)
		} else if d.reported[rel] > len(writers) {
			d.reported[rel] = len(writers)
		}
	}
}

// Start begins processing filesystem events in the background.
func (d *OverlapDetector) Start() {
	go d.loop()
}

// Stop stops the detector. It is safe to call more than once.
func (d *OverlapDetector) Stop() {
	d.stopOnce.Do(func() {
		close(d.stopCh)
		_ = d.watcher.Close()
	})
}

func (d *OverlapDetector) loop() {
	defer close(d.done)

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	pending := make(map[string]fsnotify.Event)

	for {
		select {
		case <-d.stopCh:
			return

		case ev, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			pending[ev.Name] = ev
			timer.Reset(d.debounce)

		case <-timer.C:
			batch := pending
			pending = make(map[string]fsnotify.Event)
			for _, ev := range batch {
				d.handle(ev)
			}

		case _, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

func (d *OverlapDetector) ignored(path string) bool {
	sep := string(filepath.Separator)
	for _, name := range d.ignore {
		if filepath.Base(path) == name || strings.Contains(path, sep+name+sep) {
			return true
		}
	}
	return false
}

func (d *OverlapDetector) handle(ev fsnotify.Event) {
	if d.ignored(ev.Name) {
		return
	}
	if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
		if ev.Op&fsnotify.Create != 0 {
			_ = d.watchTree(ev.Name)
		}
		return
	}

	d.mu.Lock()
	var workerID, rel string
	for id, root := range d.worktree {
		if strings.HasPrefix(ev.Name, root+string(filepath.Separator)) {
			workerID = id
			rel, _ = filepath.Rel(root, ev.Name)
			break
		}
	}
	if workerID == "" {
		d.mu.Unlock()
		return
	}

	writers := d.touched[rel]
	if writers == nil {
		writers = make(map[string]time.Time)
		d.touched[rel] = writers
	}
	writers[workerID] = time.Now()

	var overlap *Overlap
	if len(writers) > 1 && len(writers) > d.reported[rel] {
		d.reported[rel] = len(writers)
		overlap = &Overlap{RelativePath: rel}
		for id, at := range writers {
			overlap.WorkerIDs = append(overlap.WorkerIDs, id)
			if at.After(overlap.LastModified) {
				overlap.LastModified = at
			}
		}
		sort.Strings(overlap.WorkerIDs)
	}
	cb := d.onOverlap
	d.mu.Unlock()

	if overlap != nil && cb != nil {
		cb(*overlap)
	}
}

// Overlaps returns the current set of overlapping paths sorted by path.
func (d *OverlapDetector) Overlaps() []Overlap {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var out []Overlap
	for rel, writers := range d.touched {
		if len(writers) < 2 {
			continue
		}
		o := Overlap{RelativePath: rel}
		for id, at := range writers {
			o.WorkerIDs = append(o.WorkerIDs, id)
			if at.After(o.LastModified) {
				o.LastModified = at
			}
		}
		sort.Strings(o.WorkerIDs)
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RelativePath < out[j].RelativePath })
	return out
}

// FilesTouchedBy returns the relative paths written by a worker, sorted.
func (d *OverlapDetector) FilesTouchedBy(workerID string) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var files []string
	for rel, writers := range d.touched {
		if _, ok := writers[workerID]; ok {
			files = append(files, rel)
		}
	}
	sort.Strings(files)
	return files
}
