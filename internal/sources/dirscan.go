package sources

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/funf-org/funf/internal/ir"
	"github.com/funf-org/funf/internal/probe"
)

// DirScan reports files under a directory that are new or changed since
// the last scan. The checkpoint maps each path to its version (modification
// time and size), so unchanged files are not emitted again after a
// restart.
//
// The scan runs on its own goroutine; the run completes when it finishes
// or is cancelled by OnStop.
type DirScan struct {
	Root      string
	Pattern   string
	Recursive bool

	mu     sync.Mutex
	seen   map[string]string
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDirScan creates a scanner of root.
func NewDirScan(root, pattern string, recursive bool) (*DirScan, error) {
	if root == "" {
		return nil, fmt.Errorf("dirscan: path is required")
	}
	if pattern != "" {
		if _, err := filepath.Match(pattern, ""); err != nil {
			return nil, fmt.Errorf("dirscan: bad pattern %q: %w", pattern, err)
		}
	}
	return &DirScan{Root: root, Pattern: pattern, Recursive: recursive, seen: map[string]string{}}, nil
}

func (d *DirScan) OnEnable(context.Context) error { return nil }

func (d *DirScan) OnDisable(context.Context) error {
	d.wg.Wait()
	return nil
}

// OnStop cancels a scan in progress.
func (d *DirScan) OnStop(context.Context) error {
	d.mu.Lock()
	cancel := d.cancel
	d.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

// OnRun starts the scan.
func (d *DirScan) OnRun(ctx context.Context, _ ir.RunParams, run *probe.Run) error {
	scanCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	d.mu.Lock()
	d.cancel = cancel
	d.mu.Unlock()

	d.wg.Add(1)
	go func() {
		err := d.scan(scanCtx, run)
		cancel()
		// Done precedes the completion signal: finishing the run may
		// disable the source, and OnDisable waits on wg.
		d.wg.Done()
		if err != nil && !errors.Is(err, context.Canceled) {
			run.Fail(err)
			return
		}
		run.Complete()
	}()
	return nil
}

func (d *DirScan) scan(ctx context.Context, run *probe.Run) error {
	type found struct {
		path    string
		version string
		size    int64
		modTime int64
	}
	var files []found

	err := filepath.WalkDir(d.Root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if entry.IsDir() {
			if path != d.Root && !d.Recursive {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Pattern != "" {
			if ok, _ := filepath.Match(d.Pattern, entry.Name()); !ok {
				return nil
			}
		}
		info, err := entry.Info()
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		files = append(files, found{
			path:    path,
			version: fmt.Sprintf("%d:%d", info.ModTime().UnixNano(), info.Size()),
			size:    info.Size(),
			modTime: info.ModTime().Unix(),
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("dirscan %s: %w", d.Root, err)
	}

	sort.Slice(files, func(i, j int) bool { return files[i].path < files[j].path })
	for _, f := range files {
		d.mu.Lock()
		unchanged := d.seen[f.path] == f.version
		d.mu.Unlock()
		if unchanged {
			continue
		}
		if !run.Emit(ir.Object{
			"path":     ir.String(f.path),
			"size":     ir.Int(f.size),
			"mod_time": ir.Int(f.modTime),
		}) {
			return nil
		}
		d.mu.Lock()
		d.seen[f.path] = f.version
		d.mu.Unlock()
	}
	return nil
}

// Checkpoint implements probe.Incremental.
func (d *DirScan) Checkpoint() (json.RawMessage, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return json.Marshal(d.seen)
}

// SetCheckpoint implements probe.Incremental.
func (d *DirScan) SetCheckpoint(cp json.RawMessage) error {
	seen := map[string]string{}
	if err := json.Unmarshal(cp, &seen); err != nil {
		return fmt.Errorf("dirscan checkpoint: %w", err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seen = seen
	return nil
}
