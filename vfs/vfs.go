// Package vfs implements the virtual file system: a mount tree keyed
// by path, per-owner file descriptor tables, and path resolution with
// transparent symlink expansion (up to maxSymlinkDepth hops), generalized from a
// single root to a mount table of many registered file systems.
package vfs

import (
	"sort"
	"strings"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/dnx-rtos/dnxcore/errno"
	"github.com/dnx-rtos/dnxcore/kernel"
	"github.com/dnx-rtos/dnxcore/monitor"
	"github.com/dnx-rtos/dnxcore/vfsfs"
)

// statCacheTTL bounds how long a resolved Stat result is trusted before
// the VFS falls back to asking the owning FS again. Short enough that a
// concurrent writer's change is visible almost immediately, long enough
// to absorb a burst of repeated stats on the same path (e.g. a listing
// tool stat-ing every entry of a directory it just read).
const statCacheTTL = 200 * time.Millisecond

// Owner identifies the process whose fd table an open file belongs
// to. Threads spawned within a process pass their process's Owner
// (not their own task ID) so they share its file descriptor table.
type Owner = kernel.TaskID

const maxSymlinkDepth = 8

type mountEntry struct {
	path   string
	fstype string
	source string
	fs     vfsfs.FS
	handle any

	mu        sync.Mutex
	openFiles int
}

// VFS is the process-wide mount table and file descriptor registry.
// The mount table is protected by mutexes held only for the duration
// of the critical section.
type VFS struct {
	maxOpenFiles int
	mon          *monitor.Monitor

	mu     sync.Mutex
	mounts []*mountEntry

	fdMu    sync.Mutex
	fdTable map[Owner]map[int]*openFile

	// statCache memoizes Stat results by resolved path for statCacheTTL,
	// absorbing repeated stats on the same path without extra FS calls.
	statCache *gocache.Cache
}

type openFile struct {
	mount    *mountEntry
	file     any
	path     string
	attr     vfsfs.Attr
	monHandle monitor.Handle

	posMu sync.Mutex
	fpos  int64
}

// New creates an empty VFS. maxOpenFiles bounds each owner's fd table,
// returning EMFILE once exhausted; mon, if non-nil, receives
// AddFile/RemoveFile notifications for "top"-style accounting.
func New(maxOpenFiles int, mon *monitor.Monitor) *VFS {
	return &VFS{
		maxOpenFiles: maxOpenFiles,
		mon:          mon,
		fdTable:      make(map[Owner]map[int]*openFile),
		statCache:    gocache.New(statCacheTTL, 2*statCacheTTL),
	}
}

// Mount registers fs under target. It succeeds only if target does not
// already have an entry; the first mount must target "/".
func (v *VFS) Mount(fstype, source, target string, fs vfsfs.FS) error {
	fs = vfsfs.Default(fs)
	if fs.Magic() != vfsfs.Magic {
		return errno.EINVAL
	}
	target = normalize(target)

	v.mu.Lock()
	defer v.mu.Unlock()

	if len(v.mounts) == 0 && target != "/" {
		return errno.EINVAL
	}
	for _, m := range v.mounts {
		if m.path == target {
			return errno.EEXIST
		}
	}

	handle, err := fs.Init()
	if err != nil {
		return err
	}

	v.mounts = append(v.mounts, &mountEntry{
		path: target, fstype: fstype, source: source, fs: fs, handle: handle,
	})
	sort.Slice(v.mounts, func(i, j int) bool {
		return len(v.mounts[i].path) > len(v.mounts[j].path)
	})
	return nil
}

// Umount releases the file system mounted at target. It fails with
// EBUSY if another mount's path is nested under target or if the FS
// still has open files.
func (v *VFS) Umount(target string) error {
	target = normalize(target)

	v.mu.Lock()
	var found *mountEntry
	idx := -1
	for i, m := range v.mounts {
		if m.path == target {
			found = m
			idx = i
			continue
		}
		if m.path != "/" && isPathUnder(m.path, target) {
			v.mu.Unlock()
			return errno.EBUSY
		}
	}
	if found == nil {
		v.mu.Unlock()
		return errno.ENOENT
	}
	found.mu.Lock()
	open := found.openFiles
	found.mu.Unlock()
	if open > 0 {
		v.mu.Unlock()
		return errno.EBUSY
	}
	v.mounts = append(v.mounts[:idx], v.mounts[idx+1:]...)
	v.mu.Unlock()

	return found.fs.Release(found.handle)
}

func normalize(path string) string {
	if path == "" {
		return "/"
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	parts := strings.Split(path, "/")
	var stack []string
	for _, p := range parts {
		switch p {
		case "", ".":
		case "..":
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		default:
			stack = append(stack, p)
		}
	}
	if len(stack) == 0 {
		return "/"
	}
	return "/" + strings.Join(stack, "/")
}

// Resolve turns path into an absolute, normalized path, joining a
// relative path onto cwd first. It does not look up the mount; findMount
// does that.
func (v *VFS) Resolve(cwd, path string) (string, error) {
	if !strings.HasPrefix(path, "/") {
		path = cwd + "/" + path
	}
	return normalize(path), nil
}

func (v *VFS) findMount(path string) (*mountEntry, string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, m := range v.mounts { // sorted longest-path-first
		if m.path == "/" || isPathUnder(path, m.path) {
			sub := strings.TrimPrefix(path, m.path)
			if sub == "" {
				sub = "/"
			}
			if !strings.HasPrefix(sub, "/") {
				sub = "/" + sub
			}
			return m, sub, nil
		}
	}
	return nil, "", errno.ENOENT
}

// isPathUnder reports whether child is parent itself or a descendant of
// it, treating "/" as a path-component boundary so a mount at "/mnt"
// does not swallow a sibling like "/mnt2".
func isPathUnder(child, parent string) bool {
	if child == parent || parent == "/" {
		return true
	}
	return strings.HasPrefix(child, parent+"/")
}

// followLinks performs transparent symlink expansion on path, up to
// maxSymlinkDepth hops, returning ELOOP if exceeded.
func (v *VFS) followLinks(path string) (string, error) {
	for depth := 0; depth < maxSymlinkDepth; depth++ {
		m, sub, err := v.findMount(path)
		if err != nil {
			return path, nil // let the caller's own lookup report ENOENT
		}
		st, err := m.fs.Stat(m.handle, sub)
		if err != nil || !st.Mode.IsLink() {
			return path, nil
		}
		target, err := v.readLinkTarget(m, sub)
		if err != nil {
			return path, err
		}
		if !strings.HasPrefix(target, "/") {
			dir := path[:strings.LastIndex(path, "/")+1]
			target = dir + target
		}
		path = normalize(target)
	}
	return "", errno.ELOOP
}

func (v *VFS) readLinkTarget(m *mountEntry, sub string) (string, error) {
	file, err := m.fs.Open(m.handle, sub, vfsfs.Attr{})
	if err != nil {
		return "", err
	}
	defer m.fs.Close(m.handle, file, true)
	buf := make([]byte, 4096)
	n, err := m.fs.Read(m.handle, file, buf, 0)
	if err != nil {
		return "", err
	}
	return string(buf[:n]), nil
}
