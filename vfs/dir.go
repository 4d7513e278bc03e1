package vfs

import (
	"github.com/dnx-rtos/dnxcore/errno"
	"github.com/dnx-rtos/dnxcore/ioctl"
	"github.com/dnx-rtos/dnxcore/monitor"
	"github.com/dnx-rtos/dnxcore/vfsfs"
)

// Dir is the opaque directory iterator handle returned by Opendir; the
// VFS holds only the pointer, the FS owns everything behind it.
type Dir struct {
	mount     *mountEntry
	dir       any
	owner     Owner
	monHandle monitor.Handle
}

// Opendir resolves path and returns an iterator over its entries.
func (v *VFS) Opendir(owner Owner, cwd, path string) (*Dir, error) {
	resolved, err := v.Resolve(cwd, path)
	if err != nil {
		return nil, err
	}
	resolved, err = v.followLinks(resolved)
	if err != nil {
		return nil, err
	}
	m, sub, err := v.findMount(resolved)
	if err != nil {
		return nil, err
	}
	dh, err := m.fs.Opendir(m.handle, sub)
	if err != nil {
		return nil, err
	}
	d := &Dir{mount: m, dir: dh, owner: owner}
	if v.mon != nil {
		d.monHandle = v.mon.AddDir(owner, func() { _ = m.fs.Closedir(m.handle, dh) })
	}
	return d, nil
}

// Readdir returns the next entry name, or "" once the iterator is
// exhausted.
func (v *VFS) Readdir(d *Dir) (string, error) {
	return d.mount.fs.Readdir(d.mount.handle, d.dir)
}

// Closedir releases the iterator.
func (v *VFS) Closedir(d *Dir) error {
	if v.mon != nil {
		v.mon.RemoveDir(d.owner, d.monHandle)
	}
	return d.mount.fs.Closedir(d.mount.handle, d.dir)
}

// Stat resolves path (with symlink expansion) and reports its metadata,
// serving a recent result from statCache when available; see DESIGN.md
// for why this is safe within statCacheTTL.
func (v *VFS) Stat(cwd, path string) (vfsfs.Stat, error) {
	resolved, err := v.Resolve(cwd, path)
	if err != nil {
		return vfsfs.Stat{}, err
	}
	resolved, err = v.followLinks(resolved)
	if err != nil {
		return vfsfs.Stat{}, err
	}
	if cached, ok := v.statCache.Get(resolved); ok {
		return cached.(vfsfs.Stat), nil
	}
	m, sub, err := v.findMount(resolved)
	if err != nil {
		return vfsfs.Stat{}, err
	}
	st, err := m.fs.Stat(m.handle, sub)
	if err == nil {
		v.statCache.SetDefault(resolved, st)
	}
	return st, err
}

// invalidateStat drops any cached Stat result for resolved, called by
// every operation that can change a path's metadata.
func (v *VFS) invalidateStat(resolved string) {
	v.statCache.Delete(resolved)
}

// Mkdir creates a directory at path.
func (v *VFS) Mkdir(cwd, path string, mode vfsfs.FileMode) error {
	resolved, m, sub, err := v.resolveForWriteTracked(cwd, path)
	if err != nil {
		return err
	}
	err = m.fs.Mkdir(m.handle, sub, mode)
	v.invalidateStat(resolved)
	return err
}

// Mkfifo creates a persistent pipe object under the FS.
func (v *VFS) Mkfifo(cwd, path string, mode vfsfs.FileMode) error {
	resolved, m, sub, err := v.resolveForWriteTracked(cwd, path)
	if err != nil {
		return err
	}
	err = m.fs.Mkfifo(m.handle, sub, mode)
	v.invalidateStat(resolved)
	return err
}

// Mknod records a device node mapping to (major, minor), encoded into
// dev as an opaque value outside mknod itself.
func (v *VFS) Mknod(cwd, path string, mode vfsfs.FileMode, dev uint32) error {
	resolved, m, sub, err := v.resolveForWriteTracked(cwd, path)
	if err != nil {
		return err
	}
	err = m.fs.Mknod(m.handle, sub, mode, dev)
	v.invalidateStat(resolved)
	return err
}

// Remove deletes path.
func (v *VFS) Remove(cwd, path string) error {
	resolved, m, sub, err := v.resolveForWriteTracked(cwd, path)
	if err != nil {
		return err
	}
	err = m.fs.Remove(m.handle, sub)
	v.invalidateStat(resolved)
	return err
}

// Rename moves oldPath to newPath; both must resolve under the same
// mount (cross-mount rename is the caller's responsibility to emulate
// via copy+remove).
func (v *VFS) Rename(cwd, oldPath, newPath string) error {
	oldResolved, err := v.Resolve(cwd, oldPath)
	if err != nil {
		return err
	}
	newResolved, err := v.Resolve(cwd, newPath)
	if err != nil {
		return err
	}
	m, oldSub, err := v.findMount(oldResolved)
	if err != nil {
		return err
	}
	m2, newSub, err := v.findMount(newResolved)
	if err != nil {
		return err
	}
	if m2 != m {
		return errno.EXDEV
	}
	err = m.fs.Rename(m.handle, oldSub, newSub)
	v.invalidateStat(oldResolved)
	v.invalidateStat(newResolved)
	return err
}

// Chmod changes path's permission bits.
func (v *VFS) Chmod(cwd, path string, mode vfsfs.FileMode) error {
	resolved, m, sub, err := v.resolveForWriteTracked(cwd, path)
	if err != nil {
		return err
	}
	err = m.fs.Chmod(m.handle, sub, mode)
	v.invalidateStat(resolved)
	return err
}

// Chown changes path's owning uid/gid.
func (v *VFS) Chown(cwd, path string, uid, gid int) error {
	resolved, m, sub, err := v.resolveForWriteTracked(cwd, path)
	if err != nil {
		return err
	}
	err = m.fs.Chown(m.handle, sub, uid, gid)
	v.invalidateStat(resolved)
	return err
}

// Statfs reports the filesystem-level summary for the mount covering
// path.
func (v *VFS) Statfs(cwd, path string) (vfsfs.StatFS, error) {
	m, _, err := v.resolveForWrite(cwd, path)
	if err != nil {
		return vfsfs.StatFS{}, err
	}
	return m.fs.Statfs(m.handle)
}

// Sync flushes the mount covering path.
func (v *VFS) Sync(cwd, path string) error {
	m, _, err := v.resolveForWrite(cwd, path)
	if err != nil {
		return err
	}
	return m.fs.Sync(m.handle)
}

func (v *VFS) resolveForWrite(cwd, path string) (*mountEntry, string, error) {
	resolved, err := v.Resolve(cwd, path)
	if err != nil {
		return nil, "", err
	}
	return v.findMount(resolved)
}

// resolveForWriteTracked is resolveForWrite plus the resolved path
// itself, for callers that need to invalidate statCache afterward.
func (v *VFS) resolveForWriteTracked(cwd, path string) (string, *mountEntry, string, error) {
	resolved, err := v.Resolve(cwd, path)
	if err != nil {
		return "", nil, "", err
	}
	m, sub, err := v.findMount(resolved)
	if err != nil {
		return "", nil, "", err
	}
	return resolved, m, sub, nil
}

// IOCTL dispatches an IOCTL request on an open fd to its FS.
func (v *VFS) IOCTL(owner Owner, fd int, code ioctl.Code, arg any) error {
	of, err := v.lookupFd(owner, fd)
	if err != nil {
		return err
	}
	return of.mount.fs.IOCTL(of.mount.handle, of.file, code, arg)
}

// Flush dispatches a flush on an open fd to its FS.
func (v *VFS) Flush(owner Owner, fd int) error {
	of, err := v.lookupFd(owner, fd)
	if err != nil {
		return err
	}
	return of.mount.fs.Flush(of.mount.handle, of.file)
}
