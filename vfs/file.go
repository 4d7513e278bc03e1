package vfs

import (
	"github.com/dnx-rtos/dnxcore/errno"
	"github.com/dnx-rtos/dnxcore/vfsfs"
)

func smallestFreeFd(t map[int]*openFile) int {
	for fd := 0; ; fd++ {
		if _, used := t[fd]; !used {
			return fd
		}
	}
}

// OpenFile resolves path (through cwd and symlink expansion up to
// maxSymlinkDepth hops), dispatches to the owning FS's Open, and returns the
// smallest unused fd in owner's table.
func (v *VFS) OpenFile(owner Owner, cwd, path string, attr vfsfs.Attr) (int, error) {
	resolved, err := v.Resolve(cwd, path)
	if err != nil {
		return -1, err
	}
	resolved, err = v.followLinks(resolved)
	if err != nil {
		return -1, err
	}
	m, sub, err := v.findMount(resolved)
	if err != nil {
		return -1, err
	}

	file, err := m.fs.Open(m.handle, sub, attr)
	if err != nil {
		return -1, err
	}
	if attr.Create || attr.Truncate {
		v.invalidateStat(resolved)
	}

	v.fdMu.Lock()
	t := v.ownerTableLocked(owner)
	if v.maxOpenFiles > 0 && len(t) >= v.maxOpenFiles {
		v.fdMu.Unlock()
		_ = m.fs.Close(m.handle, file, true)
		return -1, errno.EMFILE
	}
	fd := smallestFreeFd(t)
	of := &openFile{mount: m, file: file, path: resolved, attr: attr}
	t[fd] = of
	v.fdMu.Unlock()

	m.mu.Lock()
	m.openFiles++
	m.mu.Unlock()

	if v.mon != nil {
		of.monHandle = v.mon.AddFile(owner, func() { _ = v.CloseFile(owner, fd, true) })
	}
	return fd, nil
}

func (v *VFS) ownerTableLocked(owner Owner) map[int]*openFile {
	t, ok := v.fdTable[owner]
	if !ok {
		t = make(map[int]*openFile)
		v.fdTable[owner] = t
	}
	return t
}

func (v *VFS) lookupFd(owner Owner, fd int) (*openFile, error) {
	v.fdMu.Lock()
	defer v.fdMu.Unlock()
	t, ok := v.fdTable[owner]
	if !ok {
		return nil, errno.EBADF
	}
	of, ok := t[fd]
	if !ok {
		return nil, errno.EBADF
	}
	return of, nil
}

// CloseFile releases fd, invoking the FS's Close. force tolerates
// in-progress writes by dropping them rather than blocking, used when
// a task terminates and the process manager force-closes its whole
// table.
func (v *VFS) CloseFile(owner Owner, fd int, force bool) error {
	v.fdMu.Lock()
	t, ok := v.fdTable[owner]
	if !ok {
		v.fdMu.Unlock()
		return errno.EBADF
	}
	of, ok := t[fd]
	if !ok {
		v.fdMu.Unlock()
		return errno.EBADF
	}
	delete(t, fd)
	v.fdMu.Unlock()

	of.mount.mu.Lock()
	of.mount.openFiles--
	of.mount.mu.Unlock()

	if v.mon != nil {
		v.mon.RemoveFile(owner, of.monHandle)
	}
	return of.mount.fs.Close(of.mount.handle, of.file, force)
}

// CloseAll force-closes every fd owner holds, used by the process
// manager when a task terminates: it iterates the owner's fd table
// and force-closes each entry.
func (v *VFS) CloseAll(owner Owner) {
	v.fdMu.Lock()
	t, ok := v.fdTable[owner]
	if !ok {
		v.fdMu.Unlock()
		return
	}
	delete(v.fdTable, owner)
	v.fdMu.Unlock()

	for _, of := range t {
		of.mount.mu.Lock()
		of.mount.openFiles--
		of.mount.mu.Unlock()
		_ = of.mount.fs.Close(of.mount.handle, of.file, true)
	}
}

// Read dispatches to the owning FS, propagating and advancing fpos;
// streaming devices may ignore it.
func (v *VFS) Read(owner Owner, fd int, buf []byte) (int, error) {
	of, err := v.lookupFd(owner, fd)
	if err != nil {
		return 0, err
	}
	n, err := of.mount.fs.Read(of.mount.handle, of.file, buf, of.pos())
	if err == nil {
		of.advance(int64(n))
	}
	return n, err
}

// Write dispatches to the owning FS, propagating and advancing fpos.
func (v *VFS) Write(owner Owner, fd int, buf []byte) (int, error) {
	of, err := v.lookupFd(owner, fd)
	if err != nil {
		return 0, err
	}
	pos := of.pos()
	if of.attr.Append {
		if st, serr := of.mount.fs.Fstat(of.mount.handle, of.file); serr == nil {
			pos = st.Size
		}
	}
	n, err := of.mount.fs.Write(of.mount.handle, of.file, buf, pos)
	if err == nil {
		of.setPos(pos + int64(n))
		v.invalidateStat(of.path)
	}
	return n, err
}

func (of *openFile) pos() int64 {
	of.posMu.Lock()
	defer of.posMu.Unlock()
	return of.fpos
}

func (of *openFile) advance(n int64) {
	of.posMu.Lock()
	of.fpos += n
	of.posMu.Unlock()
}

func (of *openFile) setPos(p int64) {
	of.posMu.Lock()
	of.fpos = p
	of.posMu.Unlock()
}

// Fstat reports metadata for an open fd.
func (v *VFS) Fstat(owner Owner, fd int) (vfsfs.Stat, error) {
	of, err := v.lookupFd(owner, fd)
	if err != nil {
		return vfsfs.Stat{}, err
	}
	return of.mount.fs.Fstat(of.mount.handle, of.file)
}
