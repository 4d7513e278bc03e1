package vfs

import (
	"strings"
	"sync"
	"time"

	"github.com/dnx-rtos/dnxcore/errno"
	"github.com/dnx-rtos/dnxcore/ioctl"
	"github.com/dnx-rtos/dnxcore/vfsfs"
)

// memFile backs a regular file or a symlink entry in memFS.
type memFile struct {
	mode vfsfs.FileMode
	data []byte
}

type memHandle struct {
	path string
	data *[]byte
}

// memFS is a small in-memory file system used only to exercise the
// VFS mount/path-resolution/fd-table machinery in tests, grounded on
// the same "vtable with opaque handles" shape vfsfs.FS specifies.
type memFS struct {
	mu    sync.Mutex
	files map[string]*memFile
	dirs  map[string]bool
}

func newMemFS() vfsfs.FS {
	m := &memFS{
		files: make(map[string]*memFile),
		dirs:  map[string]bool{"/": true},
	}
	return vfsfs.Default(vfsfs.FS{
		Init:    func() (any, error) { return m, nil },
		Release: func(any) error { return nil },
		Open: func(h any, path string, attr vfsfs.Attr) (any, error) {
			fs := h.(*memFS)
			fs.mu.Lock()
			defer fs.mu.Unlock()
			f, ok := fs.files[path]
			if !ok {
				if !attr.Create {
					return nil, errno.ENOENT
				}
				f = &memFile{mode: vfsfs.ModeRegular}
				fs.files[path] = f
			}
			return &memHandle{path: path, data: &f.data}, nil
		},
		Close: func(any, any, bool) error { return nil },
		Read: func(h any, file any, buf []byte, pos int64) (int, error) {
			mh := file.(*memHandle)
			fs := h.(*memFS)
			fs.mu.Lock()
			defer fs.mu.Unlock()
			data := *mh.data
			if pos >= int64(len(data)) {
				return 0, nil
			}
			n := copy(buf, data[pos:])
			return n, nil
		},
		Write: func(h any, file any, buf []byte, pos int64) (int, error) {
			mh := file.(*memHandle)
			fs := h.(*memFS)
			fs.mu.Lock()
			defer fs.mu.Unlock()
			data := *mh.data
			end := pos + int64(len(buf))
			if end > int64(len(data)) {
				grown := make([]byte, end)
				copy(grown, data)
				data = grown
			}
			copy(data[pos:], buf)
			*mh.data = data
			return len(buf), nil
		},
		Stat: func(h any, path string) (vfsfs.Stat, error) {
			fs := h.(*memFS)
			fs.mu.Lock()
			defer fs.mu.Unlock()
			if fs.dirs[path] {
				return vfsfs.Stat{Mode: vfsfs.ModeDir, ModTime: fixedTime}, nil
			}
			f, ok := fs.files[path]
			if !ok {
				return vfsfs.Stat{}, errno.ENOENT
			}
			return vfsfs.Stat{Size: int64(len(f.data)), Mode: f.mode, ModTime: fixedTime}, nil
		},
		Fstat: func(h any, file any) (vfsfs.Stat, error) {
			mh := file.(*memHandle)
			fs := h.(*memFS)
			fs.mu.Lock()
			defer fs.mu.Unlock()
			f, ok := fs.files[mh.path]
			if !ok {
				return vfsfs.Stat{}, errno.ENOENT
			}
			return vfsfs.Stat{Size: int64(len(f.data)), Mode: f.mode, ModTime: fixedTime}, nil
		},
		Mkdir: func(h any, path string, mode vfsfs.FileMode) error {
			fs := h.(*memFS)
			fs.mu.Lock()
			defer fs.mu.Unlock()
			fs.dirs[path] = true
			return nil
		},
		Remove: func(h any, path string) error {
			fs := h.(*memFS)
			fs.mu.Lock()
			defer fs.mu.Unlock()
			delete(fs.files, path)
			delete(fs.dirs, path)
			return nil
		},
		Rename: func(h any, oldPath, newPath string) error {
			fs := h.(*memFS)
			fs.mu.Lock()
			defer fs.mu.Unlock()
			f, ok := fs.files[oldPath]
			if !ok {
				return errno.ENOENT
			}
			delete(fs.files, oldPath)
			fs.files[newPath] = f
			return nil
		},
		Opendir: func(h any, path string) (any, error) {
			fs := h.(*memFS)
			fs.mu.Lock()
			defer fs.mu.Unlock()
			var names []string
			prefix := path
			if prefix != "/" {
				prefix += "/"
			} else {
				prefix = "/"
			}
			for p := range fs.files {
				rest := strings.TrimPrefix(p, prefix)
				if rest != p && !strings.Contains(rest, "/") {
					names = append(names, rest)
				}
			}
			return &dirIter{names: names}, nil
		},
		Readdir: func(h any, dir any) (string, error) {
			it := dir.(*dirIter)
			if it.pos >= len(it.names) {
				return "", nil
			}
			name := it.names[it.pos]
			it.pos++
			return name, nil
		},
		Closedir: func(any, any) error { return nil },
		IOCTL:    func(any, any, ioctl.Code, any) error { return nil },
	})
}

type dirIter struct {
	names []string
	pos   int
}

var fixedTime = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
