package main

import (
	"sync"
	"time"

	"github.com/dnx-rtos/dnxcore/errno"
	"github.com/dnx-rtos/dnxcore/vfsfs"
)

// ramFile backs one regular file mounted under the simulator's root
// ramfs. It exists here only so cmd/dnxsim has something to mount at
// "/" and is not meant as a general-purpose file system.
type ramFile struct {
	mode vfsfs.FileMode
	data []byte
}

type ramHandle struct {
	data *[]byte
}

type ramFS struct {
	mu    sync.Mutex
	files map[string]*ramFile
}

func newRamFS() vfsfs.FS {
	r := &ramFS{files: make(map[string]*ramFile)}
	return vfsfs.Default(vfsfs.FS{
		Init:    func() (any, error) { return r, nil },
		Release: func(any) error { return nil },
		Open: func(h any, path string, attr vfsfs.Attr) (any, error) {
			fs := h.(*ramFS)
			fs.mu.Lock()
			defer fs.mu.Unlock()
			f, ok := fs.files[path]
			if !ok {
				if !attr.Create {
					return nil, errno.ENOENT
				}
				f = &ramFile{mode: vfsfs.ModeRegular}
				fs.files[path] = f
			}
			if attr.Truncate {
				f.data = nil
			}
			return &ramHandle{data: &f.data}, nil
		},
		Close: func(any, any, bool) error { return nil },
		Read: func(h any, file any, buf []byte, pos int64) (int, error) {
			rh := file.(*ramHandle)
			if pos >= int64(len(*rh.data)) {
				return 0, nil
			}
			n := copy(buf, (*rh.data)[pos:])
			return n, nil
		},
		Write: func(h any, file any, buf []byte, pos int64) (int, error) {
			rh := file.(*ramHandle)
			end := pos + int64(len(buf))
			if end > int64(len(*rh.data)) {
				grown := make([]byte, end)
				copy(grown, *rh.data)
				*rh.data = grown
			}
			copy((*rh.data)[pos:], buf)
			return len(buf), nil
		},
		Stat: func(h any, path string) (vfsfs.Stat, error) {
			fs := h.(*ramFS)
			fs.mu.Lock()
			defer fs.mu.Unlock()
			f, ok := fs.files[path]
			if !ok {
				if path == "/" {
					return vfsfs.Stat{Mode: vfsfs.ModeDir, ModTime: time.Now()}, nil
				}
				return vfsfs.Stat{}, errno.ENOENT
			}
			return vfsfs.Stat{Size: int64(len(f.data)), Mode: f.mode, ModTime: time.Now()}, nil
		},
		Fstat: func(h any, file any) (vfsfs.Stat, error) {
			rh := file.(*ramHandle)
			return vfsfs.Stat{Size: int64(len(*rh.data)), Mode: vfsfs.ModeRegular, ModTime: time.Now()}, nil
		},
		Remove: func(h any, path string) error {
			fs := h.(*ramFS)
			fs.mu.Lock()
			defer fs.mu.Unlock()
			if _, ok := fs.files[path]; !ok {
				return errno.ENOENT
			}
			delete(fs.files, path)
			return nil
		},
		Statfs: func(h any) (vfsfs.StatFS, error) {
			return vfsfs.StatFS{TotalBytes: 1 << 20, FreeBytes: 1 << 19, NameMax: 255}, nil
		},
	})
}
