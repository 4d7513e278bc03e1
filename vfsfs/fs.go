// Package vfsfs defines the file-system vtable contract every
// registered file system must implement, plus Default, which fills in
// the methods a file system leaves nil (ENOSYS for unsupported
// operations).
package vfsfs

import (
	"time"

	"github.com/dnx-rtos/dnxcore/errno"
	"github.com/dnx-rtos/dnxcore/ioctl"
)

// Magic is the sentinel every FS-interface implementation must report
// from Magic(); the VFS refuses to mount anything that reports a
// different value, catching a mismatched or corrupted vtable at mount
// time rather than at first use.
const Magic uint32 = 0x46535653 // "FSVS"

// Attr encodes the caller-intent bits passed to Open.
type Attr struct {
	NonBlocking bool
	Append      bool
	Create      bool
	Truncate    bool
}

// FileMode mirrors POSIX mode_t bits: nine permission bits plus a
// file-type field.
type FileMode uint32

const (
	ModeTypeMask FileMode = 0xF000
	ModeRegular  FileMode = 0x1000
	ModeDir      FileMode = 0x2000
	ModeDevice   FileMode = 0x3000
	ModeLink     FileMode = 0x4000
	ModeFifo     FileMode = 0x5000
	ModeProgram  FileMode = 0x6000
)

func (m FileMode) IsDir() bool     { return m&ModeTypeMask == ModeDir }
func (m FileMode) IsRegular() bool { return m&ModeTypeMask == ModeRegular }
func (m FileMode) IsDevice() bool  { return m&ModeTypeMask == ModeDevice }
func (m FileMode) IsLink() bool    { return m&ModeTypeMask == ModeLink }
func (m FileMode) IsFifo() bool    { return m&ModeTypeMask == ModeFifo }

// Stat is the metadata record returned by Stat/Fstat.
type Stat struct {
	Size    int64
	Mode    FileMode
	ModTime time.Time
	Dev     uint32 // valid only when Mode.IsDevice()
}

// StatFS is the filesystem-level summary returned by Statfs.
type StatFS struct {
	TotalBytes int64
	FreeBytes  int64
	NameMax    int
}

// FS is the vtable every registered file system supplies. Each method
// receives the FS's own opaque handle established by Init; per-file
// handles come from Open/Opendir.
type FS struct {
	// Magic must return vfsfs.Magic; Default supplies this when nil.
	Magic func() uint32

	Init    func() (handle any, err error)
	Release func(handle any) error

	Open  func(handle any, path string, attr Attr) (file any, err error)
	Close func(handle any, file any, force bool) error
	Read  func(handle any, file any, buf []byte, pos int64) (n int, err error)
	Write func(handle any, file any, buf []byte, pos int64) (n int, err error)
	IOCTL func(handle any, file any, code ioctl.Code, arg any) error
	Flush func(handle any, file any) error
	Stat  func(handle any, path string) (Stat, error)
	Fstat func(handle any, file any) (Stat, error)

	Opendir  func(handle any, path string) (dir any, err error)
	Readdir  func(handle any, dir any) (name string, err error)
	Closedir func(handle any, dir any) error

	Mkdir  func(handle any, path string, mode FileMode) error
	Mkfifo func(handle any, path string, mode FileMode) error
	Mknod  func(handle any, path string, mode FileMode, dev uint32) error
	Remove func(handle any, path string) error
	Rename func(handle any, oldPath, newPath string) error
	Chmod  func(handle any, path string, mode FileMode) error
	Chown  func(handle any, path string, uid, gid int) error
	Statfs func(handle any) (StatFS, error)
	Sync   func(handle any) error
}

// unsupportedErr is the error the stubs installed by Default return,
// so the VFS never has to nil-check before calling through the vtable.
func unsupportedErr() error { return errno.ENOSYS }

// Default fills every nil method of fs: Magic reports Magic, Init,
// Release, Flush and Sync succeed as no-ops, and every other method
// returns ENOSYS.
func Default(fs FS) FS {
	if fs.Magic == nil {
		fs.Magic = func() uint32 { return Magic }
	}
	if fs.Init == nil {
		fs.Init = func() (any, error) { return nil, nil }
	}
	if fs.Release == nil {
		fs.Release = func(any) error { return nil }
	}
	if fs.Open == nil {
		fs.Open = func(any, string, Attr) (any, error) { return nil, unsupportedErr() }
	}
	if fs.Close == nil {
		fs.Close = func(any, any, bool) error { return unsupportedErr() }
	}
	if fs.Read == nil {
		fs.Read = func(any, any, []byte, int64) (int, error) { return 0, unsupportedErr() }
	}
	if fs.Write == nil {
		fs.Write = func(any, any, []byte, int64) (int, error) { return 0, unsupportedErr() }
	}
	if fs.IOCTL == nil {
		fs.IOCTL = func(any, any, ioctl.Code, any) error { return unsupportedErr() }
	}
	if fs.Flush == nil {
		fs.Flush = func(any, any) error { return nil }
	}
	if fs.Stat == nil {
		fs.Stat = func(any, string) (Stat, error) { return Stat{}, unsupportedErr() }
	}
	if fs.Fstat == nil {
		fs.Fstat = func(any, any) (Stat, error) { return Stat{}, unsupportedErr() }
	}
	if fs.Opendir == nil {
		fs.Opendir = func(any, string) (any, error) { return nil, unsupportedErr() }
	}
	if fs.Readdir == nil {
		fs.Readdir = func(any, any) (string, error) { return "", unsupportedErr() }
	}
	if fs.Closedir == nil {
		fs.Closedir = func(any, any) error { return unsupportedErr() }
	}
	if fs.Mkdir == nil {
		fs.Mkdir = func(any, string, FileMode) error { return unsupportedErr() }
	}
	if fs.Mkfifo == nil {
		fs.Mkfifo = func(any, string, FileMode) error { return unsupportedErr() }
	}
	if fs.Mknod == nil {
		fs.Mknod = func(any, string, FileMode, uint32) error { return unsupportedErr() }
	}
	if fs.Remove == nil {
		fs.Remove = func(any, string) error { return unsupportedErr() }
	}
	if fs.Rename == nil {
		fs.Rename = func(any, string, string) error { return unsupportedErr() }
	}
	if fs.Chmod == nil {
		fs.Chmod = func(any, string, FileMode) error { return unsupportedErr() }
	}
	if fs.Chown == nil {
		fs.Chown = func(any, string, int, int) error { return unsupportedErr() }
	}
	if fs.Statfs == nil {
		fs.Statfs = func(any) (StatFS, error) { return StatFS{}, unsupportedErr() }
	}
	if fs.Sync == nil {
		fs.Sync = func(any) error { return nil }
	}
	return fs
}
