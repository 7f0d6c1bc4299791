//go:build fuse

package lfs

import (
	"context"
	"io/fs"
	"syscall"

	fusefs "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
)

// Node bridges one inode of a mounted FileSystem into go-fuse's
// InodeEmbedder tree (spec §6 adapter surface). Every method is a thin
// translation between FUSE's calling convention and the upcall methods on
// FileSystem; no filesystem logic lives here.
type Node struct {
	fusefs.Inode

	fsys *FileSystem
	ino  uint32
}

var (
	_ fusefs.NodeLookuper  = (*Node)(nil)
	_ fusefs.NodeGetattrer = (*Node)(nil)
	_ fusefs.NodeSetattrer = (*Node)(nil)
	_ fusefs.NodeReaddirer = (*Node)(nil)
	_ fusefs.NodeOpener    = (*Node)(nil)
	_ fusefs.NodeReader    = (*Node)(nil)
	_ fusefs.NodeWriter    = (*Node)(nil)
	_ fusefs.NodeCreater   = (*Node)(nil)
	_ fusefs.NodeMkdirer   = (*Node)(nil)
	_ fusefs.NodeUnlinker  = (*Node)(nil)
	_ fusefs.NodeRmdirer   = (*Node)(nil)
	_ fusefs.NodeRenamer   = (*Node)(nil)
	_ fusefs.NodeFsyncer   = (*Node)(nil)
)

// toErrno maps an lfs sentinel error to the syscall.Errno FUSE expects
// (spec §7: errors carry a stable Kind, translated here to POSIX errno).
func toErrno(err error) syscall.Errno {
	if err == nil {
		return 0
	}
	switch KindOf(err) {
	case KindOutOfSpace:
		return syscall.ENOSPC
	case KindCorruption:
		return syscall.EIO
	case KindExists:
		return syscall.EEXIST
	case KindNoEntry:
		return syscall.ENOENT
	case KindNotDirectory:
		return syscall.ENOTDIR
	case KindIsDirectory:
		return syscall.EISDIR
	case KindNotEmpty:
		return syscall.ENOTEMPTY
	case KindInvalidArgument:
		return syscall.EINVAL
	default:
		return syscall.EIO
	}
}

func (n *Node) child(ino uint32) *Node {
	return &Node{fsys: n.fsys, ino: ino}
}

func fillAttr(rec InodeRecord, out *fuse.Attr) {
	out.Ino = uint64(rec.Ino)
	out.Mode = rec.Mode
	out.Size = rec.Size
	out.Nlink = rec.Nlink
	out.Uid = rec.UID
	out.Gid = rec.GID
	out.Atime = uint64(rec.Atime / 1e9)
	out.Atimensec = uint32(rec.Atime % 1e9)
	out.Mtime = uint64(rec.Mtime / 1e9)
	out.Mtimensec = uint32(rec.Mtime % 1e9)
	out.Ctime = uint64(rec.Ctime / 1e9)
	out.Ctimensec = uint32(rec.Ctime % 1e9)
}

// Lookup resolves name to a child Node, instantiating the FUSE-tree Inode
// on first sight (spec §6 lookup).
func (n *Node) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fusefs.Inode, syscall.Errno) {
	childIno, _, err := n.fsys.Lookup(n.ino, name)
	if err != nil {
		return nil, toErrno(err)
	}
	rec, err := n.fsys.GetAttr(childIno)
	if err != nil {
		return nil, toErrno(err)
	}
	fillAttr(rec, &out.Attr)

	var mode uint32 = syscall.S_IFREG
	if rec.fileType().IsDir() {
		mode = syscall.S_IFDIR
	}
	child := n.child(childIno)
	return n.NewInode(ctx, child, fusefs.StableAttr{Mode: mode, Ino: uint64(childIno)}), 0
}

// Getattr answers getattr (spec §6 getattr).
func (n *Node) Getattr(ctx context.Context, f fusefs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	rec, err := n.fsys.GetAttr(n.ino)
	if err != nil {
		return toErrno(err)
	}
	fillAttr(rec, &out.Attr)
	return 0
}

// Setattr answers setattr: size truncation, mode/uid/gid/time changes
// (spec §6 setattr).
func (n *Node) Setattr(ctx context.Context, f fusefs.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	rec, err := n.fsys.SetAttr(n.ino, func(r *InodeRecord) {
		if in.Valid&fuse.FATTR_MODE != 0 {
			r.Mode = in.Mode
		}
		if in.Valid&fuse.FATTR_UID != 0 {
			r.UID = in.Uid
		}
		if in.Valid&fuse.FATTR_GID != 0 {
			r.GID = in.Gid
		}
		if in.Valid&fuse.FATTR_SIZE != 0 {
			r.Size = in.Size
		}
	})
	if err != nil {
		return toErrno(err)
	}
	fillAttr(rec, &out.Attr)
	return 0
}

// dirStream implements fusefs.DirStream over a pre-fetched entry slice
// (spec §6 readdir: entries are listed eagerly by FileSystem.ReadDir).
type dirStream struct {
	entries []dirEntry
	pos     int
}

func (s *dirStream) HasNext() bool { return s.pos < len(s.entries) }
func (s *dirStream) Next() (fuse.DirEntry, syscall.Errno) {
	e := s.entries[s.pos]
	s.pos++
	mode := uint32(syscall.S_IFREG)
	if e.Type.IsDir() {
		mode = syscall.S_IFDIR
	}
	return fuse.DirEntry{Name: e.Name, Ino: uint64(e.Ino), Mode: mode}, 0
}
func (s *dirStream) Close() {}

// Readdir answers readdir (spec §6 readdir).
func (n *Node) Readdir(ctx context.Context) (fusefs.DirStream, syscall.Errno) {
	entries, err := n.fsys.ReadDir(n.ino)
	if err != nil {
		return nil, toErrno(err)
	}
	return &dirStream{entries: entries}, 0
}

// Open is a no-op: reads and writes go through FileSystem directly rather
// than a stateful file handle (spec §6 doesn't define an open/close pair
// separate from read/write).
func (n *Node) Open(ctx context.Context, flags uint32) (fusefs.FileHandle, uint32, syscall.Errno) {
	return nil, 0, 0
}

// Read answers a read at the given offset (spec §6 read).
func (n *Node) Read(ctx context.Context, f fusefs.FileHandle, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	data, err := n.fsys.Read(n.ino, off, len(dest))
	if err != nil {
		return nil, toErrno(err)
	}
	return fuse.ReadResultData(data), 0
}

// Write answers a write at the given offset (spec §6 write).
func (n *Node) Write(ctx context.Context, f fusefs.FileHandle, data []byte, off int64) (uint32, syscall.Errno) {
	written, err := n.fsys.Write(n.ino, off, data)
	if err != nil {
		return uint32(written), toErrno(err)
	}
	return uint32(written), 0
}

// Create answers create (spec §6 create).
func (n *Node) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (*fusefs.Inode, fusefs.FileHandle, uint32, syscall.Errno) {
	caller, _ := fuse.FromContext(ctx)
	var uid, gid uint32
	if caller != nil {
		uid, gid = caller.Uid, caller.Gid
	}
	childIno, err := n.fsys.Create(n.ino, name, fs.FileMode(mode), uid, gid)
	if err != nil {
		return nil, nil, 0, toErrno(err)
	}
	rec, err := n.fsys.GetAttr(childIno)
	if err != nil {
		return nil, nil, 0, toErrno(err)
	}
	fillAttr(rec, &out.Attr)
	child := n.child(childIno)
	inode := n.NewInode(ctx, child, fusefs.StableAttr{Mode: syscall.S_IFREG, Ino: uint64(childIno)})
	return inode, nil, 0, 0
}

// Mkdir answers mkdir (spec §6 mkdir).
func (n *Node) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*fusefs.Inode, syscall.Errno) {
	caller, _ := fuse.FromContext(ctx)
	var uid, gid uint32
	if caller != nil {
		uid, gid = caller.Uid, caller.Gid
	}
	childIno, err := n.fsys.Mkdir(n.ino, name, fs.FileMode(mode), uid, gid)
	if err != nil {
		return nil, toErrno(err)
	}
	rec, err := n.fsys.GetAttr(childIno)
	if err != nil {
		return nil, toErrno(err)
	}
	fillAttr(rec, &out.Attr)
	child := n.child(childIno)
	return n.NewInode(ctx, child, fusefs.StableAttr{Mode: syscall.S_IFDIR, Ino: uint64(childIno)}), 0
}

// Unlink answers unlink (spec §6 unlink).
func (n *Node) Unlink(ctx context.Context, name string) syscall.Errno {
	return toErrno(n.fsys.Unlink(n.ino, name))
}

// Rmdir answers rmdir (spec §6 rmdir).
func (n *Node) Rmdir(ctx context.Context, name string) syscall.Errno {
	return toErrno(n.fsys.Rmdir(n.ino, name))
}

// Rename answers rename (spec §6 rename).
func (n *Node) Rename(ctx context.Context, name string, newParent fusefs.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	np, ok := newParent.(*Node)
	if !ok {
		return syscall.EXDEV
	}
	return toErrno(n.fsys.Rename(n.ino, name, np.ino, newName))
}

// Fsync answers fsync (spec §5 fsync).
func (n *Node) Fsync(ctx context.Context, f fusefs.FileHandle, flags uint32) syscall.Errno {
	return toErrno(n.fsys.Fsync(n.ino))
}

// MountFUSE mounts fsys at dir using go-fuse's high-level node API, rooted
// at the filesystem's root inode (spec §6: the kernel-bridge adapter is
// the only consumer of FileSystem's upcall surface).
func MountFUSE(fsys *FileSystem, dir string, debug bool) (*fuse.Server, error) {
	root := &Node{fsys: fsys, ino: rootIno}
	opts := &fusefs.Options{}
	opts.Debug = debug
	opts.MountOptions.Name = "lfs"
	opts.MountOptions.FsName = "lfs"
	return fusefs.Mount(dir, root, opts)
}
