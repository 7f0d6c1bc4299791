package lfs

import "io/fs"

// BlockType classifies a slot in a segment summary (spec §3: "block_type ∈
// {data, inode, indirect, dirent}"). Directory bodies are regular file
// content, so a dirent block is recorded as a data block owned by a
// directory inode. BlockDirent completes the type space but no writer in
// this package emits it; the cleaner treats such a slot as never live.
type BlockType uint8

const (
	BlockData BlockType = iota + 1
	BlockInode
	BlockIndirect
	BlockDirent
)

func (t BlockType) String() string {
	switch t {
	case BlockData:
		return "data"
	case BlockInode:
		return "inode"
	case BlockIndirect:
		return "indirect"
	case BlockDirent:
		return "dirent"
	}
	return "unknown"
}

// FileType is the type byte stored in a directory record (spec §3/§6).
// It mirrors the POSIX file type space; values double as a compact
// fs.FileMode classifier for readdir without decoding the target inode.
type FileType uint8

const (
	TypeRegular FileType = iota + 1
	TypeDirectory
	TypeSymlink
	TypeBlockDev
	TypeCharDev
	TypeFifo
	TypeSocket
)

func (t FileType) IsDir() bool {
	return t == TypeDirectory
}

// Mode returns the fs.FileMode bits carried by this type, with no permission bits set.
func (t FileType) Mode() fs.FileMode {
	switch t {
	case TypeDirectory:
		return fs.ModeDir
	case TypeSymlink:
		return fs.ModeSymlink
	case TypeBlockDev:
		return fs.ModeDevice
	case TypeCharDev:
		return fs.ModeDevice | fs.ModeCharDevice
	case TypeFifo:
		return fs.ModeNamedPipe
	case TypeSocket:
		return fs.ModeSocket
	case TypeRegular:
		return 0
	default:
		return fs.ModeIrregular
	}
}

// FileTypeFromMode derives the directory-record FileType from a POSIX mode.
func FileTypeFromMode(mode fs.FileMode) FileType {
	switch {
	case mode&fs.ModeDir != 0:
		return TypeDirectory
	case mode&fs.ModeSymlink != 0:
		return TypeSymlink
	case mode&fs.ModeCharDevice != 0:
		return TypeCharDev
	case mode&fs.ModeDevice != 0:
		return TypeBlockDev
	case mode&fs.ModeNamedPipe != 0:
		return TypeFifo
	case mode&fs.ModeSocket != 0:
		return TypeSocket
	default:
		return TypeRegular
	}
}

// SegmentState is the lifecycle state of a segment (spec §3).
type SegmentState uint8

const (
	SegmentFree SegmentState = iota
	SegmentActive
	SegmentFull
	SegmentCleaning
)

func (s SegmentState) String() string {
	switch s {
	case SegmentFree:
		return "free"
	case SegmentActive:
		return "active"
	case SegmentFull:
		return "full"
	case SegmentCleaning:
		return "cleaning"
	}
	return "unknown"
}
