package vpk

import (
	"fmt"
	"path"
	"strings"
)

// Entry is one file in the package directory.
type Entry struct {
	DirectoryName string
	FileName      string
	TypeName      string
	CRC32         uint32

	// SmallData is the preload stored inline in the directory.
	SmallData []byte

	// ArchiveIndex selects the numbered chunk file, or EmbeddedArchive for the
	// data section of the directory file itself.
	ArchiveIndex uint16
	Offset       uint32
	Length       uint32
}

// TotalLength is the preload plus the archive length.
func (e *Entry) TotalLength() int {
	return len(e.SmallData) + int(e.Length)
}

// FullPath returns "dir/name.ext", leaving out empty components.
func (e *Entry) FullPath() string {
	name := e.FileName
	if e.TypeName != "" {
		name += "." + e.TypeName
	}
	if e.DirectoryName == "" {
		return name
	}
	return e.DirectoryName + "/" + name
}

func (e *Entry) String() string {
	return fmt.Sprintf("%s crc=%08x size=%d archive=%d", e.FullPath(), e.CRC32, e.TotalLength(), e.ArchiveIndex)
}

// normalizePath converts a user supplied path to the form FullPath returns.
func normalizePath(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	return strings.TrimPrefix(path.Clean("/"+p), "/")
}

// splitPath breaks a full path into directory, name and extension.
func splitPath(p string) (dir, name, ext string) {
	p = normalizePath(p)
	dir, file := path.Split(p)
	dir = strings.TrimSuffix(dir, "/")

	if i := strings.LastIndexByte(file, '.'); i >= 0 {
		return dir, file[:i], file[i+1:]
	}
	return dir, file, ""
}
