// Package fsentry implements the canonical representation of a single
// watched filesystem object and its content identity hash.
package fsentry

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Kind distinguishes a file entry from a directory entry.
type Kind uint8

const (
	File Kind = iota
	Directory
)

func (k Kind) String() string {
	if k == Directory {
		return `directory`
	}
	return `file`
}

// TimeLayout is the canonical wire/storage form for an Entry's mtime:
// UTC, "YYYY/MM/DD-hh:mm:ss".
const TimeLayout = `2006/01/02-15:04:05`

var (
	ErrUnsupportedObject = errors.New("path is neither a regular file nor a directory")
	ErrNotUnderRoot      = errors.New("path is not under the watch root")
)

// Hash is the 32-byte SHA-256 content identity of an Entry.
type Hash [sha256.Size]byte

func (h Hash) String() string {
	return fmt.Sprintf("%x", h[:])
}

// Equal reports whether two hashes are byte-identical. It is not used for
// credential comparisons; see creds.Store.Verify for that.
func (h Hash) Equal(o Hash) bool {
	return h == o
}

// Entry is the canonical 5-tuple describing one filesystem object below a
// watch root: relative_path, kind, size, mtime, content_hash.
type Entry struct {
	RelativePath string
	Kind         Kind
	Size         int64
	MTime        time.Time // always UTC, truncated to the second
	ContentHash  Hash
}

// Equal implements field-wise equality; ordering is not defined.
func (e Entry) Equal(o Entry) bool {
	return e.RelativePath == o.RelativePath &&
		e.Kind == o.Kind &&
		e.Size == o.Size &&
		e.MTimeString() == o.MTimeString() &&
		e.ContentHash.Equal(o.ContentHash)
}

// MTimeString renders MTime in the canonical wire form.
func (e Entry) MTimeString() string {
	return e.MTime.UTC().Format(TimeLayout)
}

// ParseMTime parses the canonical wire form back into a time.Time.
func ParseMTime(s string) (time.Time, error) {
	return time.ParseInLocation(TimeLayout, s, time.UTC)
}

// ToRelative converts an absolute path beneath root into the forward-slash,
// no-trailing-slash relative form used as the catalog key and on the wire.
func ToRelative(root, abs string) (string, error) {
	rel, err := filepath.Rel(root, abs)
	if err != nil {
		return ``, err
	}
	if rel == `.` || strings.HasPrefix(rel, `..`) {
		return ``, ErrNotUnderRoot
	}
	rel = filepath.ToSlash(rel)
	return strings.TrimSuffix(rel, `/`), nil
}

// ToAbsolute is the inverse of ToRelative.
func ToAbsolute(root, rel string) string {
	return filepath.Join(root, filepath.FromSlash(rel))
}

// Scan builds an Entry for the object at abs (an absolute path beneath
// root). Non-file/non-directory objects (symlinks, devices, sockets)
// return ErrUnsupportedObject.
func Scan(root, abs string) (Entry, error) {
	fi, err := os.Lstat(abs)
	if err != nil {
		return Entry{}, err
	}
	rel, err := ToRelative(root, abs)
	if err != nil {
		return Entry{}, err
	}

	var e Entry
	e.RelativePath = rel
	e.MTime = fi.ModTime().UTC().Truncate(time.Second)

	switch {
	case fi.Mode().IsRegular():
		e.Kind = File
		e.Size = fi.Size()
		h, err := hashFile(abs)
		if err != nil {
			return Entry{}, err
		}
		e.ContentHash = h
	case fi.IsDir():
		e.Kind = Directory
		e.Size = 0
		e.ContentHash = hashDirectory(rel, e.MTimeString())
	default:
		return Entry{}, ErrUnsupportedObject
	}
	return e, nil
}

func hashFile(abs string) (Hash, error) {
	f, err := os.Open(abs)
	if err != nil {
		return Hash{}, err
	}
	defer f.Close()
	return HashReader(f)
}

// HashReader computes the content hash of a file's bytes as they are
// streamed, e.g. while receiving a STOR/DATA body.
func HashReader(r io.Reader) (Hash, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return Hash{}, err
	}
	var out Hash
	copy(out[:], h.Sum(nil))
	return out, nil
}

// hashDirectory computes SHA-256(relative_path ‖ mtime) per the spec's
// directory identity rule.
func hashDirectory(rel, mtime string) Hash {
	h := sha256.New()
	io.WriteString(h, rel)
	io.WriteString(h, mtime)
	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}

// MarshalBinary encodes the Entry for durable storage in a catalog
// (spec §4.4): kind, size, mtime, content_hash and relative_path,
// self-contained so a decoded record does not depend on its storage key.
func (e Entry) MarshalBinary() ([]byte, error) {
	mtime := e.MTimeString()
	buf := make([]byte, 0, 1+8+4+len(mtime)+sha256.Size+4+len(e.RelativePath))
	buf = append(buf, byte(e.Kind))
	buf = appendUint64(buf, uint64(e.Size))
	buf = appendUint32(buf, uint32(len(mtime)))
	buf = append(buf, mtime...)
	buf = append(buf, e.ContentHash[:]...)
	buf = appendUint32(buf, uint32(len(e.RelativePath)))
	buf = append(buf, e.RelativePath...)
	return buf, nil
}

// UnmarshalBinary decodes an Entry previously produced by MarshalBinary.
func (e *Entry) UnmarshalBinary(b []byte) error {
	if len(b) < 1+8+4 {
		return errors.New("fsentry: truncated entry record")
	}
	pos := 0
	e.Kind = Kind(b[pos])
	pos++
	e.Size = int64(readUint64(b[pos:]))
	pos += 8
	mlen := int(readUint32(b[pos:]))
	pos += 4
	if len(b) < pos+mlen+sha256.Size+4 {
		return errors.New("fsentry: truncated entry record")
	}
	mtimeStr := string(b[pos : pos+mlen])
	pos += mlen
	t, err := ParseMTime(mtimeStr)
	if err != nil {
		return err
	}
	e.MTime = t
	copy(e.ContentHash[:], b[pos:pos+sha256.Size])
	pos += sha256.Size
	plen := int(readUint32(b[pos:]))
	pos += 4
	if len(b) < pos+plen {
		return errors.New("fsentry: truncated entry record")
	}
	e.RelativePath = string(b[pos : pos+plen])
	return nil
}

func appendUint64(b []byte, v uint64) []byte {
	var tmp [8]byte
	for i := 0; i < 8; i++ {
		tmp[7-i] = byte(v >> (8 * i))
	}
	return append(b, tmp[:]...)
}

func appendUint32(b []byte, v uint32) []byte {
	var tmp [4]byte
	for i := 0; i < 4; i++ {
		tmp[3-i] = byte(v >> (8 * i))
	}
	return append(b, tmp[:]...)
}

func readUint64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v = v<<8 | uint64(b[i])
	}
	return v
}

func readUint32(b []byte) uint32 {
	var v uint32
	for i := 0; i < 4; i++ {
		v = v<<8 | uint32(b[i])
	}
	return v
}

// ApplyMTime sets the filesystem object's mtime by parsing the canonical
// wire form, so a freshly received or restored file carries the original
// time announced by the peer.
func ApplyMTime(path, mtime string) error {
	t, err := ParseMTime(mtime)
	if err != nil {
		return err
	}
	return os.Chtimes(path, t, t)
}
