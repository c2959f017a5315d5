// Package deltalog implements the per-branch delta log: an append-only
// sequence of typed records plus the two in-memory indices rebuilt from
// it on open. Records are framed as a fixed header, then a type-specific
// body decoded with encoding/binary, then trailing name/data bytes sized
// by the header.
package deltalog

import (
	"bytes"
	"encoding/binary"
	"time"

	"golang.org/x/xerrors"
)

// Type is a delta log record's tag.
type Type uint32

const (
	TypeWrite Type = iota + 1
	TypeCreate
	TypeDelete
	TypeTruncate
	TypeMkdir
	TypeRename
	TypeSetattr
)

func (t Type) String() string {
	switch t {
	case TypeWrite:
		return "WRITE"
	case TypeCreate:
		return "CREATE"
	case TypeDelete:
		return "DELETE"
	case TypeTruncate:
		return "TRUNCATE"
	case TypeMkdir:
		return "MKDIR"
	case TypeRename:
		return "RENAME"
	case TypeSetattr:
		return "SETATTR"
	default:
		return "UNKNOWN"
	}
}

// Header is the fixed portion present at the start of every record. A
// record's total_size covers the header, the type-specific body
// immediately below, and any trailing name/data payload.
type Header struct {
	Type      uint32
	TotalSize uint32
	Ino       uint64
	Timestamp int64
}

var headerSize = binary.Size(Header{})

// Setattr valid-mask bits; the mask selects which fields apply.
const (
	SetattrMode uint32 = 1 << iota
	SetattrUID
	SetattrGID
	SetattrSize
)

// RenameNoReplace is the only rename flag accepted.
const RenameNoReplace uint32 = 1

type writeBody struct {
	Offset uint64
	Len    uint32
	Flags  uint32
}

type createBody struct {
	ParentIno uint64
	NewIno    uint64
	Mode      uint32
	NameLen   uint32
	Flags     uint32
	_         uint32 // alignment
}

type deleteBody struct {
	ParentIno uint64
	NameLen   uint32
	Flags     uint32
}

type truncateBody struct {
	NewSize uint64
}

type renameBody struct {
	OldParent  uint64
	NewParent  uint64
	Ino        uint64
	OldNameLen uint32
	NewNameLen uint32
}

type setattrBody struct {
	Mode      uint32
	UID       uint32
	GID       uint32
	ValidMask uint32
	Size      uint64
}

// Record is a decoded delta log entry together with its trailing payload
// bytes (name(s) and/or file data, depending on Header.Type). Exactly one
// of the typed fields below is non-nil, selected by Header.Type.
type Record struct {
	Header Header

	// Offset is this record's byte offset within the branch's log,
	// relative to the branch's delta_log_offset. It is not encoded; it is
	// filled in by the scanner that produced the Record.
	Offset uint64

	Write    *WriteFields
	Create   *CreateFields
	Delete   *DeleteFields
	Truncate *TruncateFields
	Rename   *RenameFields
	Setattr  *SetattrFields
}

type WriteFields struct {
	Offset uint64
	Len    uint32
	Flags  uint32
	Data   []byte
}

type CreateFields struct {
	ParentIno uint64
	NewIno    uint64
	Mode      uint32
	Flags     uint32
	Name      string
}

type DeleteFields struct {
	ParentIno uint64
	Flags     uint32
	Name      string
}

type TruncateFields struct {
	NewSize uint64
}

type RenameFields struct {
	OldParent uint64
	NewParent uint64
	Ino       uint64
	OldName   string
	NewName   string
}

type SetattrFields struct {
	Mode      uint32
	UID       uint32
	GID       uint32
	ValidMask uint32
	Size      uint64
}

func encode(typ Type, ino uint64, now time.Time, body interface{}, trailing ...[]byte) ([]byte, error) {
	var bodyBuf bytes.Buffer
	if err := binary.Write(&bodyBuf, binary.LittleEndian, body); err != nil {
		return nil, xerrors.Errorf("encoding %v body: %w", typ, err)
	}

	total := headerSize + bodyBuf.Len()
	for _, t := range trailing {
		total += len(t)
	}

	var buf bytes.Buffer
	buf.Grow(total)
	hdr := Header{Type: uint32(typ), TotalSize: uint32(total), Ino: ino, Timestamp: now.UnixNano()}
	if err := binary.Write(&buf, binary.LittleEndian, hdr); err != nil {
		return nil, xerrors.Errorf("encoding %v header: %w", typ, err)
	}
	buf.Write(bodyBuf.Bytes())
	for _, t := range trailing {
		buf.Write(t)
	}
	return buf.Bytes(), nil
}

// EncodeWrite builds a WRITE record.
func EncodeWrite(ino, offset uint64, data []byte, flags uint32, now time.Time) ([]byte, error) {
	return encode(TypeWrite, ino, now, writeBody{Offset: offset, Len: uint32(len(data)), Flags: flags}, data)
}

// EncodeCreate builds a CREATE or MKDIR record; typ must be TypeCreate or
// TypeMkdir.
func EncodeCreate(typ Type, parentIno, newIno uint64, mode uint32, name string, flags uint32, now time.Time) ([]byte, error) {
	nameB := []byte(name)
	body := createBody{ParentIno: parentIno, NewIno: newIno, Mode: mode, NameLen: uint32(len(nameB)), Flags: flags}
	return encode(typ, newIno, now, body, nameB)
}

// EncodeDelete builds a DELETE tombstone record. ino is the inode being
// unlinked, recorded in the header.
func EncodeDelete(ino, parentIno uint64, name string, flags uint32, now time.Time) ([]byte, error) {
	nameB := []byte(name)
	body := deleteBody{ParentIno: parentIno, NameLen: uint32(len(nameB)), Flags: flags}
	return encode(TypeDelete, ino, now, body, nameB)
}

// EncodeTruncate builds a TRUNCATE record.
func EncodeTruncate(ino, newSize uint64, now time.Time) ([]byte, error) {
	return encode(TypeTruncate, ino, now, truncateBody{NewSize: newSize})
}

// EncodeRename builds a RENAME record.
func EncodeRename(ino, oldParent, newParent uint64, oldName, newName string, now time.Time) ([]byte, error) {
	oldB, newB := []byte(oldName), []byte(newName)
	body := renameBody{
		OldParent:  oldParent,
		NewParent:  newParent,
		Ino:        ino,
		OldNameLen: uint32(len(oldB)),
		NewNameLen: uint32(len(newB)),
	}
	return encode(TypeRename, ino, now, body, oldB, newB)
}

// EncodeSetattr builds a SETATTR record; validMask selects which of
// mode/uid/gid/size are meaningful.
func EncodeSetattr(ino uint64, validMask, mode, uid, gid uint32, size uint64, now time.Time) ([]byte, error) {
	body := setattrBody{Mode: mode, UID: uid, GID: gid, ValidMask: validMask, Size: size}
	return encode(TypeSetattr, ino, now, body)
}

// Decode parses a single record out of buf, which must contain at least
// the header. It returns the decoded Record and the number of bytes
// consumed (equal to Header.TotalSize on success). A TotalSize of 0
// means end-of-log and is reported as err nil with n==0; callers (Scan)
// treat that as the stopping condition, not an error.
func Decode(buf []byte) (Record, int, error) {
	if len(buf) < headerSize {
		return Record{}, 0, xerrors.Errorf("deltalog: %d bytes is short of a %d-byte header", len(buf), headerSize)
	}
	var hdr Header
	if err := binary.Read(bytes.NewReader(buf[:headerSize]), binary.LittleEndian, &hdr); err != nil {
		return Record{}, 0, xerrors.Errorf("decoding header: %w", err)
	}
	if hdr.TotalSize == 0 {
		return Record{}, 0, nil
	}
	if int(hdr.TotalSize) > len(buf) {
		return Record{}, 0, xerrors.Errorf("deltalog: record claims total_size %d but only %d bytes remain", hdr.TotalSize, len(buf))
	}

	rec := Record{Header: hdr}
	body := buf[headerSize:hdr.TotalSize]
	r := bytes.NewReader(body)

	switch Type(hdr.Type) {
	case TypeWrite:
		var b writeBody
		if err := binary.Read(r, binary.LittleEndian, &b); err != nil {
			return Record{}, 0, xerrors.Errorf("decoding WRITE body: %w", err)
		}
		data := make([]byte, b.Len)
		if _, err := r.Read(data); err != nil {
			return Record{}, 0, xerrors.Errorf("decoding WRITE data: %w", err)
		}
		rec.Write = &WriteFields{Offset: b.Offset, Len: b.Len, Flags: b.Flags, Data: data}

	case TypeCreate, TypeMkdir:
		var b createBody
		if err := binary.Read(r, binary.LittleEndian, &b); err != nil {
			return Record{}, 0, xerrors.Errorf("decoding CREATE/MKDIR body: %w", err)
		}
		name := make([]byte, b.NameLen)
		if _, err := r.Read(name); err != nil {
			return Record{}, 0, xerrors.Errorf("decoding CREATE/MKDIR name: %w", err)
		}
		rec.Create = &CreateFields{ParentIno: b.ParentIno, NewIno: b.NewIno, Mode: b.Mode, Flags: b.Flags, Name: string(name)}

	case TypeDelete:
		var b deleteBody
		if err := binary.Read(r, binary.LittleEndian, &b); err != nil {
			return Record{}, 0, xerrors.Errorf("decoding DELETE body: %w", err)
		}
		name := make([]byte, b.NameLen)
		if _, err := r.Read(name); err != nil {
			return Record{}, 0, xerrors.Errorf("decoding DELETE name: %w", err)
		}
		rec.Delete = &DeleteFields{ParentIno: b.ParentIno, Flags: b.Flags, Name: string(name)}

	case TypeTruncate:
		var b truncateBody
		if err := binary.Read(r, binary.LittleEndian, &b); err != nil {
			return Record{}, 0, xerrors.Errorf("decoding TRUNCATE body: %w", err)
		}
		rec.Truncate = &TruncateFields{NewSize: b.NewSize}

	case TypeRename:
		var b renameBody
		if err := binary.Read(r, binary.LittleEndian, &b); err != nil {
			return Record{}, 0, xerrors.Errorf("decoding RENAME body: %w", err)
		}
		oldName := make([]byte, b.OldNameLen)
		if _, err := r.Read(oldName); err != nil {
			return Record{}, 0, xerrors.Errorf("decoding RENAME old name: %w", err)
		}
		newName := make([]byte, b.NewNameLen)
		if _, err := r.Read(newName); err != nil {
			return Record{}, 0, xerrors.Errorf("decoding RENAME new name: %w", err)
		}
		rec.Rename = &RenameFields{
			OldParent: b.OldParent,
			NewParent: b.NewParent,
			Ino:       b.Ino,
			OldName:   string(oldName),
			NewName:   string(newName),
		}

	case TypeSetattr:
		var b setattrBody
		if err := binary.Read(r, binary.LittleEndian, &b); err != nil {
			return Record{}, 0, xerrors.Errorf("decoding SETATTR body: %w", err)
		}
		rec.Setattr = &SetattrFields{Mode: b.Mode, UID: b.UID, GID: b.GID, ValidMask: b.ValidMask, Size: b.Size}

	default:
		return Record{}, 0, xerrors.Errorf("deltalog: unknown record type %d at offset (total_size %d)", hdr.Type, hdr.TotalSize)
	}

	return rec, int(hdr.TotalSize), nil
}
