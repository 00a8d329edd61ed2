// Package wire implements the framed binary protocol datalogger speaks on
// the network: a 2-byte start marker followed by a TLV stream, with no
// length prefix on the record itself — the end of a record is detected by
// running into a field type the codec has already seen, one it doesn't
// recognize, or the end of the buffer on a field boundary.
package wire

import (
	"encoding/binary"
	"errors"
	"time"

	"github.com/loganix/datalogger/internal/record"
)

// Marker is the 2-byte sequence that prefixes every framed record.
var Marker = [2]byte{0x5A, 0x5A}

// fieldType identifies a single TLV field on the wire.
type fieldType uint16

const (
	fieldAction  fieldType = 1
	fieldSernum  fieldType = 2
	fieldDevtype fieldType = 3
	fieldData    fieldType = 4
	fieldTime    fieldType = 5
)

// tlvHeaderLen is the size of a field's type+len prefix.
const tlvHeaderLen = 4

// ErrInvalidField names the failure of a known field that violates its
// length constraint, or of a TIME field whose usec component is out of
// range. Deserialize reports that case as n == -1, not as this error.
var ErrInvalidField = errors.New("wire: invalid field")

// Now is the daemon's wall clock, swappable in tests. STORE records have
// their timestamp stamped from this the instant their ACTION field is
// parsed, regardless of any TIME TLV the client supplied.
var Now = func() (sec, usec uint32) {
	now := time.Now()
	return uint32(now.Unix()), uint32(now.Nanosecond() / 1000)
}

// IndexMarker returns the offset of the next start marker in buf, or -1 if
// none is present.
func IndexMarker(buf []byte) int {
	for i := 0; i+1 < len(buf); i++ {
		if buf[i] == Marker[0] && buf[i+1] == Marker[1] {
			return i
		}
	}
	return -1
}

// Deserialize parses TLV fields from buf (the bytes immediately following
// a start marker) into a fresh Record.
//
// n > 0 means a record was parsed and n bytes of buf were consumed; a buf
// that ends exactly after a complete field ends the record there. n == 0
// means buf holds no field yet or ends inside a field, and the caller
// should wait for more bytes; n == -1 means the record failed validation
// and the caller should resynchronize at the next start marker.
func Deserialize(buf []byte) (record.Record, int) {
	rec := record.Record{Action: record.ActionUndefined}
	seen := make(map[fieldType]bool, 5)
	pos := 0

	for {
		if pos > 0 && pos == len(buf) {
			return rec, pos
		}
		if pos+tlvHeaderLen > len(buf) {
			return record.Record{}, 0
		}
		typ := fieldType(binary.BigEndian.Uint16(buf[pos:]))
		length := int(binary.BigEndian.Uint16(buf[pos+2:]))

		// An unknown or repeated type ends the record right here, before
		// ever trusting its declared length — a garbage field whose
		// length would run past the buffer must not be mistaken for an
		// incomplete read, or a corrupt stream never resynchronizes.
		if !known(typ) {
			return rec, pos
		}
		if seen[typ] {
			return rec, pos
		}

		if pos+tlvHeaderLen+length > len(buf) {
			return record.Record{}, 0
		}
		value := buf[pos+tlvHeaderLen : pos+tlvHeaderLen+length]

		if ok := applyField(&rec, typ, value); !ok {
			return record.Record{}, -1
		}
		seen[typ] = true
		pos += tlvHeaderLen + length
	}
}

func known(t fieldType) bool {
	switch t {
	case fieldAction, fieldSernum, fieldDevtype, fieldData, fieldTime:
		return true
	default:
		return false
	}
}

func applyField(rec *record.Record, t fieldType, value []byte) bool {
	switch t {
	case fieldAction:
		if len(value) != 2 {
			return false
		}
		rec.Action = record.Action(binary.BigEndian.Uint16(value))
		if rec.Action == record.ActionStore {
			rec.Sec, rec.Usec = Now()
		}
		return true

	case fieldSernum:
		if len(value) > record.MaxSerial {
			return false
		}
		rec.Serial = string(value)
		return true

	case fieldDevtype:
		if len(value) > record.MaxDevType {
			return false
		}
		rec.DevType = string(value)
		return true

	case fieldData:
		if len(value) > record.MaxData {
			return false
		}
		rec.Data = append([]byte(nil), value...)
		return true

	case fieldTime:
		if len(value) != 8 {
			return false
		}
		sec := binary.BigEndian.Uint32(value[0:4])
		usec := binary.BigEndian.Uint32(value[4:8])
		if usec >= 1_000_000 {
			return false
		}
		// A STORE record's timestamp was already stamped with the
		// ingestion wall clock when its ACTION field was parsed; a
		// client-supplied TIME never overrides that for STORE.
		if rec.Action != record.ActionStore {
			rec.Sec, rec.Usec = sec, usec
		}
		return true

	default:
		return false
	}
}

// Serialize writes rec's TLV body (ACTION, SERNUM, DEVTYPE, DATA, TIME, in
// that order) to buf. The ACTION field is always written as REPLY,
// regardless of rec.Action — every record this codec serializes is a
// reply flowing back to a client. The caller is responsible for prepending
// Marker. Returns the number of bytes written, or -1 if buf is too small
// for any field.
func Serialize(rec record.Record, buf []byte) int {
	pos := 0

	pos = putField(buf, pos, fieldAction, 2, func(v []byte) bool {
		binary.BigEndian.PutUint16(v, uint16(record.ActionReply))
		return true
	})
	if pos < 0 {
		return -1
	}

	pos = putField(buf, pos, fieldSernum, len(rec.Serial), func(v []byte) bool {
		copy(v, rec.Serial)
		return true
	})
	if pos < 0 {
		return -1
	}

	pos = putField(buf, pos, fieldDevtype, len(rec.DevType), func(v []byte) bool {
		copy(v, rec.DevType)
		return true
	})
	if pos < 0 {
		return -1
	}

	pos = putField(buf, pos, fieldData, len(rec.Data), func(v []byte) bool {
		copy(v, rec.Data)
		return true
	})
	if pos < 0 {
		return -1
	}

	pos = putField(buf, pos, fieldTime, 8, func(v []byte) bool {
		binary.BigEndian.PutUint32(v[0:4], rec.Sec)
		binary.BigEndian.PutUint32(v[4:8], rec.Usec)
		return true
	})
	return pos
}

// putField writes one TLV field (header + value, valueLen bytes, filled by
// fill) at pos in buf, returning the new position or -1 if buf is too
// small.
func putField(buf []byte, pos int, t fieldType, valueLen int, fill func([]byte) bool) int {
	if pos+tlvHeaderLen+valueLen > len(buf) {
		return -1
	}
	binary.BigEndian.PutUint16(buf[pos:], uint16(t))
	binary.BigEndian.PutUint16(buf[pos+2:], uint16(valueLen))
	if !fill(buf[pos+tlvHeaderLen : pos+tlvHeaderLen+valueLen]) {
		return -1
	}
	return pos + tlvHeaderLen + valueLen
}

// MaxFrameLen bounds a single serialized frame: marker + all five fields
// at their maximum lengths.
const MaxFrameLen = 2 + (4+2)+(4+record.MaxSerial)+(4+record.MaxDevType)+(4+record.MaxData)+(4+8)
