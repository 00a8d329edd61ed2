// Package filesink implements the append-only binary log sink, datalogger's
// built-in storage backend. Every STORE is appended to a single file with
// no separator and no checksum; every GET_AFTER performs a full forward
// scan of that file through a fixed scratch buffer.
package filesink

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/loganix/datalogger/internal/metrics"
	"github.com/loganix/datalogger/internal/record"
	"github.com/loganix/datalogger/internal/sink"
)

// DefaultFilename is used when Open is called with an empty option string.
const DefaultFilename = "filedb.bin"

// scratchSize matches the front-end's per-connection receive buffer size;
// no stored record can ever exceed it given the wire's field-length
// bounds.
const scratchSize = 1500

// FileSink is a sink.Sink backed by a single append+read binary file.
type FileSink struct {
	mu   sync.Mutex
	file *os.File
	path string
}

// New returns an unopened FileSink.
func New() *FileSink { return &FileSink{} }

// Open acquires the backing file, creating it if necessary. An empty opts
// string selects DefaultFilename.
func (s *FileSink) Open(opts string) error {
	path := opts
	if path == "" {
		path = DefaultFilename
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("filesink: open %s: %w", path, err)
	}
	s.mu.Lock()
	s.file, s.path = f, path
	s.mu.Unlock()
	return nil
}

// Close releases the backing file.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	return s.file.Close()
}

// Process routes STORE to the write path and GET_AFTER to the query path;
// any other action is a no-op.
func (s *FileSink) Process(rec record.Record, send sink.SendFunc) (bool, error) {
	switch rec.Action {
	case record.ActionStore:
		return s.store(rec)
	case record.ActionGetAfter:
		return false, s.query(rec, send)
	default:
		return false, nil
	}
}

func (s *FileSink) store(rec record.Record) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.file.Seek(0, io.SeekEnd); err != nil {
		return false, fmt.Errorf("filesink: seek to end: %w", err)
	}
	if _, err := s.file.Write(encodeStored(rec)); err != nil {
		return false, fmt.Errorf("filesink: append: %w", err)
	}
	metrics.RecordStored()
	return true, nil
}

// query rewinds to the start of the file and scans forward through a fixed
// scratch buffer, decoding one stored record at a time. Each decoded
// record is rewritten to ACTION=REPLY and tested against ref; on a match,
// send is invoked with ref.Priv as the destination handle. Iteration stops
// at EOF or when send reports a failure — the client connection, not the
// sink, owns deciding what a send failure means.
func (s *FileSink) query(ref record.Record, send sink.SendFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("filesink: rewind: %w", err)
	}

	buf := make([]byte, scratchSize)
	bufLen := 0
	matches := 0

	for {
		if rec, consumed := decodeStored(buf[:bufLen]); consumed > 0 {
			if rec.Match(ref) {
				matches++
				if err := send(rec, ref.Priv); err != nil {
					metrics.QueryServed(matches)
					return nil
				}
			}
			copy(buf, buf[consumed:bufLen])
			bufLen -= consumed
			continue
		}

		n, err := s.file.Read(buf[bufLen:])
		if n == 0 {
			if err != nil && err != io.EOF {
				metrics.QueryServed(matches)
				return fmt.Errorf("filesink: read: %w", err)
			}
			break
		}
		bufLen += n
	}

	metrics.QueryServed(matches)
	return nil
}

// encodeStored lays out one stored record as sec, usec, then three
// 32-bit-length-prefixed byte strings (serial, devType, data). No record
// separator, no checksum.
func encodeStored(rec record.Record) []byte {
	buf := make([]byte, 0, 16+len(rec.Serial)+len(rec.DevType)+len(rec.Data))
	var tmp [4]byte
	putU32 := func(v uint32) {
		binary.BigEndian.PutUint32(tmp[:], v)
		buf = append(buf, tmp[:]...)
	}

	putU32(rec.Sec)
	putU32(rec.Usec)
	putU32(uint32(len(rec.Serial)))
	buf = append(buf, rec.Serial...)
	putU32(uint32(len(rec.DevType)))
	buf = append(buf, rec.DevType...)
	putU32(uint32(len(rec.Data)))
	buf = append(buf, rec.Data...)
	return buf
}

// decodeStored is encodeStored's inverse. It returns consumed == 0 when
// buf doesn't yet hold a complete record, signalling the caller to read
// more from the file.
func decodeStored(buf []byte) (record.Record, int) {
	pos := 0
	readU32 := func() (uint32, bool) {
		if pos+4 > len(buf) {
			return 0, false
		}
		v := binary.BigEndian.Uint32(buf[pos:])
		pos += 4
		return v, true
	}
	readBytes := func(n uint32) ([]byte, bool) {
		if pos+int(n) > len(buf) {
			return nil, false
		}
		b := buf[pos : pos+int(n)]
		pos += int(n)
		return b, true
	}

	sec, ok := readU32()
	if !ok {
		return record.Record{}, 0
	}
	usec, ok := readU32()
	if !ok {
		return record.Record{}, 0
	}
	serialLen, ok := readU32()
	if !ok {
		return record.Record{}, 0
	}
	serial, ok := readBytes(serialLen)
	if !ok {
		return record.Record{}, 0
	}
	devLen, ok := readU32()
	if !ok {
		return record.Record{}, 0
	}
	dev, ok := readBytes(devLen)
	if !ok {
		return record.Record{}, 0
	}
	dataLen, ok := readU32()
	if !ok {
		return record.Record{}, 0
	}
	data, ok := readBytes(dataLen)
	if !ok {
		return record.Record{}, 0
	}

	return record.Record{
		Action:  record.ActionReply,
		Sec:     sec,
		Usec:    usec,
		Serial:  string(serial),
		DevType: string(dev),
		Data:    append([]byte(nil), data...),
	}, pos
}
