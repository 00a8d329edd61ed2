package frontend

import (
	"net"

	"github.com/loganix/datalogger/internal/wire"
)

// handleConn owns one accepted connection for its entire life: it reads
// bytes into a fixed 1500-byte buffer, scans for frames, validates each
// parsed record, and forwards the well-formed ones to the dispatch
// goroutine. It never touches the sink, the observer, or another
// connection's state directly.
func (s *Server) handleConn(conn net.Conn, handle uint64) {
	defer s.wg.Done()
	defer conn.Close()

	s.core <- coreMsg{kind: msgRegister, handle: handle, conn: conn}
	defer func() { s.core <- coreMsg{kind: msgUnregister, handle: handle} }()

	var buf [recvBufSize]byte
	rxPos := 0

	for {
		n, readErr := conn.Read(buf[rxPos:])
		if n == 0 {
			return // remote close or read error: disconnect
		}

		avail := rxPos + n
		cursor := 0

	scan:
		for {
			rel := wire.IndexMarker(buf[cursor:avail])
			if rel < 0 {
				break scan
			}
			cursor += rel

			rec, consumed := wire.Deserialize(buf[cursor+2 : avail])
			switch {
			case consumed == 0:
				// Incomplete frame: keep the marker at cursor, await
				// more bytes on the next read.
				break scan
			case consumed < 0:
				// Validation failure: resynchronize past this marker.
				cursor += 2
			default:
				cursor += 2 + consumed
				if rec.Validate() {
					s.core <- coreMsg{kind: msgDispatch, handle: handle, rec: rec}
				}
			}
		}

		copy(buf[0:], buf[cursor:avail])
		rxPos = avail - cursor

		if readErr != nil {
			return
		}
	}
}
