package frontend

import (
	"context"
	"encoding/binary"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/loganix/datalogger/internal/observer"
	"github.com/loganix/datalogger/internal/record"
	"github.com/loganix/datalogger/internal/sink/filesink"
	"github.com/stretchr/testify/require"
)

// rawFrame builds a client-side request frame by hand (start marker + TLV
// fields in ACTION, SERNUM, DEVTYPE, DATA, TIME order; ACTION is always
// written, any of the others may be omitted). This never reuses wire.Serialize, which always forces
// ACTION=REPLY and is only ever used for server replies.
func rawFrame(action uint16, serial, devType string, data []byte, sec, usec uint32, withTime bool) []byte {
	buf := []byte{0x5A, 0x5A}

	putField := func(t uint16, v []byte) {
		var hdr [4]byte
		binary.BigEndian.PutUint16(hdr[0:2], t)
		binary.BigEndian.PutUint16(hdr[2:4], uint16(len(v)))
		buf = append(buf, hdr[:]...)
		buf = append(buf, v...)
	}

	var actionBytes [2]byte
	binary.BigEndian.PutUint16(actionBytes[:], action)
	putField(1, actionBytes[:])

	if serial != "" {
		putField(2, []byte(serial))
	}
	if devType != "" {
		putField(3, []byte(devType))
	}
	if data != nil {
		putField(4, data)
	}
	if withTime {
		var tv [8]byte
		binary.BigEndian.PutUint32(tv[0:4], sec)
		binary.BigEndian.PutUint32(tv[4:8], usec)
		putField(5, tv[:])
	}
	return buf
}

func newTestServer(t *testing.T) (*Server, *observer.Observer) {
	t.Helper()
	fs := filesink.New()
	require.NoError(t, fs.Open(filepath.Join(t.TempDir(), "filedb.bin")))
	t.Cleanup(func() { fs.Close() })

	obs := observer.New()
	srv := New("127.0.0.1:0", fs, obs)

	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	go func() {
		// Start binds synchronously before accepting; poll until the
		// listener exists so dialers don't race it.
		for srv.listener == nil {
			time.Sleep(time.Millisecond)
		}
		close(started)
	}()
	go func() { _ = srv.Start(ctx) }()
	<-started
	t.Cleanup(cancel)
	return srv, obs
}

func dial(t *testing.T, srv *Server) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", srv.listener.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readN(t *testing.T, conn net.Conn, n int) []byte {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, n)
	read := 0
	for read < n {
		m, err := conn.Read(buf[read:])
		require.NoError(t, err)
		read += m
	}
	return buf
}

func TestStoreAndQueryRoundTrip(t *testing.T) {
	srv, _ := newTestServer(t)

	connA := dial(t, srv)
	_, err := connA.Write(rawFrame(uint16(record.ActionStore), "1", "s", []byte("hi"), 0, 0, false))
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)

	connB := dial(t, srv)
	_, err = connB.Write(rawFrame(uint16(record.ActionGetAfter), "1", "s", nil, 0, 0, true))
	require.NoError(t, err)

	// One match frame followed by the empty sentinel. Each reply has a
	// fixed shape we can size exactly: ACTION(4+2) + SERNUM + DEVTYPE +
	// DATA + TIME(4+8).
	header := readN(t, connB, 2) // marker
	require.Equal(t, []byte{0x5A, 0x5A}, header)

	rest := readReplyBody(t, connB)
	require.Equal(t, "s", rest.DevType)
	require.Equal(t, "1", rest.Serial)
	require.Equal(t, "hi", string(rest.Data))

	sentinelMarker := readN(t, connB, 2)
	require.Equal(t, []byte{0x5A, 0x5A}, sentinelMarker)
	sentinel := readReplyBody(t, connB)
	require.Empty(t, sentinel.Serial)
	require.Empty(t, sentinel.DevType)
	require.Empty(t, sentinel.Data)
}

// replyBody is the decoded form of one reply frame's TLV body.
type replyBody struct {
	Serial, DevType string
	Data            []byte
}

// readReplyBody reads one full reply frame's TLV body off conn by reading
// field-by-field (each field's own length prefix tells us how much more
// to read), stopping once all five fields (ACTION..TIME) are consumed.
func readReplyBody(t *testing.T, conn net.Conn) replyBody {
	t.Helper()
	var out replyBody
	fieldsSeen := 0
	for fieldsSeen < 5 {
		hdr := readN(t, conn, 4)
		typ := binary.BigEndian.Uint16(hdr[0:2])
		length := binary.BigEndian.Uint16(hdr[2:4])
		value := readN(t, conn, int(length))
		switch typ {
		case 2:
			out.Serial = string(value)
		case 3:
			out.DevType = string(value)
		case 4:
			out.Data = value
		}
		fieldsSeen++
	}
	return out
}

func TestWildcardQueryReturnsBothInOrder(t *testing.T) {
	srv, _ := newTestServer(t)

	connS := dial(t, srv)
	_, err := connS.Write(rawFrame(uint16(record.ActionStore), "1", "a", []byte("one"), 0, 0, false))
	require.NoError(t, err)
	_, err = connS.Write(rawFrame(uint16(record.ActionStore), "2", "b", []byte("two"), 0, 0, false))
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)

	connQ := dial(t, srv)
	_, err = connQ.Write(rawFrame(uint16(record.ActionGetAfter), "*", "*", nil, 0, 0, true))
	require.NoError(t, err)

	first := readN(t, connQ, 2)
	require.Equal(t, []byte{0x5A, 0x5A}, first)
	b1 := readReplyBody(t, connQ)
	require.Equal(t, "one", string(b1.Data))

	second := readN(t, connQ, 2)
	require.Equal(t, []byte{0x5A, 0x5A}, second)
	b2 := readReplyBody(t, connQ)
	require.Equal(t, "two", string(b2.Data))

	sentinelMarker := readN(t, connQ, 2)
	require.Equal(t, []byte{0x5A, 0x5A}, sentinelMarker)
	sentinel := readReplyBody(t, connQ)
	require.Empty(t, sentinel.Data)
}

func TestObserveThenStorePushesMatchingRecord(t *testing.T) {
	srv, obs := newTestServer(t)

	connO := dial(t, srv)
	_, err := connO.Write(rawFrame(uint16(record.ActionObserve), "*", "*", nil, 0, 0, true))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return obs.Count() == 1 }, time.Second, time.Millisecond)

	connS := dial(t, srv)
	_, err = connS.Write(rawFrame(uint16(record.ActionStore), "y", "x", []byte("z"), 0, 0, false))
	require.NoError(t, err)

	marker := readN(t, connO, 2)
	require.Equal(t, []byte{0x5A, 0x5A}, marker)
	push := readReplyBody(t, connO)
	require.Equal(t, "z", string(push.Data))
}

func TestSplitFrameAcrossReads(t *testing.T) {
	srv, _ := newTestServer(t)
	connA := dial(t, srv)

	f := rawFrame(uint16(record.ActionStore), "1", "s", []byte("hi"), 0, 0, false)
	_, err := connA.Write(f[:7])
	require.NoError(t, err)
	time.Sleep(200 * time.Millisecond)
	_, err = connA.Write(f[7:])
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)

	connB := dial(t, srv)
	_, err = connB.Write(rawFrame(uint16(record.ActionGetAfter), "1", "s", nil, 0, 0, true))
	require.NoError(t, err)

	readN(t, connB, 2)
	body := readReplyBody(t, connB)
	require.Equal(t, "hi", string(body.Data))
}

func TestCorruptedByteSequenceResyncs(t *testing.T) {
	srv, _ := newTestServer(t)
	connA := dial(t, srv)

	garbage := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	f := rawFrame(uint16(record.ActionStore), "1", "s", []byte("hi"), 0, 0, false)
	_, err := connA.Write(append(garbage, f...))
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)

	connB := dial(t, srv)
	_, err = connB.Write(rawFrame(uint16(record.ActionGetAfter), "1", "s", nil, 0, 0, true))
	require.NoError(t, err)

	readN(t, connB, 2)
	body := readReplyBody(t, connB)
	require.Equal(t, "hi", string(body.Data))
}

func TestDisconnectDetachesSubscription(t *testing.T) {
	srv, obs := newTestServer(t)

	connO := dial(t, srv)
	_, err := connO.Write(rawFrame(uint16(record.ActionObserve), "*", "*", nil, 0, 0, true))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return obs.Count() == 1 }, time.Second, time.Millisecond)

	connO.Close()
	require.Eventually(t, func() bool { return obs.Count() == 0 }, time.Second, time.Millisecond)
}
