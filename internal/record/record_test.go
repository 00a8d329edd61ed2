package record

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidate(t *testing.T) {
	cases := []struct {
		name string
		rec  Record
		want bool
	}{
		{"store ok", Record{Action: ActionStore, DevType: "a", Serial: "1", Data: []byte("x")}, true},
		{"store missing data", Record{Action: ActionStore, DevType: "a", Serial: "1"}, false},
		{"store missing devtype", Record{Action: ActionStore, Serial: "1", Data: []byte("x")}, false},
		{"get_after ok", Record{Action: ActionGetAfter, DevType: "a", Serial: "1"}, true},
		{"get_after missing serial", Record{Action: ActionGetAfter, DevType: "a"}, false},
		{"observe ok", Record{Action: ActionObserve, DevType: "*", Serial: "*"}, true},
		{"reply empty ok", Record{Action: ActionReply}, true},
		{"undefined invalid", Record{Action: ActionUndefined, DevType: "a", Serial: "1", Data: []byte("x")}, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.want, c.rec.Validate())
		})
	}
}

func TestMatch(t *testing.T) {
	ref := Record{DevType: "s", Serial: "1", Sec: 10, Usec: 0}

	assert.True(t, Record{DevType: "s", Serial: "1", Sec: 11}.Match(ref))
	assert.False(t, Record{DevType: "s", Serial: "1", Sec: 10}.Match(ref), "equal timestamp is not strictly after")
	assert.False(t, Record{DevType: "x", Serial: "1", Sec: 11}.Match(ref), "devtype mismatch")
	assert.False(t, Record{DevType: "s", Serial: "2", Sec: 11}.Match(ref), "serial mismatch")

	wildcard := Record{DevType: "*", Serial: "*", Sec: 0, Usec: 0}
	assert.True(t, Record{DevType: "anything", Serial: "anything", Sec: 1}.Match(wildcard))
}

func TestMatchZeroReferenceMeansAnyRecord(t *testing.T) {
	ref := Record{DevType: "*", Serial: "*", Sec: 0, Usec: 0}
	assert.True(t, Record{DevType: "a", Serial: "1", Sec: 1, Usec: 0}.Match(ref))
}

func TestAsReply(t *testing.T) {
	r := Record{Action: ActionStore, DevType: "a"}
	got := r.AsReply()
	assert.Equal(t, ActionReply, got.Action)
	assert.Equal(t, ActionStore, r.Action, "AsReply must not mutate the receiver")
}
