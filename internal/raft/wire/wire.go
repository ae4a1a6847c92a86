// Package wire implements the protobuf wire-format encoding of log entries
// and RPC messages. Storage values and the gRPC transport codec share these
// encoders, so an entry read back from disk and an entry received over the
// network decode through the same path.
package wire

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"quorumd/internal/raft"
)

// Marshal encodes any engine message into protobuf wire format.
func Marshal(msg any) ([]byte, error) {
	switch m := msg.(type) {
	case *raft.LogEntry:
		return AppendLogEntry(nil, m), nil
	case *raft.Configuration:
		return AppendConfiguration(nil, m), nil
	case *raft.RequestVoteRequest:
		return appendRequestVoteRequest(nil, m), nil
	case *raft.RequestVoteResponse:
		return appendRequestVoteResponse(nil, m), nil
	case *raft.AppendEntriesRequest:
		return appendAppendEntriesRequest(nil, m), nil
	case *raft.AppendEntriesResponse:
		return appendAppendEntriesResponse(nil, m), nil
	case *raft.InstallSnapshotRequest:
		return appendInstallSnapshotRequest(nil, m), nil
	case *raft.InstallSnapshotResponse:
		return appendInstallSnapshotResponse(nil, m), nil
	case *raft.SubmitRequest:
		return appendSubmitRequest(nil, m), nil
	case *raft.SubmitResponse:
		return appendClientResponse(nil, m.Status, m.LeaderHint, m.Result, m.Message), nil
	case *raft.ReadRequest:
		return appendReadRequest(nil, m), nil
	case *raft.ReadResponse:
		return appendClientResponse(nil, m.Status, m.LeaderHint, m.Result, m.Message), nil
	case *raft.SetConfigurationRequest:
		return appendSetConfigurationRequest(nil, m), nil
	case *raft.SetConfigurationResponse:
		return appendClientResponse(nil, m.Status, m.LeaderHint, nil, m.Message), nil
	default:
		return nil, fmt.Errorf("wire: cannot marshal %T", msg)
	}
}

// Unmarshal decodes protobuf wire format into the given engine message.
func Unmarshal(data []byte, msg any) error {
	switch m := msg.(type) {
	case *raft.LogEntry:
		return unmarshalLogEntry(data, m)
	case *raft.Configuration:
		return unmarshalConfiguration(data, m)
	case *raft.RequestVoteRequest:
		return unmarshalRequestVoteRequest(data, m)
	case *raft.RequestVoteResponse:
		return unmarshalRequestVoteResponse(data, m)
	case *raft.AppendEntriesRequest:
		return unmarshalAppendEntriesRequest(data, m)
	case *raft.AppendEntriesResponse:
		return unmarshalAppendEntriesResponse(data, m)
	case *raft.InstallSnapshotRequest:
		return unmarshalInstallSnapshotRequest(data, m)
	case *raft.InstallSnapshotResponse:
		return unmarshalInstallSnapshotResponse(data, m)
	case *raft.SubmitRequest:
		return unmarshalSubmitRequest(data, m)
	case *raft.SubmitResponse:
		return unmarshalClientResponse(data, &m.Status, &m.LeaderHint, &m.Result, &m.Message)
	case *raft.ReadRequest:
		return unmarshalReadRequest(data, m)
	case *raft.ReadResponse:
		return unmarshalClientResponse(data, &m.Status, &m.LeaderHint, &m.Result, &m.Message)
	case *raft.SetConfigurationRequest:
		return unmarshalSetConfigurationRequest(data, m)
	case *raft.SetConfigurationResponse:
		var discard []byte
		return unmarshalClientResponse(data, &m.Status, &m.LeaderHint, &discard, &m.Message)
	default:
		return fmt.Errorf("wire: cannot unmarshal into %T", msg)
	}
}

// decoder walks one message's fields, tracking the parse position.
type decoder struct {
	b   []byte
	err error
}

func (d *decoder) next() (protowire.Number, protowire.Type, bool) {
	if d.err != nil || len(d.b) == 0 {
		return 0, 0, false
	}
	num, typ, n := protowire.ConsumeTag(d.b)
	if n < 0 {
		d.err = protowire.ParseError(n)
		return 0, 0, false
	}
	d.b = d.b[n:]
	return num, typ, true
}

func (d *decoder) uint() uint64 {
	if d.err != nil {
		return 0
	}
	v, n := protowire.ConsumeVarint(d.b)
	if n < 0 {
		d.err = protowire.ParseError(n)
		return 0
	}
	d.b = d.b[n:]
	return v
}

func (d *decoder) bool() bool { return d.uint() != 0 }

func (d *decoder) bytes() []byte {
	if d.err != nil {
		return nil
	}
	v, n := protowire.ConsumeBytes(d.b)
	if n < 0 {
		d.err = protowire.ParseError(n)
		return nil
	}
	d.b = d.b[n:]
	// Copy out: the input buffer may be reused by the transport.
	return append([]byte(nil), v...)
}

func (d *decoder) string() string { return string(d.bytes()) }

func (d *decoder) skip(num protowire.Number, typ protowire.Type) {
	if d.err != nil {
		return
	}
	n := protowire.ConsumeFieldValue(num, typ, d.b)
	if n < 0 {
		d.err = protowire.ParseError(n)
		return
	}
	d.b = d.b[n:]
}

func appendUint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBool(b []byte, num protowire.Number, v bool) []byte {
	if !v {
		return b
	}
	return appendUint(b, num, 1)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendString(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

// ---- Peer ----

func appendPeer(b []byte, num protowire.Number, p raft.Peer) []byte {
	inner := appendString(nil, 1, string(p.ID))
	inner = appendString(inner, 2, string(p.Address))
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, inner)
}

func unmarshalPeer(data []byte) (raft.Peer, error) {
	var p raft.Peer
	d := &decoder{b: data}
	for {
		num, typ, ok := d.next()
		if !ok {
			break
		}
		switch num {
		case 1:
			p.ID = raft.ServerID(d.string())
		case 2:
			p.Address = raft.ServerAddress(d.string())
		default:
			d.skip(num, typ)
		}
	}
	return p, d.err
}

// ---- Configuration ----

// AppendConfiguration appends the wire encoding of c to b.
func AppendConfiguration(b []byte, c *raft.Configuration) []byte {
	b = appendUint(b, 1, c.Index)
	for _, p := range c.Peers {
		b = appendPeer(b, 2, p)
	}
	for _, p := range c.OldPeers {
		b = appendPeer(b, 3, p)
	}
	return b
}

// UnmarshalConfiguration decodes a configuration.
func UnmarshalConfiguration(data []byte) (*raft.Configuration, error) {
	c := new(raft.Configuration)
	if err := unmarshalConfiguration(data, c); err != nil {
		return nil, err
	}
	return c, nil
}

func unmarshalConfiguration(data []byte, c *raft.Configuration) error {
	d := &decoder{b: data}
	for {
		num, typ, ok := d.next()
		if !ok {
			break
		}
		switch num {
		case 1:
			c.Index = d.uint()
		case 2:
			p, err := unmarshalPeer(d.bytes())
			if err != nil {
				return err
			}
			c.Peers = append(c.Peers, p)
		case 3:
			p, err := unmarshalPeer(d.bytes())
			if err != nil {
				return err
			}
			c.OldPeers = append(c.OldPeers, p)
		default:
			d.skip(num, typ)
		}
	}
	return d.err
}

// ---- LogEntry ----

// AppendLogEntry appends the wire encoding of e to b.
func AppendLogEntry(b []byte, e *raft.LogEntry) []byte {
	b = appendUint(b, 1, e.Index)
	b = appendUint(b, 2, e.Term)
	b = appendUint(b, 3, uint64(e.Type))
	b = appendBytes(b, 4, e.Command)
	if e.Conf != nil {
		inner := AppendConfiguration(nil, e.Conf)
		b = protowire.AppendTag(b, 5, protowire.BytesType)
		b = protowire.AppendBytes(b, inner)
	}
	b = appendString(b, 6, string(e.ClientID))
	b = appendUint(b, 7, e.CallID)
	return b
}

// UnmarshalLogEntry decodes one log entry.
func UnmarshalLogEntry(data []byte) (*raft.LogEntry, error) {
	e := new(raft.LogEntry)
	if err := unmarshalLogEntry(data, e); err != nil {
		return nil, err
	}
	return e, nil
}

func unmarshalLogEntry(data []byte, e *raft.LogEntry) error {
	d := &decoder{b: data}
	for {
		num, typ, ok := d.next()
		if !ok {
			break
		}
		switch num {
		case 1:
			e.Index = d.uint()
		case 2:
			e.Term = d.uint()
		case 3:
			e.Type = raft.EntryType(d.uint())
		case 4:
			e.Command = d.bytes()
		case 5:
			conf, err := UnmarshalConfiguration(d.bytes())
			if err != nil {
				return err
			}
			e.Conf = conf
		case 6:
			e.ClientID = raft.ClientID(d.string())
		case 7:
			e.CallID = d.uint()
		default:
			d.skip(num, typ)
		}
	}
	return d.err
}

// ---- RequestVote ----

func appendRequestVoteRequest(b []byte, m *raft.RequestVoteRequest) []byte {
	b = appendString(b, 1, string(m.GroupID))
	b = appendUint(b, 2, m.Term)
	b = appendString(b, 3, string(m.CandidateID))
	b = appendUint(b, 4, m.LastLogIndex)
	b = appendUint(b, 5, m.LastLogTerm)
	return b
}

func unmarshalRequestVoteRequest(data []byte, m *raft.RequestVoteRequest) error {
	d := &decoder{b: data}
	for {
		num, typ, ok := d.next()
		if !ok {
			break
		}
		switch num {
		case 1:
			m.GroupID = raft.GroupID(d.string())
		case 2:
			m.Term = d.uint()
		case 3:
			m.CandidateID = raft.ServerID(d.string())
		case 4:
			m.LastLogIndex = d.uint()
		case 5:
			m.LastLogTerm = d.uint()
		default:
			d.skip(num, typ)
		}
	}
	return d.err
}

func appendRequestVoteResponse(b []byte, m *raft.RequestVoteResponse) []byte {
	b = appendUint(b, 1, m.Term)
	b = appendBool(b, 2, m.VoteGranted)
	return b
}

func unmarshalRequestVoteResponse(data []byte, m *raft.RequestVoteResponse) error {
	d := &decoder{b: data}
	for {
		num, typ, ok := d.next()
		if !ok {
			break
		}
		switch num {
		case 1:
			m.Term = d.uint()
		case 2:
			m.VoteGranted = d.bool()
		default:
			d.skip(num, typ)
		}
	}
	return d.err
}

// ---- AppendEntries ----

func appendAppendEntriesRequest(b []byte, m *raft.AppendEntriesRequest) []byte {
	b = appendString(b, 1, string(m.GroupID))
	b = appendUint(b, 2, m.Term)
	b = appendString(b, 3, string(m.LeaderID))
	b = appendUint(b, 4, m.PrevLogIndex)
	b = appendUint(b, 5, m.PrevLogTerm)
	for _, e := range m.Entries {
		inner := AppendLogEntry(nil, e)
		b = protowire.AppendTag(b, 6, protowire.BytesType)
		b = protowire.AppendBytes(b, inner)
	}
	b = appendUint(b, 7, m.LeaderCommit)
	return b
}

func unmarshalAppendEntriesRequest(data []byte, m *raft.AppendEntriesRequest) error {
	d := &decoder{b: data}
	for {
		num, typ, ok := d.next()
		if !ok {
			break
		}
		switch num {
		case 1:
			m.GroupID = raft.GroupID(d.string())
		case 2:
			m.Term = d.uint()
		case 3:
			m.LeaderID = raft.ServerID(d.string())
		case 4:
			m.PrevLogIndex = d.uint()
		case 5:
			m.PrevLogTerm = d.uint()
		case 6:
			e, err := UnmarshalLogEntry(d.bytes())
			if err != nil {
				return err
			}
			m.Entries = append(m.Entries, e)
		case 7:
			m.LeaderCommit = d.uint()
		default:
			d.skip(num, typ)
		}
	}
	return d.err
}

func appendAppendEntriesResponse(b []byte, m *raft.AppendEntriesResponse) []byte {
	b = appendUint(b, 1, m.Term)
	b = appendBool(b, 2, m.Success)
	b = appendUint(b, 3, m.MatchHint)
	b = appendUint(b, 4, m.LastIndex)
	return b
}

func unmarshalAppendEntriesResponse(data []byte, m *raft.AppendEntriesResponse) error {
	d := &decoder{b: data}
	for {
		num, typ, ok := d.next()
		if !ok {
			break
		}
		switch num {
		case 1:
			m.Term = d.uint()
		case 2:
			m.Success = d.bool()
		case 3:
			m.MatchHint = d.uint()
		case 4:
			m.LastIndex = d.uint()
		default:
			d.skip(num, typ)
		}
	}
	return d.err
}

// ---- InstallSnapshot ----

func appendInstallSnapshotRequest(b []byte, m *raft.InstallSnapshotRequest) []byte {
	b = appendString(b, 1, string(m.GroupID))
	b = appendUint(b, 2, m.Term)
	b = appendString(b, 3, string(m.LeaderID))
	b = appendUint(b, 4, m.LastIndex)
	b = appendUint(b, 5, m.LastTerm)
	if m.Conf != nil {
		inner := AppendConfiguration(nil, m.Conf)
		b = protowire.AppendTag(b, 6, protowire.BytesType)
		b = protowire.AppendBytes(b, inner)
	}
	b = appendUint(b, 7, m.Offset)
	b = appendBytes(b, 8, m.Data)
	b = appendBool(b, 9, m.Done)
	return b
}

func unmarshalInstallSnapshotRequest(data []byte, m *raft.InstallSnapshotRequest) error {
	d := &decoder{b: data}
	for {
		num, typ, ok := d.next()
		if !ok {
			break
		}
		switch num {
		case 1:
			m.GroupID = raft.GroupID(d.string())
		case 2:
			m.Term = d.uint()
		case 3:
			m.LeaderID = raft.ServerID(d.string())
		case 4:
			m.LastIndex = d.uint()
		case 5:
			m.LastTerm = d.uint()
		case 6:
			conf, err := UnmarshalConfiguration(d.bytes())
			if err != nil {
				return err
			}
			m.Conf = conf
		case 7:
			m.Offset = d.uint()
		case 8:
			m.Data = d.bytes()
		case 9:
			m.Done = d.bool()
		default:
			d.skip(num, typ)
		}
	}
	return d.err
}

func appendInstallSnapshotResponse(b []byte, m *raft.InstallSnapshotResponse) []byte {
	b = appendUint(b, 1, m.Term)
	b = appendBool(b, 2, m.Success)
	return b
}

func unmarshalInstallSnapshotResponse(data []byte, m *raft.InstallSnapshotResponse) error {
	d := &decoder{b: data}
	for {
		num, typ, ok := d.next()
		if !ok {
			break
		}
		switch num {
		case 1:
			m.Term = d.uint()
		case 2:
			m.Success = d.bool()
		default:
			d.skip(num, typ)
		}
	}
	return d.err
}

// ---- Client surface ----

func appendSubmitRequest(b []byte, m *raft.SubmitRequest) []byte {
	b = appendString(b, 1, string(m.GroupID))
	b = appendString(b, 2, string(m.ClientID))
	b = appendUint(b, 3, m.CallID)
	b = appendBytes(b, 4, m.Command)
	return b
}

func unmarshalSubmitRequest(data []byte, m *raft.SubmitRequest) error {
	d := &decoder{b: data}
	for {
		num, typ, ok := d.next()
		if !ok {
			break
		}
		switch num {
		case 1:
			m.GroupID = raft.GroupID(d.string())
		case 2:
			m.ClientID = raft.ClientID(d.string())
		case 3:
			m.CallID = d.uint()
		case 4:
			m.Command = d.bytes()
		default:
			d.skip(num, typ)
		}
	}
	return d.err
}

func appendReadRequest(b []byte, m *raft.ReadRequest) []byte {
	b = appendString(b, 1, string(m.GroupID))
	b = appendBytes(b, 2, m.Query)
	b = appendBool(b, 3, m.Linearizable)
	return b
}

func unmarshalReadRequest(data []byte, m *raft.ReadRequest) error {
	d := &decoder{b: data}
	for {
		num, typ, ok := d.next()
		if !ok {
			break
		}
		switch num {
		case 1:
			m.GroupID = raft.GroupID(d.string())
		case 2:
			m.Query = d.bytes()
		case 3:
			m.Linearizable = d.bool()
		default:
			d.skip(num, typ)
		}
	}
	return d.err
}

func appendSetConfigurationRequest(b []byte, m *raft.SetConfigurationRequest) []byte {
	b = appendString(b, 1, string(m.GroupID))
	for _, p := range m.Peers {
		b = appendPeer(b, 2, p)
	}
	return b
}

func unmarshalSetConfigurationRequest(data []byte, m *raft.SetConfigurationRequest) error {
	d := &decoder{b: data}
	for {
		num, typ, ok := d.next()
		if !ok {
			break
		}
		switch num {
		case 1:
			m.GroupID = raft.GroupID(d.string())
		case 2:
			p, err := unmarshalPeer(d.bytes())
			if err != nil {
				return err
			}
			m.Peers = append(m.Peers, p)
		default:
			d.skip(num, typ)
		}
	}
	return d.err
}

// Submit/Read/SetConfiguration responses share one shape.
func appendClientResponse(b []byte, status raft.ClientStatus, hint raft.ServerAddress, result []byte, message string) []byte {
	b = appendUint(b, 1, uint64(status))
	b = appendString(b, 2, string(hint))
	b = appendBytes(b, 3, result)
	b = appendString(b, 4, message)
	return b
}

func unmarshalClientResponse(data []byte, status *raft.ClientStatus, hint *raft.ServerAddress, result *[]byte, message *string) error {
	d := &decoder{b: data}
	for {
		num, typ, ok := d.next()
		if !ok {
			break
		}
		switch num {
		case 1:
			*status = raft.ClientStatus(d.uint())
		case 2:
			*hint = raft.ServerAddress(d.string())
		case 3:
			*result = d.bytes()
		case 4:
			*message = d.string()
		default:
			d.skip(num, typ)
		}
	}
	return d.err
}
