package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// Kind is the Message tag, encoded as the first byte of every payload.
// This ordering is part of the wire format and must not change across
// releases: renumbering a discriminant breaks compatibility with peers
// running an older build.
type Kind byte

const (
	KindAuth Kind = iota
	KindAuthResponse
	KindProxyConfig
	KindProxyConfigResponse
	KindNewConnection
	KindConnectionResponse
	KindData
	KindCloseConnection
	KindHeartbeat
	KindHeartbeatResponse
	KindError
)

func (k Kind) String() string {
	names := [...]string{
		"Auth", "AuthResponse", "ProxyConfig", "ProxyConfigResponse",
		"NewConnection", "ConnectionResponse", "Data", "CloseConnection",
		"Heartbeat", "HeartbeatResponse", "Error",
	}
	if int(k) < len(names) {
		return names[k]
	}
	return fmt.Sprintf("Kind(%d)", k)
}

// Message is implemented by every wire message variant.
type Message interface {
	Kind() Kind
	encode(w *bytes.Buffer)
	decode(r *bytes.Reader) error
}

// --- variants ---

type Auth struct {
	Token    string
	ClientID string
}

type AuthResponse struct {
	Success    bool
	SessionKey []byte // optional: nil means absent
	Error      string // optional: "" means absent
}

type ProxyConfig struct {
	LocalIP    string
	LocalPort  uint16
	RemotePort uint16
}

type ProxyConfigResponse struct {
	Success bool
	ProxyID string // optional: "" means absent
	Error   string // optional: "" means absent
}

type NewConnection struct {
	ProxyID      string
	ConnectionID string
}

type ConnectionResponse struct {
	ConnectionID string
	Success      bool
	Error        string // optional: "" means absent
}

type Data struct {
	ConnectionID string
	Data         []byte
}

type CloseConnection struct {
	ConnectionID string
}

type Heartbeat struct {
	Timestamp uint64
}

type HeartbeatResponse struct {
	Timestamp uint64
}

type Error struct {
	Message string
}

func (*Auth) Kind() Kind                { return KindAuth }
func (*AuthResponse) Kind() Kind        { return KindAuthResponse }
func (*ProxyConfig) Kind() Kind         { return KindProxyConfig }
func (*ProxyConfigResponse) Kind() Kind { return KindProxyConfigResponse }
func (*NewConnection) Kind() Kind       { return KindNewConnection }
func (*ConnectionResponse) Kind() Kind  { return KindConnectionResponse }
func (*Data) Kind() Kind                { return KindData }
func (*CloseConnection) Kind() Kind     { return KindCloseConnection }
func (*Heartbeat) Kind() Kind           { return KindHeartbeat }
func (*HeartbeatResponse) Kind() Kind   { return KindHeartbeatResponse }
func (*Error) Kind() Kind               { return KindError }

// --- primitive encode/decode helpers ---

func putString(w *bytes.Buffer, s string) {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(s)))
	w.Write(lenBuf[:])
	w.WriteString(s)
}

func putBytes(w *bytes.Buffer, b []byte) {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(b)))
	w.Write(lenBuf[:])
	w.Write(b)
}

func putBool(w *bytes.Buffer, b bool) {
	if b {
		w.WriteByte(1)
	} else {
		w.WriteByte(0)
	}
}

func putU16(w *bytes.Buffer, v uint16) {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	w.Write(b[:])
}

func putU64(w *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	w.Write(b[:])
}

// putOptString encodes an optional string as a presence byte followed by a
// length-prefixed string when present. Absent is represented by an empty
// string at the Go struct level (see field comments above).
func putOptString(w *bytes.Buffer, s string) {
	if s == "" {
		w.WriteByte(0)
		return
	}
	w.WriteByte(1)
	putString(w, s)
}

func putOptBytes(w *bytes.Buffer, b []byte) {
	if b == nil {
		w.WriteByte(0)
		return
	}
	w.WriteByte(1)
	putBytes(w, b)
}

func getString(r *bytes.Reader) (string, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return "", err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	buf := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(r, buf); err != nil {
			return "", err
		}
	}
	return string(buf), nil
}

func getBytes(r *bytes.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	buf := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, err
		}
	}
	return buf, nil
}

func getBool(r *bytes.Reader) (bool, error) {
	b, err := r.ReadByte()
	if err != nil {
		return false, err
	}
	return b != 0, nil
}

func getU16(r *bytes.Reader) (uint16, error) {
	var b [2]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b[:]), nil
}

func getU64(r *bytes.Reader) (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b[:]), nil
}

func getOptString(r *bytes.Reader) (string, error) {
	present, err := r.ReadByte()
	if err != nil {
		return "", err
	}
	if present == 0 {
		return "", nil
	}
	return getString(r)
}

func getOptBytes(r *bytes.Reader) ([]byte, error) {
	present, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	if present == 0 {
		return nil, nil
	}
	return getBytes(r)
}

// --- per-variant encode/decode ---

func (m *Auth) encode(w *bytes.Buffer) {
	putString(w, m.Token)
	putString(w, m.ClientID)
}
func (m *Auth) decode(r *bytes.Reader) (err error) {
	if m.Token, err = getString(r); err != nil {
		return err
	}
	m.ClientID, err = getString(r)
	return err
}

func (m *AuthResponse) encode(w *bytes.Buffer) {
	putBool(w, m.Success)
	putOptBytes(w, m.SessionKey)
	putOptString(w, m.Error)
}
func (m *AuthResponse) decode(r *bytes.Reader) (err error) {
	if m.Success, err = getBool(r); err != nil {
		return err
	}
	if m.SessionKey, err = getOptBytes(r); err != nil {
		return err
	}
	m.Error, err = getOptString(r)
	return err
}

func (m *ProxyConfig) encode(w *bytes.Buffer) {
	putString(w, m.LocalIP)
	putU16(w, m.LocalPort)
	putU16(w, m.RemotePort)
}
func (m *ProxyConfig) decode(r *bytes.Reader) (err error) {
	if m.LocalIP, err = getString(r); err != nil {
		return err
	}
	if m.LocalPort, err = getU16(r); err != nil {
		return err
	}
	m.RemotePort, err = getU16(r)
	return err
}

func (m *ProxyConfigResponse) encode(w *bytes.Buffer) {
	putBool(w, m.Success)
	putOptString(w, m.ProxyID)
	putOptString(w, m.Error)
}
func (m *ProxyConfigResponse) decode(r *bytes.Reader) (err error) {
	if m.Success, err = getBool(r); err != nil {
		return err
	}
	if m.ProxyID, err = getOptString(r); err != nil {
		return err
	}
	m.Error, err = getOptString(r)
	return err
}

func (m *NewConnection) encode(w *bytes.Buffer) {
	putString(w, m.ProxyID)
	putString(w, m.ConnectionID)
}
func (m *NewConnection) decode(r *bytes.Reader) (err error) {
	if m.ProxyID, err = getString(r); err != nil {
		return err
	}
	m.ConnectionID, err = getString(r)
	return err
}

func (m *ConnectionResponse) encode(w *bytes.Buffer) {
	putString(w, m.ConnectionID)
	putBool(w, m.Success)
	putOptString(w, m.Error)
}
func (m *ConnectionResponse) decode(r *bytes.Reader) (err error) {
	if m.ConnectionID, err = getString(r); err != nil {
		return err
	}
	if m.Success, err = getBool(r); err != nil {
		return err
	}
	m.Error, err = getOptString(r)
	return err
}

func (m *Data) encode(w *bytes.Buffer) {
	putString(w, m.ConnectionID)
	putBytes(w, m.Data)
}
func (m *Data) decode(r *bytes.Reader) (err error) {
	if m.ConnectionID, err = getString(r); err != nil {
		return err
	}
	m.Data, err = getBytes(r)
	return err
}

func (m *CloseConnection) encode(w *bytes.Buffer) {
	putString(w, m.ConnectionID)
}
func (m *CloseConnection) decode(r *bytes.Reader) (err error) {
	m.ConnectionID, err = getString(r)
	return err
}

func (m *Heartbeat) encode(w *bytes.Buffer) {
	putU64(w, m.Timestamp)
}
func (m *Heartbeat) decode(r *bytes.Reader) (err error) {
	m.Timestamp, err = getU64(r)
	return err
}

func (m *HeartbeatResponse) encode(w *bytes.Buffer) {
	putU64(w, m.Timestamp)
}
func (m *HeartbeatResponse) decode(r *bytes.Reader) (err error) {
	m.Timestamp, err = getU64(r)
	return err
}

func (m *Error) encode(w *bytes.Buffer) {
	putString(w, m.Message)
}
func (m *Error) decode(r *bytes.Reader) (err error) {
	m.Message, err = getString(r)
	return err
}

// Encode serializes a Message into its wire payload: a one-byte Kind
// discriminant followed by the variant's fields, deterministically
// encoded so the same Message always produces identical bytes.
func Encode(m Message) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(byte(m.Kind()))
	m.encode(&buf)
	return buf.Bytes(), nil
}

// Decode parses a wire payload into a concrete Message. An unrecognized
// Kind or truncated payload is a decode error, which per §4.2 and §4.6 is
// always fatal to the session.
func Decode(payload []byte) (Message, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("wire: empty payload")
	}
	r := bytes.NewReader(payload)
	kindByte, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	var m Message
	switch Kind(kindByte) {
	case KindAuth:
		m = &Auth{}
	case KindAuthResponse:
		m = &AuthResponse{}
	case KindProxyConfig:
		m = &ProxyConfig{}
	case KindProxyConfigResponse:
		m = &ProxyConfigResponse{}
	case KindNewConnection:
		m = &NewConnection{}
	case KindConnectionResponse:
		m = &ConnectionResponse{}
	case KindData:
		m = &Data{}
	case KindCloseConnection:
		m = &CloseConnection{}
	case KindHeartbeat:
		m = &Heartbeat{}
	case KindHeartbeatResponse:
		m = &HeartbeatResponse{}
	case KindError:
		m = &Error{}
	default:
		return nil, fmt.Errorf("wire: unknown message kind %d", kindByte)
	}
	if err := m.decode(r); err != nil {
		return nil, fmt.Errorf("wire: decode %s: %w", m.Kind(), err)
	}
	if r.Len() != 0 {
		return nil, fmt.Errorf("wire: decode %s: %d trailing bytes", m.Kind(), r.Len())
	}
	return m, nil
}
