package onion

import (
	"encoding/binary"
	"fmt"
	"net/netip"
	"strconv"
	"strings"
)

// Cell framing constants for link protocol 4 and later.
const (
	// CircIDLen is the length of the circuit id at the start of every cell.
	CircIDLen = 4
	// PayloadLen is the length of a fixed-size cell payload.
	PayloadLen = 509
	// CellLen is the total length of a fixed-size cell: circuit id, link
	// command, payload.
	CellLen = CircIDLen + 1 + PayloadLen
	// RelayHeaderLen is the relay header inside the payload.
	RelayHeaderLen = 11
	// MaxRelayDataLen is the largest data field a relay cell can carry.
	MaxRelayDataLen = PayloadLen - RelayHeaderLen
)

// Offsets within a fixed-size cell and within its relay payload.
const (
	cellCommandOff = CircIDLen
	cellPayloadOff = CircIDLen + 1

	relayCommandOff    = 0
	relayRecognizedOff = 1
	relayStreamIDOff   = 3
	relayDigestOff     = 5
	relayLengthOff     = 9
	relayDataOff       = RelayHeaderLen
	relayDigestLen     = 4
)

// LinkCommand is the one-byte command of a link-level cell.
type LinkCommand uint8

// Link commands used by the circuit layer.
const (
	CmdPadding     LinkCommand = 0
	CmdCreate      LinkCommand = 1
	CmdCreated     LinkCommand = 2
	CmdRelay       LinkCommand = 3
	CmdDestroy     LinkCommand = 4
	CmdCreateFast  LinkCommand = 5
	CmdCreatedFast LinkCommand = 6
	CmdRelayEarly  LinkCommand = 9
	CmdCreate2     LinkCommand = 10
	CmdCreated2    LinkCommand = 11
)

// String returns the protocol name of the link command.
func (c LinkCommand) String() string {
	switch c {
	case CmdPadding:
		return "PADDING"
	case CmdCreate:
		return "CREATE"
	case CmdCreated:
		return "CREATED"
	case CmdRelay:
		return "RELAY"
	case CmdDestroy:
		return "DESTROY"
	case CmdCreateFast:
		return "CREATE_FAST"
	case CmdCreatedFast:
		return "CREATED_FAST"
	case CmdRelayEarly:
		return "RELAY_EARLY"
	case CmdCreate2:
		return "CREATE2"
	case CmdCreated2:
		return "CREATED2"
	default:
		return "UNKNOWN(" + strconv.Itoa(int(c)) + ")"
	}
}

// RelayCommand is the command carried in the relay header.
type RelayCommand uint8

// Relay commands.
const (
	RelayBegin     RelayCommand = 1
	RelayData      RelayCommand = 2
	RelayEnd       RelayCommand = 3
	RelayConnected RelayCommand = 4
	RelaySendme    RelayCommand = 5
	RelayExtend    RelayCommand = 6
	RelayExtended  RelayCommand = 7
	RelayTruncate  RelayCommand = 8
	RelayTruncated RelayCommand = 9
	RelayDrop      RelayCommand = 10
	RelayResolve   RelayCommand = 11
	RelayResolved  RelayCommand = 12
	RelayBeginDir  RelayCommand = 13
	RelayExtend2   RelayCommand = 14
	RelayExtended2 RelayCommand = 15
)

// relayCommandTable is the fixed bidirectional command/name mapping.
var relayCommandTable = [...]struct {
	cmd  RelayCommand
	name string
}{
	{RelayBegin, "BEGIN"},
	{RelayData, "DATA"},
	{RelayEnd, "END"},
	{RelayConnected, "CONNECTED"},
	{RelaySendme, "SENDME"},
	{RelayExtend, "EXTEND"},
	{RelayExtended, "EXTENDED"},
	{RelayTruncate, "TRUNCATE"},
	{RelayTruncated, "TRUNCATED"},
	{RelayDrop, "DROP"},
	{RelayResolve, "RESOLVE"},
	{RelayResolved, "RESOLVED"},
	{RelayBeginDir, "BEGIN_DIR"},
	{RelayExtend2, "EXTEND2"},
	{RelayExtended2, "EXTENDED2"},
}

// String returns the protocol name of the relay command.
func (c RelayCommand) String() string {
	for _, e := range relayCommandTable {
		if e.cmd == c {
			return e.name
		}
	}
	return "UNKNOWN(" + strconv.Itoa(int(c)) + ")"
}

// IsKnown reports whether c is in the relay command table.
func (c RelayCommand) IsKnown() bool {
	for _, e := range relayCommandTable {
		if e.cmd == c {
			return true
		}
	}
	return false
}

// ParseRelayCommand maps a command name back to its code.
func ParseRelayCommand(name string) (RelayCommand, error) {
	upper := strings.ToUpper(name)
	for _, e := range relayCommandTable {
		if e.name == upper {
			return e.cmd, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownRelayCommand, name)
}

// RelayCell is a fixed-size 514-byte cell. Relay cells use the payload as
// relay header plus data; the same framing carries CREATE2, CREATE_FAST and
// DESTROY cells.
type RelayCell [CellLen]byte

// RelayMessage is the decoded content of a relay cell.
type RelayMessage struct {
	Command  RelayCommand
	StreamID uint16
	Data     []byte
}

// newFixedCell returns a zeroed cell with circuit id and link command set.
func newFixedCell(circID uint32, cmd LinkCommand) *RelayCell {
	c := new(RelayCell)
	c.SetCircID(circID)
	c.SetCommand(cmd)
	return c
}

// CircID returns the circuit id.
func (c *RelayCell) CircID() uint32 {
	return binary.BigEndian.Uint32(c[:CircIDLen])
}

// SetCircID sets the circuit id.
func (c *RelayCell) SetCircID(id uint32) {
	binary.BigEndian.PutUint32(c[:CircIDLen], id)
}

// Command returns the link command.
func (c *RelayCell) Command() LinkCommand {
	return LinkCommand(c[cellCommandOff])
}

// SetCommand sets the link command.
func (c *RelayCell) SetCommand(cmd LinkCommand) {
	c[cellCommandOff] = byte(cmd)
}

// Payload returns the 509-byte payload, aliasing the cell.
func (c *RelayCell) Payload() []byte {
	return c[cellPayloadOff:]
}

// Bytes returns the whole cell, aliasing it.
func (c *RelayCell) Bytes() []byte {
	return c[:]
}

// Digest returns the 4-byte digest field of the relay header.
func (c *RelayCell) Digest() []byte {
	return c.Payload()[relayDigestOff : relayDigestOff+relayDigestLen]
}

// Pack builds a relay cell carrying data on streamID. The result is always
// CellLen bytes with zero padding after the data; the circuit id and digest
// are left zero for the cipher pipeline to fill in.
func Pack(cmd RelayCommand, streamID uint16, data []byte) (*RelayCell, error) {
	if len(data) > MaxRelayDataLen {
		return nil, fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, len(data), MaxRelayDataLen)
	}
	if !cmd.IsKnown() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownRelayCommand, cmd)
	}

	c := newFixedCell(0, CmdRelay)
	p := c.Payload()
	p[relayCommandOff] = byte(cmd)
	binary.BigEndian.PutUint16(p[relayStreamIDOff:], streamID)
	binary.BigEndian.PutUint16(p[relayLengthOff:], uint16(len(data)))
	copy(p[relayDataOff:], data)
	return c, nil
}

// PackControl builds a circuit-level relay cell (stream id 0).
func PackControl(cmd RelayCommand, data []byte) (*RelayCell, error) {
	return Pack(cmd, 0, data)
}

// Unpack decodes a plaintext relay cell.
//
// Cell format (all multi-byte integers big-endian):
//   - CircID: 4 bytes
//   - Command: 1 byte (RELAY or RELAY_EARLY)
//   - Relay command: 1 byte
//   - Recognized: 2 bytes (must be zero)
//   - StreamID: 2 bytes
//   - Digest: 4 bytes
//   - Length: 2 bytes (at most 498)
//   - Data: Length bytes, then padding to 509 payload bytes
func Unpack(buf []byte) (RelayMessage, error) {
	if len(buf) != CellLen {
		return RelayMessage{}, fmt.Errorf("%w: cell is %d bytes, want %d", ErrMalformedCell, len(buf), CellLen)
	}
	cmd := LinkCommand(buf[cellCommandOff])
	if cmd != CmdRelay && cmd != CmdRelayEarly {
		return RelayMessage{}, fmt.Errorf("%w: link command %s is not a relay command", ErrMalformedCell, cmd)
	}
	return unpackPayload(buf[cellPayloadOff:])
}

// unpackPayload decodes a 509-byte plaintext relay payload.
func unpackPayload(p []byte) (RelayMessage, error) {
	if len(p) != PayloadLen {
		return RelayMessage{}, fmt.Errorf("%w: payload is %d bytes, want %d", ErrMalformedCell, len(p), PayloadLen)
	}
	if recognized := binary.BigEndian.Uint16(p[relayRecognizedOff:]); recognized != 0 {
		return RelayMessage{}, fmt.Errorf("%w: recognized field is 0x%04x", ErrMalformedCell, recognized)
	}
	length := int(binary.BigEndian.Uint16(p[relayLengthOff:]))
	if length > MaxRelayDataLen {
		return RelayMessage{}, fmt.Errorf("%w: data length %d exceeds %d", ErrMalformedCell, length, MaxRelayDataLen)
	}

	msg := RelayMessage{
		Command:  RelayCommand(p[relayCommandOff]),
		StreamID: binary.BigEndian.Uint16(p[relayStreamIDOff:]),
		Data:     make([]byte, length),
	}
	copy(msg.Data, p[relayDataOff:relayDataOff+length])
	if !msg.Command.IsKnown() {
		return msg, fmt.Errorf("%w: %d", ErrUnknownRelayCommand, msg.Command)
	}
	return msg, nil
}

// Link specifier types for EXTEND2.
const (
	LinkSpecIPv4     uint8 = 0x00
	LinkSpecIPv6     uint8 = 0x01
	LinkSpecLegacyID uint8 = 0x02
	LinkSpecEd25519  uint8 = 0x03
)

// HandshakeTypeNtor is the CREATE2/EXTEND2 handshake type for ntor.
const HandshakeTypeNtor uint16 = 0x0002

// BuildExtend2 encodes an EXTEND2 body.
//
// Format:
//   - NSPEC: 1 byte
//   - Link specifiers: LSTYPE(1) LSLEN(1) LSPEC(LSLEN), IPv4 first, then
//     legacy identity, then Ed25519 identity when given
//   - HTYPE: 2 bytes (ntor)
//   - HLEN: 2 bytes
//   - HDATA: HLEN bytes
func BuildExtend2(handshake []byte, address string, port uint16, legacyID, ed25519ID []byte) ([]byte, error) {
	addr, err := netip.ParseAddr(address)
	if err != nil || !addr.Is4() {
		return nil, fmt.Errorf("%w: %q is not an IPv4 address", ErrInvalidAddress, address)
	}
	if len(legacyID) != IdentityLen {
		return nil, fmt.Errorf("%w: legacy identity is %d bytes, want %d", ErrMalformedCell, len(legacyID), IdentityLen)
	}
	if len(ed25519ID) != 0 && len(ed25519ID) != Ed25519IdentityLen {
		return nil, fmt.Errorf("%w: ed25519 identity is %d bytes, want %d", ErrMalformedCell, len(ed25519ID), Ed25519IdentityLen)
	}

	nspec := 2
	size := 1 + (2 + 6) + (2 + IdentityLen) + 4 + len(handshake)
	if len(ed25519ID) != 0 {
		nspec++
		size += 2 + Ed25519IdentityLen
	}
	if size > MaxRelayDataLen {
		return nil, fmt.Errorf("%w: EXTEND2 body is %d bytes", ErrPayloadTooLarge, size)
	}

	buf := make([]byte, 0, size)
	buf = append(buf, byte(nspec))

	ip4 := addr.As4()
	buf = append(buf, LinkSpecIPv4, 6)
	buf = append(buf, ip4[:]...)
	buf = binary.BigEndian.AppendUint16(buf, port)

	buf = append(buf, LinkSpecLegacyID, IdentityLen)
	buf = append(buf, legacyID...)

	if len(ed25519ID) != 0 {
		buf = append(buf, LinkSpecEd25519, Ed25519IdentityLen)
		buf = append(buf, ed25519ID...)
	}

	buf = binary.BigEndian.AppendUint16(buf, HandshakeTypeNtor)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(handshake)))
	buf = append(buf, handshake...)
	return buf, nil
}

// ParseExtended2 returns the handshake reply carried by an EXTENDED2 body
// (HLEN(2) HDATA(HLEN)).
func ParseExtended2(data []byte) ([]byte, error) {
	return parseHandshakeReply(data, "EXTENDED2")
}

func parseHandshakeReply(data []byte, what string) ([]byte, error) {
	if len(data) < 2 {
		return nil, fmt.Errorf("%w: %s too short: %d bytes", ErrMalformedCell, what, len(data))
	}
	hlen := int(binary.BigEndian.Uint16(data))
	if len(data) < 2+hlen {
		return nil, fmt.Errorf("%w: %s truncated: %d bytes, need %d", ErrMalformedCell, what, len(data), 2+hlen)
	}
	out := make([]byte, hlen)
	copy(out, data[2:2+hlen])
	return out, nil
}

// BuildBegin encodes a BEGIN body: "host:port", NUL, then a 4-byte flags
// word (all flags clear). host must be an IPv4 literal, a bracketed IPv6
// literal, or a DNS name.
func BuildBegin(host string, port uint16) ([]byte, error) {
	if port == 0 {
		return nil, fmt.Errorf("%w: port 0", ErrInvalidAddress)
	}
	if !validBeginHost(host) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAddress, host)
	}
	target := host + ":" + strconv.Itoa(int(port))
	buf := make([]byte, 0, len(target)+5)
	buf = append(buf, target...)
	buf = append(buf, 0)
	buf = binary.BigEndian.AppendUint32(buf, 0)
	if len(buf) > MaxRelayDataLen {
		return nil, fmt.Errorf("%w: BEGIN body is %d bytes", ErrPayloadTooLarge, len(buf))
	}
	return buf, nil
}

func validBeginHost(host string) bool {
	if strings.HasPrefix(host, "[") {
		if !strings.HasSuffix(host, "]") {
			return false
		}
		addr, err := netip.ParseAddr(host[1 : len(host)-1])
		return err == nil && addr.Is6() && addr.Zone() == ""
	}
	if addr, err := netip.ParseAddr(host); err == nil {
		return addr.Is4()
	}
	return validDNSName(host)
}

// validDNSName checks RFC 1123 label syntax and rejects all-numeric final
// labels so that malformed IPv4 literals are not accepted as names.
func validDNSName(name string) bool {
	name = strings.TrimSuffix(name, ".")
	if len(name) == 0 || len(name) > 253 {
		return false
	}
	labels := strings.Split(name, ".")
	for _, label := range labels {
		if len(label) == 0 || len(label) > 63 {
			return false
		}
		if label[0] == '-' || label[len(label)-1] == '-' {
			return false
		}
		for i := 0; i < len(label); i++ {
			ch := label[i]
			switch {
			case ch >= 'a' && ch <= 'z', ch >= 'A' && ch <= 'Z', ch >= '0' && ch <= '9', ch == '-':
			default:
				return false
			}
		}
	}
	last := labels[len(labels)-1]
	if _, err := strconv.Atoi(last); err == nil {
		return false
	}
	return true
}

// ParseConnected decodes a CONNECTED body. An empty body (BEGIN_DIR) yields
// the zero address.
func ParseConnected(data []byte) (netip.Addr, uint32, error) {
	switch {
	case len(data) == 0:
		return netip.Addr{}, 0, nil
	case len(data) >= 8 && (data[0]|data[1]|data[2]|data[3]) != 0:
		addr := netip.AddrFrom4([4]byte(data[0:4]))
		return addr, binary.BigEndian.Uint32(data[4:8]), nil
	case len(data) >= 25 && data[4] == 6:
		addr := netip.AddrFrom16([16]byte(data[5:21]))
		return addr, binary.BigEndian.Uint32(data[21:25]), nil
	default:
		return netip.Addr{}, 0, fmt.Errorf("%w: CONNECTED body of %d bytes", ErrMalformedCell, len(data))
	}
}

// EndReason is the reason byte carried by RELAY_END.
type EndReason uint8

// End reasons.
const (
	EndReasonMisc           EndReason = 1
	EndReasonResolveFailed  EndReason = 2
	EndReasonConnectRefused EndReason = 3
	EndReasonExitPolicy     EndReason = 4
	EndReasonDestroy        EndReason = 5
	EndReasonDone           EndReason = 6
	EndReasonTimeout        EndReason = 7
	EndReasonNoRoute        EndReason = 8
	EndReasonHibernating    EndReason = 9
	EndReasonInternal       EndReason = 10
	EndReasonResourceLimit  EndReason = 11
	EndReasonConnReset      EndReason = 12
	EndReasonTorProtocol    EndReason = 13
	EndReasonNotDirectory   EndReason = 14
)

// String returns a short name for the reason.
func (r EndReason) String() string {
	switch r {
	case EndReasonMisc:
		return "misc"
	case EndReasonResolveFailed:
		return "resolve-failed"
	case EndReasonConnectRefused:
		return "connect-refused"
	case EndReasonExitPolicy:
		return "exit-policy"
	case EndReasonDestroy:
		return "destroy"
	case EndReasonDone:
		return "done"
	case EndReasonTimeout:
		return "timeout"
	case EndReasonNoRoute:
		return "no-route"
	case EndReasonHibernating:
		return "hibernating"
	case EndReasonInternal:
		return "internal"
	case EndReasonResourceLimit:
		return "resource-limit"
	case EndReasonConnReset:
		return "conn-reset"
	case EndReasonTorProtocol:
		return "tor-protocol"
	case EndReasonNotDirectory:
		return "not-directory"
	default:
		return "unknown(" + strconv.Itoa(int(r)) + ")"
	}
}

// BuildEnd encodes a RELAY_END body.
func BuildEnd(reason EndReason) []byte {
	return []byte{byte(reason)}
}

// ParseEnd decodes a RELAY_END body. A missing reason means misc.
func ParseEnd(data []byte) EndReason {
	if len(data) == 0 {
		return EndReasonMisc
	}
	return EndReason(data[0])
}

// SENDME versions.
const (
	SendmeVersion0 = 0
	SendmeVersion1 = 1

	sendmeDigestLen = 20
)

// BuildSendme encodes a SENDME body. A nil digest gives a version 0 (empty)
// body; otherwise a version 1 body carrying the first 20 digest bytes.
func BuildSendme(digest []byte) []byte {
	if digest == nil {
		return nil
	}
	buf := make([]byte, 3+sendmeDigestLen)
	buf[0] = SendmeVersion1
	binary.BigEndian.PutUint16(buf[1:3], sendmeDigestLen)
	copy(buf[3:], digest)
	return buf
}

// ParseSendme decodes a SENDME body into its version and digest.
func ParseSendme(data []byte) (int, []byte, error) {
	if len(data) == 0 || data[0] == SendmeVersion0 {
		return SendmeVersion0, nil, nil
	}
	if data[0] != SendmeVersion1 {
		return 0, nil, fmt.Errorf("%w: SENDME version %d", ErrMalformedCell, data[0])
	}
	if len(data) < 3 {
		return 0, nil, fmt.Errorf("%w: SENDME v1 too short", ErrMalformedCell)
	}
	dlen := int(binary.BigEndian.Uint16(data[1:3]))
	if dlen != sendmeDigestLen || len(data) < 3+dlen {
		return 0, nil, fmt.Errorf("%w: SENDME v1 digest length %d", ErrMalformedCell, dlen)
	}
	digest := make([]byte, dlen)
	copy(digest, data[3:3+dlen])
	return SendmeVersion1, digest, nil
}

// DestroyReason is the reason byte carried by DESTROY.
type DestroyReason uint8

// Destroy reasons used by the client side.
const (
	DestroyReasonNone     DestroyReason = 0
	DestroyReasonProtocol DestroyReason = 1
	DestroyReasonInternal DestroyReason = 2
	DestroyReasonFinished DestroyReason = 9
)

// encodeCreate2 builds a CREATE2 cell: HTYPE(2) HLEN(2) HDATA.
func encodeCreate2(circID uint32, htype uint16, hdata []byte) (*RelayCell, error) {
	if 4+len(hdata) > PayloadLen {
		return nil, fmt.Errorf("%w: CREATE2 handshake is %d bytes", ErrPayloadTooLarge, len(hdata))
	}
	c := newFixedCell(circID, CmdCreate2)
	p := c.Payload()
	binary.BigEndian.PutUint16(p[0:2], htype)
	binary.BigEndian.PutUint16(p[2:4], uint16(len(hdata)))
	copy(p[4:], hdata)
	return c, nil
}

// decodeCreated2 returns the handshake reply of a CREATED2 payload.
func decodeCreated2(payload []byte) ([]byte, error) {
	return parseHandshakeReply(payload, "CREATED2")
}

// encodeCreateFast builds a CREATE_FAST cell carrying the client key
// material.
func encodeCreateFast(circID uint32, x []byte) *RelayCell {
	c := newFixedCell(circID, CmdCreateFast)
	copy(c.Payload(), x)
	return c
}

// encodeDestroy builds a DESTROY cell.
func encodeDestroy(circID uint32, reason DestroyReason) *RelayCell {
	c := newFixedCell(circID, CmdDestroy)
	c.Payload()[0] = byte(reason)
	return c
}
