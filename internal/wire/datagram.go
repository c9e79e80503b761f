package wire

// Datagram is the parsed form of any discovery message. Which fields are
// meaningful depends on Header.Type; see Encode/DecodeDatagram.
type Datagram struct {
	Header

	// Address carries the publish address (pub/sub) or reply address
	// (service) of the advertiser.
	Address string

	// CtrlAddress carries the control socket address used to wake the
	// advertiser's receive loop.
	CtrlAddress string

	NodeUUID [16]byte
	Scope    uint8

	// ReqType/RepType are only set for *_SRV messages.
	ReqType string
	RepType string
}

// EncodeDatagram serialises the header and, for ADVERTISE/ADVERTISE_SRV,
// the advertisement body described in spec §4.1.
func EncodeDatagram(d *Datagram) []byte {
	head := d.Header.Encode()

	switch d.Type {
	case MsgAdvertise, MsgAdvertiseSrv:
		addr := []byte(d.Address)
		ctrl := []byte(d.CtrlAddress)
		reqType := []byte(d.ReqType)
		repType := []byte(d.RepType)

		bodyLen := 2 + len(addr) + 2 + len(ctrl) + 2 + 16 + 1
		if d.Type == MsgAdvertiseSrv {
			bodyLen += 2 + len(reqType) + 2 + len(repType)
		}

		buf := make([]byte, len(head)+bodyLen)
		copy(buf, head)
		off := len(head)
		off = putLV(buf, off, addr)
		off = putLV(buf, off, ctrl)
		off = putLV(buf, off, d.NodeUUID[:])
		buf[off] = d.Scope
		off++

		if d.Type == MsgAdvertiseSrv {
			off = putLV(buf, off, reqType)
			off = putLV(buf, off, repType)
		}

		return buf
	default:
		return head
	}
}

// DecodeDatagram parses a full discovery datagram (header + body).
// Unknown message types are reported through ErrUnknownType so callers can
// drop them with a warning, as required by spec §4.1.
func DecodeDatagram(buf []byte) (*Datagram, error) {
	h, n, err := DecodeHeader(buf)
	if err != nil && err != ErrVersionMismatch {
		return nil, err
	}
	versionErr := err

	d := &Datagram{Header: *h}

	switch h.Type {
	case MsgAdvertise, MsgSubscribe, MsgUnadvertise, MsgHeartbeat, MsgBye,
		MsgAdvertiseSrv, MsgSubscribeSrv, MsgUnadvertiseSrv,
		MsgNewConnection, MsgEndConnection:
		// known
	default:
		return d, ErrUnknownType
	}

	if h.Type != MsgAdvertise && h.Type != MsgAdvertiseSrv {
		return d, versionErr
	}

	rest := buf[n:]
	off := 0

	addr, off, err := getLV(rest, off)
	if err != nil {
		return nil, err
	}
	d.Address = string(addr)

	ctrl, off, err := getLV(rest, off)
	if err != nil {
		return nil, err
	}
	d.CtrlAddress = string(ctrl)

	nodeUUID, off, err := getLV(rest, off)
	if err != nil {
		return nil, err
	}
	copy(d.NodeUUID[:], nodeUUID)

	if len(rest) < off+1 {
		return nil, ErrShortBuffer
	}
	d.Scope = rest[off]
	off++

	if h.Type == MsgAdvertiseSrv {
		reqType, o2, err := getLV(rest, off)
		if err != nil {
			return nil, err
		}
		d.ReqType = string(reqType)
		off = o2

		repType, o3, err := getLV(rest, off)
		if err != nil {
			return nil, err
		}
		d.RepType = string(repType)
		off = o3
	}

	return d, versionErr
}
