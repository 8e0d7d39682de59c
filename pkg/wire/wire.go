// Package wire implements the VSOA binary packet format: a fixed 12-byte
// header followed by an opaque URL and an opaque payload, and the stream
// reassembler that recovers packet boundaries from a byte stream.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
)

// Packet types (header.Type).
const (
	TypeServInfo    uint8 = 0x00
	TypeRPC         uint8 = 0x01
	TypeSubscribe   uint8 = 0x02
	TypeUnsubscribe uint8 = 0x03
	TypePublish     uint8 = 0x04
	TypeDatagram    uint8 = 0x05
	TypeReplyFlag   uint8 = 0xfc
	TypeNoop        uint8 = 0xfe
	TypePingEcho    uint8 = 0xff
)

// Reply status codes (header.Status), meaningful on replies only.
const (
	StatusOK             uint8 = 0
	StatusPassword       uint8 = 1
	StatusArguments      uint8 = 2
	StatusInvalidURL     uint8 = 3
	StatusNoResponding   uint8 = 4
	StatusNoPermissions  uint8 = 5
	StatusNoMemory       uint8 = 6
)

const (
	Magic   uint8 = 0x9
	Version uint8 = 0x1

	HeaderLength    = 12
	MaxPacketLength = 131072
	MaxDataLength   = MaxPacketLength - HeaderLength // 131060
)

var (
	ErrBadMagic     = errors.New("wire: bad magic or version")
	ErrTooLarge     = errors.New("wire: packet exceeds max length")
	ErrShortHeader  = errors.New("wire: short header")
	ErrShortPacket  = errors.New("wire: short packet body")
)

var log = logrus.WithField("pkg", "wire")

// Header is the fixed 12-byte VSOA header, decoded to host byte order.
type Header struct {
	Magic   uint8
	Version uint8
	Type    uint8
	Status  uint8
	URLLen  uint16
	Seqno   uint16
	DataLen uint32
}

func (h Header) String() string {
	return fmt.Sprintf("wire.Header{type=%#x status=%#x seqno=%d url_len=%d data_len=%d}",
		h.Type, h.Status, h.Seqno, h.URLLen, h.DataLen)
}

// TotalLen returns the full on-wire packet length for this header.
func (h Header) TotalLen() int {
	return HeaderLength + int(h.URLLen) + int(h.DataLen)
}

// Packet is a fully assembled VSOA packet: a header plus its URL and data
// slices. URL and Payload alias the reassembler's internal buffer and must not
// be retained past the callback invocation that delivers them.
type Packet struct {
	Header  Header
	URL     []byte
	Payload []byte
}

// EncodeHeader writes a header with url_len=0, data_len=0 into out, which
// must be at least HeaderLength bytes, and returns the header value written.
func EncodeHeader(out []byte, typ, status uint8, seqno uint16) (Header, error) {
	if len(out) < HeaderLength {
		return Header{}, ErrShortHeader
	}
	h := Header{Magic: Magic, Version: Version, Type: typ, Status: status, Seqno: seqno}
	putHeader(out, h)
	return h, nil
}

func putHeader(out []byte, h Header) {
	out[0] = h.Magic
	out[1] = h.Version
	out[2] = h.Type
	out[3] = h.Status
	binary.BigEndian.PutUint16(out[4:6], h.URLLen)
	binary.BigEndian.PutUint16(out[6:8], h.Seqno)
	binary.BigEndian.PutUint32(out[8:12], h.DataLen)
}

func parseHeader(in []byte) Header {
	return Header{
		Magic:   in[0],
		Version: in[1],
		Type:    in[2],
		Status:  in[3],
		URLLen:  binary.BigEndian.Uint16(in[4:6]),
		Seqno:   binary.BigEndian.Uint16(in[6:8]),
		DataLen: binary.BigEndian.Uint32(in[8:12]),
	}
}

// Validate checks magic/version and the total-length bound, returning the
// total on-wire length of the packet described by h.
func Validate(h Header) (int, error) {
	if h.Magic != Magic || h.Version != Version {
		return 0, ErrBadMagic
	}
	total := h.TotalLen()
	if total > MaxPacketLength {
		return 0, ErrTooLarge
	}
	return total, nil
}

// Encode builds a complete wire packet (header + url + payload) into a
// freshly allocated buffer. url and payload may be nil/empty.
func Encode(typ, status uint8, seqno uint16, url, payload []byte) ([]byte, error) {
	if len(url)+len(payload) > MaxDataLength {
		return nil, ErrTooLarge
	}
	buf := make([]byte, HeaderLength+len(url)+len(payload))
	h := Header{
		Magic: Magic, Version: Version, Type: typ, Status: status,
		URLLen: uint16(len(url)), Seqno: seqno, DataLen: uint32(len(payload)),
	}
	putHeader(buf, h)
	copy(buf[HeaderLength:], url)
	copy(buf[HeaderLength+len(url):], payload)
	return buf, nil
}

// Decode splits a single complete wire packet (as produced by Encode, or
// delivered by a Reassembler) back into its header, url and payload.
func Decode(buf []byte) (Packet, error) {
	if len(buf) < HeaderLength {
		return Packet{}, ErrShortHeader
	}
	h := parseHeader(buf)
	total, err := Validate(h)
	if err != nil {
		return Packet{}, err
	}
	if len(buf) < total {
		return Packet{}, ErrShortPacket
	}
	url := buf[HeaderLength : HeaderLength+int(h.URLLen)]
	data := buf[HeaderLength+int(h.URLLen) : total]
	return Packet{Header: h, URL: url, Payload: data}, nil
}

// Callback is invoked once per fully reassembled packet. The Packet's URL
// and Payload slices alias the reassembler's internal buffer and are only
// valid for the duration of the call.
type Callback func(Packet) error

// Reassembler recovers packet boundaries from a byte stream that may
// deliver partial packets, multiple packets, or a packet split across
// many reads ("sticky packet" framing). It holds at most one header's
// worth of header bytes plus one whole payload at a time, following the
// two-phase parse (header, then body) used by the wire format.
type Reassembler struct {
	buf     [MaxPacketLength]byte
	curLen  int
	totalLen int
}

// NewReassembler returns a ready-to-use Reassembler.
func NewReassembler() *Reassembler {
	return &Reassembler{}
}

// Reset discards any partially buffered packet.
func (r *Reassembler) Reset() {
	r.curLen = 0
	r.totalLen = 0
}

// Feed appends input to the reassembler, invoking cb once per packet that
// becomes complete as a result. It returns an error and stops (abandoning
// the remainder of input) on a malformed header, matching the source
// behavior of treating a magic/version mismatch as fatal for the session.
func (r *Reassembler) Feed(input []byte, cb Callback) error {
	for len(input) > 0 {
		if r.curLen < HeaderLength {
			n := copy(r.buf[r.curLen:HeaderLength], input)
			r.curLen += n
			input = input[n:]
			if r.curLen < HeaderLength {
				return nil
			}
			h := parseHeader(r.buf[:HeaderLength])
			total, err := Validate(h)
			if err != nil {
				log.Warnf("reassembler: %v, dropping session buffer", err)
				r.Reset()
				return err
			}
			r.totalLen = total
		}

		need := r.totalLen - r.curLen
		n := copy(r.buf[r.curLen:r.totalLen], input)
		r.curLen += n
		input = input[n:]
		if n < need {
			return nil
		}

		pkt, err := Decode(r.buf[:r.totalLen])
		if err != nil {
			log.Warnf("reassembler: decode failed: %v", err)
			r.Reset()
			return err
		}
		r.curLen = 0
		r.totalLen = 0
		if err := cb(pkt); err != nil {
			return err
		}
	}
	return nil
}
