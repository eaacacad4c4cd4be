package udx

import (
	"encoding/binary"
	"errors"

	"golang.org/x/crypto/blake2b"
)

// Wire format (spec.md §4.1): a fixed-size header containing magic,
// stream-ID, sequence number, cumulative ack, flags, window size, and a
// variable-length payload, followed by optional SACK ranges.
const (
	magic = uint16(0x75D8) // "UDX"-ish, arbitrary but stable

	flagSYN = 1 << iota
	flagFIN
	flagRST
	flagACK
	flagDATA
	flagSACK
)

// headerSize is the fixed portion of every packet: magic(2) srcID(4)
// destID(4) seq(4) ack(4) flags(1) window(4) dataLen(2) checksum(4).
const headerSize = 2 + 4 + 4 + 4 + 4 + 1 + 4 + 2 + 4

// sackRangeSize is the encoded size of one (start,end) SACK range.
const sackRangeSize = 4 + 4

var (
	errShortPacket   = errors.New("udx: packet shorter than header")
	errBadMagic      = errors.New("udx: bad magic")
	errBadChecksum   = errors.New("udx: checksum mismatch")
	errTruncatedSACK = errors.New("udx: truncated SACK block")
	errTruncatedData = errors.New("udx: truncated data")
)

// header is the decoded form of a UDX packet header. Every packet
// carries both the sender's and the receiver's stream-ID (spec.md
// §4.1: "identified by a pair of 32-bit local/remote stream-IDs"),
// since a fresh SYN arrives before the responder has allocated an ID
// the initiator could otherwise address packets to.
type header struct {
	srcID   uint32 // the sender's own stream ID
	destID  uint32 // the stream ID the *receiver* uses to look this packet up; 0 on the first SYN
	seq     uint32
	ack     uint32
	flags   uint8
	window  uint32 // advertised receive window, in bytes
	dataLen uint16
}

// sackRange is an inclusive [Start, End] range of sequence numbers the
// sender has already received out of order.
type sackRange struct {
	start, end uint32
}

// packet is a fully decoded UDX packet: header, SACK ranges, and data.
type packet struct {
	header
	sacks []sackRange
	data  []byte
}

func checksum(buf []byte) uint32 {
	sum := blake2b.Sum256(buf)
	return binary.BigEndian.Uint32(sum[:4])
}

// encode serializes p into buf, which must be large enough
// (headerSize + len(sacks)*sackRangeSize + len(data)).
func (p *packet) encode(buf []byte) []byte {
	flags := p.flags
	if len(p.sacks) > 0 {
		flags |= flagSACK
	}
	binary.BigEndian.PutUint16(buf[0:], magic)
	binary.BigEndian.PutUint32(buf[2:], p.srcID)
	binary.BigEndian.PutUint32(buf[6:], p.destID)
	binary.BigEndian.PutUint32(buf[10:], p.seq)
	binary.BigEndian.PutUint32(buf[14:], p.ack)
	buf[18] = flags
	binary.BigEndian.PutUint32(buf[19:], p.window)
	binary.BigEndian.PutUint16(buf[23:], uint16(len(p.data)))
	// checksum is computed over everything after the checksum field
	off := headerSize
	for _, r := range p.sacks {
		binary.BigEndian.PutUint32(buf[off:], r.start)
		binary.BigEndian.PutUint32(buf[off+4:], r.end)
		off += sackRangeSize
	}
	off += copy(buf[off:], p.data)
	sum := checksum(buf[headerSize:off])
	binary.BigEndian.PutUint32(buf[25:], sum)
	return buf[:off]
}

// encodedSize returns the number of bytes encode will write for p.
func (p *packet) encodedSize() int {
	return headerSize + len(p.sacks)*sackRangeSize + len(p.data)
}

// decodePacket parses buf in place; the returned packet's data field
// aliases buf and must not outlive the caller's use of buf.
func decodePacket(buf []byte) (packet, error) {
	if len(buf) < headerSize {
		return packet{}, errShortPacket
	}
	if binary.BigEndian.Uint16(buf[0:]) != magic {
		return packet{}, errBadMagic
	}
	var p packet
	p.srcID = binary.BigEndian.Uint32(buf[2:])
	p.destID = binary.BigEndian.Uint32(buf[6:])
	p.seq = binary.BigEndian.Uint32(buf[10:])
	p.ack = binary.BigEndian.Uint32(buf[14:])
	p.flags = buf[18]
	p.window = binary.BigEndian.Uint32(buf[19:])
	p.dataLen = binary.BigEndian.Uint16(buf[23:])
	wantSum := binary.BigEndian.Uint32(buf[25:])
	rest := buf[headerSize:]
	if checksum(rest) != wantSum {
		return packet{}, errBadChecksum
	}
	off := 0
	if p.flags&flagSACK != 0 {
		// SACK ranges occupy everything between the header and the
		// trailing data block; since dataLen is explicit, whatever
		// remains before the last dataLen bytes is SACK ranges.
		sackBytes := len(rest) - int(p.dataLen)
		if sackBytes < 0 || sackBytes%sackRangeSize != 0 {
			return packet{}, errTruncatedSACK
		}
		n := sackBytes / sackRangeSize
		p.sacks = make([]sackRange, n)
		for i := 0; i < n; i++ {
			p.sacks[i] = sackRange{
				start: binary.BigEndian.Uint32(rest[off:]),
				end:   binary.BigEndian.Uint32(rest[off+4:]),
			}
			off += sackRangeSize
		}
	}
	if len(rest)-off < int(p.dataLen) {
		return packet{}, errTruncatedData
	}
	p.data = rest[off : off+int(p.dataLen)]
	return p, nil
}
