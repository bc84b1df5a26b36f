package codec

import (
	"errors"
	"fmt"

	"github.com/pion/rtp"
)

// PayloadType is the RTP payload type Discord assigns to Opus.
const PayloadType = 0x78

// HeaderLen is the size of an RTP header without CSRCs or extensions.
const HeaderLen = 12

// Packetizer produces consecutive RTP headers for one outbound stream. The
// sequence number wraps at 16 bits and the timestamp advances by the number
// of samples per channel in each frame.
//
// A Packetizer is not safe for concurrent use.
type Packetizer struct {
	ssrc      uint32
	sequence  uint16
	timestamp uint32
}

// NewPacketizer starts a stream at the given sequence number and timestamp.
func NewPacketizer(ssrc uint32, sequence uint16, timestamp uint32) *Packetizer {
	return &Packetizer{ssrc: ssrc, sequence: sequence, timestamp: timestamp}
}

// Next returns the header for the next frame and advances the counters by
// one packet and samples timestamp units.
func (p *Packetizer) Next(samples uint32) ([]byte, error) {
	h := rtp.Header{
		Version:        2,
		PayloadType:    PayloadType,
		SequenceNumber: p.sequence,
		Timestamp:      p.timestamp,
		SSRC:           p.ssrc,
	}
	buf, err := h.Marshal()
	if err != nil {
		return nil, fmt.Errorf("codec: marshal rtp header: %w", err)
	}
	p.sequence++
	p.timestamp += samples
	return buf, nil
}

// Sequence returns the sequence number the next header will carry.
func (p *Packetizer) Sequence() uint16 { return p.sequence }

// Timestamp returns the timestamp the next header will carry.
func (p *Packetizer) Timestamp() uint32 { return p.timestamp }

// Packet is a received and decrypted voice packet.
type Packet struct {
	SSRC      uint32
	Sequence  uint16
	Timestamp uint32
	Opus      []byte
}

// errNotRTP is returned for datagrams that are not Opus RTP packets, such as
// keepalive echoes or RTCP reports.
var errNotRTP = errors.New("codec: not an opus rtp packet")

// IsVoicePacket reports whether b looks like an RTP packet carrying Opus.
func IsVoicePacket(b []byte) bool {
	if len(b) < HeaderLen {
		return false
	}
	return b[0]>>6 == 2 && b[1]&0x7F == PayloadType
}

// parsePacket parses a fully decrypted RTP packet. Header extensions and
// padding are stripped by pion.
func parsePacket(b []byte) (Packet, error) {
	var p rtp.Packet
	if err := p.Unmarshal(b); err != nil {
		return Packet{}, fmt.Errorf("codec: parse rtp packet: %w", err)
	}
	return Packet{
		SSRC:      p.SSRC,
		Sequence:  p.SequenceNumber,
		Timestamp: p.Timestamp,
		Opus:      p.Payload,
	}, nil
}
