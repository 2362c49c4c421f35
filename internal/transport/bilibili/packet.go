package bilibili

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/zlib"
	"github.com/pkg/errors"
)

const headerLen = 16

// Protocol versions.
const (
	protoJSON      uint16 = 0
	protoInt32     uint16 = 1 // heartbeat reply body
	protoZlib      uint16 = 2
	protoBrotli    uint16 = 3
	maxPacketBytes        = 16 << 20
)

// Operations.
const (
	opHeartbeat      uint32 = 2
	opHeartbeatReply uint32 = 3
	opCommand        uint32 = 5
	opAuth           uint32 = 7
	opAuthReply      uint32 = 8
)

type packet struct {
	proto uint16
	op    uint32
	body  []byte
}

func encodePacket(op uint32, proto uint16, body []byte) []byte {
	buf := make([]byte, headerLen+len(body))
	binary.BigEndian.PutUint32(buf[0:], uint32(len(buf)))
	binary.BigEndian.PutUint16(buf[4:], headerLen)
	binary.BigEndian.PutUint16(buf[6:], proto)
	binary.BigEndian.PutUint32(buf[8:], op)
	binary.BigEndian.PutUint32(buf[12:], 1)
	copy(buf[headerLen:], body)
	return buf
}

// decodePackets splits one websocket message into packets, inflating
// compressed batches recursively.
func decodePackets(data []byte) ([]packet, error) {
	var out []packet
	for len(data) > 0 {
		if len(data) < headerLen {
			return out, errors.Errorf("short packet header: %d bytes", len(data))
		}
		total := binary.BigEndian.Uint32(data[0:])
		hlen := binary.BigEndian.Uint16(data[4:])
		if total < uint32(hlen) || int(total) > len(data) || hlen < headerLen {
			return out, errors.Errorf("bad packet length %d (header %d, have %d)", total, hlen, len(data))
		}
		p := packet{
			proto: binary.BigEndian.Uint16(data[6:]),
			op:    binary.BigEndian.Uint32(data[8:]),
			body:  data[hlen:total],
		}
		data = data[total:]

		if p.op == opCommand && (p.proto == protoZlib || p.proto == protoBrotli) {
			raw, err := inflate(p.proto, p.body)
			if err != nil {
				return out, err
			}
			inner, err := decodePackets(raw)
			out = append(out, inner...)
			if err != nil {
				return out, err
			}
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

func inflate(proto uint16, body []byte) ([]byte, error) {
	var r io.Reader
	switch proto {
	case protoZlib:
		zr, err := zlib.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, errors.Wrap(err, "zlib")
		}
		defer zr.Close()
		r = zr
	case protoBrotli:
		r = brotli.NewReader(bytes.NewReader(body))
	default:
		return nil, errors.Errorf("unknown protocol version %d", proto)
	}
	raw, err := io.ReadAll(io.LimitReader(r, maxPacketBytes))
	if err != nil {
		return nil, errors.Wrapf(err, "inflate proto %d", proto)
	}
	return raw, nil
}

// heartbeatOnline reads the popularity counter of a heartbeat reply.
func heartbeatOnline(body []byte) (int64, bool) {
	if len(body) < 4 {
		return 0, false
	}
	return int64(binary.BigEndian.Uint32(body)), true
}
