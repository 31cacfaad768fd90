package link

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/raskyld/dronenet/pkg/wire"
	"google.golang.org/protobuf/encoding/protowire"
)

// MaxFrameSize bounds a single encoded packet on a stream link.
const MaxFrameSize = 1 << 16

// WriteFrame encodes pkt as a varint length-prefixed frame.
func WriteFrame(w io.Writer, pkt wire.Packet) (int, error) {
	buf, err := wire.Marshal(pkt)
	if err != nil {
		return 0, err
	}
	if len(buf) > MaxFrameSize {
		return 0, fmt.Errorf("%w: %d bytes", ErrTooLargeFrame, len(buf))
	}

	prefixed := protowire.AppendVarint(make([]byte, 0, binary.MaxVarintLen64+len(buf)), uint64(len(buf)))
	prefixed = append(prefixed, buf...)
	return w.Write(prefixed)
}

// ReadFrame reads one frame written by [WriteFrame].
func ReadFrame(r io.Reader) (wire.Packet, int, error) {
	buf := make([]byte, binary.MaxVarintLen64)
	n := 0
	for n < len(buf) {
		m, err := r.Read(buf[n : n+1])
		if err != nil {
			return wire.Packet{}, n, err
		}
		if m != 0 {
			byteRead := buf[n]
			n = m + n
			if byteRead < 0x80 {
				break
			}
		}
	}

	prefix, prefixSize := protowire.ConsumeVarint(buf[:n])
	if err := protowire.ParseError(prefixSize); err != nil {
		return wire.Packet{}, n, err
	}
	if prefix > MaxFrameSize {
		return wire.Packet{}, n, fmt.Errorf("%w: %d bytes announced", ErrTooLargeFrame, prefix)
	}

	buf = make([]byte, prefix)
	if _, err := io.ReadFull(r, buf); err != nil {
		return wire.Packet{}, n, err
	}

	pkt, err := wire.Unmarshal(buf)
	return pkt, n + len(buf), err
}
