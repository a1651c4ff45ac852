// Package car implements the streaming CARv2 analyzer (spec.md §4.2,
// §6). It is a pull-based, single-threaded state machine: callers push
// bytes in with AddChunk and pull parsed blocks out with Next, so CAR
// parsing can be interleaved with I/O at chunk boundaries instead of
// blocking a goroutine on the whole stream (spec.md §5).
//
// There is no teacher analogue for this component — storj-storj has no
// CAR format — so the state machine is translated directly from
// original_source/crates/banyan-car-analyzer/src/lib.rs into the
// teacher's idiom (explicit state struct, pull-based Next, error
// values carrying offset context) rather than guessed at.
package car

import (
	"encoding/base64"

	"github.com/zeebo/errs"
	"lukechampine.com/blake3"
)

// Size limits from spec.md §4.2 / §6.
const (
	MaxHeaderSize = 16 * 1024 * 1024        // 16 MiB
	MaxStreamSize = 32 * 1024 * 1024 * 1024 // 32 GiB

	cidLengthBanyan = 49 // prefix 'u' (0x75), base64url
	cidLengthLegacy = 59 // prefix 'b' (0x62), base32 — see open question, spec.md §9
)

var carV2Pragma = [11]byte{0x0a, 0xa1, 0x67, 0x76, 0x65, 0x72, 0x73, 0x69, 0x6f, 0x6e, 0x02}

// Err is the class for every fatal condition the analyzer can raise.
// All are propagated with the stream offset at which they occurred.
var Err = errs.Class("car")

// Block is one emitted, fully-read block payload.
type Block struct {
	CID    string
	Offset uint64
	Length uint64
	Data   []byte
}

// Report is produced once the stream reaches the Complete state.
type Report struct {
	IntegrityHash string
	TotalSize     uint64
	CIDs          []string
}

type stateKind int

const (
	statePragma stateKind = iota
	stateV2Header
	stateV1Header
	stateBlockMeta
	stateBlockData
	stateIndexes
	stateComplete
)

type state struct {
	kind stateKind

	dataStart, dataEnd, indexStart uint64

	// stateV1Header
	headerLength    uint64
	haveHeaderLen   bool

	// stateBlockMeta / stateBlockData
	blockStart uint64
	cid        string
	dataLength uint64
}

// Analyzer incrementally parses a CARv2 byte stream. The zero value is
// not usable; construct with New.
type Analyzer struct {
	buf          []byte
	st           state
	streamOffset uint64
	cids         []string
	hasher       *blake3.Hasher
}

// New returns an Analyzer ready to receive the start of a CARv2 stream.
func New() *Analyzer {
	return &Analyzer{
		st:     state{kind: statePragma},
		hasher: blake3.New(32, nil),
	}
}

// AddChunk appends bytes to the internal buffer and feeds them to the
// running integrity hash. It enforces the 32 GiB total-stream cap
// before copying anything in.
func (a *Analyzer) AddChunk(b []byte) error {
	newTotal := a.streamOffset + uint64(len(a.buf)) + uint64(len(b))
	if newTotal > MaxStreamSize {
		return Err.New("stream exceeds %d byte limit at offset %d", MaxStreamSize, newTotal)
	}

	a.hasher.Write(b)

	// Once we're only draining toward the index region there's nothing
	// left to parse; avoid growing the buffer for bytes we'll discard.
	if a.st.kind == stateIndexes || a.st.kind == stateComplete {
		a.streamOffset += uint64(len(b))
		return nil
	}

	a.buf = append(a.buf, b...)
	return nil
}

// Next consumes as much of the buffered bytes as it can and returns at
// most one Block per call. It returns (nil, nil) when more bytes are
// required before another block (or state transition) can complete.
func (a *Analyzer) Next() (*Block, error) {
	for {
		switch a.st.kind {
		case statePragma:
			if len(a.buf) < len(carV2Pragma) {
				return nil, nil
			}
			got := a.buf[:len(carV2Pragma)]
			a.buf = a.buf[len(carV2Pragma):]
			a.streamOffset += uint64(len(carV2Pragma))

			for i, want := range carV2Pragma {
				if got[i] != want {
					return nil, Err.New("pragma mismatch at offset %d", a.streamOffset)
				}
			}
			a.st = state{kind: stateV2Header}

		case stateV2Header:
			const headerLen = 16 + 8 + 8 + 8
			if len(a.buf) < headerLen {
				return nil, nil
			}
			buf := a.buf[:headerLen]
			a.buf = a.buf[headerLen:]
			a.streamOffset += headerLen

			// First 16 bytes are the characteristics bitfield; unused by
			// this analyzer.
			dataStart := leU64(buf[16:24])
			dataSize := leU64(buf[24:32])
			indexStart := leU64(buf[32:40])

			dataEnd := dataStart + dataSize
			if dataEnd > MaxStreamSize {
				return nil, Err.New("data region end %d exceeds stream limit", dataEnd)
			}
			if indexStart > MaxStreamSize {
				return nil, Err.New("index start %d exceeds stream limit", indexStart)
			}

			a.st = state{kind: stateV1Header, dataStart: dataStart, dataEnd: dataEnd, indexStart: indexStart}

		case stateV1Header:
			if a.streamOffset < a.st.dataStart {
				if !a.skipTo(a.st.dataStart) {
					return nil, nil
				}
			}

			if !a.st.haveHeaderLen {
				length, n, ok := readVarint(a.buf)
				if !ok {
					return nil, nil
				}
				a.buf = a.buf[n:]
				a.streamOffset += uint64(n)
				a.st.headerLength = length
				a.st.haveHeaderLen = true
			}

			if a.st.headerLength >= MaxHeaderSize {
				return nil, Err.New("CARv1 header of %d bytes exceeds %d byte limit", a.st.headerLength, MaxHeaderSize)
			}

			// Contents of the roots header are not interpreted (spec.md §4.2).
			blockStart := a.streamOffset + a.st.headerLength
			a.st = state{kind: stateBlockMeta, dataEnd: a.st.dataEnd, indexStart: a.st.indexStart, blockStart: blockStart}
			// Skip straight to the header bytes in one go below, rather
			// than looping once more with an empty skip.
			if !a.skipTo(blockStart) {
				return nil, nil
			}
			if blockStart == a.st.dataEnd {
				a.st = state{kind: stateIndexes, indexStart: a.st.indexStart}
				continue
			}

		case stateBlockMeta:
			if a.streamOffset < a.st.blockStart {
				if !a.skipTo(a.st.blockStart) {
					return nil, nil
				}
			}
			if a.st.blockStart == a.st.dataEnd {
				a.st = state{kind: stateIndexes, indexStart: a.st.indexStart}
				continue
			}

			blockLength, varintLen, ok := readVarint(a.buf)
			if !ok {
				return nil, nil
			}

			minCIDBytes := blockLength
			if minCIDBytes > cidLengthLegacy {
				minCIDBytes = cidLengthLegacy
			}
			cidBuf := a.buf[varintLen:]
			if uint64(len(cidBuf)) < minCIDBytes {
				return nil, nil
			}

			var cidLength uint64
			switch cidBuf[0] {
			case 0x62:
				cidLength = cidLengthLegacy
			case 0x75:
				cidLength = cidLengthBanyan
			default:
				return nil, Err.New("invalid block CID prefix 0x%02x at offset %d", cidBuf[0], a.streamOffset)
			}
			if uint64(len(cidBuf)) < cidLength {
				return nil, nil
			}

			cid := string(cidBuf[:cidLength])
			a.cids = append(a.cids, cid)

			dataStart := a.streamOffset + uint64(varintLen) + cidLength
			dataLength := blockLength - cidLength

			a.buf = a.buf[uint64(varintLen)+cidLength:]
			a.streamOffset += uint64(varintLen) + cidLength

			a.st = state{
				kind:       stateBlockData,
				dataEnd:    a.st.dataEnd,
				indexStart: a.st.indexStart,
				dataStart:  dataStart,
				dataLength: dataLength,
				cid:        cid,
			}

		case stateBlockData:
			if a.streamOffset < a.st.dataStart {
				if !a.skipTo(a.st.dataStart) {
					return nil, nil
				}
			}
			if uint64(len(a.buf)) < a.st.dataLength {
				return nil, nil
			}

			data := make([]byte, a.st.dataLength)
			copy(data, a.buf[:a.st.dataLength])
			a.buf = a.buf[a.st.dataLength:]
			a.streamOffset += a.st.dataLength

			dataStart, dataLength, cid := a.st.dataStart, a.st.dataLength, a.st.cid
			a.st = state{kind: stateBlockMeta, dataEnd: a.st.dataEnd, indexStart: a.st.indexStart, blockStart: dataStart + dataLength}

			return &Block{CID: cid, Offset: dataStart, Length: dataLength, Data: data}, nil

		case stateIndexes:
			a.streamOffset += uint64(len(a.buf))
			a.buf = a.buf[:0]
			if a.streamOffset >= a.st.indexStart {
				a.st = state{kind: stateComplete}
			}
			return nil, nil

		case stateComplete:
			return nil, nil
		}
	}
}

// skipTo consumes bytes up to target, returning false if the buffer
// ran out before reaching it.
func (a *Analyzer) skipTo(target uint64) bool {
	if a.streamOffset >= target {
		return true
	}
	need := target - a.streamOffset
	avail := uint64(len(a.buf))
	skip := avail
	if need < skip {
		skip = need
	}
	a.buf = a.buf[skip:]
	a.streamOffset += skip
	return a.streamOffset == target
}

// Report requires the stream to have reached the Complete state; it
// returns the integrity digest, total byte count, and block CID order.
func (a *Analyzer) Report() (*Report, error) {
	if a.st.kind != stateComplete {
		return nil, Err.New("analyzer has not reached the end of the stream")
	}
	sum := a.hasher.Sum(nil)
	return &Report{
		IntegrityHash: base64.RawURLEncoding.EncodeToString(sum),
		TotalSize:     a.streamOffset,
		CIDs:          append([]string(nil), a.cids...),
	}, nil
}

// SeenBytes reports how many bytes of the logical stream have been
// consumed so far, including bytes already drained past the index
// region.
func (a *Analyzer) SeenBytes() uint64 {
	return a.streamOffset
}

func leU64(b []byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}

// readVarint decodes an unsigned LEB128 varint from the front of buf.
// It returns ok=false if buf doesn't yet contain a terminating byte
// within the 10-byte maximum for a uint64 (spec.md §4.2, §8): the
// caller should wait for more data rather than treating that as fatal.
func readVarint(buf []byte) (value uint64, n int, ok bool) {
	const maxBytes = 10
	for i := 0; i < maxBytes && i < len(buf); i++ {
		b := buf[i]
		value |= uint64(b&0x7f) << (uint(i) * 7)
		if b&0x80 == 0 {
			return value, i + 1, true
		}
	}
	return 0, 0, false
}
