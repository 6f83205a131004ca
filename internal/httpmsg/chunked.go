package httpmsg

import (
	"strconv"

	"github.com/relaymesh/bridgecore/internal/bridgeerr"
)

// chunkScanner is a byte-at-a-time incremental parser for HTTP/1.1 chunked
// transfer coding, fed across however many Parse(n) calls a chunked body
// spans. With transform false it only tracks whether the terminal chunk has
// been seen (used while accumulating raw bytes, so streaming mode can
// forward chunked bodies untouched); with transform true it additionally
// emits the dechunked data, used by ConvertChunkedToFixedLength which replays
// a complete accumulated chunked body.
type chunkScanner struct {
	state     chunkState
	sizeBuf   []byte
	remaining int64
	transform bool
}

type chunkState int

const (
	stSize chunkState = iota
	stSizeExt
	stSizeCR
	stData
	stDataCR
	stDataLF
	stTrailerCR1
	stTrailerLF1
	stTrailerLine
	stDone
)

// Feed consumes data, returning any dechunked bytes produced (only when
// transform is set) and whether the terminal chunk + trailer has been seen.
func (s *chunkScanner) Feed(data []byte) (out []byte, done bool, err error) {
	for i := 0; i < len(data); i++ {
		b := data[i]
		switch s.state {
		case stSize:
			switch {
			case b == '\r':
				s.state = stSizeCR
			case b == ';':
				s.state = stSizeExt
			case isHexDigit(b):
				s.sizeBuf = append(s.sizeBuf, b)
			default:
				return out, false, bridgeerr.ErrMalformed
			}
		case stSizeExt:
			if b == '\r' {
				s.state = stSizeCR
			}
		case stSizeCR:
			if b != '\n' {
				return out, false, bridgeerr.ErrMalformed
			}
			n, perr := strconv.ParseInt(string(s.sizeBuf), 16, 64)
			if perr != nil || n < 0 {
				return out, false, bridgeerr.ErrMalformed
			}
			s.sizeBuf = s.sizeBuf[:0]
			if n == 0 {
				s.state = stTrailerCR1
				continue
			}
			s.remaining = n
			s.state = stData
		case stData:
			take := int64(len(data) - i)
			if take > s.remaining {
				take = s.remaining
			}
			if s.transform {
				out = append(out, data[i:i+int(take)]...)
			}
			i += int(take) - 1
			s.remaining -= take
			if s.remaining == 0 {
				s.state = stDataCR
			}
		case stDataCR:
			if b != '\r' {
				return out, false, bridgeerr.ErrMalformed
			}
			s.state = stDataLF
		case stDataLF:
			if b != '\n' {
				return out, false, bridgeerr.ErrMalformed
			}
			s.state = stSize
		case stTrailerCR1:
			if b == '\r' {
				s.state = stTrailerLF1
			} else {
				s.state = stTrailerLine
			}
		case stTrailerLF1:
			if b != '\n' {
				return out, false, bridgeerr.ErrMalformed
			}
			s.state = stDone
		case stTrailerLine:
			if b == '\n' {
				s.state = stTrailerCR1
			}
		case stDone:
			// trailing bytes after the terminator are not part of this body
		}
	}
	return out, s.state == stDone, nil
}

func isHexDigit(b byte) bool {
	return (b >= '0' && b <= '9') || (b >= 'a' && b <= 'f') || (b >= 'A' && b <= 'F')
}

// ConvertChunkedToFixedLength replays the accumulated chunked body captured
// during buffering mode, replacing it with the concatenation of the chunk
// bodies and a fresh Content-Length, with Transfer-Encoding removed.
func (m *Message) ConvertChunkedToFixedLength() error {
	if !m.chunked {
		return nil
	}
	s := chunkScanner{transform: true}
	body, _, err := s.Feed(m.Payload)
	if err != nil {
		return err
	}
	m.chunked = false
	m.SetPayload(body, false)
	return nil
}
