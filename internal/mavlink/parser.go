package mavlink

// Status is the outcome of feeding one byte to a Parser.
type Status int

const (
	// FrameIncomplete means more bytes are needed.
	FrameIncomplete Status = iota
	// FrameComplete means a validated message is available.
	FrameComplete
	// FrameInvalid means a candidate frame failed validation and was discarded.
	FrameInvalid
)

func (s Status) String() string {
	switch s {
	case FrameIncomplete:
		return "incomplete"
	case FrameComplete:
		return "complete"
	case FrameInvalid:
		return "invalid"
	}
	return "unknown"
}

// Result is returned by Feed.
type Result struct {
	Status  Status
	Message *Message
}

// ParserStats counts what a Parser has seen since creation.
type ParserStats struct {
	Frames          uint64 `json:"frames"`
	ChecksumErrors  uint64 `json:"checksumErrors"`
	UnknownMessages uint64 `json:"unknownMessages"`
	BadFlags        uint64 `json:"badFlags"`
	Malformed       uint64 `json:"malformed"`
	SkippedBytes    uint64 `json:"skippedBytes"`
}

// Invalid is the number of discarded candidate frames.
func (s ParserStats) Invalid() uint64 {
	return s.ChecksumErrors + s.UnknownMessages + s.BadFlags + s.Malformed
}

type rejectReason int

const (
	accepted rejectReason = iota
	pending
	badChecksum
	unknownID
	badFlags
	malformed
)

// Parser reassembles frames from an arbitrarily chunked byte stream.
// On a failed candidate the bytes following its start marker are scanned
// again, so a valid frame hidden behind a false marker is still found.
// A Parser is not safe for concurrent use.
type Parser struct {
	buf   []byte
	need  int
	queue []*Message
	stats ParserStats
}

// NewParser returns an empty parser.
func NewParser() *Parser {
	return &Parser{buf: make([]byte, 0, OverheadV2+MaxPayloadLen+SignatureLen)}
}

// Feed consumes one byte. When the byte completes more than one frame the
// extra messages are returned by subsequent Feed calls or by Parse.
func (p *Parser) Feed(c byte) Result {
	invalid := p.push(c)
	if m := p.pop(); m != nil {
		return Result{Status: FrameComplete, Message: m}
	}
	if invalid {
		return Result{Status: FrameInvalid}
	}
	return Result{Status: FrameIncomplete}
}

// Parse feeds every byte of data and returns all messages completed so far,
// in wire order. The result does not depend on how the stream is chunked.
func (p *Parser) Parse(data []byte) []*Message {
	for _, c := range data {
		p.push(c)
	}
	out := p.queue
	p.queue = nil
	return out
}

// Stats returns a copy of the parser counters.
func (p *Parser) Stats() ParserStats {
	return p.stats
}

func (p *Parser) pop() *Message {
	if len(p.queue) == 0 {
		return nil
	}
	m := p.queue[0]
	p.queue = p.queue[1:]
	if len(p.queue) == 0 {
		p.queue = nil
	}
	return m
}

// push runs c through the state machine and reports whether any candidate
// frame was rejected along the way.
func (p *Parser) push(c byte) bool {
	invalid := false
	input := []byte{c}

	for len(input) > 0 {
		b := input[0]
		input = input[1:]

		switch p.step(b) {
		case accepted, pending:
			continue
		case badChecksum:
			p.stats.ChecksumErrors++
		case unknownID:
			p.stats.UnknownMessages++
		case badFlags:
			p.stats.BadFlags++
		case malformed:
			p.stats.Malformed++
		}

		invalid = true
		rescan := make([]byte, 0, len(p.buf)-1+len(input))
		rescan = append(rescan, p.buf[1:]...)
		rescan = append(rescan, input...)
		input = rescan
		p.buf = p.buf[:0]
		p.need = 0
	}
	return invalid
}

func (p *Parser) step(b byte) rejectReason {
	if len(p.buf) == 0 {
		if b != MagicV1 && b != MagicV2 {
			p.stats.SkippedBytes++
			return pending
		}
		p.buf = append(p.buf, b)
		return pending
	}

	p.buf = append(p.buf, b)
	v2 := p.buf[0] == MagicV2

	switch len(p.buf) {
	case 2:
		if v2 {
			p.need = OverheadV2 + int(b)
		} else {
			p.need = OverheadV1 + int(b)
		}
	case 3:
		if v2 {
			if b&^IncompatSigned != 0 {
				return badFlags
			}
			if b&IncompatSigned != 0 {
				p.need += SignatureLen
			}
		}
	}

	if p.need == 0 || len(p.buf) < p.need {
		return pending
	}
	return p.finish()
}

func (p *Parser) finish() rejectReason {
	frame := p.buf
	plen := int(frame[1])

	m := &Message{}
	var hdrEnd int
	if frame[0] == MagicV2 {
		hdrEnd = 1 + headerLenV2
		m.Version = V2
		m.Sequence = frame[4]
		m.SystemID = frame[5]
		m.ComponentID = frame[6]
		m.ID = uint32(frame[7]) | uint32(frame[8])<<8 | uint32(frame[9])<<16
	} else {
		hdrEnd = 1 + headerLenV1
		m.Version = V1
		m.Sequence = frame[2]
		m.SystemID = frame[3]
		m.ComponentID = frame[4]
		m.ID = uint32(frame[5])
	}

	extra, ok := crcExtra(m.ID)
	if !ok {
		return unknownID
	}

	crcAt := hdrEnd + plen
	want := uint16(frame[crcAt]) | uint16(frame[crcAt+1])<<8
	if checksum(frame[1:crcAt], extra) != want {
		return badChecksum
	}

	// v1 payloads must match the base length of the message
	payload, err := unmarshal(m.ID, frame[hdrEnd:crcAt], m.Version)
	if err != nil {
		return malformed
	}
	m.Payload = payload
	m.Raw = make([]byte, plen)
	copy(m.Raw, frame[hdrEnd:crcAt])

	p.stats.Frames++
	p.queue = append(p.queue, m)
	p.buf = p.buf[:0]
	p.need = 0
	return accepted
}
