// Package rtcp tracks per-track RTP/RTCP statistics and builds outgoing
// SR/RR/SDES packets, per spec.md §4.2 "RtcpContext". Grounded on
// original_source/src/Rtsp/RtspSession.cpp's 5-second sendRtcp cadence
// (onManager, ~line 1200-1245: RR carries ssrc+1 as reporter against the
// peer's ssrc, SR carries the local ssrc, both followed by an SDES CNAME
// chunk) and rewritten onto github.com/pion/rtcp's wire types instead of
// EasyDarwin, which has no RTCP accounting at all — EasyDarwin's
// rtsp-session.go only forwards RTP payload bytes, never computes
// jitter/loss or emits SR/RR.
package rtcp

import (
	"sync"
	"time"

	"github.com/pion/rtcp"
)

// Direction distinguishes a context tracking what we receive from one
// tracking what we send, since RFC 3550 computes jitter/loss only on the
// receive side.
type Direction int

const (
	DirRecv Direction = iota
	DirSend
)

// Context accumulates the running statistics RFC 3550 §6.4 requires to
// build a report block for one RTP stream (one SSRC, one track).
type Context struct {
	mu sync.Mutex

	dir      Direction
	localSSRC  uint32
	peerSSRC uint32
	clockRate uint32
	cname    string

	// receiver-side state
	baseSeq       uint16
	haveBaseSeq   bool
	maxSeq        uint16
	cycles        uint32
	received      uint64
	expectedPrior uint32
	receivedPrior uint32

	transit      int64
	haveTransit  bool
	jitter       float64

	lastRTPTimestamp uint32
	lastArrival      time.Time
	haveLastArrival  bool

	// sender-side state
	packetsSent uint32
	octetsSent  uint32

	lastSRSent time.Time
}

// NewContext creates a Context for the given direction, local SSRC, and
// RTP clock rate (used to express packet arrival times in RTP units for
// the interarrival jitter estimate).
func NewContext(dir Direction, localSSRC uint32, clockRate uint32, cname string) *Context {
	return &Context{dir: dir, localSSRC: localSSRC, clockRate: clockRate, cname: cname}
}

// ContextForRecv is the constructor spec.md §4.2 names for the
// receive-side accounting context.
func ContextForRecv(localSSRC, clockRate uint32, cname string) *Context {
	return NewContext(DirRecv, localSSRC, clockRate, cname)
}

// ContextForSend is the constructor spec.md §4.2 names for the send-side
// accounting context.
func ContextForSend(localSSRC, clockRate uint32, cname string) *Context {
	return NewContext(DirSend, localSSRC, clockRate, cname)
}

// OnRTPReceived folds one received RTP packet's sequence number and
// timestamp into the running jitter/loss statistics.
func (c *Context) OnRTPReceived(ssrc uint32, seq uint16, rtpTimestamp uint32, payloadLen int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.peerSSRC = ssrc
	now := time.Now()

	if !c.haveBaseSeq {
		c.haveBaseSeq = true
		c.baseSeq = seq
		c.maxSeq = seq
	} else {
		delta := int32(seq) - int32(c.maxSeq)
		if delta < -0x8000 {
			c.cycles++
		}
		if seq > c.maxSeq || (c.maxSeq-seq) > 0x8000 {
			c.maxSeq = seq
		}
	}
	c.received++

	if c.haveLastArrival {
		arrivalRTP := uint32(now.Sub(c.lastArrival).Seconds()*float64(c.clockRate)) + c.lastRTPTimestamp
		transit := int64(arrivalRTP) - int64(rtpTimestamp)
		if c.haveTransit {
			d := transit - c.transit
			if d < 0 {
				d = -d
			}
			c.jitter += (float64(d) - c.jitter) / 16.0
		}
		c.transit = transit
		c.haveTransit = true
	}
	c.lastRTPTimestamp = rtpTimestamp
	c.lastArrival = now
	c.haveLastArrival = true
}

// OnRTPSent accounts for one RTP packet this side transmitted, needed for
// the packet/octet counts an outgoing SR reports.
func (c *Context) OnRTPSent(payloadLen int) {
	c.mu.Lock()
	c.packetsSent++
	c.octetsSent += uint32(payloadLen)
	c.mu.Unlock()
}

// LossRate returns the percentage of expected packets lost since the first
// packet received, 0-100; the count is cumulative and is not reset between
// calls. It is the same ratio RFC 3550 packs into a report block's fraction
// lost field, expressed here as a percentage for MediaSourceEvent.LossRate.
func (c *Context) LossRate() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	expected, lost := c.expectedLost()
	if expected == 0 {
		return 0
	}
	pct := int(float64(lost) / float64(expected) * 100)
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	return pct
}

func (c *Context) expectedLost() (expected uint32, lost uint32) {
	if !c.haveBaseSeq {
		return 0, 0
	}
	extMax := c.cycles<<16 | uint32(c.maxSeq)
	expected = extMax - uint32(c.baseSeq) + 1
	if expected < uint32(c.received) {
		return expected, 0
	}
	return expected, expected - uint32(c.received)
}

// BuildReceiverReport constructs an RR reporting on the peer's stream, per
// the original's createRtcpRR(ssrc+1, ssrc) convention: the reporter's own
// SSRC is the peer's SSRC plus one, not this side's negotiated SSRC.
func (c *Context) BuildReceiverReport() *rtcp.ReceiverReport {
	c.mu.Lock()
	defer c.mu.Unlock()

	expected, lost := c.expectedLost()
	var fraction uint8
	if expected > 0 && lost > 0 {
		fraction = uint8((lost * 256) / expected)
	}

	return &rtcp.ReceiverReport{
		SSRC: c.peerSSRC + 1,
		Reports: []rtcp.ReceptionReport{
			{
				SSRC:               c.peerSSRC,
				FractionLost:       fraction,
				TotalLost:          lost,
				LastSequenceNumber: uint32(c.cycles)<<16 | uint32(c.maxSeq),
				Jitter:             uint32(c.jitter),
			},
		},
	}
}

// BuildSenderReport constructs an SR for the stream this context is
// sending, per the original's SR(ssrc=localSSRC) convention. ntpNow is the
// wall-clock send time and rtpTimestamp is the caller-supplied RTP
// timestamp reported alongside it, so receivers can correlate the two
// clocks.
func (c *Context) BuildSenderReport(ntpNow time.Time, rtpTimestamp uint32) *rtcp.SenderReport {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastSRSent = ntpNow
	return &rtcp.SenderReport{
		SSRC:        c.localSSRC,
		NTPTime:     ntpTimeFromTime(ntpNow),
		RTPTime:     rtpTimestamp,
		PacketCount: c.packetsSent,
		OctetCount:  c.octetsSent,
	}
}

// BuildSourceDescription constructs the SDES CNAME chunk the original
// appends after every SR/RR.
func (c *Context) BuildSourceDescription() *rtcp.SourceDescription {
	return &rtcp.SourceDescription{
		Chunks: []rtcp.SourceDescriptionChunk{
			{
				Source: c.localSSRC,
				Items: []rtcp.SourceDescriptionItem{
					{Type: rtcp.SDESCNAME, Text: c.cname},
				},
			},
		},
	}
}

// ntpTimeFromTime converts a time.Time into an NTP 64-bit fixed-point
// timestamp (seconds since 1900-01-01 in the high 32 bits).
func ntpTimeFromTime(t time.Time) uint64 {
	const ntpEpochOffset = 2208988800 // seconds between 1900-01-01 and 1970-01-01
	secs := uint64(t.Unix()) + ntpEpochOffset
	frac := uint64(float64(t.Nanosecond()) / 1e9 * (1 << 32))
	return secs<<32 | frac
}
