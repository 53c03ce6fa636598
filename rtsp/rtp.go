package rtsp

import (
	"encoding/binary"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"

	rtcpx "github.com/qlstream/rtspd/internal/rtcp"
	"github.com/qlstream/rtspd/internal/registry"
)

// onRcvChannelData routes one interleaved frame by RTSP §6 convention:
// even channel = RTP, odd channel = RTCP for the track whose
// InterleavedChannel matches. Grounded on rtsp-session.go's channel-index
// dispatch in its onRtpPacket callback.
func (s *Session) onRcvChannelData(channel int, payload []byte) {
	for i, t := range s.tracks {
		if channel == t.InterleavedChannel {
			s.onTrackRTP(i, payload)
			return
		}
		if channel == t.InterleavedChannel+1 {
			s.onTrackRTCP(i, payload)
			return
		}
	}
}

// onTrackRTP handles one RTP packet arriving for track i, from either the
// interleaved channel or a UDP socket read (udpReadLoop). Per spec.md
// §4.3.3: pushers feed their source's byte/jitter accounting; the actual
// codec/GOP framing and ring-buffer fan-out belong to the muxer wrapping
// the push source (out of scope per spec §1).
func (s *Session) onTrackRTP(i int, payload []byte) {
	var pkt rtp.Packet
	if err := pkt.Unmarshal(payload); err != nil {
		return
	}

	s.ensureRTCPContexts()
	s.rtcpCtx[i].OnRTPReceived(pkt.SSRC, pkt.SequenceNumber, pkt.Timestamp, len(pkt.Payload))

	t := s.tracks[i]
	t.LastSeq = pkt.SequenceNumber
	t.LastTimestamp = pkt.Timestamp

	if s.source != nil {
		kind := registry.TrackVideo
		if t.Info.Kind == TrackKindAudio {
			kind = registry.TrackAudio
		}
		s.source.Base().AddBytes(kind, len(payload))
	}
	s.sentBytes += int64(len(payload))

	if s.flushPolicy != nil {
		isKeyFrame := t.Info.Kind == TrackKindVideo && isKeyFrameNALU(pkt.Payload)
		stampMs := stampMsFromRTP(pkt.Timestamp, t.Info.SampleRate)
		if d := s.flushPolicy.Evaluate(i, stampMs, isKeyFrame); d.Flush {
			s.log.WithField("track", i).WithField("reason", d.Reason.String()).
				Debug("flush policy: batch boundary reached")
		}
	}
}

// stampMsFromRTP converts an RTP timestamp into milliseconds on the
// track's own timeline, for the flush policy's window accounting, per
// spec.md §4.4. sampleRate of zero (never negotiated) disables the
// conversion rather than dividing by it.
func stampMsFromRTP(timestamp, sampleRate uint32) uint32 {
	if sampleRate == 0 {
		return 0
	}
	return uint32(int64(timestamp) * 1000 / int64(sampleRate))
}

// isKeyFrameNALU reports whether an H.264 RTP payload carries (or
// aggregates) an IDR slice, SPS or PPS — any of which starts a new GOP.
// Grounded on the teacher's pusher.go shouldSequenceStart, simplified to
// the H.264 NAL types that matter for the merge-write boundary decision;
// non-H.264 video tracks and anything this sniffer can't parse are
// treated as non-key frames rather than guessed at.
func isKeyFrameNALU(payload []byte) bool {
	if len(payload) == 0 {
		return false
	}
	naluType := payload[0] & 0x1F
	switch naluType {
	case 5, 7, 8: // IDR slice, SPS, PPS
		return true
	case 28, 29: // FU-A / FU-B fragmentation unit: inspect the original NAL type
		if len(payload) < 2 {
			return false
		}
		orig := payload[1] & 0x1F
		return orig == 5
	case 24: // STAP-A aggregation of multiple NAL units in one RTP payload
		return stapAContainsKeyFrame(payload[1:])
	default:
		return false
	}
}

func stapAContainsKeyFrame(data []byte) bool {
	for len(data) >= 2 {
		size := int(data[0])<<8 | int(data[1])
		data = data[2:]
		if size <= 0 || size > len(data) {
			return false
		}
		naluType := data[0] & 0x1F
		if naluType == 5 || naluType == 7 || naluType == 8 {
			return true
		}
		data = data[size:]
	}
	return false
}

// onTrackRTCP folds one received RTCP compound packet into the track's
// statistics context, per spec.md §4.3.3.
func (s *Session) onTrackRTCP(i int, payload []byte) {
	packets, err := rtcp.Unmarshal(payload)
	if err != nil {
		return
	}
	s.ensureRTCPContexts()
	for _, p := range packets {
		if sr, ok := p.(*rtcp.SenderReport); ok {
			s.rtcpCtx[i].OnRTPReceived(sr.SSRC, s.tracks[i].LastSeq, sr.RTPTime, 0)
		}
	}
}

func (s *Session) ensureRTCPContexts() {
	for len(s.rtcpCtx) < len(s.tracks) {
		dir := rtcpx.DirRecv
		if s.role == RolePlayer {
			dir = rtcpx.DirSend
		}
		s.rtcpCtx = append(s.rtcpCtx, rtcpx.NewContext(dir, s.tracks[len(s.rtcpCtx)].SSRC, s.tracks[len(s.rtcpCtx)].Info.SampleRate, s.id))
	}
}

// maybeSendRTCP emits SR/RR at least every 5s per spec.md §4.3.6. Pusher
// sessions send RR (reporter=ssrc+1, reportee=ssrc); player sessions send
// SR for the track they are delivering, each followed by an SDES CNAME
// chunk, over the transport-appropriate RTCP channel.
func (s *Session) maybeSendRTCP() {
	s.ensureRTCPContexts()
	now := time.Now()
	if now.Sub(s.lastRTCP) < 5*time.Second {
		return
	}
	s.lastRTCP = now

	for i, ctx := range s.rtcpCtx {
		var pkt rtcp.Packet
		if s.role == RolePusher {
			pkt = ctx.BuildReceiverReport()
		} else {
			pkt = ctx.BuildSenderReport(now, s.tracks[i].LastTimestamp)
		}
		sdes := ctx.BuildSourceDescription()
		buf, err := rtcp.Marshal([]rtcp.Packet{pkt, sdes})
		if err != nil {
			continue
		}
		s.sendOnRTCPChannel(i, buf)
	}
}

func (s *Session) sendOnRTCPChannel(trackIdx int, buf []byte) {
	t := s.tracks[trackIdx]
	switch s.transport {
	case TransportTCP:
		frame := interleaveFrame(t.InterleavedChannel+1, buf)
		_, _ = s.conn.Write(frame)
	case TransportUDP:
		if t.udpPair != nil {
			if dst := s.udpRTCPDest(t); dst != nil {
				_, _ = t.udpPair.rtcpConn.WriteTo(buf, nil, dst)
			}
		}
	case TransportMulticast:
		s.multicastSendRTCP(trackIdx, buf)
	}
}

func interleaveFrame(channel int, payload []byte) []byte {
	frame := make([]byte, 4+len(payload))
	frame[0] = '$'
	frame[1] = byte(channel)
	binary.BigEndian.PutUint16(frame[2:4], uint16(len(payload)))
	copy(frame[4:], payload)
	return frame
}

// sendRTP implements spec.md §4.3.5: filter by _target_play_track, update
// RTCP accounting, then deliver over the negotiated transport.
func (s *Session) sendRTP(batch []registry.RTPPacket) {
	for _, p := range batch {
		if s.targetTrack >= 0 && p.TrackIndex != s.targetTrack {
			continue
		}
		if p.TrackIndex >= len(s.tracks) {
			continue
		}
		s.ensureRTCPContexts()
		if p.TrackIndex < len(s.rtcpCtx) {
			var pkt rtp.Packet
			seq := uint16(0)
			if err := pkt.Unmarshal(p.Payload); err == nil {
				seq = pkt.SequenceNumber
			}
			s.rtcpCtx[p.TrackIndex].OnRTPSent(len(p.Payload))
			s.tracks[p.TrackIndex].LastSeq = seq
			s.tracks[p.TrackIndex].LastTimestamp = p.Timestamp
		}

		t := s.tracks[p.TrackIndex]
		switch s.transport {
		case TransportTCP:
			frame := interleaveFrame(t.InterleavedChannel, p.Payload)
			_, _ = s.conn.Write(frame)
		case TransportUDP:
			if t.udpPair != nil {
				if dst := s.udpRTPDest(t); dst != nil {
					_, _ = t.udpPair.rtpConn.WriteTo(p.Payload, nil, dst)
				}
			}
		case TransportMulticast:
			s.multicastSendRTP(p.TrackIndex, p.Payload)
		}
		s.sentBytes += int64(len(p.Payload))
	}
}

// attachReader installs the ring-buffer subscription PLAY requires on
// first entry into the Playing state, per spec.md §4.3.4.
func (s *Session) attachReader() {
	if s.source == nil {
		return
	}
	listener := s.source.Base().Listener()
	if listener == nil {
		return
	}
	handle, ok := listener.AttachReader(s.source, func(batch []registry.RTPPacket) {
		s.poll.Async(func() { s.sendRTP(batch) })
	})
	if ok {
		s.reader2 = handle
	}
}
