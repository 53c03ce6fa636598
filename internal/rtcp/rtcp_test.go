package rtcp

import (
	"testing"
	"time"

	"github.com/pion/rtcp"
	"github.com/stretchr/testify/require"
)

func TestOnRTPReceivedTracksSequenceAndLoss(t *testing.T) {
	c := ContextForRecv(1000, 90000, "cname")

	c.OnRTPReceived(2000, 1, 100, 160)
	c.OnRTPReceived(2000, 2, 200, 160)
	c.OnRTPReceived(2000, 4, 400, 160) // seq 3 lost

	require.Equal(t, uint32(2000), c.peerSSRC)

	expected, lost := c.expectedLost()
	require.Equal(t, uint32(4), expected) // seq 1..4 inclusive
	require.Equal(t, uint32(1), lost)

	rate := c.LossRate()
	require.Equal(t, 25, rate)
}

func TestOnRTPReceivedSequenceWrapIncrementsCycles(t *testing.T) {
	c := ContextForRecv(1000, 90000, "cname")

	c.OnRTPReceived(2000, 0xFFFE, 100, 0)
	c.OnRTPReceived(2000, 0xFFFF, 200, 0)
	c.OnRTPReceived(2000, 0x0001, 300, 0) // wraps around 16-bit seq

	require.Equal(t, uint32(1), c.cycles)
}

func TestLossRateZeroBeforeAnyPacket(t *testing.T) {
	c := ContextForRecv(1000, 90000, "cname")
	require.Equal(t, 0, c.LossRate())
}

func TestBuildReceiverReportReportsPeer(t *testing.T) {
	c := ContextForRecv(1000, 90000, "cname")
	c.OnRTPReceived(2000, 1, 100, 0)
	c.OnRTPReceived(2000, 3, 300, 0) // seq 2 lost

	rr := c.BuildReceiverReport()
	require.Equal(t, uint32(2001), rr.SSRC, "reporter SSRC is peer SSRC + 1, not the local SSRC")
	require.Len(t, rr.Reports, 1)
	require.Equal(t, uint32(2000), rr.Reports[0].SSRC)
	require.Equal(t, uint32(1), rr.Reports[0].TotalLost)
}

func TestBuildSenderReportCarriesSentCounters(t *testing.T) {
	c := ContextForSend(5000, 90000, "cname")
	c.OnRTPSent(100)
	c.OnRTPSent(200)

	now := time.Unix(1700000000, 0)
	sr := c.BuildSenderReport(now, 12345)

	require.Equal(t, uint32(5000), sr.SSRC)
	require.Equal(t, uint32(12345), sr.RTPTime)
	require.Equal(t, uint32(2), sr.PacketCount)
	require.Equal(t, uint32(300), sr.OctetCount)
	require.NotZero(t, sr.NTPTime)
}

func TestBuildSourceDescriptionCarriesCNAME(t *testing.T) {
	c := ContextForSend(5000, 90000, "session-cname")
	sdes := c.BuildSourceDescription()

	require.Len(t, sdes.Chunks, 1)
	require.Equal(t, uint32(5000), sdes.Chunks[0].Source)
	require.Equal(t, rtcp.SDESCNAME, sdes.Chunks[0].Items[0].Type)
	require.Equal(t, "session-cname", sdes.Chunks[0].Items[0].Text)
}

func TestReportsRoundTripThroughMarshal(t *testing.T) {
	c := ContextForRecv(1000, 90000, "cname")
	c.OnRTPReceived(2000, 1, 100, 0)

	rr := c.BuildReceiverReport()
	sdes := c.BuildSourceDescription()

	buf, err := rtcp.Marshal([]rtcp.Packet{rr, sdes})
	require.NoError(t, err)

	packets, err := rtcp.Unmarshal(buf)
	require.NoError(t, err)
	require.Len(t, packets, 2)

	gotRR, ok := packets[0].(*rtcp.ReceiverReport)
	require.True(t, ok)
	require.Equal(t, rr.SSRC, gotRR.SSRC)
}
