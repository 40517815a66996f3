package lib

import (
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPacketFrame(t *testing.T) {
	p := Packet{MessageID: 42, Op: OpCompareResponse, Result: ResultCompareTrue, Body: []byte("cn=x")}

	frame := p.AppendFrameTo(nil)
	require.Len(t, frame, 4+packetHeaderSize+len(p.Body))

	got, err := UnmarshalPacket(frame[4:])
	require.NoError(t, err)
	require.EqualValues(t, p, got)

	_, err = UnmarshalPacket(frame[4 : len(frame)-1])
	require.Equal(t, io.ErrUnexpectedEOF, err)

	_, err = UnmarshalPacket(frame[:3])
	require.Equal(t, io.ErrUnexpectedEOF, err)
}

func TestKinds(t *testing.T) {
	require.Equal(t, KindIntermediate, KindOf(OpSearchResultEntry))
	require.Equal(t, KindIntermediate, KindOf(OpSearchResultReference))
	require.Equal(t, KindIntermediate, KindOf(OpIntermediateResponse))
	require.Equal(t, KindTerminal, KindOf(OpSearchResultDone))
	require.Equal(t, KindTerminal, KindOf(OpBindResponse))

	res := &Response{Packet: Packet{Op: OpSearchResultEntry}, Err: ErrTimeout}
	require.Equal(t, KindTerminal, res.Kind())

	require.False(t, Abandonable(OpAbandonRequest))
	require.False(t, Abandonable(OpUnbindRequest))
	require.True(t, Abandonable(OpBindRequest))

	require.Equal(t, "SearchRequest", OpName(OpSearchRequest))
	require.Equal(t, "Op(99)", OpName(99))
}

func TestAbandonedID(t *testing.T) {
	id, err := AbandonedID(*AbandonPacket(77))
	require.NoError(t, err)
	require.EqualValues(t, 77, id)

	_, err = AbandonedID(*UnbindPacket())
	require.Error(t, err)
}
