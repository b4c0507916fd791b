package libp2pchannel

import (
	"context"
	"testing"
	"time"

	mocknet "github.com/libp2p/go-libp2p/p2p/net/mock"
	"github.com/stretchr/testify/require"

	"github.com/pjanec/fastdataplane/core/messages"
)

type recordingDispatcher struct {
	pulses chan messages.TimePulse
}

func (d *recordingDispatcher) OnTimePulse(m messages.TimePulse)                 { d.pulses <- m }
func (d *recordingDispatcher) OnFrameOrder(messages.FrameOrder)                 {}
func (d *recordingDispatcher) OnFrameAck(messages.FrameAck)                     {}
func (d *recordingDispatcher) OnSwitchMode(messages.SwitchMode)                 {}
func (d *recordingDispatcher) OnIdBlockRequest(messages.IdBlockRequest)         {}
func (d *recordingDispatcher) OnIdBlockResponse(messages.IdBlockResponse)       {}
func (d *recordingDispatcher) OnOwnershipUpdate(messages.OwnershipUpdate)       {}
func (d *recordingDispatcher) OnEntityMaster(messages.EntityMaster)             {}
func (d *recordingDispatcher) OnDescriptorEnvelope(messages.DescriptorEnvelope) {}

// TestChannel_Mocknet_DeliversAcrossTwoNodes builds two libp2p hosts on a
// mocknet (no real sockets), wires each into a Channel, and checks that a
// TimePulse published on one reaches the other over gossipsub.
func TestChannel_Mocknet_DeliversAcrossTwoNodes(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mn := mocknet.New()
	hostA, err := mn.GenPeer()
	require.NoError(t, err)
	hostB, err := mn.GenPeer()
	require.NoError(t, err)

	require.NoError(t, mn.LinkAll())
	require.NoError(t, mn.ConnectAllButSelf())

	chanA, err := NewChannelWithHost(ctx, hostA, nil, nil)
	require.NoError(t, err)
	defer chanA.Close()

	chanB, err := NewChannelWithHost(ctx, hostB, nil, nil)
	require.NoError(t, err)
	defer chanB.Close()

	disp := &recordingDispatcher{pulses: make(chan messages.TimePulse, 1)}
	require.NoError(t, chanB.Subscribe(ctx, KindTimePulse, disp))

	// Gossipsub needs a moment to propagate subscriptions between peers.
	time.Sleep(200 * time.Millisecond)

	want := messages.TimePulse{MasterWallTicks: 99, SimTimeS: 1.5, Scale: 1, Sequence: 3}
	require.NoError(t, chanA.PublishTimePulse(ctx, want))

	select {
	case got := <-disp.pulses:
		require.Equal(t, want, got)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for time pulse to arrive over mocknet")
	}
}
