package libp2pchannel

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"log/slog"

	libp2p "github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/crypto"
	libp2phost "github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	ma "github.com/multiformats/go-multiaddr"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/anypb"

	"github.com/pjanec/fastdataplane/core/messages"
	"github.com/pjanec/fastdataplane/fdperr"
	"github.com/pjanec/fastdataplane/metrics"
)

// Kind tags a gossipsub topic with the abstract message type it carries
// (§6.2). Each kind gets its own topic so a node can subscribe only to
// what it needs (e.g. a pure slave never subscribes to FrameAck).
type Kind string

const (
	KindTimePulse         Kind = "fdp/time-pulse/1"
	KindFrameOrder        Kind = "fdp/frame-order/1"
	KindFrameAck          Kind = "fdp/frame-ack/1"
	KindSwitchMode        Kind = "fdp/switch-mode/1"
	KindIdBlockRequest    Kind = "fdp/id-block-request/1"
	KindIdBlockResponse   Kind = "fdp/id-block-response/1"
	KindOwnershipUpdate   Kind = "fdp/ownership-update/1"
	KindEntityMaster      Kind = "fdp/entity-master/1"
	KindDescriptorEnvelope Kind = "fdp/descriptor/1"
)

// Dispatcher receives decoded messages off the wire. A node implements
// every method but only gives a body to the handlers relevant to its role;
// the others may be no-ops.
type Dispatcher interface {
	OnTimePulse(messages.TimePulse)
	OnFrameOrder(messages.FrameOrder)
	OnFrameAck(messages.FrameAck)
	OnSwitchMode(messages.SwitchMode)
	OnIdBlockRequest(messages.IdBlockRequest)
	OnIdBlockResponse(messages.IdBlockResponse)
	OnOwnershipUpdate(messages.OwnershipUpdate)
	OnEntityMaster(messages.EntityMaster)
	OnDescriptorEnvelope(messages.DescriptorEnvelope)
}

// Channel binds the core's abstract messages onto a libp2p gossipsub
// mesh: each Kind is an independent topic; payloads are gob-encoded and
// carried inside a protobuf anypb.Any envelope, whose TypeUrl is set to
// the Kind string so a receiver can discriminate before decoding.
type Channel struct {
	host    libp2phost.Host
	ps      *pubsub.PubSub
	topics  map[Kind]*pubsub.Topic
	metrics *metrics.Registry
	logger  *slog.Logger
}

// NewChannel starts a libp2p host with priv's identity on listenAddrs
// and attaches gossipsub.
func NewChannel(ctx context.Context, priv crypto.PrivKey, listenAddrs []string, metricsReg *metrics.Registry, logger *slog.Logger) (*Channel, error) {
	if logger == nil {
		logger = slog.Default()
	}
	opts := []libp2p.Option{libp2p.Identity(priv)}
	if len(listenAddrs) > 0 {
		addrs := make([]ma.Multiaddr, 0, len(listenAddrs))
		for _, a := range listenAddrs {
			addr, err := ma.NewMultiaddr(a)
			if err != nil {
				return nil, fmt.Errorf("listen addr %q: %w", a, err)
			}
			addrs = append(addrs, addr)
		}
		opts = append(opts, libp2p.ListenAddrs(addrs...))
	}

	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("start libp2p host: %w", err)
	}
	return NewChannelWithHost(ctx, h, metricsReg, logger)
}

// NewChannelWithHost attaches gossipsub to an already-constructed libp2p
// host. Split out from NewChannel so tests can drive a mocknet host
// instead of a real network-backed one.
func NewChannelWithHost(ctx context.Context, h libp2phost.Host, metricsReg *metrics.Registry, logger *slog.Logger) (*Channel, error) {
	if logger == nil {
		logger = slog.Default()
	}
	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		return nil, fmt.Errorf("start gossipsub: %w", err)
	}

	return &Channel{
		host:    h,
		ps:      ps,
		topics:  make(map[Kind]*pubsub.Topic),
		metrics: metricsReg,
		logger:  logger.With("component", "libp2pchannel"),
	}, nil
}

// Host exposes the underlying libp2p host, for Connect/bootstrap calls.
func (c *Channel) Host() libp2phost.Host { return c.host }

// Close tears down the host.
func (c *Channel) Close() error { return c.host.Close() }

func (c *Channel) topic(kind Kind) (*pubsub.Topic, error) {
	if t, ok := c.topics[kind]; ok {
		return t, nil
	}
	t, err := c.ps.Join(string(kind))
	if err != nil {
		return nil, fmt.Errorf("join topic %s: %w", kind, err)
	}
	c.topics[kind] = t
	return t, nil
}

func encodeEnvelope(kind Kind, payload any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(payload); err != nil {
		return nil, fdperr.Wrapf(fdperr.ErrCodecFailure, "encode %s payload: %v", kind, err)
	}
	env := &anypb.Any{TypeUrl: string(kind), Value: buf.Bytes()}
	return proto.Marshal(env)
}

func decodeEnvelope(wire []byte, out any) (Kind, error) {
	var env anypb.Any
	if err := proto.Unmarshal(wire, &env); err != nil {
		return "", fdperr.Wrap(fdperr.ErrCodecFailure, "unmarshal envelope")
	}
	kind := Kind(env.TypeUrl)
	if err := gob.NewDecoder(bytes.NewReader(env.Value)).Decode(out); err != nil {
		return kind, fdperr.Wrapf(fdperr.ErrCodecFailure, "decode %s payload: %v", kind, err)
	}
	return kind, nil
}

func (c *Channel) publish(ctx context.Context, kind Kind, payload any) error {
	t, err := c.topic(kind)
	if err != nil {
		return err
	}
	wire, err := encodeEnvelope(kind, payload)
	if err != nil {
		return err
	}
	return t.Publish(ctx, wire)
}

func (c *Channel) PublishTimePulse(ctx context.Context, m messages.TimePulse) error {
	return c.publish(ctx, KindTimePulse, m)
}
func (c *Channel) PublishFrameOrder(ctx context.Context, m messages.FrameOrder) error {
	return c.publish(ctx, KindFrameOrder, m)
}
func (c *Channel) PublishFrameAck(ctx context.Context, m messages.FrameAck) error {
	return c.publish(ctx, KindFrameAck, m)
}
func (c *Channel) PublishSwitchMode(ctx context.Context, m messages.SwitchMode) error {
	return c.publish(ctx, KindSwitchMode, m)
}
func (c *Channel) PublishIdBlockRequest(ctx context.Context, m messages.IdBlockRequest) error {
	return c.publish(ctx, KindIdBlockRequest, m)
}
func (c *Channel) PublishIdBlockResponse(ctx context.Context, m messages.IdBlockResponse) error {
	return c.publish(ctx, KindIdBlockResponse, m)
}
func (c *Channel) PublishOwnershipUpdate(ctx context.Context, id uint64, key uint64, newOwner uint32) error {
	return c.publish(ctx, KindOwnershipUpdate, messages.OwnershipUpdate{ID: id, PackedKey: key, NewOwner: newOwner})
}
func (c *Channel) PublishEntityMaster(ctx context.Context, m messages.EntityMaster) error {
	return c.publish(ctx, KindEntityMaster, m)
}
func (c *Channel) PublishDescriptorEnvelope(ctx context.Context, m messages.DescriptorEnvelope) error {
	return c.publish(ctx, KindDescriptorEnvelope, m)
}

// Subscribe joins kind's topic and dispatches every received message
// (including this node's own, which callers should expect and may
// ignore by peer id) to the matching Dispatcher handler until ctx is
// canceled.
func (c *Channel) Subscribe(ctx context.Context, kind Kind, d Dispatcher) error {
	t, err := c.topic(kind)
	if err != nil {
		return err
	}
	sub, err := t.Subscribe()
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", kind, err)
	}

	go func() {
		for {
			msg, err := sub.Next(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				c.logger.Warn("subscription read failed", "kind", kind, "error", err)
				continue
			}
			c.dispatch(kind, msg.Data, d)
		}
	}()
	return nil
}

func (c *Channel) dispatch(kind Kind, wire []byte, d Dispatcher) {
	switch kind {
	case KindTimePulse:
		var m messages.TimePulse
		if k, err := decodeEnvelope(wire, &m); err == nil && k == kind {
			d.OnTimePulse(m)
		}
	case KindFrameOrder:
		var m messages.FrameOrder
		if k, err := decodeEnvelope(wire, &m); err == nil && k == kind {
			d.OnFrameOrder(m)
		}
	case KindFrameAck:
		var m messages.FrameAck
		if k, err := decodeEnvelope(wire, &m); err == nil && k == kind {
			d.OnFrameAck(m)
		}
	case KindSwitchMode:
		var m messages.SwitchMode
		if k, err := decodeEnvelope(wire, &m); err == nil && k == kind {
			d.OnSwitchMode(m)
		}
	case KindIdBlockRequest:
		var m messages.IdBlockRequest
		if k, err := decodeEnvelope(wire, &m); err == nil && k == kind {
			d.OnIdBlockRequest(m)
		}
	case KindIdBlockResponse:
		var m messages.IdBlockResponse
		if k, err := decodeEnvelope(wire, &m); err == nil && k == kind {
			d.OnIdBlockResponse(m)
		}
	case KindOwnershipUpdate:
		var m messages.OwnershipUpdate
		if k, err := decodeEnvelope(wire, &m); err == nil && k == kind {
			d.OnOwnershipUpdate(m)
		}
	case KindEntityMaster:
		var m messages.EntityMaster
		if k, err := decodeEnvelope(wire, &m); err == nil && k == kind {
			d.OnEntityMaster(m)
		}
	case KindDescriptorEnvelope:
		var m messages.DescriptorEnvelope
		if k, err := decodeEnvelope(wire, &m); err == nil && k == kind {
			d.OnDescriptorEnvelope(m)
		}
	default:
		c.logger.Debug("dropping message of unknown kind", "kind", kind)
	}
}

// Connect dials a bootstrap peer given its multiaddr (host/p2p/<peerid>).
func (c *Channel) Connect(ctx context.Context, peerAddr string) error {
	addr, err := ma.NewMultiaddr(peerAddr)
	if err != nil {
		return err
	}
	info, err := peer.AddrInfoFromP2pAddr(addr)
	if err != nil {
		return err
	}
	return c.host.Connect(ctx, *info)
}
