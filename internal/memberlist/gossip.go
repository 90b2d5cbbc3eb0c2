package memberlist

import (
	"context"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/hashicorp/memberlist"
	"github.com/rs/zerolog/log"

	"github.com/peaceful-james/process-hub/internal/models"
)

type Config struct {
	NodeName            string        `envconfig:"HUB_NODE_ID"`
	Port                int           `envconfig:"GOSSIP_PORT"`
	GossipProbeInterval time.Duration `envconfig:"GOSSIP_PROBE_INTERVAL"`
	GossipProbeTimeout  time.Duration `envconfig:"GOSSIP_PROBE_TIMEOUT"`
	SeedNodes           []string      `envconfig:"-"`
}

// MessageHandler receives every raw inbound node-to-node payload. It must not
// block: memberlist delivers NotifyMsg from its packet loop.
type MessageHandler func(payload []byte)

type MemberList struct {
	list      *memberlist.Memberlist
	self      models.NodeID
	seedNodes []string
	inbound   MessageHandler
}

// delegate wires the reliable message channel. Only NotifyMsg matters here:
// the registry state rides our own sync protocol, not memberlist push/pull.
type delegate struct {
	ml *MemberList
}

func (d *delegate) NodeMeta(limit int) []byte { return nil }

func (d *delegate) NotifyMsg(buf []byte) {
	if d.ml.inbound == nil || len(buf) == 0 {
		return
	}
	// NotifyMsg must not retain buf
	cp := make([]byte, len(buf))
	copy(cp, buf)
	d.ml.inbound(cp)
}

func (d *delegate) GetBroadcasts(overhead, limit int) [][]byte { return nil }

func (d *delegate) LocalState(join bool) []byte { return nil }

func (d *delegate) MergeRemoteState(buf []byte, join bool) {}

func New(ctx context.Context, cfg Config, notify chan models.MemberShipEvent, inbound MessageHandler) (*MemberList, error) {
	const eventBufSize = 256

	ml := &MemberList{
		self:      models.NodeID(cfg.NodeName),
		seedNodes: cfg.SeedNodes,
		inbound:   inbound,
	}

	events := make(chan memberlist.NodeEvent, eventBufSize)
	config := memberlist.DefaultLocalConfig()
	config.Name = cfg.NodeName
	config.BindPort = cfg.Port
	config.AdvertisePort = cfg.Port
	config.LogOutput = io.Discard
	config.ProbeInterval = cfg.GossipProbeInterval
	config.ProbeTimeout = cfg.GossipProbeTimeout
	config.Delegate = &delegate{ml: ml}
	config.Events = &memberlist.ChannelEventDelegate{
		Ch: events,
	}

	list, err := memberlist.Create(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create memberlist: %w", err)
	}
	ml.list = list

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case mlEvent, opened := <-events:
				if !opened {
					return
				}
				log.Debug().Msgf(
					"got event from node %s: type=%d, node.status=%d",
					mlEvent.Node.Name,
					mlEvent.Event,
					mlEvent.Node.State,
				)
				eventType := models.MemberShipUnknown
				switch mlEvent.Event {
				case memberlist.NodeJoin:
					eventType = models.MemberShipNew
				case memberlist.NodeLeave:
					switch mlEvent.Node.State {
					case memberlist.StateLeft:
						eventType = models.MemberShipUpdating
					case memberlist.StateDead:
						eventType = models.MemberShipDead
					case memberlist.StateSuspect:
						eventType = models.MemberShipSuspect
					case memberlist.StateAlive:
						eventType = models.MemberShipDead
					}
				case memberlist.NodeUpdate:
					if mlEvent.Node.State == memberlist.StateSuspect {
						eventType = models.MemberShipSuspect
					}
				}
				if eventType == models.MemberShipUnknown {
					log.Warn().Msgf(
						"got unknown event from node %s: type=%d, node.status=%d",
						mlEvent.Node.Name,
						mlEvent.Event,
						mlEvent.Node.State,
					)
					continue
				}
				if models.NodeID(mlEvent.Node.Name) == ml.self {
					continue
				}
				event := models.MemberShipEvent{
					Type: eventType,
					From: models.NodeID(mlEvent.Node.Name),
				}
				select {
				case notify <- event:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return ml, nil
}

func (l *MemberList) Self() models.NodeID {
	return l.self
}

// Nodes returns a sorted snapshot of the current membership. Consumers must
// tolerate the view changing between reads.
func (l *MemberList) Nodes(includeSelf bool) []models.NodeID {
	members := l.list.Members()
	nodes := make([]models.NodeID, 0, len(members))
	for _, member := range members {
		id := models.NodeID(member.Name)
		if !includeSelf && id == l.self {
			continue
		}
		nodes = append(nodes, id)
	}
	sort.Slice(nodes, func(i, j int) bool {
		return nodes[i] < nodes[j]
	})
	return nodes
}

// SendTo ships a payload over the reliable TCP channel to one member.
func (l *MemberList) SendTo(node models.NodeID, payload []byte) error {
	for _, member := range l.list.Members() {
		if models.NodeID(member.Name) != node {
			continue
		}
		err := l.list.SendReliable(member, payload)
		if err != nil {
			return fmt.Errorf("failed to send %d bytes to %s: %w", len(payload), node, err)
		}
		return nil
	}
	return fmt.Errorf("%w: %s", models.ErrNotInCluster, node)
}

func (l *MemberList) Join(ctx context.Context) error {
	_, err := l.list.Join(l.seedNodes)
	if err != nil {
		return fmt.Errorf("failed to join memberlist: %w", err)
	}
	return nil
}

func (l *MemberList) GracefulLeave(timeout time.Duration) error {
	log.Warn().Msg("start graceful leaving from gossip cluster")

	return l.list.Leave(timeout)
}

func (l *MemberList) Close() error {
	log.Warn().Msg("force leave gossip cluster")

	return l.list.Shutdown()
}
