package peer

import (
	"context"
	"fmt"
	"time"

	"github.com/arheim/signalmesh/pkg/nat"
	"github.com/arheim/signalmesh/pkg/wire"
)

// rendezvousTimeout bounds how long FetchPeers waits for the signal
// server's GET response before giving up.
const rendezvousTimeout = 3 * time.Second

// Register publishes this agent's contact frame to the signal server.
func (a *Agent) Register() error {
	frame, err := EncodeContactFrame(a.info)
	if err != nil {
		return fmt.Errorf("peer: encode contact frame: %w", err)
	}
	buf, err := wire.EncodeAdd(frame)
	if err != nil {
		return fmt.Errorf("peer: encode ADD: %w", err)
	}
	a.enqueue(buf, a.signalAddr)
	a.log.Debug("registered with signal server")
	return nil
}

// FetchPeers requests the current set of contact frames from the signal
// server and returns every peer other than this agent.
func (a *Agent) FetchPeers(ctx context.Context) ([]nat.PeerInfo, error) {
	a.enqueue(wire.EncodeGet(), a.signalAddr)

	deadline := time.Now().Add(rendezvousTimeout)
	var peers []nat.PeerInfo

	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, fmt.Errorf("peer: timed out waiting for signal server GET response")
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case datagram := <-a.rendezvousCh:
			if wire.IsTerminator(datagram) {
				return peers, nil
			}
			frames, err := wire.DecodeFrames(datagram)
			if err != nil {
				a.log.WithError(err).Warn("peer: dropped malformed GET response datagram")
				continue
			}
			for _, frame := range frames {
				info, err := DecodeContactFrame(frame)
				if err != nil {
					a.log.WithError(err).Warn("peer: dropped malformed contact frame")
					continue
				}
				if info.Nickname == a.info.Nickname {
					continue
				}
				peers = append(peers, info)
			}
		case <-time.After(remaining):
			return nil, fmt.Errorf("peer: timed out waiting for signal server GET response")
		}
	}
}

// RunRendezvousLoop periodically re-registers with the signal server and
// fetches the current peer set, dispatching hole-punching (via
// RegisterPeer) to any newly learned peer. It blocks until ctx is
// canceled.
func (a *Agent) RunRendezvousLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	a.rendezvousTick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.rendezvousTick(ctx)
		}
	}
}

func (a *Agent) rendezvousTick(ctx context.Context) {
	if err := a.Register(); err != nil {
		a.log.WithError(err).Warn("peer: registration failed")
		return
	}

	peers, err := a.FetchPeers(ctx)
	if err != nil {
		a.log.WithError(err).Warn("peer: fetching peer list failed")
		return
	}

	known := a.ActivePeers()
	for _, p := range peers {
		if _, active := known[p.Nickname]; active {
			continue
		}
		a.log.WithField("peer", p.Nickname).Info("learned new peer, punching")
		a.RegisterPeer(p)
	}
}
