package raftadapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"lsmkv/pkg/config"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/etcd/raft/v3"
	"go.etcd.io/etcd/raft/v3/raftpb"
)

var ErrNodeStopped = errors.New("raft node stopped")

// iStoreAPI is the engine facade committed commands are applied to.
type iStoreAPI interface {
	Write(key, value string) error
	Read(key string) (string, bool, error)
	Delete(key string) error
}

type iTransport interface {
	Send(msg raftpb.Message) error
	AddPeer(id uint64, addr string)
	RemovePeer(id uint64)
	UpdatePeer(id uint64, addr string)
}

// Node replicates write and delete commands and applies the committed ones
// to the local store. Reads never go through the log.
type Node struct {
	ID    uint64
	Peers map[uint64]string

	underlying   raft.Node
	store        iStoreAPI
	jr           *raft.MemoryStorage
	conf         *raftpb.ConfState
	tickInterval time.Duration
	transport    iTransport

	ctx      context.Context
	stop     context.CancelFunc
	stopOnce sync.Once

	proposalsMu sync.RWMutex
	proposals   map[uuid.UUID]chan error
}

func NewNode(cfg *config.RaftConfig, store iStoreAPI) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid raft config: %w", err)
	}

	storage := raft.NewMemoryStorage()
	var (
		confState raftpb.ConfState
		peers     = make(map[uint64]string, len(cfg.Peers))
		raftPeers = make([]raft.Peer, 0, len(cfg.Peers))
	)
	for _, p := range cfg.Peers {
		peers[p.ID] = p.Address
		confState.Voters = append(confState.Voters, p.ID)
		raftPeers = append(raftPeers, raft.Peer{
			ID:      p.ID,
			Context: []byte(p.Address),
		})
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Node{
		ID:           cfg.ID,
		Peers:        peers,
		conf:         &confState,
		underlying:   raft.StartNode(toRaftConfig(cfg, storage), raftPeers),
		store:        store,
		jr:           storage,
		tickInterval: tickInterval(cfg),
		transport:    NewTransport(peers),
		proposals:    make(map[uuid.UUID]chan error),
		ctx:          ctx,
		stop:         cancel,
	}, nil
}

func (n *Node) Run(ctx context.Context) error {
	ticker := time.NewTicker(n.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return n.ctx.Err()
		case <-ctx.Done():
			_ = n.Stop()
			return ctx.Err()
		case <-ticker.C:
			n.underlying.Tick()
		case rd := <-n.underlying.Ready():
			if err := n.handleReady(rd); err != nil {
				return err
			}
		}
	}
}

func (n *Node) handleReady(rd raft.Ready) error {
	if !raft.IsEmptyHardState(rd.HardState) {
		if err := n.jr.SetHardState(rd.HardState); err != nil {
			return fmt.Errorf("set hard state: %w", err)
		}
	}
	if err := n.jr.Append(rd.Entries); err != nil {
		return fmt.Errorf("append entries: %w", err)
	}

	n.sendMessages(rd.Messages)

	for _, ent := range rd.CommittedEntries {
		switch ent.Type {
		case raftpb.EntryNormal:
			if err := n.applyEntry(ent); err != nil {
				slog.Error("critical: failed to apply entry", "index", ent.Index, "error", err)
				return fmt.Errorf("apply entry: %w", err)
			}
		case raftpb.EntryConfChange:
			var cc raftpb.ConfChange
			if err := cc.Unmarshal(ent.Data); err != nil {
				return fmt.Errorf("unmarshal conf change: %w", err)
			}
			n.conf = n.underlying.ApplyConfChange(cc)
			n.updateTransport(cc)
		}
	}

	n.underlying.Advance()
	return nil
}

func (n *Node) updateTransport(cc raftpb.ConfChange) {
	switch cc.Type {
	case raftpb.ConfChangeAddNode:
		// адрес нового пира приходит в Context
		peerAddr := string(cc.Context)
		if peerAddr == "" {
			return
		}
		n.Peers[cc.NodeID] = peerAddr
		n.transport.AddPeer(cc.NodeID, peerAddr)
		slog.Info("added peer", "id", cc.NodeID, "addr", peerAddr)

	case raftpb.ConfChangeRemoveNode:
		delete(n.Peers, cc.NodeID)
		n.transport.RemovePeer(cc.NodeID)
		slog.Info("removed peer", "id", cc.NodeID)

	case raftpb.ConfChangeUpdateNode:
		peerAddr := string(cc.Context)
		n.Peers[cc.NodeID] = peerAddr
		n.transport.UpdatePeer(cc.NodeID, peerAddr)
		slog.Info("updated peer", "id", cc.NodeID, "addr", peerAddr)
	}
}

func (n *Node) sendMessages(msgs []raftpb.Message) {
	for _, msg := range msgs {
		if msg.To == n.ID {
			continue
		}

		go func(m raftpb.Message) {
			if err := n.transport.Send(m); err != nil {
				n.underlying.ReportUnreachable(m.To)
				slog.Error("failed to send raft message",
					"from", m.From,
					"to", m.To,
					"type", m.Type,
					"error", err)
			}
		}(msg)
	}
}

// applyEntry hands a committed command to the store. A store failure is
// reported to the proposer, not treated as fatal for the log.
func (n *Node) applyEntry(ent raftpb.Entry) error {
	if len(ent.Data) == 0 {
		return nil
	}

	var cmd Cmd
	if err := json.Unmarshal(ent.Data, &cmd); err != nil {
		return fmt.Errorf("unmarshal command: %w", err)
	}

	var err error
	switch cmd.Op {
	case InsertOp:
		err = n.store.Write(cmd.Key, cmd.Value)
	case DeleteOp:
		err = n.store.Delete(cmd.Key)
	default:
		err = fmt.Errorf("unknown command operation: %v", cmd.Op)
	}
	if err != nil {
		slog.Error("failed to apply command", "op", cmd.Op, "key", cmd.Key, "cmd_id", cmd.ID, "error", err)
	}

	n.notifyProposalResult(cmd.ID, err)
	return nil
}

func (n *Node) IsLeader() bool {
	return n.underlying.Status().Lead == n.ID
}

func (n *Node) LeaderID() uint64 {
	return n.underlying.Status().Lead
}

func (n *Node) LeaderAddr() string {
	return n.Peers[n.LeaderID()]
}

func (n *Node) notifyProposalResult(cmdID uuid.UUID, result error) {
	n.proposalsMu.RLock()
	resultChan, ok := n.proposals[cmdID]
	n.proposalsMu.RUnlock()

	if !ok {
		// follower или Execute уже завершился по таймауту
		slog.Debug("proposal result channel not found (ignored)", "cmd_id", cmdID, "is_leader", n.IsLeader())
		return
	}

	select {
	case resultChan <- result:
	default:
		slog.Debug("proposal result channel is full (ignored)", "cmd_id", cmdID)
	}
}

// Execute proposes cmd and waits until it is committed and applied locally.
func (n *Node) Execute(ctx context.Context, cmd Cmd) error {
	if err := cmd.validate(); err != nil {
		return err
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("marshal command: %w", err)
	}

	resultChan := make(chan error, 1)
	n.proposalsMu.Lock()
	n.proposals[cmd.ID] = resultChan
	n.proposalsMu.Unlock()

	defer func() {
		n.proposalsMu.Lock()
		delete(n.proposals, cmd.ID)
		n.proposalsMu.Unlock()
	}()

	if err := n.underlying.Propose(ctx, data); err != nil {
		return fmt.Errorf("propose: %w", err)
	}

	select {
	case err := <-resultChan:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-n.ctx.Done():
		return ErrNodeStopped
	}
}

// Handle обрабатывает входящие Raft-сообщения от других нод
func (n *Node) Handle(ctx context.Context, msg raftpb.Message) error {
	return n.underlying.Step(ctx, msg)
}

func (n *Node) Stop() error {
	n.stopOnce.Do(func() {
		slog.Info("stopping raft node", "id", n.ID)
		n.stop()
		n.underlying.Stop()

		n.proposalsMu.Lock()
		for id, resultChan := range n.proposals {
			select {
			case resultChan <- ErrNodeStopped:
			default:
			}
			delete(n.proposals, id)
		}
		n.proposalsMu.Unlock()

		slog.Info("raft node stopped", "id", n.ID)
	})
	return nil
}
