package raftadapter

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"go.etcd.io/etcd/raft/v3/raftpb"
)

const (
	// RaftEndpoint is where peers accept raft messages.
	RaftEndpoint = "/api/internal/raft"
	// RaftContentType marks a protobuf-encoded raftpb.Message body.
	RaftContentType = "application/x-protobuf"

	transportTimeout = 3 * time.Second
	maxRetries       = 3
	retryDelay       = 100 * time.Millisecond
)

// Transport sends raft messages to peers over HTTP.
type Transport struct {
	peersMu    sync.RWMutex
	peers      map[uint64]string
	httpClient *http.Client
}

func NewTransport(peers map[uint64]string) *Transport {
	own := make(map[uint64]string, len(peers))
	for id, addr := range peers {
		own[id] = addr
	}
	return &Transport{
		peers: own,
		httpClient: &http.Client{
			Timeout: transportTimeout,
		},
	}
}

func (t *Transport) AddPeer(nodeID uint64, addr string) {
	t.peersMu.Lock()
	defer t.peersMu.Unlock()
	t.peers[nodeID] = addr
}

func (t *Transport) RemovePeer(nodeID uint64) {
	t.peersMu.Lock()
	defer t.peersMu.Unlock()
	delete(t.peers, nodeID)
}

func (t *Transport) UpdatePeer(nodeID uint64, addr string) {
	t.AddPeer(nodeID, addr)
}

func (t *Transport) Send(msg raftpb.Message) error {
	t.peersMu.RLock()
	targetAddr, ok := t.peers[msg.To]
	t.peersMu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown peer node: %d", msg.To)
	}

	body, err := msg.Marshal()
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	url := targetAddr + RaftEndpoint
	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		if lastErr = t.post(url, body); lastErr == nil {
			return nil
		}
		slog.Warn("failed to send raft message, retrying",
			"attempt", attempt,
			"to", msg.To,
			"type", msg.Type,
			"error", lastErr)
		time.Sleep(retryDelay * time.Duration(attempt))
	}

	return fmt.Errorf("failed to send after %d retries: %w", maxRetries, lastErr)
}

func (t *Transport) post(url string, body []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), transportTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", RaftContentType)

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(msg))
	}
	_, _ = io.Copy(io.Discard, resp.Body)

	return nil
}

// DecodeMessage reads a protobuf-encoded raft message as sent by Transport.
func DecodeMessage(r io.Reader) (raftpb.Message, error) {
	var msg raftpb.Message
	data, err := io.ReadAll(r)
	if err != nil {
		return msg, fmt.Errorf("read message: %w", err)
	}
	if err := msg.Unmarshal(data); err != nil {
		return msg, fmt.Errorf("unmarshal message: %w", err)
	}
	return msg, nil
}
