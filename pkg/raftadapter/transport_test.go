package raftadapter

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/etcd/raft/v3/raftpb"
)

func TestTransport_SendDeliversProtobufMessage(t *testing.T) {
	received := make(chan raftpb.Message, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, RaftEndpoint, r.URL.Path)
		assert.Equal(t, RaftContentType, r.Header.Get("Content-Type"))
		msg, err := DecodeMessage(r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		received <- msg
	}))
	defer srv.Close()

	tr := NewTransport(map[uint64]string{2: srv.URL})
	sent := raftpb.Message{Type: raftpb.MsgHeartbeat, From: 1, To: 2, Term: 7, Commit: 3}
	require.NoError(t, tr.Send(sent))

	got := <-received
	assert.Equal(t, sent.Type, got.Type)
	assert.Equal(t, sent.Term, got.Term)
	assert.Equal(t, sent.Commit, got.Commit)
}

func TestTransport_UnknownPeer(t *testing.T) {
	tr := NewTransport(map[uint64]string{})
	assert.Error(t, tr.Send(raftpb.Message{To: 9}))

	tr.AddPeer(9, "http://127.0.0.1:1")
	tr.RemovePeer(9)
	assert.Error(t, tr.Send(raftpb.Message{To: 9}))
}

func TestTransport_RetriesThenFails(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "busy", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	tr := NewTransport(map[uint64]string{2: srv.URL})
	assert.Error(t, tr.Send(raftpb.Message{To: 2}))
	assert.Equal(t, int32(maxRetries), calls.Load())
}
