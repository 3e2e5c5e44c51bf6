package network

import (
	"encoding/json"
	"errors"
	"log"

	"github.com/tolelom/keychain/keychain"
)

// GetBlocksRequest asks a peer for keyblocks starting at FromNumber.
type GetBlocksRequest struct {
	FromNumber int `json:"from_number"`
	Limit      int `json:"limit"`
}

// BlocksResponse carries a batch of keyblocks.
type BlocksResponse struct {
	Blocks []*keychain.Keyblock `json:"blocks"`
}

// Syncer handles keyblock synchronisation between nodes. Chain.SubmitKeyBlock
// already validates and applies a block in one serialized call, so unlike a balance-ledger chain
// there is no separate execute/snapshot/commit dance here.
type Syncer struct {
	node  *Node
	chain *keychain.Chain
}

// NewSyncer creates a Syncer that requests missing keyblocks from peers and
// submits received ones to chain.
func NewSyncer(node *Node, chain *keychain.Chain) *Syncer {
	s := &Syncer{node: node, chain: chain}
	node.Handle(MsgGetBlocks, s.handleGetBlocks)
	node.Handle(MsgBlocks, s.handleBlocks)
	return s
}

// RequestBlocks asks peer for keyblocks starting at fromNumber.
func (s *Syncer) RequestBlocks(peer *Peer, fromNumber int) error {
	req, err := json.Marshal(GetBlocksRequest{FromNumber: fromNumber, Limit: 50})
	if err != nil {
		return err
	}
	return peer.Send(Message{Type: MsgGetBlocks, Payload: req})
}

func (s *Syncer) handleGetBlocks(peer *Peer, msg Message) {
	var req GetBlocksRequest
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		return
	}
	if req.Limit <= 0 || req.Limit > 200 {
		req.Limit = 50
	}
	blocks := make([]*keychain.Keyblock, 0, req.Limit)
	for n := req.FromNumber; n < req.FromNumber+req.Limit; n++ {
		b, ok := s.chain.Promoted(n)
		if !ok {
			break
		}
		blocks = append(blocks, b)
	}
	data, err := json.Marshal(BlocksResponse{Blocks: blocks})
	if err != nil {
		return
	}
	_ = peer.Send(Message{Type: MsgBlocks, Payload: data})
}

func (s *Syncer) handleBlocks(_ *Peer, msg Message) {
	var resp BlocksResponse
	if err := json.Unmarshal(msg.Payload, &resp); err != nil {
		return
	}
	for _, b := range resp.Blocks {
		if _, err := s.chain.SubmitKeyBlock(b); err != nil {
			if errors.Is(err, keychain.ErrAlreadySeen) {
				continue
			}
			log.Printf("[sync] block %d rejected: %v", b.Number, err)
			continue
		}
	}
}
