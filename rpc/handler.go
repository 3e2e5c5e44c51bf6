package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/tolelom/keychain/builder"
	"github.com/tolelom/keychain/keychain"
	"github.com/tolelom/keychain/membership"
	"github.com/tolelom/keychain/pgp"
	"github.com/tolelom/keychain/pow"
)

// BlockBroadcaster is the subset of package network a Handler needs, to
// gossip a keyblock or membership the moment it is accepted.
type BlockBroadcaster interface {
	BroadcastKeyblock(b *keychain.Keyblock)
	BroadcastMembership(m *membership.Membership)
}

// Handler holds all dependencies needed to serve RPC methods (spec.md §6
// "exposed" list).
type Handler struct {
	chain   *keychain.Chain
	pool    *membership.Pool
	build   *builder.Builder
	engine  *pow.Engine
	signer  *pgp.Signer
	powCfg  keychain.PowConfig
	network BlockBroadcaster

	mu        sync.Mutex
	genDone   chan struct{}
	generating bool
}

// NewHandler creates an RPC Handler. network may be nil (no gossip).
func NewHandler(chain *keychain.Chain, pool *membership.Pool, b *builder.Builder, engine *pow.Engine, signer *pgp.Signer, powCfg keychain.PowConfig, network BlockBroadcaster) *Handler {
	return &Handler{chain: chain, pool: pool, build: b, engine: engine, signer: signer, powCfg: powCfg, network: network}
}

// Dispatch routes an RPC request to the correct method.
func (h *Handler) Dispatch(req Request) Response {
	switch req.Method {
	case "submitKeyBlock":
		return h.submitKeyBlock(req)
	case "submitMembership":
		return h.submitMembership(req)
	case "current":
		return h.current(req)
	case "promoted":
		return h.promoted(req)
	case "generateNext":
		return h.generate(req, h.build.GenerateNext)
	case "generateEmptyNext":
		return h.generate(req, h.build.GenerateEmptyNext)
	case "generateNewcomers":
		return h.generate(req, h.build.GenerateNewcomersAuto)
	case "generateNewcomersAuto":
		return h.generate(req, h.build.GenerateNewcomersAuto)
	case "prove":
		return h.prove(req)
	case "startGeneration":
		return h.startGeneration(req)
	case "stopGeneration":
		return h.stopGeneration(req)
	case "getMember":
		return h.getMember(req)
	case "getLinks":
		return h.getLinks(req)
	case "getPendingMemberships":
		return h.getPendingMemberships(req)
	default:
		return errResponse(req.ID, CodeMethodNotFound, fmt.Sprintf("method %q not found", req.Method))
	}
}

func (h *Handler) submitKeyBlock(req Request) Response {
	var b keychain.Keyblock
	if err := json.Unmarshal(req.Params, &b); err != nil {
		return errResponse(req.ID, CodeInvalidParams, err.Error())
	}
	applied, err := h.chain.SubmitKeyBlock(&b)
	if err != nil {
		return errResponse(req.ID, CodeInternalError, err.Error())
	}
	if h.network != nil {
		h.network.BroadcastKeyblock(applied)
	}
	return okResponse(req.ID, applied)
}

func (h *Handler) submitMembership(req Request) Response {
	var m membership.Membership
	if err := json.Unmarshal(req.Params, &m); err != nil {
		return errResponse(req.ID, CodeInvalidParams, err.Error())
	}
	if err := h.pool.Add(&m); err != nil {
		return errResponse(req.ID, CodeInternalError, err.Error())
	}
	if h.network != nil {
		h.network.BroadcastMembership(&m)
	}
	return okResponse(req.ID, map[string]string{"issuer": m.Issuer, "hash": m.Hash})
}

func (h *Handler) current(req Request) Response {
	b, ok := h.chain.Current()
	if !ok {
		return okResponse(req.ID, nil)
	}
	return okResponse(req.ID, b)
}

func (h *Handler) promoted(req Request) Response {
	var params struct {
		Number int `json:"number"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errResponse(req.ID, CodeInvalidParams, err.Error())
	}
	b, ok := h.chain.Promoted(params.Number)
	if !ok {
		return errResponse(req.ID, CodeInternalError, fmt.Sprintf("no block at height %d", params.Number))
	}
	return okResponse(req.ID, b)
}

func (h *Handler) generate(req Request, gen func() (*keychain.Keyblock, error)) Response {
	blk, err := gen()
	if err != nil {
		return errResponse(req.ID, CodeInternalError, err.Error())
	}
	return okResponse(req.ID, blk)
}

// prove runs proof-of-work on a caller-supplied candidate block once,
// synchronously, returning the mined block. The candidate's Issuer is set
// to the fingerprint of the signer configured on the Handler, which does
// the signing.
func (h *Handler) prove(req Request) Response {
	var params struct {
		Block *keychain.Keyblock `json:"block"`
		Zeros int                `json:"zeros"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errResponse(req.ID, CodeInvalidParams, err.Error())
	}
	if params.Block == nil {
		return errResponse(req.ID, CodeInvalidParams, "block is required")
	}
	params.Block.Issuer = h.signer.Fingerprint()

	zeros := params.Zeros
	if zeros == 0 {
		lastOwn, _ := h.chain.Validator().Blocks.LastOfIssuer(h.signer.Fingerprint())
		zeros = keychain.ExpectedZeros(h.powCfg, lastOwn, len(h.chain.Validator().Members.Members()), params.Block.Number)
	}

	found, err := h.engine.Search(context.Background(), params.Block, h.signer, zeros)
	if err != nil {
		return errResponse(req.ID, CodeInternalError, err.Error())
	}
	return okResponse(req.ID, found)
}

// startGeneration launches a continuous build-mine-submit-broadcast loop in
// the background (spec.md §5's mint loop), returning immediately. A second
// call while one is already running is a no-op.
func (h *Handler) startGeneration(req Request) Response {
	h.mu.Lock()
	if h.generating {
		h.mu.Unlock()
		return okResponse(req.ID, map[string]bool{"started": false})
	}
	h.generating = true
	h.genDone = make(chan struct{})
	done := h.genDone
	h.mu.Unlock()

	go pow.Run(h.engine, done, h.buildCandidate, h.onMined)
	return okResponse(req.ID, map[string]bool{"started": true})
}

func (h *Handler) stopGeneration(req Request) Response {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.generating {
		return okResponse(req.ID, map[string]bool{"stopped": false})
	}
	close(h.genDone)
	h.generating = false
	return okResponse(req.ID, map[string]bool{"stopped": true})
}

func (h *Handler) buildCandidate() (*keychain.Keyblock, *pgp.Signer, int, error) {
	blk, err := h.build.GenerateNext()
	if err != nil {
		return nil, nil, 0, err
	}
	blk.Issuer = h.signer.Fingerprint()
	lastOwn, _ := h.chain.Validator().Blocks.LastOfIssuer(h.signer.Fingerprint())
	zeros := keychain.ExpectedZeros(h.powCfg, lastOwn, len(h.chain.Validator().Members.Members()), blk.Number)
	return blk, h.signer, zeros, nil
}

func (h *Handler) onMined(b *keychain.Keyblock) {
	if _, err := h.chain.SubmitKeyBlock(b); err != nil {
		return
	}
	if h.network != nil {
		h.network.BroadcastKeyblock(b)
	}
}

func (h *Handler) getMember(req Request) Response {
	var params struct {
		Fingerprint string `json:"fingerprint"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errResponse(req.ID, CodeInvalidParams, err.Error())
	}
	row, ok := h.chain.Validator().Members.GetRow(params.Fingerprint)
	if !ok {
		return errResponse(req.ID, CodeInternalError, "not found")
	}
	return okResponse(req.ID, row)
}

func (h *Handler) getLinks(req Request) Response {
	var params struct {
		Target string `json:"target"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errResponse(req.ID, CodeInvalidParams, err.Error())
	}
	return okResponse(req.ID, h.chain.Validator().Links.CurrentValidLinks(params.Target))
}

func (h *Handler) getPendingMemberships(req Request) Response {
	var params struct {
		Eligible bool `json:"eligible"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errResponse(req.ID, CodeInvalidParams, err.Error())
	}
	return okResponse(req.ID, h.pool.Find(params.Eligible))
}
