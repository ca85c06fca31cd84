package testutil

import (
	"context"
	"fmt"
	"sync"

	"github.com/roach88/casesync/internal/gateway"
	"github.com/roach88/casesync/internal/mutation"
)

// GatewayMode selects how a ScriptedGateway answers submissions.
type GatewayMode int

const (
	// ModeOnline accepts every submission.
	ModeOnline GatewayMode = iota
	// ModeOffline fails every submission with a retryable error.
	ModeOffline
	// ModeReject fails every submission permanently.
	ModeReject
	// ModeBackpressure answers every submission with a rate limit.
	ModeBackpressure
	// ModeHang blocks until the caller's context is done.
	ModeHang
)

// ParseGatewayMode parses a mode name as written in scenario files.
func ParseGatewayMode(s string) (GatewayMode, error) {
	switch s {
	case "online":
		return ModeOnline, nil
	case "offline":
		return ModeOffline, nil
	case "reject":
		return ModeReject, nil
	case "backpressure":
		return ModeBackpressure, nil
	case "hang":
		return ModeHang, nil
	default:
		return 0, fmt.Errorf("unknown gateway mode %q", s)
	}
}

var remotePrefix = map[mutation.EntityType]string{
	mutation.EntityReport:     "R",
	mutation.EntityRespondent: "P",
	mutation.EntityEvidence:   "E",
	mutation.EntityHearing:    "H",
	mutation.EntityForm:       "F",
}

// ScriptedGateway is an in-memory remote store for tests.
//
// Creates are assigned ids "<prefix>-<n>" with n counting from 100 per entity
// type, so the first Report becomes "R-100". A create repeated with an
// idempotency key the gateway has already accepted returns the same id, the
// way a real remote deduplicates retries.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type ScriptedGateway struct {
	mu        sync.Mutex
	mode      GatewayMode
	queued    []gateway.Result
	next      map[mutation.EntityType]int
	byKey     map[string]string
	submitted []gateway.Request
	applied   int
	hanging   chan struct{}
}

// NewScriptedGateway creates an online gateway.
func NewScriptedGateway() *ScriptedGateway {
	return &ScriptedGateway{
		next:    make(map[mutation.EntityType]int),
		byKey:   make(map[string]string),
		hanging: make(chan struct{}, 16),
	}
}

// SetMode changes how subsequent submissions are answered.
func (g *ScriptedGateway) SetMode(m GatewayMode) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.mode = m
}

// Enqueue scripts the next len(results) answers ahead of the mode.
// A queued StatusSuccess answer without a RemoteID is filled in as in
// ModeOnline.
func (g *ScriptedGateway) Enqueue(results ...gateway.Result) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.queued = append(g.queued, results...)
}

// Submit implements gateway.Gateway.
func (g *ScriptedGateway) Submit(ctx context.Context, req gateway.Request) gateway.Result {
	g.mu.Lock()
	g.submitted = append(g.submitted, req)

	if len(g.queued) > 0 {
		res := g.queued[0]
		g.queued = g.queued[1:]
		if res.Status == gateway.StatusSuccess {
			if res.RemoteID == "" {
				res = g.acceptLocked(req)
			} else {
				g.applied++
			}
		}
		g.mu.Unlock()
		return res
	}

	if g.mode == ModeHang {
		g.mu.Unlock()
		select {
		case g.hanging <- struct{}{}:
		default:
		}
		<-ctx.Done()
		return gateway.Retryable(ctx.Err().Error())
	}

	defer g.mu.Unlock()
	switch g.mode {
	case ModeOffline:
		return gateway.Retryable("offline")
	case ModeReject:
		return gateway.Permanent("rejected")
	case ModeBackpressure:
		return gateway.Backpressure("rate limited", 0)
	default:
		return g.acceptLocked(req)
	}
}

func (g *ScriptedGateway) acceptLocked(req gateway.Request) gateway.Result {
	g.applied++
	if req.Action != mutation.ActionCreate {
		return gateway.Success(req.RemoteID)
	}
	if id, ok := g.byKey[req.IdempotencyKey]; ok && req.IdempotencyKey != "" {
		return gateway.Success(id)
	}
	n := 100 + g.next[req.EntityType]
	g.next[req.EntityType]++
	id := fmt.Sprintf("%s-%d", remotePrefix[req.EntityType], n)
	if req.IdempotencyKey != "" {
		g.byKey[req.IdempotencyKey] = id
	}
	return gateway.Success(id)
}

// Hanging receives a value each time a submission starts blocking in
// ModeHang.
func (g *ScriptedGateway) Hanging() <-chan struct{} {
	return g.hanging
}

// Submitted returns a copy of every request received, in order.
func (g *ScriptedGateway) Submitted() []gateway.Request {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]gateway.Request, len(g.submitted))
	copy(out, g.submitted)
	return out
}

// Applied returns the number of submissions the gateway accepted.
func (g *ScriptedGateway) Applied() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.applied
}

// Created returns the number of distinct remote entities created.
func (g *ScriptedGateway) Created() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, c := range g.next {
		n += c
	}
	return n
}
