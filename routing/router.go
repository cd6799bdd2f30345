// Copyright 2025 Signal Messenger, LLC
// SPDX-License-Identifier: AGPL-3.0-only

// Package routing delivers encrypted events between modules: outputs of a
// local module go either straight to another local module or to the relay
// hosting the destination, and events arriving from other relays are handed
// to the destination module.
package routing

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"strconv"
	"time"

	metrics "github.com/hashicorp/go-metrics"

	"github.com/authentic-execution/eventmanager/invoke"
	"github.com/authentic-execution/eventmanager/logger"
	"github.com/authentic-execution/eventmanager/registry"
	"github.com/authentic-execution/eventmanager/wire"
)

var (
	deliveryCounter = []string{"routing", "delivery"}
	deliveryLatency = []string{"routing", "deliveryLatency"}
	inputCounter    = []string{"routing", "input"}
)

// Sender forwards an event to the relay at dest
type Sender interface {
	Forward(ctx context.Context, dest netip.AddrPort, p wire.RemoteOutputPayload) error
}

// Delivery describes the outcome of routing one event. It carries no event
// contents.
type Delivery struct {
	Time     time.Time      `json:"time"`
	ConnID   uint16         `json:"connId"`
	ModuleID uint16         `json:"moduleId"`
	Local    bool           `json:"local"`
	Inbound  bool           `json:"inbound"`
	Dest     netip.AddrPort `json:"dest"`
	Size     int            `json:"size"`
	Err      error          `json:"-"`
	Result   string         `json:"result"`
}

// Observer is notified of every delivery. Observe must not block.
type Observer interface {
	Observe(d Delivery)
}

type Router struct {
	conns    *registry.Connections
	invoker  *invoke.Invoker
	sender   Sender
	observer Observer
}

// New returns a Router. observer may be nil.
func New(conns *registry.Connections, invoker *invoke.Invoker, sender Sender, observer Observer) *Router {
	return &Router{conns: conns, invoker: invoker, sender: sender, observer: observer}
}

// RouteOutputs delivers each output in order. A failed delivery never stops
// the remaining ones; the outcome of each is returned.
func (r *Router) RouteOutputs(ctx context.Context, outputs []invoke.Output) []Delivery {
	deliveries := make([]Delivery, len(outputs))
	for i, out := range outputs {
		deliveries[i] = r.Route(ctx, out)
	}
	return deliveries
}

// Route delivers one output to the destination of its connection
func (r *Router) Route(ctx context.Context, out invoke.Output) Delivery {
	start := time.Now()
	d := Delivery{Time: start, ConnID: out.ConnID, Size: len(out.Ciphertext)}
	conn, ok := r.conns.Get(out.ConnID)
	if !ok {
		d.Err = fmt.Errorf("%w: no connection %d", wire.BadRequest, out.ConnID)
	} else {
		d.ModuleID, d.Local = conn.ModuleID, conn.Local
		if conn.Local {
			d.Err = r.invoker.HandleInput(ctx, conn.ModuleID, conn.ID, out.Ciphertext, out.Tag)
		} else {
			d.Dest = conn.Dest
			d.Err = r.sender.Forward(ctx, conn.Dest, wire.RemoteOutputPayload{
				ModuleID:   conn.ModuleID,
				ConnID:     conn.ID,
				Ciphertext: out.Ciphertext,
				Tag:        out.Tag,
			})
		}
	}
	metrics.MeasureSinceWithLabels(deliveryLatency, start, []metrics.Label{{Name: "local", Value: strconv.FormatBool(d.Local)}})
	r.finish(&d, deliveryCounter)
	if d.Err != nil {
		logger.Warnw("failed to deliver event",
			"conn", d.ConnID,
			"module", d.ModuleID,
			"local", d.Local,
			"dest", d.Dest,
			"err", d.Err)
	}
	return d
}

// Input hands an event that arrived from another relay to moduleID
func (r *Router) Input(ctx context.Context, moduleID, connID uint16, ciphertext []byte, tag [wire.TagSize]byte) error {
	d := Delivery{
		Time:     time.Now(),
		ConnID:   connID,
		ModuleID: moduleID,
		Local:    true,
		Inbound:  true,
		Size:     len(ciphertext),
	}
	d.Err = r.invoker.HandleInput(ctx, moduleID, connID, ciphertext, tag)
	r.finish(&d, inputCounter)
	return d.Err
}

func (r *Router) finish(d *Delivery, counter []string) {
	var remote *RemoteError
	switch code := wire.CodeOf(d.Err); {
	case errors.As(d.Err, &remote):
		d.Result = "Remote" + remote.Code.String()
	case code == wire.GenericError:
		// the remote relay could not be reached
		d.Result = "Unreachable"
	default:
		d.Result = code.String()
	}
	metrics.IncrCounterWithLabels(counter, 1, []metrics.Label{
		{Name: "local", Value: strconv.FormatBool(d.Local)},
		{Name: "result", Value: d.Result},
	})
	if r.observer != nil {
		r.observer.Observe(*d)
	}
}
