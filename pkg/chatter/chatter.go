// Package chatter generates heartbeat traffic over a connected node and logs
// what the peers send back. It exists to exercise a live link end to end.
package chatter

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"google.golang.org/protobuf/types/known/structpb"

	"autolink/pkg/codec"
)

const DefaultInterval = 2 * time.Second

// Heartbeat is one generated message.
type Heartbeat struct {
	Node  string `json:"node" cbor:"node"`
	Seq   uint64 `json:"seq" cbor:"seq"`
	Value int    `json:"value" cbor:"value"`
	// SentAt is Unix milliseconds.
	SentAt int64 `json:"sent_at" cbor:"sent_at"`
}

// Sender is the outbound side, normally a connectivity manager.
type Sender interface {
	Send(payload []byte) error
}

type Options struct {
	Node     string
	Interval time.Duration
	Codec    codec.Codec
	Sender   Sender
	Logger   *zap.Logger
	// Now and Rand are replaceable for tests.
	Now  func() time.Time
	Rand func() int
}

// Chatter sends a heartbeat every interval while active.
type Chatter struct {
	opts     Options
	log      *zap.Logger
	seq      atomic.Uint64
	active   atomic.Bool
	sent     atomic.Uint64
	received atomic.Uint64
}

func New(opts Options) *Chatter {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Codec == nil {
		opts.Codec = codec.JSON()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Rand == nil {
		opts.Rand = func() int { return rand.IntN(11) }
	}
	log := opts.Logger
	if log == nil {
		log = zap.L().Named("chatter")
	}
	return &Chatter{opts: opts, log: log.With(zap.String("codec", opts.Codec.Name()))}
}

// SetActive turns sending on or off. It does not block.
func (c *Chatter) SetActive(on bool) {
	if c.active.Swap(on) != on {
		c.log.Debug("chatter active", zap.Bool("active", on))
	}
}

func (c *Chatter) Sent() uint64     { return c.sent.Load() }
func (c *Chatter) Received() uint64 { return c.received.Load() }

// Run ticks until ctx is done.
func (c *Chatter) Run(ctx context.Context) error {
	t := time.NewTicker(c.opts.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if c.active.Load() {
				c.Tick()
			}
		}
	}
}

// Tick sends one heartbeat.
func (c *Chatter) Tick() {
	h := Heartbeat{
		Node:   c.opts.Node,
		Seq:    c.seq.Add(1),
		Value:  c.opts.Rand(),
		SentAt: c.opts.Now().UnixMilli(),
	}
	b, err := c.Encode(h)
	if err != nil {
		c.log.Error("encode heartbeat", zap.Error(err))
		return
	}
	if err := c.opts.Sender.Send(b); err != nil {
		c.log.Debug("heartbeat not sent", zap.Uint64("seq", h.Seq), zap.Error(err))
		return
	}
	c.sent.Add(1)
	c.log.Debug("tx", zap.Uint64("seq", h.Seq), zap.Int("value", h.Value))
}

// Receive decodes and logs an inbound payload. It is suitable as a
// DataReceived handler.
func (c *Chatter) Receive(b []byte) {
	h, err := c.Decode(b)
	if err != nil {
		c.log.Warn("undecodable payload", zap.Int("bytes", len(b)), zap.Error(err))
		return
	}
	c.received.Add(1)
	c.log.Info("rx",
		zap.String("from", h.Node), zap.Uint64("seq", h.Seq), zap.Int("value", h.Value),
		zap.Duration("age", c.opts.Now().Sub(time.UnixMilli(h.SentAt))))
}

func (c *Chatter) Encode(h Heartbeat) ([]byte, error) {
	if c.opts.Codec.Name() != "proto" {
		return c.opts.Codec.Marshal(h)
	}
	s, err := structpb.NewStruct(map[string]any{
		"node":    h.Node,
		"seq":     float64(h.Seq),
		"value":   float64(h.Value),
		"sent_at": float64(h.SentAt),
	})
	if err != nil {
		return nil, err
	}
	return c.opts.Codec.Marshal(s)
}

func (c *Chatter) Decode(b []byte) (Heartbeat, error) {
	var h Heartbeat
	if c.opts.Codec.Name() != "proto" {
		err := c.opts.Codec.Unmarshal(b, &h)
		return h, err
	}
	var s structpb.Struct
	if err := c.opts.Codec.Unmarshal(b, &s); err != nil {
		return h, err
	}
	f := s.GetFields()
	node, ok := f["node"]
	if !ok {
		return h, fmt.Errorf("chatter: heartbeat without node")
	}
	h.Node = node.GetStringValue()
	h.Seq = uint64(f["seq"].GetNumberValue())
	h.Value = int(f["value"].GetNumberValue())
	h.SentAt = int64(f["sent_at"].GetNumberValue())
	return h, nil
}
