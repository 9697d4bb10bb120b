//
// Tencent is pleased to support the open source community by making trpc-graph-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-graph-go is licensed under the Apache License Version 2.0.
//
//

// Package channel provides a channel implementation for the graph.
package channel

import (
	"errors"
	"fmt"
	"sync"
)

// Behavior represents the type of channel behavior.
type Behavior int

const (
	// BehaviorLastValue stores only the last value sent to the channel.
	// At most one write is accepted per superstep.
	BehaviorLastValue Behavior = iota
	// BehaviorTopic accumulates multiple values (pub/sub).
	BehaviorTopic
	// BehaviorEphemeral stores values temporarily for one step.
	BehaviorEphemeral
	// BehaviorBarrier waits for multiple inputs before proceeding.
	BehaviorBarrier
	// BehaviorAggregate folds every written value into the current value
	// with a binary reducer.
	BehaviorAggregate
)

// ErrInvalidUpdate reports a write that violates the channel's behavior,
// such as two writers updating a last-value channel in the same superstep.
var ErrInvalidUpdate = errors.New("invalid channel update")

// Reducer folds an update into the current value of an aggregate channel.
type Reducer func(current, update any) any

// VersionFn produces the next channel version from the previous one.
// The default generator increments by one.
type VersionFn func(prev int64) int64

func defaultVersionFn(prev int64) int64 { return prev + 1 }

// Channel represents a communication channel between nodes in Pregel-style execution.
type Channel struct {
	mu       sync.RWMutex
	Name     string
	Behavior Behavior
	Value    any
	Values   []any
	// BarrierSet records the contributors seen by a barrier channel.
	BarrierSet map[string]bool
	// BarrierExpected lists the contributors a barrier channel waits for.
	BarrierExpected []string
	Version         int64
	Available       bool
	// LastUpdatedStep is the superstep of the most recent update, -1 when
	// no update has been recorded or the mark was cleared.
	LastUpdatedStep int

	reducer    Reducer
	accumulate bool
	versionFn  VersionFn
}

// Option configures a channel at creation time.
type Option func(*Channel)

// WithReducer sets the fold function of an aggregate channel.
func WithReducer(r Reducer) Option {
	return func(c *Channel) { c.reducer = r }
}

// WithAccumulate makes a topic channel keep its values across supersteps
// instead of clearing them once consumed.
func WithAccumulate() Option {
	return func(c *Channel) { c.accumulate = true }
}

// WithVersionFn overrides the version generator of the channel.
func WithVersionFn(fn VersionFn) Option {
	return func(c *Channel) {
		if fn != nil {
			c.versionFn = fn
		}
	}
}

// NewChannel creates a new channel with the specified behavior.
func NewChannel(name string, channelBehavior Behavior, opts ...Option) *Channel {
	c := &Channel{
		Name:            name,
		Behavior:        channelBehavior,
		Values:          make([]any, 0),
		BarrierSet:      make(map[string]bool),
		Available:       false,
		LastUpdatedStep: -1,
		versionFn:       defaultVersionFn,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Update applies the values written to the channel during one superstep and
// reports whether the channel changed. Last-value and ephemeral channels
// reject more than one value per superstep.
func (c *Channel) Update(values []any, step int) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(values) == 0 {
		return false, nil
	}
	switch c.Behavior {
	case BehaviorLastValue, BehaviorEphemeral:
		if len(values) > 1 {
			return false, fmt.Errorf("%w: channel %s received %d values in one step, at most one is allowed",
				ErrInvalidUpdate, c.Name, len(values))
		}
		c.Value = values[0]
	case BehaviorTopic:
		c.Values = append(c.Values, values...)
	case BehaviorAggregate:
		cur := c.Value
		for _, v := range values {
			if c.reducer != nil {
				cur = c.reducer(cur, v)
			} else {
				cur = v
			}
		}
		c.Value = cur
	case BehaviorBarrier:
		for _, value := range values {
			sender, ok := value.(string)
			if !ok {
				return false, fmt.Errorf("%w: barrier channel %s expects contributor names, got %T",
					ErrInvalidUpdate, c.Name, value)
			}
			c.BarrierSet[sender] = true
		}
	default:
		return false, fmt.Errorf("%w: channel %s has unknown behavior %d", ErrInvalidUpdate, c.Name, c.Behavior)
	}
	c.Version = c.versionFn(c.Version)
	c.Available = true
	c.LastUpdatedStep = step
	return true, nil
}

// Get retrieves the current value from the channel.
func (c *Channel) Get() any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	switch c.Behavior {
	case BehaviorLastValue, BehaviorEphemeral, BehaviorAggregate:
		return c.Value
	case BehaviorTopic:
		return c.Values
	case BehaviorBarrier:
		return c.BarrierSet
	}
	return nil
}

// Consume consumes the channel value. Ephemeral channels drop their value;
// topic channels without accumulation drop their collected values.
func (c *Channel) Consume() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.Behavior {
	case BehaviorEphemeral:
		if !c.Available {
			return false
		}
		c.Value = nil
		c.Available = false
		return true
	case BehaviorTopic:
		if c.accumulate || len(c.Values) == 0 {
			return false
		}
		c.Values = make([]any, 0)
		c.Available = false
		return true
	default:
		return false
	}
}

// IsAvailable checks if the channel has data available. A barrier channel
// with declared contributors is available only once all of them reported.
func (c *Channel) IsAvailable() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.Behavior == BehaviorBarrier && len(c.BarrierExpected) > 0 {
		for _, sender := range c.BarrierExpected {
			if !c.BarrierSet[sender] {
				return false
			}
		}
		return true
	}
	return c.Available
}

// IsUpdatedInStep returns true if the channel was updated in the specified step.
func (c *Channel) IsUpdatedInStep(step int) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.LastUpdatedStep >= 0 && c.LastUpdatedStep == step
}

// ClearStepMark clears the step update mark, typically called after checkpoint creation.
func (c *Channel) ClearStepMark() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.LastUpdatedStep = -1
}

// Finish marks the channel as finished (for barrier channels).
func (c *Channel) Finish() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Available = false
	return true
}

// Acknowledge marks the channel as consumed for this step so it doesn't
// retrigger planning in the next step.
func (c *Channel) Acknowledge() {
	c.mu.Lock()
	c.Available = false
	c.mu.Unlock()
}

// MarkAvailable flags the channel as available without touching its value.
// Used when rebuilding runtime channels from a checkpoint, where trigger
// channel versions survive but their transient values do not.
func (c *Channel) MarkAvailable() {
	c.mu.Lock()
	c.Available = true
	c.mu.Unlock()
}

// ResetBarrier clears a barrier channel's contributors so the next round
// waits for the full expected set again. No-op for other behaviors.
func (c *Channel) ResetBarrier() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Behavior != BehaviorBarrier {
		return
	}
	c.BarrierSet = make(map[string]bool)
	c.Available = false
}

// SetBarrierExpected declares the contributors a barrier channel waits for.
func (c *Channel) SetBarrierExpected(senders []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.BarrierExpected = append([]string(nil), senders...)
	if c.BarrierSet == nil {
		c.BarrierSet = make(map[string]bool)
	}
}

// BarrierSeenSnapshot returns the contributors seen so far in the order they
// were declared in BarrierExpected, followed by any undeclared ones.
func (c *Channel) BarrierSeenSnapshot() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.BarrierSet) == 0 {
		return nil
	}
	seen := make([]string, 0, len(c.BarrierSet))
	taken := make(map[string]bool, len(c.BarrierSet))
	for _, sender := range c.BarrierExpected {
		if c.BarrierSet[sender] && !taken[sender] {
			seen = append(seen, sender)
			taken[sender] = true
		}
	}
	for sender := range c.BarrierSet {
		if !taken[sender] {
			seen = append(seen, sender)
			taken[sender] = true
		}
	}
	return seen
}

// RestoreBarrierSeen replays a snapshot of seen contributors, as recorded in
// a checkpoint's barrier sets.
func (c *Channel) RestoreBarrierSeen(senders []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.BarrierSet == nil {
		c.BarrierSet = make(map[string]bool)
	}
	for _, sender := range senders {
		c.BarrierSet[sender] = true
	}
	if len(senders) > 0 {
		c.Available = true
	}
}

// SetValue force-sets the channel value, marking it available. Used when the
// executor restores channel values recorded in a checkpoint.
func (c *Channel) SetValue(v any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.Behavior {
	case BehaviorTopic:
		if seq, ok := v.([]any); ok {
			c.Values = append([]any(nil), seq...)
		} else if v != nil {
			c.Values = []any{v}
		}
	default:
		c.Value = v
	}
	c.Available = true
}

// SetVersion force-sets the channel version. Used when the executor restores
// channel versions recorded in a checkpoint.
func (c *Channel) SetVersion(v int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Version = v
}

// Clone returns a fresh channel with the same configuration and no state.
// Templates held by a graph are cloned into each execution context so that
// concurrent runs never share channel state.
func (c *Channel) Clone() *Channel {
	c.mu.RLock()
	defer c.mu.RUnlock()
	clone := NewChannel(c.Name, c.Behavior)
	clone.reducer = c.reducer
	clone.accumulate = c.accumulate
	clone.versionFn = c.versionFn
	if c.BarrierExpected != nil {
		clone.BarrierExpected = append([]string(nil), c.BarrierExpected...)
	}
	return clone
}

// Manager manages all channels in the graph.
type Manager struct {
	channels map[string]*Channel
	mu       sync.RWMutex
}

// NewChannelManager creates a new channel manager.
func NewChannelManager() *Manager {
	return &Manager{
		channels: make(map[string]*Channel),
	}
}

// AddChannel adds a channel to the manager. Adding an existing name keeps
// the original channel so that multiple edges can declare the same trigger.
func (m *Manager) AddChannel(name string, channelBehavior Behavior, opts ...Option) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.channels[name]; exists {
		return
	}
	m.channels[name] = NewChannel(name, channelBehavior, opts...)
}

// GetChannel retrieves a channel by name.
func (m *Manager) GetChannel(name string) (*Channel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	channel, exists := m.channels[name]
	return channel, exists
}

// GetAllChannels returns all channels.
func (m *Manager) GetAllChannels() map[string]*Channel {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make(map[string]*Channel)
	for k, v := range m.channels {
		result[k] = v
	}
	return result
}

// Clone returns a manager holding state-free clones of every channel, ready
// to be seeded from a checkpoint or used in a fresh run.
func (m *Manager) Clone() *Manager {
	m.mu.RLock()
	defer m.mu.RUnlock()
	clone := &Manager{channels: make(map[string]*Channel, len(m.channels))}
	for name, c := range m.channels {
		clone.channels[name] = c.Clone()
	}
	return clone
}

// ClearStepMarks clears the per-superstep update marks on every channel.
func (m *Manager) ClearStepMarks() {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, c := range m.channels {
		c.ClearStepMark()
	}
}
