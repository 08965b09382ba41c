// Package state owns the bridge's mutable cross-request state: the engine
// the bridge is currently bound to. The value is reachable only through an
// actor loop, so every mutation is linearized and no caller ever holds a
// lock over it.
package state

import (
	"context"
	"sync"

	"github.com/quillchat/bridge/internal/protocol"
)

type commandKind int

const (
	cmdBind commandKind = iota
	cmdClear
	cmdGet
)

type command struct {
	kind   commandKind
	engine protocol.EngineDescriptor
	reply  chan reply
}

type reply struct {
	engine protocol.EngineDescriptor
	bound  bool
}

// Actor is the single writer of the engine binding. All access goes through
// Bind, Clear and Get, which enqueue commands processed one at a time in
// arrival order.
type Actor struct {
	startOnce sync.Once
	commands  chan command
}

// NewActor returns an actor with no engine bound. Its loop starts on first
// use and lives for the process lifetime; it holds no external resources.
func NewActor() *Actor {
	return &Actor{commands: make(chan command, 16)}
}

func (a *Actor) start() {
	a.startOnce.Do(func() {
		go a.loop()
	})
}

func (a *Actor) loop() {
	var engine protocol.EngineDescriptor
	var bound bool
	for cmd := range a.commands {
		switch cmd.kind {
		case cmdBind:
			engine = cmd.engine
			bound = true
			cmd.reply <- reply{}
		case cmdClear:
			engine = protocol.EngineDescriptor{}
			bound = false
			cmd.reply <- reply{}
		case cmdGet:
			cmd.reply <- reply{engine: engine, bound: bound}
		}
	}
}

// Bind makes desc the current engine binding.
func (a *Actor) Bind(ctx context.Context, desc protocol.EngineDescriptor) error {
	_, _, err := a.send(ctx, command{kind: cmdBind, engine: desc})
	return err
}

// Clear removes the current engine binding, if any.
func (a *Actor) Clear(ctx context.Context) error {
	_, _, err := a.send(ctx, command{kind: cmdClear})
	return err
}

// Get returns a copy of the current binding and whether one exists.
func (a *Actor) Get(ctx context.Context) (protocol.EngineDescriptor, bool, error) {
	return a.send(ctx, command{kind: cmdGet})
}

func (a *Actor) send(ctx context.Context, cmd command) (protocol.EngineDescriptor, bool, error) {
	if err := ctx.Err(); err != nil {
		return protocol.EngineDescriptor{}, false, err
	}
	a.start()
	cmd.reply = make(chan reply, 1)
	select {
	case a.commands <- cmd:
	case <-ctx.Done():
		return protocol.EngineDescriptor{}, false, ctx.Err()
	}
	select {
	case r := <-cmd.reply:
		return r.engine, r.bound, nil
	case <-ctx.Done():
		return protocol.EngineDescriptor{}, false, ctx.Err()
	}
}
