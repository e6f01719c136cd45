package contracts

import (
	"context"

	"github.com/worldkernel/worldkernel/internal/core"
)

// Genesis returns the native checkers for the built-in contract ids.
func Genesis() map[string]Checker {
	return map[string]Checker{
		core.GenesisContractPublic:    CheckerFunc(public),
		core.GenesisContractFreeware:  CheckerFunc(freeware),
		core.GenesisContractPrivate:   CheckerFunc(private),
		core.GenesisContractSelfOwned: CheckerFunc(selfOwned),
	}
}

// RegisterGenesis registers every genesis checker on e.
func RegisterGenesis(e *Engine) {
	for id, c := range Genesis() {
		e.Register(id, c)
	}
}

func isOwner(c Context) bool {
	return c.Owner != "" && c.Caller == c.Owner
}

// public lets anyone do anything except re-govern the artifact.
func public(_ context.Context, c Context) (Decision, error) {
	if c.Action == core.ActionChangeContract && !isOwner(c) {
		return Deny("only the owner may change the contract of %s", c.Target), nil
	}
	return Allow(), nil
}

// freeware lets anyone read, watch and invoke; everything else is the
// owner's.
func freeware(_ context.Context, c Context) (Decision, error) {
	switch c.Action {
	case core.ActionRead, core.ActionInvoke, core.ActionSubscribe:
		return Allow(), nil
	}
	if isOwner(c) {
		return Allow(), nil
	}
	return Deny("%s may only be %s by its owner", c.Target, c.Action), nil
}

// private admits only the owner.
func private(_ context.Context, c Context) (Decision, error) {
	if isOwner(c) {
		return Allow(), nil
	}
	return Deny("%s is private to %s", c.Target, c.Owner), nil
}

// selfOwned admits the artifact acting on itself, and its owner.
func selfOwned(_ context.Context, c Context) (Decision, error) {
	if c.Caller == c.Target || isOwner(c) {
		return Allow(), nil
	}
	return Deny("%s only answers to itself", c.Target), nil
}
