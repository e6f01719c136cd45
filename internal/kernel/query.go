package kernel

import (
	"context"

	"github.com/worldkernel/worldkernel/internal/artifacts"
	"github.com/worldkernel/worldkernel/internal/core"
	"github.com/worldkernel/worldkernel/internal/eventlog"
)

const (
	defaultEventLimit = 100
	maxEventLimit     = 1000
)

// PrincipalInfo is the public view of a principal.
type PrincipalInfo struct {
	ID          string           `json:"id"`
	Balance     int64            `json:"balance"`
	Quotas      map[string]int64 `json:"quotas"`
	Allocations map[string]int64 `json:"allocations"`
	Usage       map[string]int64 `json:"usage"`
	Service     bool             `json:"service"`
}

// SupplyInfo reports the scrip totals.
type SupplyInfo struct {
	Supply   int64 `json:"supply"`
	Minted   int64 `json:"minted"`
	Held     int64 `json:"held"`
	Balances int64 `json:"balances"`
}

// query answers read-only questions about the world. It is free and never
// changes state, except that draining notifications consumes the caller's
// inbox.
func (k *Kernel) query(_ context.Context, r *request) (any, map[string]any, error) {
	params, err := core.MapArg(r.env.Args, 0)
	if err != nil {
		return nil, nil, err
	}
	name := r.env.Method
	detail := map[string]any{"query": name}

	switch name {
	case "artifacts":
		f := artifacts.Filter{}
		if s, err := stringParam(params, "type"); err != nil {
			return nil, nil, err
		} else if s != "" {
			if f.Type, err = core.ParseArtifactType(s); err != nil {
				return nil, nil, err
			}
		}
		if f.CreatedBy, err = stringParam(params, "created_by"); err != nil {
			return nil, nil, err
		}
		if f.IDPrefix, err = stringParam(params, "id_prefix"); err != nil {
			return nil, nil, err
		}
		limit, err := intParam(params, "limit", 0)
		if err != nil {
			return nil, nil, err
		}
		f.Limit = int(limit)
		list := k.store.List(f)
		out := make([]ArtifactInfo, 0, len(list))
		for _, a := range list {
			out = append(out, k.Info(a))
		}
		detail["count"] = len(out)
		return out, detail, nil

	case "artifact":
		id, err := idParam(r, params)
		if err != nil {
			return nil, nil, err
		}
		a, err := k.store.Get(id)
		if err != nil {
			return nil, nil, err
		}
		return k.Info(a), detail, nil

	case "principal":
		id, err := idParam(r, params)
		if err != nil {
			return nil, nil, err
		}
		p, err := k.PrincipalInfo(id)
		if err != nil {
			return nil, nil, err
		}
		return p, detail, nil

	case "principals":
		ids := k.Principals()
		out := make([]PrincipalInfo, 0, len(ids))
		for _, id := range ids {
			p, err := k.PrincipalInfo(id)
			if err != nil {
				return nil, nil, err
			}
			out = append(out, p)
		}
		return out, detail, nil

	case "events":
		opts, err := eventQuery(params)
		if err != nil {
			return nil, nil, err
		}
		events := k.events.Query(opts)
		detail["count"] = len(events)
		return events, detail, nil

	case "supply":
		return k.SupplyInfo(), detail, nil

	case "services":
		return k.serviceIDs(), detail, nil

	case "subscriptions":
		return k.notify.Subscriptions(r.caller()), detail, nil

	case "notifications":
		limit, err := intParam(params, "limit", 0)
		if err != nil {
			return nil, nil, err
		}
		out := k.notify.Drain(r.caller(), int(limit))
		detail["count"] = len(out)
		return out, detail, nil

	case "costs":
		out := make(map[string]Cost, len(k.costs))
		for action, c := range k.costs {
			out[string(action)] = c
		}
		return out, detail, nil
	}
	return nil, detail, core.Errorf(core.CodeInvalidArgs, "unknown query %q", name)
}

// PrincipalInfo describes a principal.
func (k *Kernel) PrincipalInfo(id string) (PrincipalInfo, error) {
	acct, err := k.ledger.Get(id)
	if err != nil {
		return PrincipalInfo{}, err
	}
	now := k.clock.Now()
	p := PrincipalInfo{
		ID:          id,
		Balance:     acct.Balance,
		Quotas:      acct.Quotas,
		Allocations: make(map[string]int64),
		Usage:       make(map[string]int64),
	}
	for res, kind := range k.kinds {
		if kind != core.ResourceRenewable {
			continue
		}
		p.Allocations[res] = k.rates.Allocation(id, res)
		p.Usage[res] = k.rates.Usage(id, res, now)
	}
	_, p.Service = k.Service(id)
	return p, nil
}

// SupplyInfo returns the current scrip totals.
func (k *Kernel) SupplyInfo() SupplyInfo {
	return SupplyInfo{
		Supply:   k.ledger.Supply(),
		Minted:   k.ledger.Minted(),
		Held:     k.ledger.Held(),
		Balances: k.ledger.TotalBalances(),
	}
}

// -----------------------------------------------------------------------------
// Parameters
// -----------------------------------------------------------------------------

func idParam(r *request, params map[string]any) (string, error) {
	id, err := stringParam(params, "id")
	if err != nil {
		return "", err
	}
	if id == "" {
		id = r.env.TargetID
	}
	if id == "" {
		return "", core.Errorf(core.CodeInvalidArgs, "query %s needs an id", r.env.Method)
	}
	return id, nil
}

func stringParam(params map[string]any, name string) (string, error) {
	v, ok := params[name]
	if !ok || v == nil {
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", core.Errorf(core.CodeInvalidArgs, "parameter %s: want string, got %T", name, v)
	}
	return s, nil
}

func intParam(params map[string]any, name string, def int64) (int64, error) {
	v, ok := params[name]
	if !ok || v == nil {
		return def, nil
	}
	n, err := core.IntArg([]any{v}, 0, name)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, core.Errorf(core.CodeInvalidArgs, "parameter %s must not be negative", name)
	}
	return n, nil
}

func eventQuery(params map[string]any) (eventlog.QueryOptions, error) {
	var (
		opts eventlog.QueryOptions
		err  error
	)
	if opts.Actor, err = stringParam(params, "actor"); err != nil {
		return opts, err
	}
	if opts.Target, err = stringParam(params, "target"); err != nil {
		return opts, err
	}
	action, err := stringParam(params, "action_type")
	if err != nil {
		return opts, err
	}
	opts.ActionType = core.ActionType(action)
	outcome, err := stringParam(params, "outcome")
	if err != nil {
		return opts, err
	}
	opts.Outcome = core.Code(outcome)
	if opts.After, err = intParam(params, "after", 0); err != nil {
		return opts, err
	}
	limit, err := intParam(params, "limit", defaultEventLimit)
	if err != nil {
		return opts, err
	}
	opts.Limit = int(min(max(limit, 1), maxEventLimit))
	return opts, nil
}
