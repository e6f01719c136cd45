package kernel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sort"

	"go.starlark.net/starlark"

	"github.com/worldkernel/worldkernel/internal/contracts"
	"github.com/worldkernel/worldkernel/internal/core"
	"github.com/worldkernel/worldkernel/internal/executor"
	"github.com/worldkernel/worldkernel/internal/ledger"
)

// codeBuiltins are the kernel functions invoked artifact code can call.
var codeBuiltins = []string{"caller", "self_id", "balance", "owner", "invoke", "read"}

func builtinNames() []string {
	names := slices.Concat(codeBuiltins, contracts.Builtins)
	sort.Strings(names)
	return slices.Compact(names)
}

func methodOf(env *core.Envelope) string {
	if env.Method == "" {
		return "run"
	}
	return env.Method
}

// invoke runs the target's code, or its native service, for the caller.
// A declared invoke price is held before execution and paid only if the
// execution succeeds.
func (k *Kernel) invoke(ctx context.Context, r *request) (any, map[string]any, error) {
	env := r.env
	target, err := k.target(r)
	if err != nil {
		return nil, nil, err
	}
	method := methodOf(env)

	extra := map[string]any{"method": method, "args": env.Args}
	if err := k.authorize(ctx, r, core.ActionInvoke, target, extra); err != nil {
		return nil, nil, err
	}
	if p := target.Policy; p != nil && len(p.InvokeAllow) > 0 && !slices.Contains(p.InvokeAllow, r.caller()) {
		return nil, nil, core.Errorf(core.CodeAccessDenied, "%s is not on the invoke allow list of %s", r.caller(), target.ID)
	}

	var svc Service
	if target.Type == core.TypeGenesis {
		s, ok := k.Service(target.ID)
		if !ok {
			return nil, nil, core.Errorf(core.CodeNotFound, "no service serves %s", target.ID)
		}
		svc = s
	} else if !target.Executable() {
		return nil, nil, core.Errorf(core.CodeInvalidArgs, "%s has no code", target.ID)
	}
	if err := target.Interface.ValidateCall(env.Method, env.Args); err != nil {
		return nil, nil, err
	}

	var price int64
	payee := ""
	if target.Policy != nil && target.Policy.InvokePrice > 0 {
		price = target.Policy.InvokePrice
		if payee, err = k.payee(target); err != nil {
			return nil, nil, err
		}
	}

	var hold *ledger.Hold
	if price > 0 {
		if hold, err = k.ledger.Hold(r.caller(), price); err != nil {
			return nil, nil, err
		}
	}
	if _, err := k.charge(r, core.ActionInvoke); err != nil {
		if hold != nil {
			if rerr := hold.Release(); rerr != nil {
				k.logger.Error("releasing invoke price", "target", target.ID, "error", rerr)
			}
		}
		return nil, nil, err
	}

	var out any
	if svc != nil {
		out, err = k.callService(ctx, svc, r.caller(), method, env.Args)
	} else {
		out, err = k.exec.Run(ctx, executor.Call{
			Code:     target.Code,
			Function: method,
			Args:     env.Args,
			Builtins: k.invokeBuiltins(r, target),
			Label:    "invoke:" + target.ID,
		})
	}

	detail := map[string]any{}
	if hold != nil {
		if err != nil {
			if rerr := hold.Release(); rerr != nil {
				k.logger.Error("releasing invoke price", "target", target.ID, "error", rerr)
			}
			return nil, detail, err
		}
		if cerr := hold.Commit(payee); cerr != nil {
			if rerr := hold.Release(); rerr != nil {
				k.logger.Error("releasing invoke price", "target", target.ID, "error", rerr)
			}
			return nil, detail, core.Wrap(core.CodeInternal, cerr, "paying %s", payee)
		}
		detail["price"] = price
		detail["paid_to"] = payee
	}
	if err != nil {
		return nil, detail, err
	}
	return out, detail, nil
}

// payee is who an invoke price goes to: the target itself when it has
// standing, its owner otherwise.
func (k *Kernel) payee(target *core.Artifact) (string, error) {
	if target.HasStanding {
		return k.principal(target.ID)
	}
	owner, err := k.ledger.Owner(target.ID)
	if err != nil {
		owner = target.CreatedBy
	}
	if !k.ledger.HasAccount(owner) {
		return "", core.Errorf(core.CodeNotFound, "owner %s of %s cannot be paid", owner, target.ID)
	}
	return owner, nil
}

// callService runs a native service under the invoke timeout. Errors
// without a code become EXECUTION_ERROR.
func (k *Kernel) callService(ctx context.Context, svc Service, caller, method string, args []any) (out any, err error) {
	ctx, cancel := context.WithTimeout(ctx, k.exec.Timeout())
	defer cancel()
	defer func() {
		if p := recover(); p != nil {
			out, err = nil, core.Errorf(core.CodeExecutionError, "service %s panicked: %v", svc.ID(), p)
		}
	}()

	out, err = svc.Call(ctx, caller, method, args)
	if err == nil {
		return out, nil
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return nil, core.Wrap(core.CodeTimeout, err, "service %s exceeded %s", svc.ID(), k.exec.Timeout())
	}
	var kerr *core.Error
	if errors.As(err, &kerr) {
		return nil, err
	}
	return nil, core.Wrap(core.CodeExecutionError, err, "service %s", svc.ID())
}

// invokeBuiltins binds the kernel functions for one execution. Nested
// actions run one level deeper with the original caller paying.
func (k *Kernel) invokeBuiltins(r *request, target *core.Artifact) starlark.StringDict {
	nested := frame{caller: r.caller(), depth: r.frame.depth + 1, held: r.frame.held}

	return starlark.StringDict{
		"caller":  starlark.String(r.caller()),
		"self_id": starlark.String(target.ID),
		"balance": starlark.NewBuiltin("balance", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var id string
			if err := starlark.UnpackArgs(b.Name(), args, kwargs, "id", &id); err != nil {
				return nil, err
			}
			bal, err := k.ledger.Balance(id)
			if err != nil {
				return starlark.None, nil
			}
			return starlark.MakeInt64(bal), nil
		}),
		"owner": starlark.NewBuiltin("owner", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var id string
			if err := starlark.UnpackArgs(b.Name(), args, kwargs, "id", &id); err != nil {
				return nil, err
			}
			owner, err := k.ledger.Owner(id)
			if err != nil {
				return starlark.None, nil
			}
			return starlark.String(owner), nil
		}),
		"invoke": starlark.NewBuiltin("invoke", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			if len(args) == 0 {
				return nil, fmt.Errorf("%s: missing target id", b.Name())
			}
			id, ok := starlark.AsString(args[0])
			if !ok {
				return nil, fmt.Errorf("%s: target id must be a string, got %s", b.Name(), args[0].Type())
			}
			var method string
			if err := starlark.UnpackArgs(b.Name(), nil, kwargs, "method?", &method); err != nil {
				return nil, err
			}
			callArgs := make([]any, 0, len(args)-1)
			for _, v := range args[1:] {
				a, err := executor.FromValue(v)
				if err != nil {
					return nil, err
				}
				callArgs = append(callArgs, a)
			}
			res, err := k.dispatch(executor.Context(thread), &core.Envelope{
				ActionType: core.ActionInvoke,
				ActorID:    nested.caller,
				TargetID:   id,
				Method:     method,
				Args:       callArgs,
			}, nested)
			if err != nil {
				return nil, err
			}
			return toStarlark(res.Data)
		}),
		"read": starlark.NewBuiltin("read", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var id string
			if err := starlark.UnpackArgs(b.Name(), args, kwargs, "id", &id); err != nil {
				return nil, err
			}
			res, err := k.dispatch(executor.Context(thread), &core.Envelope{
				ActionType: core.ActionRead,
				ActorID:    nested.caller,
				TargetID:   id,
			}, nested)
			if err != nil {
				return nil, err
			}
			a, _ := res.Data.(*core.Artifact)
			if a == nil {
				return starlark.None, nil
			}
			return starlark.String(a.Content), nil
		}),
	}
}

// toStarlark converts an action result for artifact code. Service results
// that are Go structs go through their JSON form.
func toStarlark(data any) (starlark.Value, error) {
	if v, err := executor.ToValue(data); err == nil {
		return v, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, core.Wrap(core.CodeExecutionError, err, "result is not representable")
	}
	var plain any
	if err := json.Unmarshal(raw, &plain); err != nil {
		return nil, core.Wrap(core.CodeExecutionError, err, "result is not representable")
	}
	return executor.ToValue(plain)
}
