package scheduler

import (
	"fmt"

	"github.com/openpsi-project/realmaster/dfg"
	"github.com/openpsi-project/realmaster/stream"
)

// ModelTopos maps every model name to its parallelism topology; the same
// map is handed to the scheduler and the driver.
type ModelTopos map[dfg.ModelName]dfg.Topology

// ParamReallocData is the payload carried by a "param_realloc" hook,
// mirroring the ps_data dict built in _attach_payloads_with_hooks.
type ParamReallocData struct {
	FromModelName dfg.ModelName
	ToModelName   dfg.ModelName
	FromTopo      dfg.Topology
	ToTopo        dfg.Topology
}

// OffloadData is the payload carried by an "offload" hook.
type OffloadData struct {
	ModelName dfg.ModelName
}

// ResolveHooks attaches rpc's pre- or post-hooks (hookType selects which)
// to the payloads already built for rpc's main handlers, creating "empty"
// side-participant payloads for any handler a hook needs that isn't
// already one of the main handlers. It enforces the "one payload per
// handler" invariant: a handler already present in payloads never gets a
// second Payload value, only appended hook entries, exactly as
// _attach_payloads_with_hooks enforces "one payload per worker id" via its
// mwids bookkeeping.
//
// Grounded 1:1 on master_worker.py's _attach_payloads_with_hooks.
func ResolveHooks(
	rpc *dfg.ModelRPC,
	payloads map[dfg.ModelShardID]*stream.Payload,
	topos ModelTopos,
	mainHandlers []dfg.ModelShardID,
	pre bool,
) error {
	hooks := rpc.PreHooks
	hookKind := "pre"
	if !pre {
		hooks = rpc.PostHooks
		hookKind = "post"
	}

	mainSet := make(map[dfg.ModelShardID]struct{}, len(mainHandlers))
	for _, h := range mainHandlers {
		mainSet[h] = struct{}{}
	}

	for _, hook := range hooks {
		switch hk := hook.(type) {
		case dfg.SyncParamHook:
			if (hk.Source == nil) == (hk.Target == nil) {
				return fmt.Errorf("scheduler: SyncParamHook must set exactly one of Source/Target")
			}

			var srcName, dstName, otherName dfg.ModelName
			if hk.Source == nil {
				srcName, dstName, otherName = rpc.ModelName, *hk.Target, *hk.Target
			} else {
				srcName, dstName, otherName = *hk.Source, rpc.ModelName, *hk.Source
			}
			srcTopo, ok := topos[srcName]
			if !ok {
				return fmt.Errorf("scheduler: unknown topology for model %v", srcName)
			}
			dstTopo, ok := topos[dstName]
			if !ok {
				return fmt.Errorf("scheduler: unknown topology for model %v", dstName)
			}
			otherTopo := srcTopo
			if hk.Source == nil {
				otherTopo = dstTopo
			}

			psData := ParamReallocData{FromModelName: srcName, ToModelName: dstName, FromTopo: srcTopo, ToTopo: dstTopo}

			for _, h := range mainHandlers {
				appendHook(payloads[h], hookKind, stream.HookParamRealloc, psData)
			}

			otherHandlers := dfg.ShardsOf(otherName, otherTopo)
			for _, h := range otherHandlers {
				if p, ok := payloads[h]; ok {
					if _, isMain := mainSet[h]; !isMain {
						appendHook(p, hookKind, stream.HookParamRealloc, psData)
					}
					continue
				}
				req := stream.NewRequest(h, stream.HandleEmpty, nil)
				p := &req
				appendHook(p, hookKind, stream.HookParamRealloc, psData)
				payloads[h] = p
			}

		case dfg.OffloadHook:
			for _, h := range mainHandlers {
				appendHook(payloads[h], hookKind, stream.HookOffload, OffloadData{ModelName: h.ModelName})
			}

		default:
			return fmt.Errorf("scheduler: unknown hook type %T", hook)
		}
	}
	return nil
}

func appendHook(p *stream.Payload, hookKind string, id stream.HookID, data any) {
	if hookKind == "pre" {
		p.AddPreHook(id, data)
	} else {
		p.AddPostHook(id, data)
	}
}
