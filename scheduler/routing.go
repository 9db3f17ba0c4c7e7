package scheduler

import (
	"context"
	"fmt"

	"github.com/openpsi-project/realmaster/dataowner"
	"github.com/openpsi-project/realmaster/dfg"
	"github.com/openpsi-project/realmaster/stream"
)

// DataTransferEnvelope is the pre-hook payload every participant of an RPC
// dispatch receives, telling it which buffer-indexed attributes to expect
// and from which producer dp ranks to fetch them, before it runs
// rpc.InterfaceType itself. Grounded on the dt_data dict built in
// scatter_tensor_to_mws.
type DataTransferEnvelope struct {
	Keys             []string
	Target           dfg.ModelName
	ProducerNames    map[string]dfg.ModelName
	ProducerMappings map[string]map[int][]int
	TargetMapping    map[int][]int
	HandleName       stream.HandleName
	InputKeyRemap    map[string]string
	OutputKeyRemap   map[string]string
	RPCName          string
	BufferIndices    []int
	Seqlens          []int
}

// dispatchResult separates the request ids whose payload the reply
// coroutine must wait on (the main handlers, keyed by handler so the reply
// coroutine can pick out exactly its dp-heads in the right order) from the
// side-participant ids that only ferry hook payloads (empty handle, no data
// contribution).
type dispatchResult struct {
	mainIDByHandler map[dfg.ModelShardID]string
	otherIDs        []string
}

// ScatterTensorToWorkers builds one Payload per participating handler
// (main handlers plus any hook-only side participants), resolves every
// pre/post hook onto them, and dispatches the whole batch through the
// three-phase handshake via stream.RequestAll. Grounded on
// scatter_tensor_to_mws.
func ScatterTensorToWorkers(
	ctx context.Context,
	client stream.Client,
	rpc *dfg.ModelRPC,
	topos ModelTopos,
	producerNames map[string]dfg.ModelName,
	producerHandlers map[dfg.ModelName][]dfg.ModelShardID,
	producerMappings map[string]map[int][]int,
	targetMapping map[int][]int,
	bufferIndices []int,
	seqlens []int,
	handlers []dfg.ModelShardID,
) (dispatchResult, error) {
	dt := DataTransferEnvelope{
		Keys:             rpc.InputKeys,
		Target:           rpc.ModelName,
		ProducerNames:    producerNames,
		ProducerMappings: producerMappings,
		TargetMapping:    targetMapping,
		HandleName:       interfaceHandleName(rpc.InterfaceType),
		InputKeyRemap:    rpc.InputKeyRemap,
		OutputKeyRemap:   rpc.OutputKeyRemap,
		RPCName:          rpc.Name,
		BufferIndices:    bufferIndices,
		Seqlens:          seqlens,
	}

	payloads := make(map[dfg.ModelShardID]*stream.Payload, len(handlers))
	for _, h := range handlers {
		p := stream.NewRequest(h, dt.HandleName, nil)
		p.AddPreHook(stream.HookDataTransfer, dt)
		payloads[h] = &p
	}

	mainSet := make(map[dfg.ModelShardID]struct{}, len(handlers))
	for _, h := range handlers {
		mainSet[h] = struct{}{}
	}
	for _, producerName := range producerNames {
		for _, h := range producerHandlers[producerName] {
			if _, ok := payloads[h]; ok {
				continue
			}
			p := stream.NewRequest(h, stream.HandleEmpty, nil)
			p.AddPreHook(stream.HookDataTransfer, dt)
			payloads[h] = &p
		}
	}

	if err := ResolveHooks(rpc, payloads, topos, handlers, true); err != nil {
		return dispatchResult{}, fmt.Errorf("scheduler: resolving pre-hooks for %s: %w", rpc.Name, err)
	}
	if err := ResolveHooks(rpc, payloads, topos, handlers, false); err != nil {
		return dispatchResult{}, fmt.Errorf("scheduler: resolving post-hooks for %s: %w", rpc.Name, err)
	}

	var all []stream.Payload
	mainIDByHandler := make(map[dfg.ModelShardID]string, len(handlers))
	var otherIDs []string
	for h, p := range payloads {
		all = append(all, *p)
		if _, ok := mainSet[h]; ok {
			mainIDByHandler[h] = p.ID
		} else {
			otherIDs = append(otherIDs, p.ID)
		}
	}

	if _, err := stream.RequestAll(ctx, client, all); err != nil {
		return dispatchResult{}, fmt.Errorf("scheduler: dispatching %s: %w", rpc.Name, err)
	}

	return dispatchResult{mainIDByHandler: mainIDByHandler, otherIDs: otherIDs}, nil
}

func interfaceHandleName(it dfg.InterfaceType) stream.HandleName {
	switch it {
	case dfg.GENERATE:
		return stream.HandleGenerate
	case dfg.INFERENCE:
		return stream.HandleInference
	case dfg.TRAIN_STEP:
		return stream.HandleTrainStep
	default:
		return stream.HandleName(it.String())
	}
}

// BuildProducerMappings computes, for each of rpc's input data keys, which
// producer model owns each record in the current batch and how those
// records are split across the producer's dp ranks, via
// dataowner.Registry.ProducerMapping. Grounded on the producer_mappings
// construction loop in model_rpc_request_func.
func BuildProducerMappings(
	registry *dataowner.Registry,
	rpc *dfg.ModelRPC,
	bufferIndices []int,
) (map[string]dfg.ModelName, map[string]map[int][]int, error) {
	producerNames := make(map[string]dfg.ModelName, len(rpc.InputKeys))
	mappings := make(map[string]map[int][]int, len(rpc.InputKeys))
	for _, key := range rpc.InputKeys {
		producer, mapping, err := registry.ProducerMapping(bufferIndices, key)
		if err != nil {
			return nil, nil, fmt.Errorf("scheduler: resolving producer for input %q of %s: %w", key, rpc.Name, err)
		}
		producerNames[key] = producer
		mappings[key] = mapping
	}
	return producerNames, mappings, nil
}
