// Starts the master coordinator for one finetuning experiment: it loads an
// experiment's TOML configuration, builds the DFG/topologies it describes,
// rendezvouses with data and model workers over a DDA sidecar, and drives
// the step loop until the experiment completes.
//
// For usage details, run master with the command line flag -h.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/openpsi-project/realmaster/buffer"
	"github.com/openpsi-project/realmaster/config"
	"github.com/openpsi-project/realmaster/dataowner"
	"github.com/openpsi-project/realmaster/dataset"
	"github.com/openpsi-project/realmaster/dfg"
	"github.com/openpsi-project/realmaster/driver"
	"github.com/openpsi-project/realmaster/driver/timeutil"
	"github.com/openpsi-project/realmaster/rlog"
	"github.com/openpsi-project/realmaster/scheduler"
	"github.com/openpsi-project/realmaster/stream"
	"github.com/openpsi-project/realmaster/telemetry"
)

func main() {
	var ddaAddress string
	var telemetryAddr string
	var help bool
	var log bool

	flag.Usage = usage
	flag.StringVar(&ddaAddress, "d", ":8900", "address (host:port) of DDA sidecar gRPC API")
	flag.StringVar(&telemetryAddr, "t", ":9090", "address (host:port) to serve Prometheus metrics on")
	flag.BoolVar(&help, "h", false, "Show usage information")
	flag.BoolVar(&log, "l", false, "Show logging output (for debugging)")
	flag.Parse()

	configPath := flag.Arg(0)
	if help || configPath == "" {
		usage()
		os.Exit(0)
	}

	if err := run(configPath, ddaAddress, telemetryAddr, log); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configPath, ddaAddress, telemetryAddr string, verbose bool) error {
	if verbose {
		rlog.EnableVerbose()
	}
	logger := rlog.New("master", "")

	exp, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	graph, err := exp.Graph()
	if err != nil {
		return fmt.Errorf("building DFG: %w", err)
	}
	topos := scheduler.ModelTopos(exp.Topologies())

	shards, err := dataset.Discover(exp.DatasetGlobs)
	if err != nil {
		return fmt.Errorf("discovering dataset shards: %w", err)
	}
	logger.Infof("discovered %d dataset shards across %d globs", len(shards), len(exp.DatasetGlobs))

	buf := buffer.New(graph, exp.BufferMaxSize)
	registry := dataowner.New()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client, err := stream.DialDDAClient(ctx, ddaAddress, "realmaster-master")
	if err != nil {
		return fmt.Errorf("dialing DDA sidecar at %s: %w", ddaAddress, err)
	}
	defer client.Close()

	sched := scheduler.New(graph, buf, registry, client, topos)

	loaderHandler := firstDataWorkerHandler(topos)
	loader := &driver.StreamDataLoader{Client: client, Handler: loaderHandler, Buf: buf}

	d := driver.New(driver.Config{
		Graph:      graph,
		Buffer:     buf,
		Registry:   registry,
		Client:     client,
		Scheduler:  sched,
		Topologies: topos,
		Loader:     loader,
		FinetuneSpec: driver.FinetuneSpec{
			BatchSizePerDevice: exp.BatchSizePerDevice,
			StepsPerEpoch:      exp.StepsPerEpoch,
			TotalTrainEpochs:   exp.TotalTrainEpochs,
			TotalTrainSteps:    exp.StepsPerEpoch * exp.TotalTrainEpochs,
		},
		SaveFreq:       *timeutil.New(exp.SaveFreq.FreqEpoch, exp.SaveFreq.FreqStep, exp.SaveFreq.FreqSec),
		EvalFreq:       *timeutil.New(exp.EvalFreq.FreqEpoch, exp.EvalFreq.FreqStep, exp.EvalFreq.FreqSec),
		BenchmarkSteps: exp.BenchmarkSteps,
		ModelSaveRoot:  exp.ModelSaveRoot,
	})

	telemetrySrv := telemetry.NewServer(telemetryAddr)
	go func() {
		if err := telemetrySrv.ListenAndServe(ctx); err != nil {
			logger.Errorf("telemetry server: %v", err)
		}
	}()

	// Handle SIGTERM.
	signaled := make(chan struct{})
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		defer close(signaled)
		fmt.Printf("Terminating master on signal %v...\n", <-sigCh)
	}()

	completed := make(chan error, 1)
	go func() { completed <- d.Run(ctx) }()

	for {
		select {
		case <-signaled:
			signaled = nil
			cancel()
		case err := <-completed:
			return err
		}
	}
}

// firstDataWorkerHandler picks the lowest-sorted model shard to address
// per-step fetch requests to; every shard's data worker serves the same
// global dataset assignment, so any one suffices as the rendezvous point
// for the master's own fetch loop.
func firstDataWorkerHandler(topos scheduler.ModelTopos) dfg.ModelShardID {
	var names []dfg.ModelName
	for name := range topos {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		if names[i].Role != names[j].Role {
			return names[i].Role < names[j].Role
		}
		return names[i].ReplicaID < names[j].ReplicaID
	})
	name := names[0]
	return dfg.ModelShardID{ModelName: name, ParallelismRank: 0, Topology: topos[name]}
}

func usage() {
	fmt.Printf(`usage: master [-h] [-l] [-d ddaAddress] [-t telemetryAddress] config.toml

Starts the master coordinator for a finetuning experiment described by
config.toml.

Flags:
`)
	flag.PrintDefaults()
}
