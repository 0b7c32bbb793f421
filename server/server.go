package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"runtime/pprof"
	"syscall"

	"gnspaxos/config"
	"gnspaxos/dlog"
	"gnspaxos/nameserver"
	"gnspaxos/nodeconfig"
	"gnspaxos/packet"
	"gnspaxos/process"
)

var id *int = flag.Int("id", -1, "Id of this name server, as listed in the node file")
var nodesFile *string = flag.String("nodes", "nodes.json", "JSON file listing the id, host and port of every name server")
var procs *int = flag.Int("p", 2, "GOMAXPROCS. Defaults to 2")
var cpuprofile = flag.String("cpuprofile", "", "write cpu profile to file")
var quiet *bool = flag.Bool("quiet", false, "Log nothing?")

func main() {
	cfg := config.Default()
	cfg.BindFlags(flag.CommandLine)
	flag.Parse()

	runtime.GOMAXPROCS(*procs)

	if *quiet {
		cfg.LogLevel = "off"
	}
	logger := dlog.New(cfg.LogLevel, os.Stderr)
	dlog.SetRoot(logger)

	if *id < 0 {
		logger.Error("invalid name server id", "id", *id)
		os.Exit(2)
	}

	if *cpuprofile != "" {
		f, err := os.Create(*cpuprofile)
		if err != nil {
			logger.Error("cannot create cpu profile", "error", err)
			os.Exit(1)
		}
		pprof.StartCPUProfile(f)
	}

	dir, err := nodeconfig.Load(*nodesFile)
	if err != nil {
		logger.Error("cannot load node file", "file", *nodesFile, "error", err)
		os.Exit(1)
	}
	ctx, err := process.NewContext(packet.NodeID(*id), cfg, dir, logger)
	if err != nil {
		logger.Error("bad configuration", "error", err)
		os.Exit(2)
	}
	srv, err := nameserver.New(ctx)
	if err != nil {
		logger.Error("cannot build name server", "error", err)
		os.Exit(1)
	}
	if err := srv.Start(); err != nil {
		logger.Error("cannot start name server", "error", err)
		os.Exit(1)
	}

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)
	catchKill(interrupt, srv)
}

func catchKill(interrupt chan os.Signal, srv *nameserver.Server) {
	<-interrupt
	if *cpuprofile != "" {
		pprof.StopCPUProfile()
	}
	fmt.Println("Caught signal")
	srv.Close()
	os.Exit(0)
}
