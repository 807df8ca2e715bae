package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/feellmoose/gridswarm"
	"github.com/feellmoose/gridswarm/internal/utils/logging"
)

// swarmd runs one swarm member until SIGINT or SIGTERM.
//
//	swarmd -config swarm.yaml
//	swarmd -id 2 -bind 127.0.0.1:7947 -rpc 127.0.0.1:9001 -seed 127.0.0.1:7946 -vnodes 64
//
// Flags override values from the config file.

func main() {
	var (
		configPath = flag.String("config", "", "YAML config file")
		nodeID     = flag.Uint("id", 0, "node id")
		bindAddr   = flag.String("bind", "", "gossip bind address")
		advertise  = flag.String("advertise", "", "gossip address peers dial")
		seed       = flag.String("seed", "", "gossip address of an existing member")
		rpcAddr    = flag.String("rpc", "", "RPC bind address")
		vnodes     = flag.Int("vnodes", 64, "virtual nodes when no tokens are configured")
		transport  = flag.String("transport", "", "gossip transport: tcp or gnet")
		logLevel   = flag.String("log-level", "", "debug, info, warn or error")
	)
	flag.Parse()

	opts := gridswarm.DefaultOptions()
	if *configPath != "" {
		loaded, err := gridswarm.LoadOptions(*configPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}
		opts = loaded
	}

	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "id":
			opts.NodeID = uint32(*nodeID)
		case "bind":
			opts.BindAddr = *bindAddr
		case "advertise":
			opts.AdvertiseAddr = *advertise
		case "seed":
			opts.Seed = *seed
		case "rpc":
			opts.RPC.BindAddr = *rpcAddr
		case "vnodes":
			opts.VirtualNodes = *vnodes
		case "transport":
			opts.Network.Transport = *transport
		case "log-level":
			if opts.Log == nil {
				opts.Log = &logging.LogOptions{Format: "text"}
			}
			opts.Log.Level = *logLevel
		}
	})
	if len(opts.Tokens) == 0 && opts.VirtualNodes == 0 {
		opts.VirtualNodes = *vnodes
	}

	swarm, err := gridswarm.New(opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid options: %v\n", err)
		flag.Usage()
		os.Exit(2)
	}
	if err := swarm.Start(); err != nil {
		logging.Fatal(err, "Failed to start swarm member", "node", opts.NodeID)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logging.Info("Shutting down", "signal", sig.String())

	if err := swarm.Stop(); err != nil {
		logging.Error(err, "Swarm stopped with errors")
		os.Exit(1)
	}
}
