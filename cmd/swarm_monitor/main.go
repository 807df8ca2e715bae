package main

import (
	"context"
	"flag"
	"fmt"
	"math"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/feellmoose/gridswarm/internal/dht"
	"github.com/feellmoose/gridswarm/internal/ring"
	"github.com/feellmoose/gridswarm/internal/transport"
)

// Swarm Monitor Dashboard
// Polls one member's DHT service and shows its view of the swarm and the ring.

func main() {
	addr := flag.String("addr", "127.0.0.1:9000", "RPC address of a swarm member")
	interval := flag.Duration("interval", 2*time.Second, "refresh interval")
	flag.Parse()

	fmt.Println("╔═══════════════════════════════════════════════════════════════════╗")
	fmt.Println("║        GridSwarm Monitor Dashboard                                ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════════╝")
	fmt.Println()

	rpc, err := transport.NewClient(transport.ClientOptions{Timeout: *interval})
	if err != nil {
		fmt.Printf("Failed to create RPC client: %v\n", err)
		return
	}
	defer rpc.Close()
	client := dht.NewClient(rpc)

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	startTime := time.Now()
	for {
		select {
		case <-sigCh:
			fmt.Println("\n\nShutting down...")
			return

		case <-ticker.C:
			clearScreen()
			printDashboard(client, *addr, startTime)
		}
	}
}

func clearScreen() {
	fmt.Print("\033[H\033[2J")
}

func printDashboard(client *dht.Client, addr string, startTime time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	fmt.Println("╔═══════════════════════════════════════════════════════════════════╗")
	fmt.Printf("║  Member %-58s║\n", addr)
	fmt.Println("╚═══════════════════════════════════════════════════════════════════╝")
	fmt.Printf("  Monitoring for: %v\n", time.Since(startTime).Round(time.Second))
	fmt.Printf("  Time: %s\n", time.Now().Format("2006-01-02 15:04:05"))
	fmt.Println()

	start := time.Now()
	nodes, err := client.Nodes(ctx, addr)
	if err != nil {
		fmt.Printf("  ❌ unreachable: %v\n", err)
		return
	}
	rtt := time.Since(start)

	tokens, err := client.Tokens(ctx, addr)
	if err != nil {
		fmt.Printf("  ❌ tokens query failed: %v\n", err)
		return
	}
	share := ownership(tokens)

	fmt.Println("📊 MEMBERS")
	fmt.Println("────────────────────────────────────────────────────────────────────")
	fmt.Printf("  %-8s %-8s %-10s %s\n", "ID", "TOKENS", "OWNERSHIP", "METADATA")
	counts := make(map[ring.NodeID]int)
	for _, e := range tokens {
		counts[e.NodeID]++
	}
	for _, n := range nodes {
		fmt.Printf("  %-8d %-8d %8.2f%%  %v\n", n.ID, counts[n.ID], share[n.ID]*100, n.Metadata)
	}
	fmt.Println()

	fmt.Println("⚡ QUERY METRICS")
	fmt.Println("────────────────────────────────────────────────────────────────────")
	fmt.Printf("  Members:              %6d\n", len(nodes))
	fmt.Printf("  Ring Tokens:          %6d\n", len(tokens))
	fmt.Printf("  Nodes RTT:            %6d µs\n", rtt.Microseconds())
	fmt.Println()

	fmt.Println("Press Ctrl+C to stop monitoring")
}

// ownership returns the fraction of the key space each member owns. A token
// owns the range after its predecessor, the first token wraps around.
func ownership(entries []dht.TokenEntry) map[ring.NodeID]float64 {
	out := make(map[ring.NodeID]float64)
	if len(entries) == 0 {
		return out
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Token < entries[j].Token })

	const space = float64(math.MaxUint64)
	for i, e := range entries {
		prev := entries[(i+len(entries)-1)%len(entries)].Token
		span := uint64(e.Token - prev) // wraps for the first entry
		if len(entries) == 1 {
			span = math.MaxUint64
		}
		out[e.NodeID] += float64(span) / space
	}
	return out
}
