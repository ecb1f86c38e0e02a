// Command turnrelay runs the TURN-like UDP relay: a single socket that
// forwards framed datagrams between a registered origin server and its
// registered clients, keeping NAT bindings alive.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/nixrelay/turnrelay/internal/monitor"
	"github.com/nixrelay/turnrelay/internal/relay"
)

func main() {
	port := flag.Int("port", 6942, "UDP port to listen on")
	verbose := flag.Bool("verbose", false, "enable verbose per-datagram logging")
	direct := flag.Bool("direct", false, "treat unframed datagrams as raw direct-mode client traffic")
	monitorAddr := flag.String("monitor-addr", "", "optional HTTP/WebSocket status address (e.g. :8080); empty disables it")
	flag.Parse()

	var logger *log.Logger
	if *verbose {
		logger = log.New(os.Stdout, "", log.LstdFlags|log.Lmicroseconds)
	} else {
		logger = log.New(io.Discard, "", 0)
	}

	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4zero, Port: *port})
	if err != nil {
		fmt.Fprintf(os.Stderr, "turnrelay: %v\n", err)
		os.Exit(1)
	}
	defer conn.Close()

	r := relay.New(conn, relay.Options{Direct: *direct, Logger: logger})

	if *monitorAddr != "" {
		hub := monitor.NewHub(func() interface{} { return r.Registry().Stats() }, logger)
		r.SetEventSink(hub)
		go func() {
			if err := hub.ListenAndServe(*monitorAddr); err != nil {
				logger.Printf("monitor: %v", err)
			}
		}()
		fmt.Printf("turnrelay: monitoring on %s (/health, /api/stats, /ws)\n", *monitorAddr)
	}

	fmt.Printf("turnrelay: listening on :%d (direct=%v)\n", *port, *direct)

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	if err := r.Run(ctx); err != nil && err != context.Canceled {
		fmt.Fprintf(os.Stderr, "turnrelay: %v\n", err)
		os.Exit(1)
	}
}
