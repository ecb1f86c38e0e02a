// Command middleman runs the peer-side shim that multiplexes an
// application's UDP traffic onto the turnrelay framed protocol.
package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/nixrelay/turnrelay/internal/frame"
	"github.com/nixrelay/turnrelay/internal/middleman"
)

func main() {
	server := flag.Bool("server", false, "run in the server role (binds SERVER_ID)")
	id := flag.Uint("id", 0, "peer id for the client role; 0 derives one from the host")
	listenPort := flag.Int("listen-port", 6942, "server role: local application port peer sockets connect to")
	relayIP := flag.String("relay-ip", "127.0.0.1", "relay host (IPv4 literal or hostname)")
	relayPort := flag.Int("relay-port", 6942, "relay UDP port")
	verbose := flag.Bool("verbose", false, "enable verbose logging")
	flag.Parse()

	var logger *log.Logger
	if *verbose {
		logger = log.New(os.Stdout, "", log.LstdFlags|log.Lmicroseconds)
	} else {
		logger = log.New(io.Discard, "", 0)
	}

	role := middleman.RoleClient
	selfID := frame.PeerID(*id)
	if *server {
		role = middleman.RoleServer
		selfID = frame.ServerID
	}

	mm, err := middleman.New(middleman.Config{
		Role:       role,
		SelfID:     selfID,
		RelayIP:    *relayIP,
		RelayPort:  *relayPort,
		ListenPort: *listenPort,
		Logger:     logger,
		OnIPResolved: func(ip net.IP, port int) {
			fmt.Printf("middleman: relay resolved to %s:%d\n", ip, port)
		},
		OnPeerRegistered: func(peerID frame.PeerID, localPort int) {
			fmt.Printf("middleman: peer %d bound to local port %d\n", peerID, localPort)
		},
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "middleman: %v\n", err)
		os.Exit(1)
	}
	defer mm.Close()

	fmt.Printf("middleman: running as %s, self id %d, relay %s:%d\n", role, mm.SelfID(), *relayIP, *relayPort)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
}
