// Matchd — development matchmaking/relay server.
//
// It pairs connected clients into rooms, relays their negotiation and chat
// frames, and acknowledges abuse reports. In-memory only: restart loses all
// queue and room state.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"

	"github.com/pterm/pterm"

	"github.com/roulette-p2p/roulette/internal/matchserver"
	"github.com/roulette-p2p/roulette/internal/util"
)

var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	addr := flag.String("addr", ":8800", "Listen address")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	if *debugMode {
		util.EnableDebug()
	}

	pterm.Info.Printf("Matchd — v%s\n", version)

	srv := matchserver.NewServer()
	port, err := srv.Start(*addr)
	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
	defer srv.Close()

	util.LogInfo("listening on port %d (endpoint %s)", port, matchserver.Path)

	<-ctx.Done()
	util.LogInfo("shutting down")
}
