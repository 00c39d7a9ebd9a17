// ABOUTME: Compositor daemon serving presentation feedback over WebSocket
// ABOUTME: Hosts a simulated display per session and advertises itself over mDNS
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/Flipstamp/flipstamp-go/internal/feedbackws"
	"github.com/Flipstamp/flipstamp-go/internal/simdisplay"
	"github.com/Flipstamp/flipstamp-go/internal/version"
)

var (
	port         = flag.Int("port", 8931, "WebSocket server port")
	name         = flag.String("name", "", "Compositor name (default: hostname-flipstamp-compositor)")
	refresh      = flag.Float64("refresh", 60, "Display refresh rate in Hz")
	latchMargin  = flag.Float64("latch-margin", 0.001, "Seconds before vblank a commit must arrive")
	lagFrames    = flag.Uint64("lag", 0, "Refreshes between latch and scanout")
	unredirected = flag.Bool("unredirected", false, "Report zero-copy, uncomposited presentation")
	noMDNS       = flag.Bool("no-mdns", false, "Disable mDNS advertisement")
	debug        = flag.Bool("debug", false, "Enable debug logging")
)

func main() {
	flag.Parse()

	compositorName := *name
	if compositorName == "" {
		hostname, err := os.Hostname()
		if err != nil {
			hostname = "unknown"
		}
		compositorName = fmt.Sprintf("%s-flipstamp-compositor", hostname)
	}

	// One display shared by every session, as on a real output.
	display := simdisplay.New(simdisplay.Config{RefreshRate: *refresh})

	server := feedbackws.NewServer(feedbackws.ServerConfig{
		Port:       *port,
		Name:       compositorName,
		EnableMDNS: !*noMDNS,
		Debug:      *debug,
		NewSurface: func() feedbackws.Surface {
			return simdisplay.NewCompositor(display, simdisplay.CompositorConfig{
				LatchMargin:  *latchMargin,
				LagFrames:    *lagFrames,
				Unredirected: *unredirected,
			})
		},
	})

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Printf("Shutdown signal received")
		server.Stop()
	}()

	log.Printf("%s compositor at %.2f Hz", version.String(), *refresh)
	if err := server.Start(); err != nil {
		log.Fatalf("Compositor error: %v", err)
	}
}
