// Roulette — CLI entry point.
//
// This tool is the client half of an anonymous random-pair chat service: it
// queues on a matchmaking server, gets paired with a stranger, negotiates a
// peer-to-peer media session over WebRTC, and relays text chat through the
// server.
//
// It can be launched non-interactively via CLI flags (-server, -video,
// -audio) or fall back to an interactive prompt for the server URL.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strings"

	"github.com/pion/webrtc/v4"
	"github.com/pterm/pterm"

	"github.com/roulette-p2p/roulette/internal/config"
	"github.com/roulette-p2p/roulette/internal/media"
	"github.com/roulette-p2p/roulette/internal/negotiation"
	"github.com/roulette-p2p/roulette/internal/session"
	"github.com/roulette-p2p/roulette/internal/signaling"
	"github.com/roulette-p2p/roulette/internal/util"
)

var version = "dev"

func main() {
	// Root context — cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	// CLI flags.
	serverFlag := flag.String("server", "", "Matchmaking server URL (e.g. wss://example.com)")
	videoFlag := flag.String("video", "", "IVF (VP8) file streamed as the local camera")
	audioFlag := flag.String("audio", "", "Ogg Opus file streamed as the local microphone")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	if *debugMode {
		util.EnableDebug()
	}

	pterm.Info.Println(fmt.Sprintf("Roulette — v%s", version))
	pterm.Println()

	cfg := config.Config{
		VideoFile: *videoFlag,
		AudioFile: *audioFlag,
		Debug:     *debugMode,
	}

	if *serverFlag != "" {
		serverURL, err := normalizeServerURL(*serverFlag)
		if err != nil {
			util.LogError("%v", err)
			os.Exit(1)
		}
		cfg.ServerURL = serverURL
	} else {
		cfg.ServerURL = askURL()
	}

	if err := run(ctx, cfg); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config) error {
	// Local media. Missing files are a hard error (the user asked for
	// them); no files at all means a receive-only session.
	var source media.Source
	if cfg.VideoFile != "" || cfg.AudioFile != "" {
		fileSource, err := media.NewFileSource(cfg.VideoFile, cfg.AudioFile)
		if err != nil {
			return fmt.Errorf("local media unavailable: %w", err)
		}
		fileSource.Start(ctx)
		defer fileSource.Close()
		source = fileSource
	} else {
		util.LogWarning("no media files given — joining receive-only")
		source = media.NullSource{}
	}

	sink := media.NewTrackSink()
	notifier := &cliNotifier{ctx: ctx, sink: sink}

	dial := func(ctx context.Context) (session.Channel, error) {
		return signaling.Dial(ctx, cfg.ServerURL)
	}

	ctrl := session.New(dial, negotiation.NewEngine(source.Tracks()), source, sink, notifier)
	go ctrl.Run(ctx)

	util.StartStatsReporter(ctx)

	// Queue up right away; /stop and /start control it afterwards.
	ctrl.Start()

	printHelp()
	return inputLoop(ctx, ctrl, source)
}

// inputLoop reads stdin: plain lines are chat, slash commands drive intents.
// Returns when the user quits or ctx is cancelled.
func inputLoop(ctx context.Context, ctrl *session.Controller, source media.Source) error {
	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	for {
		var line string
		select {
		case <-ctx.Done():
			return nil
		case l, ok := <-lines:
			if !ok {
				return nil
			}
			line = strings.TrimSpace(l)
		}
		if line == "" {
			continue
		}

		switch line {
		case "/start":
			ctrl.Start()
		case "/next":
			ctrl.Next()
		case "/stop":
			ctrl.Stop()
		case "/report":
			ctrl.Report()
		case "/mute":
			source.SetAudioEnabled(false)
		case "/unmute":
			source.SetAudioEnabled(true)
		case "/hide":
			source.SetVideoEnabled(false)
		case "/show":
			source.SetVideoEnabled(true)
		case "/help":
			printHelp()
		case "/quit":
			ctrl.Stop()
			return nil
		default:
			if strings.HasPrefix(line, "/") {
				util.LogWarning("unknown command %s (try /help)", line)
				continue
			}
			ctrl.Chat(line)
		}
	}
}

func printHelp() {
	pterm.Println("Type to chat. Commands: /start /next /stop /report /mute /unmute /hide /show /quit")
	pterm.Println()
}

// cliNotifier renders controller output and drains remote tracks.
type cliNotifier struct {
	ctx  context.Context
	sink *media.TrackSink
}

func (n *cliNotifier) Status(text string) {
	pterm.FgGray.Println("· " + text)
}

func (n *cliNotifier) Chat(tag session.Tag, text string) {
	switch tag {
	case session.TagLocal:
		pterm.FgCyan.Println("you > " + text)
	case session.TagRemote:
		pterm.FgGreen.Println("stranger > " + text)
	default:
		pterm.FgGray.Println("· " + text)
	}
}

func (n *cliNotifier) RemoteTrack(track *webrtc.TrackRemote) {
	util.LogDebug("remote %s track arrived", track.Kind())
	go n.sink.Consume(n.ctx, track)
}

// ---------------------------------------------------------------------------
// Helper Functions
// ---------------------------------------------------------------------------

// normalizeServerURL validates a raw server URL and pins it to the chat
// endpoint path. Plain hostnames default to wss.
func normalizeServerURL(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		// Bare "host:port" parses with an empty Host; retry with a scheme.
		u, err = url.Parse("wss://" + strings.TrimSpace(raw))
		if err != nil || u.Host == "" {
			return "", fmt.Errorf("invalid server URL: %s", raw)
		}
	}
	scheme := "wss"
	if u.Scheme == "ws" || u.Scheme == "wss" {
		scheme = u.Scheme
	}
	return fmt.Sprintf("%s://%s/ws/chat/", scheme, u.Host), nil
}

// askURL prompts the user for a valid server URL until one is entered.
func askURL() string {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText("Server URL (e.g. wss://chat.example.com)").
			Show()

		serverURL, err := normalizeServerURL(raw)
		if err == nil {
			pterm.Println()
			return serverURL
		}

		pterm.Println()
		util.LogWarning("invalid input: please enter a valid host or URL")
	}
}
