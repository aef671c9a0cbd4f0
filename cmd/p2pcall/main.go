// P2P Call: CLI entry point.
//
// Two operators set up a direct WebRTC audio/video call by relaying the offer,
// the answer and ICE candidates themselves (copy/paste through any chat), or
// through an optional PIN-protected WebSocket pipe (-listen / -connect).
//
// The "camera" is an IVF file (-video) and the "microphone" an Ogg/Opus file
// (-audio); without -audio, comfort silence is sent. Remote media is drained
// and, with -record, written to disk.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strings"

	"github.com/pion/webrtc/v4"
	"github.com/pterm/pterm"

	"github.com/1ureka/p2pcall/internal/call"
	"github.com/1ureka/p2pcall/internal/config"
	"github.com/1ureka/p2pcall/internal/media"
	"github.com/1ureka/p2pcall/internal/peer"
	"github.com/1ureka/p2pcall/internal/signaling"
	"github.com/1ureka/p2pcall/internal/ui"
	"github.com/1ureka/p2pcall/internal/util"
)

var version = "dev"

func main() {
	// Root context, cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	// CLI flags.
	iceFlag := flag.String("ice", "", "Comma-separated STUN/TURN URLs (overrides "+config.EnvICEServersJSON+" and "+config.EnvSTUNURLs+")")
	iceUser := flag.String("ice-username", "", "TURN username")
	iceCred := flag.String("ice-credential", "", "TURN credential")
	videoFlag := flag.String("video", "", "IVF file (VP8/VP9/AV1) used as the camera")
	audioFlag := flag.String("audio", "", "Ogg/Opus file used as the microphone (default: silence)")
	recordFlag := flag.String("record", "", "Directory to record remote media into")
	clipboardFlag := flag.Bool("clipboard", true, "Copy outgoing relay text to the system clipboard")
	listenFlag := flag.String("listen", "", "Host a relay pipe on this address (e.g. :0)")
	connectFlag := flag.String("connect", "", "Connect to a peer's relay pipe (ws://host:port/ws?pin=1234)")
	udpPortsFlag := flag.String("udp-ports", "", "UDP port range for ICE, min-max")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	traceMode := flag.Bool("trace", false, "Enable debug logging plus pion's internal trace output")
	flag.Parse()

	switch {
	case *traceMode:
		util.EnableTrace()
	case *debugMode:
		util.EnableDebug()
	}

	pterm.Info.Println(fmt.Sprintf("P2P Call v%s", version))
	pterm.Println()

	cfg, err := buildConfig(*iceFlag, *iceUser, *iceCred, *udpPortsFlag, *listenFlag, *connectFlag)
	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
	cfg.Media = config.Media{VideoFile: *videoFlag, AudioFile: *audioFlag, RecordDir: *recordFlag}
	cfg.Clipboard = *clipboardFlag
	cfg.Debug = *debugMode || *traceMode

	if err := run(ctx, cfg); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}

	util.LogInfo("bye")
}

// buildConfig validates the network flags.
func buildConfig(iceList, iceUser, iceCred, udpPorts, listen, connect string) (config.Config, error) {
	var cfg config.Config

	servers, err := config.ResolveICEServers(iceList, iceUser, iceCred, os.Getenv)
	if err != nil {
		return cfg, fmt.Errorf("invalid ICE servers: %w", err)
	}
	cfg.ICEServers = servers

	cfg.UDPPorts, err = config.ParsePortRange(udpPorts)
	if err != nil {
		return cfg, err
	}

	if listen != "" && connect != "" {
		return cfg, fmt.Errorf("-listen and -connect are mutually exclusive")
	}
	if connect != "" {
		connect, err = normalizeWSURL(connect)
		if err != nil {
			return cfg, err
		}
	}
	cfg.Pipe = config.Pipe{ListenAddr: listen, ConnectURL: connect}
	return cfg, nil
}

// ---------------------------------------------------------------------------
// Run
// ---------------------------------------------------------------------------

// relay holds the optional outboxes and inboxes for relay text.
type relay struct {
	clip *signaling.Clipboard
	pipe *signaling.Pipe
}

func (r *relay) outboxes() []signaling.Outbox {
	var out []signaling.Outbox
	if r.clip != nil {
		out = append(out, r.clip)
	}
	if r.pipe != nil {
		out = append(out, r.pipe)
	}
	return out
}

func (r *relay) waiting() int {
	if r.pipe == nil {
		return 0
	}
	return r.pipe.Waiting()
}

// discard drops text received over the pipe and not yet submitted.
func (r *relay) discard() int {
	if r.pipe == nil {
		return 0
	}
	return r.pipe.Discard()
}

func (r *relay) close() {
	if r.pipe != nil {
		r.pipe.Close()
	}
}

func setupRelay(ctx context.Context, cfg config.Config) (*relay, error) {
	r := &relay{}

	if cfg.Clipboard {
		clip, err := signaling.NewClipboard()
		if err != nil {
			util.LogWarning("%v; relay text is shown on screen only", err)
		} else {
			r.clip = clip
		}
	}

	switch {
	case cfg.Pipe.ListenAddr != "":
		p, port, pin, err := signaling.HostPipe(ctx, cfg.Pipe.ListenAddr)
		if err != nil {
			return nil, err
		}
		r.pipe = p
		ui.PrintPipeInfo(port, pin)
	case cfg.Pipe.ConnectURL != "":
		p, err := signaling.DialPipe(ctx, cfg.Pipe.ConnectURL)
		if err != nil {
			return nil, err
		}
		r.pipe = p
	}
	return r, nil
}

func run(ctx context.Context, cfg config.Config) error {
	api, err := peer.NewAPI(peer.APIOptions{UDPPorts: cfg.UDPPorts})
	if err != nil {
		return err
	}

	r, err := setupRelay(ctx, cfg)
	if err != nil {
		return err
	}
	defer r.close()

	term := ui.NewTerminal(r.outboxes()...)
	ctl := call.New(call.Deps{
		Acquire: func(ctx context.Context) (call.MediaSource, error) {
			src, err := media.Acquire(ctx, cfg.Media)
			if err != nil {
				return nil, err
			}
			return src, nil
		},
		NewSession: func() (call.Session, error) {
			s, err := peer.NewSession(api, cfg.ICEServers)
			if err != nil {
				return nil, err
			}
			return s, nil
		},
		Sink: media.NewSink(cfg.Media.RecordDir),
		View: term,
	})
	defer ctl.Close()

	util.StartStatsReporter(ctx)
	logICEServers(cfg.ICEServers)

	for ctx.Err() == nil {
		action := ui.ChooseAction(ctl.Actions(), r.waiting())

		err = nil
		switch action {
		case ui.ActionQuit:
			return nil
		case call.ActionStartCamera:
			err = ctl.AcquireMedia(ctx)
		case call.ActionCreateCall:
			err = ctl.StartCall(ctx, config.RoleInitiator)
		case call.ActionJoinCall:
			err = ctl.StartCall(ctx, config.RoleResponder)
		case call.ActionSubmit:
			err = submit(ctx, ctl, r)
		case call.ActionHangUp:
			err = hangUp(ctl, r)
		}
		if err != nil {
			util.LogDebug("%s: %v", action, err)
		}
	}
	return nil
}

// submit applies text received over the pipe, oldest first. Without pipe
// input it asks for a paste, falling back to the clipboard.
func submit(ctx context.Context, ctl *call.Controller, r *relay) error {
	if r.pipe != nil {
		if texts := r.pipe.Drain(); len(texts) > 0 {
			var firstErr error
			for _, text := range texts {
				if err := ctl.Submit(ctx, text); err != nil && firstErr == nil {
					firstErr = err
				}
			}
			return firstErr
		}
	}

	text := ui.AskPaste()
	if text == "" && r.clip != nil {
		if clip, ok := r.clip.Read(); ok {
			util.LogInfo("using clipboard text [%s]", util.Fingerprint(clip))
			text = clip
		}
	}
	return ctl.Submit(ctx, text)
}

// hangUp ends the call and drops pipe text received for it, so the next call
// never applies the previous call's offer, answer or candidates.
func hangUp(ctl interface{ HangUp() error }, r *relay) error {
	if err := ctl.HangUp(); err != nil {
		return err
	}
	if n := r.discard(); n > 0 {
		util.LogDebug("discarded %d relay text(s) received over pipe", n)
	}
	return nil
}

func logICEServers(servers []webrtc.ICEServer) {
	for _, s := range servers {
		util.LogDebug("ICE server: %s", strings.Join(s.URLs, ", "))
	}
}

// ---------------------------------------------------------------------------
// Helper Functions
// ---------------------------------------------------------------------------

// normalizeWSURL validates a pipe URL and fills in the /ws path. The pin
// query parameter is kept.
func normalizeWSURL(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid WebSocket URL: %s", raw)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		u.Scheme = "ws"
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/ws"
	}
	if u.Query().Get("pin") == "" {
		return "", fmt.Errorf("WebSocket URL is missing ?pin=: %s", raw)
	}
	return u.String(), nil
}
