// Package app wires the pieces together: identity, transport, storage, media
// and the call manager, plus a small console for driving calls.
package app

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/petervdpas/dialp2p/internal/call"
	"github.com/petervdpas/dialp2p/internal/config"
	"github.com/petervdpas/dialp2p/internal/media"
	"github.com/petervdpas/dialp2p/internal/p2p"
	"github.com/petervdpas/dialp2p/internal/peerconn"
	"github.com/petervdpas/dialp2p/internal/presence"
	"github.com/petervdpas/dialp2p/internal/proto"
	"github.com/petervdpas/dialp2p/internal/signaling"
	"github.com/petervdpas/dialp2p/internal/storage"
	"github.com/petervdpas/dialp2p/internal/util"
)

// App holds the running components.
type App struct {
	cfg      config.Config
	node     *p2p.Node
	store    *storage.DB
	sig      *signaling.PubSub
	pres     *presence.Publisher
	pipeline *media.Pipeline
	pcf      *peerconn.Factory
	mgr      *call.Manager
	bridge   *call.Bridge
}

// New builds the full component stack from a config file, writing defaults if
// the file does not exist yet.
func New(ctx context.Context, cfgPath string) (*App, error) {
	cfg, created, err := config.Ensure(cfgPath)
	if err != nil {
		return nil, err
	}
	if created {
		log.Printf("APP: wrote default config to %s", cfgPath)
	}

	// Relative paths in the config are resolved against the config file's
	// directory, so a peer directory stays self-contained.
	baseDir := filepath.Dir(cfgPath)

	node, err := p2p.New(ctx, cfg.P2P.ListenPort, util.ResolvePath(baseDir, cfg.Identity.KeyFile), cfg.P2P.MdnsTag)
	if err != nil {
		return nil, fmt.Errorf("app: start node: %w", err)
	}

	store, err := storage.Open(util.ResolvePath(baseDir, cfg.Storage.DataDir))
	if err != nil {
		node.Close()
		return nil, fmt.Errorf("app: open storage: %w", err)
	}

	sig := signaling.NewPubSub(node.PubSub(), node.Host.ID())

	pres, err := presence.New(node.PubSub(), cfg.Presence.Topic, node.ID())
	if err != nil {
		store.Close()
		node.Close()
		return nil, fmt.Errorf("app: presence: %w", err)
	}

	pipeline, err := media.NewPipeline()
	if err != nil {
		pres.Close()
		store.Close()
		node.Close()
		return nil, fmt.Errorf("app: media pipeline: %w", err)
	}
	pcf := peerconn.NewFactory(pipeline.API(), cfg.Call.ICEServers)

	mgr, err := call.NewManager(
		call.Options{
			SelfID:      node.ID(),
			RingTimeout: time.Duration(cfg.Call.RingTimeoutSec) * time.Second,
			Video:       cfg.Call.Video,
		},
		sig,
		store,
		mediaAdapter{pipeline},
		func(callID string) (call.PeerConnection, error) { return pcf.New(callID) },
		pres,
	)
	if err != nil {
		pres.Close()
		store.Close()
		node.Close()
		return nil, fmt.Errorf("app: call manager: %w", err)
	}

	return &App{
		cfg:      cfg,
		node:     node,
		store:    store,
		sig:      sig,
		pres:     pres,
		pipeline: pipeline,
		pcf:      pcf,
		mgr:      mgr,
		bridge:   call.NewBridge(mgr),
	}, nil
}

// Manager exposes the call manager for embedding callers.
func (a *App) Manager() *call.Manager { return a.mgr }

// Bridge exposes the lifecycle bridge for platform integration.
func (a *App) Bridge() *call.Bridge { return a.bridge }

// Close shuts the stack down in reverse dependency order.
func (a *App) Close() {
	a.mgr.Close()
	a.sig.Close()
	a.pres.Close()
	if err := a.store.Close(); err != nil {
		log.Printf("APP: close storage: %v", err)
	}
	if err := a.node.Close(); err != nil {
		log.Printf("APP: close node: %v", err)
	}
}

// Run starts the stack and drives it from the console until ctx is cancelled
// or the user quits.
func Run(ctx context.Context, cfgPath string) error {
	app, err := New(ctx, cfgPath)
	if err != nil {
		return err
	}
	defer app.Close()

	log.Printf("APP: peer ID %s", app.node.ID())
	for _, addr := range app.node.Addrs() {
		log.Printf("APP: listening on %s", addr)
	}
	if err := app.pres.SetStatus(ctx, proto.PresenceAvailable); err != nil {
		log.Printf("APP: presence: %v", err)
	}
	go app.pres.Run(ctx, time.Duration(app.cfg.Presence.HeartbeatSec)*time.Second)

	return app.console(ctx)
}

// console reads commands from stdin. One command per line; unknown input
// prints the help text.
func (a *App) console(ctx context.Context) error {
	lines := make(chan string)
	go func() {
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	}()

	fmt.Println("commands: call <peer-id> | accept [id] | decline [id] | end | mute | speaker | status | history | id | quit")
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := a.dispatch(ctx, strings.TrimSpace(line)); quit {
				return nil
			}
		}
	}
}

func (a *App) dispatch(ctx context.Context, line string) (quit bool) {
	if line == "" {
		return false
	}
	cmd, arg, _ := strings.Cut(line, " ")

	switch cmd {
	case "call":
		id, err := a.mgr.Initiate(ctx, strings.TrimSpace(arg))
		if err != nil {
			fmt.Println("error:", err)
			return false
		}
		fmt.Println("ringing, call", id)
	case "accept":
		if err := a.mgr.Accept(ctx, a.callArg(arg)); err != nil {
			fmt.Println("error:", err)
		}
	case "decline":
		if err := a.mgr.Decline(ctx, a.callArg(arg)); err != nil {
			fmt.Println("error:", err)
		}
	case "end":
		if err := a.mgr.End(ctx); err != nil {
			fmt.Println("error:", err)
		}
	case "mute":
		muted, err := a.mgr.ToggleMute()
		if err != nil {
			fmt.Println("error:", err)
			return false
		}
		fmt.Println("muted:", muted)
	case "speaker":
		on, err := a.mgr.ToggleSpeaker()
		if err != nil {
			fmt.Println("error:", err)
			return false
		}
		fmt.Println("speaker:", on)
	case "status":
		snap := a.mgr.Status()
		fmt.Printf("state=%s role=%s call=%s peer=%s conn=%s\n",
			snap.State, snap.Role, snap.CallID, snap.PeerID, snap.ConnState)
	case "history":
		recs, err := a.mgr.History(10)
		if err != nil {
			fmt.Println("error:", err)
			return false
		}
		for _, r := range recs {
			fmt.Printf("%s  %s → %s  %s  %s\n",
				r.ID, r.CallerID, r.CalleeID, r.Status, r.CreatedAt.Format("2006-01-02 15:04:05"))
		}
	case "id":
		fmt.Println(a.node.ID())
	case "quit", "exit":
		return true
	default:
		fmt.Println("commands: call <peer-id> | accept [id] | decline [id] | end | mute | speaker | status | history | id | quit")
	}
	return false
}

// callArg resolves the optional call-ID argument of accept/decline, falling
// back to the currently ringing call.
func (a *App) callArg(arg string) string {
	if arg = strings.TrimSpace(arg); arg != "" {
		return arg
	}
	return a.mgr.Status().CallID
}

// mediaAdapter narrows the concrete pipeline to the manager's media surface.
type mediaAdapter struct {
	p *media.Pipeline
}

func (m mediaAdapter) Acquire(ctx context.Context, video, audio bool) (call.MediaStream, error) {
	s, err := m.p.Acquire(ctx, video, audio)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (m mediaAdapter) Bind(s call.MediaStream, pc call.PeerConnection) error {
	stream, ok := s.(*media.Stream)
	if !ok {
		return fmt.Errorf("app: unexpected stream type %T", s)
	}
	adapter, ok := pc.(*peerconn.Adapter)
	if !ok {
		return fmt.Errorf("app: unexpected peer connection type %T", pc)
	}
	return m.p.Bind(stream, adapter)
}
