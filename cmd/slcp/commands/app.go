package commands

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"

	"github.com/RobinSp5/BSRN-Chat-tool/internal/config"
	"github.com/RobinSp5/BSRN-Chat-tool/internal/control"
	"github.com/RobinSp5/BSRN-Chat-tool/internal/discovery"
	"github.com/RobinSp5/BSRN-Chat-tool/internal/instanceid"
	"github.com/RobinSp5/BSRN-Chat-tool/internal/registry"
	"github.com/RobinSp5/BSRN-Chat-tool/internal/router"
	"github.com/RobinSp5/BSRN-Chat-tool/internal/session"
	"github.com/RobinSp5/BSRN-Chat-tool/internal/ui"
)

// app is one running client: chat server, discovery engine, session and
// the optional mDNS and control companions
type app struct {
	cfg        *config.Config
	instanceID string
	out        io.Writer

	store     *config.Store
	registry  *registry.Registry
	engine    *discovery.Engine
	server    *router.Server
	client    *router.Client
	session   *session.Session
	mdns      *discovery.MDNS
	control   *control.Server
	presenter *ui.Presenter
}

func newApp(cfg *config.Config, paths *config.Paths, out io.Writer) *app {
	id, err := instanceid.GetOrCreate(paths.InstanceIDFile)
	if err != nil {
		slog.Warn("could not get instance id", "error", err)
	}

	a := &app{
		cfg:        cfg,
		instanceID: id,
		out:        out,
		store:      config.NewStore(paths.ConfigFile),
		registry:   registry.New(),
		client:     router.NewClient(cfg.Network.Timeout(), cfg.Network.MaxImageSize),
		presenter:  ui.NewPresenter(out),
	}

	ip := cfg.Network.LocalIP
	if ip == "" {
		ip = discovery.LocalIP()
	}

	a.engine = discovery.New(discovery.Config{
		Port:            cfg.Network.WhoisPort,
		BroadcastAddr:   cfg.Network.BroadcastAddress,
		SeedPeers:       cfg.Network.SeedPeers,
		PeerTimeout:     cfg.Network.Timeout(),
		RefreshInterval: cfg.Discovery.Refresh(),
		StaleTimeout:    cfg.Discovery.Stale(),
		SweepInterval:   cfg.Discovery.Sweep(),
		DiscoveryPause:  cfg.Discovery.Pause(),
	}, discovery.Identity{IP: ip, Port: cfg.Network.ChatPort}, a.registry, a.presenter,
		discovery.WithHandleStore(a.store))

	a.session = session.New(session.Config{
		AutoReply:   cfg.User.AutoReply,
		AwayRefresh: cfg.User.AwayRefresh,
	}, a.engine, a.registry, a.store, a.client, a.presenter)

	a.server = router.NewServer(router.ServerConfig{
		Addr:         fmt.Sprintf(":%d", cfg.Network.ChatPort),
		ReadTimeout:  cfg.Network.Timeout(),
		MaxImageSize: cfg.Network.MaxImageSize,
	}, a.session, a.engine, a.registry)

	if cfg.Discovery.MDNS {
		instance := ""
		if id != "" {
			instance = "slcp-" + instanceid.Short(id)
		}
		a.mdns = discovery.NewMDNS(a.engine, instance)
		a.session.SetAnnouncer(a.mdns)
	}
	if cfg.Control.Enabled {
		a.control = control.NewServer(a)
	}
	return a
}

// Start opens the chat port and, when a handle is configured, joins. The
// control and mDNS companions are best effort.
func (a *app) Start(ctx context.Context) error {
	if err := a.server.Start(); err != nil {
		return err
	}

	if handle := a.cfg.User.Handle; handle != "" {
		if err := a.session.Join(ctx, handle); err != nil {
			a.server.Stop()
			return fmt.Errorf("failed to join as %q: %w", handle, err)
		}
	}

	if a.mdns != nil {
		if err := a.mdns.Start(); err != nil {
			slog.Warn("mdns unavailable", "error", err)
		}
	}
	if a.control != nil {
		if err := a.control.Start(a.cfg.Control.Addr); err != nil {
			slog.Warn("control plane unavailable", "error", err)
			a.control = nil
		}
	}
	return nil
}

// Stop leaves the network and shuts everything down
func (a *app) Stop(ctx context.Context) {
	if a.control != nil {
		a.control.Stop()
	}
	if a.mdns != nil {
		a.mdns.Stop()
	}
	if err := a.session.Leave(ctx); err != nil {
		slog.Warn("leave failed", "error", err)
	}
	if err := a.server.Stop(); err != nil {
		slog.Debug("chat server stop", "error", err)
	}
}

// watchConfig adopts handle changes written to the config file by other
// tools. Our own writes carry the current handle and are ignored.
func (a *app) watchConfig(ctx context.Context) {
	err := config.Watch(ctx, a.store.Path(), func(cfg *config.Config) {
		handle := strings.TrimSpace(cfg.User.Handle)
		if handle == "" || handle == a.session.Handle() {
			return
		}
		slog.Info("config: handle changed on disk", "handle", handle)
		if err := a.session.Join(ctx, handle); err != nil {
			a.presenter.Println(ui.RenderError(err))
			return
		}
		a.presenter.Println(ui.RenderDim("handle changed to " + handle))
	})
	if err != nil {
		slog.Warn("config watch stopped", "error", err)
	}
}

// otherPeers returns every known peer except self, sorted by handle
func (a *app) otherPeers(onlyVisible bool) []registry.Peer {
	self := a.session.Handle()
	snap := a.registry.Snapshot(onlyVisible)
	peers := make([]registry.Peer, 0, len(snap))
	for handle, p := range snap {
		if handle == self {
			continue
		}
		peers = append(peers, p)
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].Handle < peers[j].Handle })
	return peers
}

// Status implements control.Backend
func (a *app) Status() control.Status {
	peers := a.registry.Count()
	if a.registry.LocalHandle() != "" {
		peers--
	}
	return control.Status{
		Handle:      a.session.Handle(),
		InstanceID:  a.instanceID,
		State:       a.engine.State().String(),
		Away:        a.session.Away(),
		Degraded:    a.engine.Degraded(),
		ChatPort:    a.server.Port(),
		Peers:       peers,
		Connections: a.server.Connections(),
	}
}

// Peers implements control.Backend
func (a *app) Peers() []registry.Peer {
	snap := a.registry.Snapshot(false)
	peers := make([]registry.Peer, 0, len(snap))
	for _, p := range snap {
		peers = append(peers, p)
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].Handle < peers[j].Handle })
	return peers
}

// Refresh implements control.Backend
func (a *app) Refresh(ctx context.Context) error {
	return a.engine.RequestDiscovery(ctx)
}

// Rename implements control.Backend. Renaming before any handle was set
// joins instead.
func (a *app) Rename(ctx context.Context, handle string) error {
	if a.session.Handle() == "" {
		return a.session.Join(ctx, handle)
	}
	return a.session.Rename(ctx, handle)
}

// ToggleAway implements control.Backend. The notice is printed above the
// prompt since the toggle came from another tool.
func (a *app) ToggleAway(ctx context.Context) bool {
	away := a.session.ToggleAway(ctx)
	a.presenter.Println(awayNotice(away))
	return away
}

// SendText implements control.Backend
func (a *app) SendText(ctx context.Context, to, text string) (int, int, error) {
	from := a.session.Handle()
	if from == "" {
		return 0, 0, discovery.ErrNoHandle
	}

	if to == "" {
		res := a.client.Broadcast(ctx, a.otherPeers(false), from, text)
		for handle, err := range res.Failed {
			slog.Warn("send failed", "to", handle, "error", err)
		}
		return len(res.Sent), res.Total, nil
	}

	peer, ok := a.registry.Get(to)
	if !ok || to == from {
		return 0, 0, fmt.Errorf("%w: %s", control.ErrUnknownPeer, to)
	}
	if err := a.client.SendText(ctx, peer, from, text); err != nil {
		return 0, 1, err
	}
	return 1, 1, nil
}

// SendImage sends the image data to one peer
func (a *app) SendImage(ctx context.Context, to string, data []byte) error {
	from := a.session.Handle()
	if from == "" {
		return discovery.ErrNoHandle
	}
	peer, ok := a.registry.Get(to)
	if !ok || to == from {
		return fmt.Errorf("%w: %s", control.ErrUnknownPeer, to)
	}
	return a.client.SendImage(ctx, peer, from, data)
}

func awayNotice(away bool) string {
	if away {
		return ui.RenderDim("you are now away")
	}
	return ui.RenderDim("you are back")
}
