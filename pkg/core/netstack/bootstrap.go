// Package netstack turns a node's configured transports into live
// nodelink.NodeLink collaborators: it listens and dials per
// config.TransportConfig, runs the signed hello handshake over each new
// session's control stream, and hands the result to a Runtime that keeps
// at most one NodeLink per remote node name.
package netstack

import (
    "context"
    "crypto/ed25519"
    "sync"
    "sync/atomic"
    "time"

    "go.uber.org/zap"

    "parcelmesh/pkg/config"
    "parcelmesh/pkg/nodelink"
    "parcelmesh/pkg/router"
    "parcelmesh/pkg/sharedmem"
    "parcelmesh/pkg/transport"
    "parcelmesh/pkg/transport/mem"
    tquic "parcelmesh/pkg/transport/quic"
    ttcp "parcelmesh/pkg/transport/tcp"
    "parcelmesh/pkg/transport/udp"
    "parcelmesh/pkg/xmit"
)

// Options tunes the dial-retry loop's exponential backoff and the hello
// handshake's clock-skew tolerance.
type Options struct {
    BackoffInitial time.Duration
    BackoffMax     time.Duration
    BackoffJitter  time.Duration
    HelloMaxSkew   time.Duration
}

// Config bundles Runtime's dependencies.
type Config struct {
    Logger    *zap.Logger
    Manager   *transport.Manager
    Pool      *sharedmem.Pool
    Scheduler *xmit.Scheduler
    Identity  ed25519.PrivateKey
    NodeName  string
}

// Runtime is one node's view of the mesh: it owns the transport manager,
// the fragment pool and transmission scheduler every NodeLink shares, and
// the table of NodeLinks currently reaching other nodes. It owns no
// Router itself; those are created by whatever higher-level code decides
// a route needs to exist and are looked up by remote node name against
// Runtime.Link when a sublink must be addressed to a peer.
type Runtime struct {
    log      *zap.Logger
    mgr      *transport.Manager
    mem      *sharedmem.Pool
    sched    *xmit.Scheduler
    priv     ed25519.PrivateKey
    nodeName string

    mu    sync.RWMutex
    links map[router.NodeName]*nodelink.NodeLink

    bypassMu      sync.Mutex
    bypassPending map[router.NodeName]*pendingBypassSlot

    activeDials     atomic.Int64
    activeListeners atomic.Int64
}

// pendingBypassSlot is the (link, router) pair a proxy's outward neighbor
// pre-registers via authorize_bypass, keyed by the proxy's inward neighbor's
// node name, so a subsequent accept_bypass_link arriving from that node on
// a connection with no route-specific sublink yet can still be resolved to
// the router and link it concerns.
type pendingBypassSlot struct {
    link router.RouterLink
    r    *router.Router
}

// Authorize implements nodelink.BypassAuthorizer, called when this node
// receives authorize_bypass over an already-established connection to a
// bypass's proxy.
func (rt *Runtime) Authorize(source router.NodeName, link router.RouterLink, r *router.Router) {
    rt.bypassMu.Lock()
    defer rt.bypassMu.Unlock()
    if rt.bypassPending == nil {
        rt.bypassPending = make(map[router.NodeName]*pendingBypassSlot)
    }
    rt.bypassPending[source] = &pendingBypassSlot{link: link, r: r}
}

// Resolve implements nodelink.BypassAuthorizer, consuming the slot Authorize
// recorded for source. Each authorization is single-use.
func (rt *Runtime) Resolve(source router.NodeName) (router.RouterLink, *router.Router, bool) {
    rt.bypassMu.Lock()
    defer rt.bypassMu.Unlock()
    slot, ok := rt.bypassPending[source]
    if !ok {
        return nil, nil, false
    }
    delete(rt.bypassPending, source)
    return slot.link, slot.r, true
}

// BypassResolver adapts rt into a router.BypassResolver: it reuses whatever
// NodeLink already reaches target (mesh nodes dial every configured peer at
// startup, independent of which routes later run over that connection),
// allocates a fresh sublink on it, and exchanges accept_bypass_link to bring
// up the new outward link. It does not itself initiate a fresh dial to a
// node with no existing connection; a node reachable only via bypass and
// never otherwise cannot complete Case A this way.
func BypassResolver(rt *Runtime) router.BypassResolver {
    return func(r *router.Router, target router.NodeName, targetSublink router.SublinkID, inboundLength router.SequenceNumber) (router.RouterLink, error) {
        nl, ok := rt.Link(target)
        if !ok {
            return nil, router.ErrNotFound
        }
        newSublink := nl.AllocateSublinkIDs(1)[0]
        state := router.NewRouterLinkState()
        newLink := router.NewRemoteRouterLink(router.LinkCentral, router.SideA, state, newSublink, nl)
        if err := nl.AddRemoteRouterLink(newSublink, newLink, r); err != nil {
            return nil, err
        }
        if err := nl.SendAcceptBypassLink(targetSublink, newSublink, state, inboundLength); err != nil {
            newLink.Deactivate()
            return nil, err
        }
        return newLink, nil
    }
}

// New returns an empty Runtime ready to accept and dial sessions.
func New(cfg Config) *Runtime {
    return &Runtime{
        log:      cfg.Logger,
        mgr:      cfg.Manager,
        mem:      cfg.Pool,
        sched:    cfg.Scheduler,
        priv:     cfg.Identity,
        nodeName: cfg.NodeName,
        links:    make(map[router.NodeName]*nodelink.NodeLink),
    }
}

// ActiveDials reports how many dial-retry loops are currently running.
func (rt *Runtime) ActiveDials() int64 { return rt.activeDials.Load() }

// ActiveListeners reports how many listen loops are currently accepting.
func (rt *Runtime) ActiveListeners() int64 { return rt.activeListeners.Load() }

// Link returns the NodeLink currently reaching name, if any.
func (rt *Runtime) Link(name router.NodeName) (*nodelink.NodeLink, bool) {
    rt.mu.RLock()
    defer rt.mu.RUnlock()
    nl, ok := rt.links[name]
    return nl, ok
}

// Links returns a snapshot of every node currently reachable.
func (rt *Runtime) Links() []router.NodeName {
    rt.mu.RLock()
    defer rt.mu.RUnlock()
    out := make([]router.NodeName, 0, len(rt.links))
    for name := range rt.links {
        out = append(out, name)
    }
    return out
}

// adopt installs nl as the canonical NodeLink for its node name, closing
// whatever NodeLink previously held that slot.
func (rt *Runtime) adopt(nl *nodelink.NodeLink) {
    rt.mu.Lock()
    old, dup := rt.links[nl.NodeName()]
    rt.links[nl.NodeName()] = nl
    rt.mu.Unlock()
    if dup {
        _ = old.Close()
    }
}

// StartFromConfig builds a transport per configured kind, starts its
// listeners and initial dials, and returns a closer that stops the
// listeners. Background dial loops stop when ctx is canceled.
func StartFromConfig(ctx context.Context, cfg []config.TransportConfig, rt *Runtime, opts Options) (func(), error) {
    var closers []func()
    var mu sync.Mutex
    addCloser := func(f func()) { mu.Lock(); defer mu.Unlock(); closers = append(closers, f) }

    for _, tc := range cfg {
        tr, err := NewByKind(tc.Kind)
        if err != nil {
            if rt.log != nil {
                rt.log.Warn("transport kind not available", zap.String("kind", tc.Kind), zap.Error(err))
            }
            continue
        }

        for _, addr := range tc.Listen {
            addr := addr
            l, err := tr.Listen(ctx, addr)
            if err != nil {
                if rt.log != nil {
                    rt.log.Error("listen failed", zap.String("kind", tr.Kind().String()), zap.String("addr", addr), zap.Error(err))
                }
                continue
            }
            if rt.log != nil {
                rt.log.Info("listening", zap.String("kind", tr.Kind().String()), zap.String("addr", l.Addr().String()))
            }
            addCloser(func() { _ = l.Close() })
            rt.activeListeners.Add(1)
            go func() {
                defer rt.activeListeners.Add(-1)
                acceptLoop(ctx, rt, l, opts)
            }()
        }

        for _, d := range tc.Dial {
            d := d
            tr := tr
            rt.activeDials.Add(1)
            go func() {
                defer rt.activeDials.Add(-1)
                dialLoop(ctx, rt, tr, d.Address, d.PeerID, opts)
            }()
        }
    }

    return func() {
        mu.Lock()
        for i := len(closers) - 1; i >= 0; i-- {
            closers[i]()
        }
        mu.Unlock()
    }, nil
}

// NewByKind constructs a Transport by its configured string kind.
func NewByKind(kind string) (transport.Transport, error) {
    switch kind {
    case "udp":
        return udp.New(), nil
    case "tcp":
        return ttcp.New(), nil
    case "quic", "h3", "http3":
        return tquic.New(), nil
    case "mem", "inproc", "shared":
        return mem.New(), nil
    case "winpipe", "pipe":
        return newWinPipeTransport()
    default:
        return nil, ErrUnknownKind(kind)
    }
}

// ErrUnknownKind is returned by NewByKind for an unrecognized transport
// kind string.
type ErrUnknownKind string

func (e ErrUnknownKind) Error() string { return "unknown transport kind: " + string(e) }

func timeNow() time.Time { return time.Now() }
