package netstack

import (
    "context"

    "go.uber.org/zap"

    "parcelmesh/pkg/transport"
)

// acceptLoop accepts inbound sessions on l for the lifetime of ctx,
// registers each with rt's transport.Manager, and completes the hello
// handshake before handing the session to a new NodeLink.
func acceptLoop(ctx context.Context, rt *Runtime, l transport.Listener, opts Options) {
    for {
        s, err := l.Accept(ctx)
        if err != nil {
            select {
            case <-ctx.Done():
                return
            default:
            }
            if rt.log != nil {
                rt.log.Warn("accept failed", zap.String("addr", l.Addr().String()), zap.Error(err))
            }
            return
        }
        peer := s.Peer()
        if rt.log != nil {
            rt.log.Info("inbound session",
                zap.String("peer", string(peer.ID)),
                zap.String("kind", s.TransportKind().String()),
                zap.String("raddr", s.RemoteAddr().String()))
        }

        accepted, replaced, old, _ := rt.mgr.AddSession(ctx, s)
        if replaced && old != nil {
            _ = old.Close()
        }
        if !accepted {
            _ = s.Close()
            continue
        }

        go func() {
            nl, err := rt.establishNodeLink(ctx, s, peer.ID, opts)
            if err != nil {
                if rt.log != nil {
                    rt.log.Warn("inbound handshake failed", zap.String("peer", string(peer.ID)), zap.Error(err))
                }
                _ = s.Close()
                return
            }
            nl.ReadLoop()
        }()
    }
}
