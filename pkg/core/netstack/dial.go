package netstack

import (
    "context"
    "time"

    "go.uber.org/zap"

    "parcelmesh/pkg/transport"
)

// dialLoop repeatedly dials address with exponential backoff, and for each
// session that comes up successfully, completes the hello handshake and
// runs the resulting NodeLink's ReadLoop inline. Once that loop returns
// (the session died), it resumes the backoff-and-redial cycle. peerID may
// be empty; a provisional identity is used to track the session in the
// transport.Manager until the handshake proves the canonical one.
func dialLoop(ctx context.Context, rt *Runtime, tr transport.Transport, address, peerID string, opts Options) {
    pid := transport.PeerID(peerID)
    if pid == "" {
        pid = transport.PeerID("temp:" + tr.Kind().String() + ":" + address)
    }
    peer := transport.PeerInfo{ID: pid, Addr: address}

    backoff := opts.BackoffInitial
    if backoff <= 0 {
        backoff = 500 * time.Millisecond
    }
    maxBackoff := opts.BackoffMax
    if maxBackoff <= 0 {
        maxBackoff = 30 * time.Second
    }

    for {
        select {
        case <-ctx.Done():
            return
        default:
        }
        sess, err := tr.Dial(ctx, address, peer)
        if err != nil {
            if rt.log != nil {
                rt.log.Warn("dial failed", zap.String("kind", tr.Kind().String()), zap.String("addr", address), zap.Error(err))
            }
            time.Sleep(withJitter(backoff, opts.BackoffJitter))
            backoff = nextBackoff(backoff, maxBackoff)
            continue
        }
        backoff = opts.BackoffInitial
        if backoff <= 0 {
            backoff = 500 * time.Millisecond
        }

        accepted, replaced, old, _ := rt.mgr.AddSession(ctx, sess)
        if rt.log != nil {
            rt.log.Info("dialed", zap.String("kind", tr.Kind().String()), zap.String("addr", address),
                zap.Bool("accepted", accepted), zap.Bool("replaced", replaced))
        }
        if old != nil {
            _ = old.Close()
        }
        if !accepted {
            _ = sess.Close()
            time.Sleep(withJitter(backoff, opts.BackoffJitter))
            backoff = nextBackoff(backoff, maxBackoff)
            continue
        }

        nl, err := rt.establishNodeLink(ctx, sess, peer.ID, opts)
        if err != nil {
            if rt.log != nil {
                rt.log.Warn("outbound handshake failed", zap.String("addr", address), zap.Error(err))
            }
            _ = sess.Close()
            time.Sleep(withJitter(backoff, opts.BackoffJitter))
            backoff = nextBackoff(backoff, maxBackoff)
            continue
        }
        nl.ReadLoop()
    }
}

func nextBackoff(cur, max time.Duration) time.Duration {
    cur *= 2
    if cur > max {
        cur = max
    }
    return cur
}

func withJitter(d, jitter time.Duration) time.Duration {
    if jitter <= 0 {
        return d
    }
    n := time.Now().UnixNano()
    j := time.Duration(n % int64(jitter))
    return d + j
}
