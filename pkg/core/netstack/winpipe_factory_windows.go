//go:build windows

package netstack

import (
    "parcelmesh/pkg/transport"
    "parcelmesh/pkg/transport/winpipe"
)

func newWinPipeTransport() (transport.Transport, error) { return winpipe.New(), nil }

