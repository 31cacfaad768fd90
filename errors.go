package dronenet

import (
	"errors"
)

var (
	ErrInvalidCfg    = errors.New("dronenet: invalid options")
	ErrInvalidTopo   = errors.New("dronenet: invalid topology")
	ErrNodeClosed    = errors.New("dronenet: node is closed")
	ErrUnknownNode   = errors.New("dronenet: unknown node")
	ErrNetworkClosed = errors.New("dronenet: network is shut down")
	ErrWrongKind     = errors.New("dronenet: operation not supported by this kind of node")
	ErrNoTransport   = errors.New("dronenet: node has no QUIC transport")
)
