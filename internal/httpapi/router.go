package httpapi

import (
	"go.uber.org/zap"

	"github.com/relaymesh/relayd/internal/registry"
	"github.com/relaymesh/relayd/internal/signaling"
	"github.com/relaymesh/relayd/internal/tunnel"
)

// router adapts decoded control frames onto registry and correlator
// operations. It implements signaling.Router.
type router struct {
	log        *zap.Logger
	registry   *registry.Registry
	correlator *tunnel.Correlator
}

func newRouter(log *zap.Logger, reg *registry.Registry, cor *tunnel.Correlator) *router {
	return &router{log: log, registry: reg, correlator: cor}
}

func (rt *router) RegisterWaf(ch *signaling.Conn, f *signaling.RegisterWaf) {
	rt.registry.RegisterWaf(f.ID, ch, f.Addresses, f.Metadata)
}

func (rt *router) RegisterClient(ch *signaling.Conn, f *signaling.RegisterClient) {
	rt.registry.RegisterClient(f.ID, ch)
}

func (rt *router) UpdateReflexive(f *signaling.UpdateReflexive) {
	rt.registry.UpdateReflexive(f.ID, f.Address)
}

func (rt *router) UpdateConnection(f *signaling.UpdateConnection) {
	rt.registry.UpdateConnType(f.ID, registry.ConnType(f.ConnectionType))
}

func (rt *router) HTTPResponse(f *signaling.HTTPResponse) {
	rt.correlator.Resolve(f)
}

func (rt *router) Closed(ch *signaling.Conn) {
	rt.registry.UnregisterChannel(ch)
}

var _ signaling.Router = (*router)(nil)
