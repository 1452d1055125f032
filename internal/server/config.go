package server

import (
	"time"

	"github.com/relaymesh/relayd/internal/filter"
	"github.com/relaymesh/relayd/internal/stunmsg"
)

// config is the subset of Options that varies per packet. It is copied by
// value into every context, so the hot path never takes a lock to read it.
type config struct {
	defaultLifetime time.Duration
	maxLifetime     time.Duration
	authForSTUN     bool
	debugCollect    bool
	software        stunmsg.Software
	realm           stunmsg.Realm
	peerFilter      filter.Rule
	clientFilter    filter.Rule
}

func newConfig(o Options) config {
	peerFilter := o.PeerRule
	if peerFilter == nil {
		peerFilter = filter.AllowAll
	}
	clientFilter := o.ClientRule
	if clientFilter == nil {
		clientFilter = filter.AllowAll
	}
	defaultLifetime := o.DefaultLifetime
	if defaultLifetime == 0 {
		defaultLifetime = 600 * time.Second
	}
	maxLifetime := o.MaxLifetime
	if maxLifetime == 0 {
		maxLifetime = 3600 * time.Second
	}
	return config{
		defaultLifetime: defaultLifetime,
		maxLifetime:     maxLifetime,
		authForSTUN:     o.AuthForSTUN,
		debugCollect:    o.DebugCollect,
		software:        stunmsg.NewSoftware(o.Software),
		realm:           stunmsg.NewRealm(o.Realm),
		peerFilter:      peerFilter,
		clientFilter:    clientFilter,
	}
}
