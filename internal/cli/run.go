package cli

import (
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"strings"
	"time"

	"github.com/libp2p/go-reuseport"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/relaymesh/relayd/internal/auth"
	"github.com/relaymesh/relayd/internal/filter"
	"github.com/relaymesh/relayd/internal/httpapi"
	"github.com/relaymesh/relayd/internal/identity"
	"github.com/relaymesh/relayd/internal/registry"
	"github.com/relaymesh/relayd/internal/server"
	"github.com/relaymesh/relayd/internal/tunnel"
)

const keyPrometheusActive = "server.prometheus.active"

// defaultConfigFileContent is parsed when no config file is found on disk
// or given via --config; it documents every recognized key.
const defaultConfigFileContent = `
version: "1"
server:
  realm: relayd
  stunPort: "3478"
  signalPort: "8080"
  bindAddr: ""
  externalIP: ""
  defaultLifetime: 600s
  workers: 100
  reuseport: true
  development: false
relay:
  portMin: 49152
  portMax: 65535
auth:
  secret: ""
admin:
  secret: ""
tls:
  cert: ""
  key: ""
identity:
  url: ""
  realm: ""
  clientId: ""
  mock: false
`

// normalize fills in the default STUN port when addr has none.
func normalize(addr string) string {
	if addr == "" {
		addr = "0.0.0.0"
	}
	if !strings.Contains(addr, ":") {
		addr = fmt.Sprintf("%s:%d", addr, 3478)
	}
	return addr
}

func parseFilteringRules(v *viper.Viper, l *zap.Logger, key string) (*filter.List, error) {
	var rawRules []map[string]string
	if err := v.UnmarshalKey(fmt.Sprintf("filter.%s.rules", key), &rawRules); err != nil {
		return nil, err
	}
	action := filter.Allow
	if v.GetString(fmt.Sprintf("filter.%s.action", key)) == "deny" {
		action = filter.Deny
	}
	var rules []filter.Rule
	for _, raw := range rawRules {
		ruleAction := action
		switch raw["action"] {
		case "deny":
			ruleAction = filter.Deny
		case "allow":
			ruleAction = filter.Allow
		}
		r, err := filter.StaticNetRule(ruleAction, raw["net"])
		if err != nil {
			l.Warn("skipping malformed filter rule", zap.String("net", raw["net"]), zap.Error(err))
			continue
		}
		rules = append(rules, r)
	}
	return filter.NewFilter(action, rules...), nil
}

// cfg is the fully-resolved set of options needed to start relayd, read
// once from viper, which merges config file, environment, and flags.
type cfg struct {
	realm           string
	stunAddr        string
	signalAddr      string
	externalIP      net.IP
	defaultLifetime time.Duration
	workers         int
	reusePort       bool

	relayPortMin int
	relayPortMax int

	secret      []byte
	adminSecret string

	tlsCert, tlsKey string

	identityURL      string
	identityRealm    string
	identityClientID string
	mockAuth         bool

	metricsEnabled bool
}

func parseConfig(v *viper.Viper) cfg {
	c := cfg{
		realm:            v.GetString("server.realm"),
		stunAddr:         normalize(net.JoinHostPort(v.GetString("server.bindAddr"), v.GetString("server.stunPort"))),
		signalAddr:       net.JoinHostPort("", v.GetString("server.signalPort")),
		defaultLifetime:  v.GetDuration("server.defaultLifetime"),
		workers:          v.GetInt("server.workers"),
		reusePort:        v.GetBool("server.reuseport"),
		relayPortMin:     v.GetInt("relay.portMin"),
		relayPortMax:     v.GetInt("relay.portMax"),
		secret:           []byte(v.GetString("auth.secret")),
		adminSecret:      v.GetString("admin.secret"),
		tlsCert:          v.GetString("tls.cert"),
		tlsKey:           v.GetString("tls.key"),
		identityURL:      v.GetString("identity.url"),
		identityRealm:    v.GetString("identity.realm"),
		identityClientID: v.GetString("identity.clientId"),
		mockAuth:         v.GetBool("identity.mock"),
		metricsEnabled:   v.GetBool(keyPrometheusActive),
	}
	if ip := v.GetString("server.externalIP"); ip != "" {
		c.externalIP = net.ParseIP(ip)
	}
	return c
}

func runServer(l *zap.Logger, c cfg) error {
	reg := registry.New(l.Named("registry"))
	correlator := tunnel.New(reg)

	var idVerifier identity.Verifier
	switch {
	case c.mockAuth:
		idVerifier = identity.Mock{}
	case c.identityURL != "":
		idVerifier = identity.NewJWTVerifier(identity.Config{
			IssuerURL: c.identityURL,
			Realm:     c.identityRealm,
			ClientID:  c.identityClientID,
		}, l.Named("identity"))
	}

	conn, err := reuseportListenPacket(c.reusePort, c.stunAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", c.stunAddr, err)
	}
	tcpListener, err := net.Listen("tcp", c.stunAddr)
	if err != nil {
		return fmt.Errorf("failed to listen (tcp) on %s: %w", c.stunAddr, err)
	}

	var peerFilter, clientFilter filter.Rule
	if f, ferr := parseFilteringRules(viper.GetViper(), l, "peer"); ferr != nil {
		l.Warn("failed to parse peer filtering rules", zap.Error(ferr))
	} else {
		peerFilter = f
	}
	if f, ferr := parseFilteringRules(viper.GetViper(), l, "client"); ferr != nil {
		l.Warn("failed to parse client filtering rules", zap.Error(ferr))
	} else {
		clientFilter = f
	}

	promReg := prometheus.NewRegistry()
	srv, err := server.New(server.Options{
		Log:            l.Named("server"),
		Conn:           conn,
		TCPListener:    tcpListener,
		Realm:          c.realm,
		Auth:           auth.NewEphemeral(c.realm, c.secret),
		RelayIP:        c.externalIP,
		RelayPortMin:    c.relayPortMin,
		RelayPortMax:    c.relayPortMax,
		PermissionTTL:   5 * time.Minute,
		ChannelTTL:      10 * time.Minute,
		DefaultLifetime: c.defaultLifetime,
		MaxLifetime:     time.Hour,
		Workers:        c.workers,
		ReusePort:      c.reusePort,
		Software:       "relayd",
		PeerRule:       peerFilter,
		ClientRule:     clientFilter,
		Registry:       promReg,
		MetricsEnabled: c.metricsEnabled,
	})
	if err != nil {
		return fmt.Errorf("failed to start stun/turn server: %w", err)
	}
	defer srv.Close() //nolint:errcheck

	api := httpapi.New(httpapi.Options{
		Log:         l.Named("httpapi"),
		Registry:    reg,
		Correlator:  correlator,
		Allocations: srv,
		Identity:    idVerifier,
		AdminSecret: c.adminSecret,
	})

	httpSrv := &http.Server{
		Addr:    c.signalAddr,
		Handler: withDiagnostics(api.Handler(), c.metricsEnabled, promReg),
	}

	errCh := make(chan error, 2)
	go func() {
		l.Info("stun/turn listening", zap.String("addr", c.stunAddr))
		errCh <- srv.Serve()
	}()
	go func() {
		l.Info("signaling http listening", zap.String("addr", c.signalAddr))
		if c.tlsCert != "" && c.tlsKey != "" {
			httpSrv.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
			errCh <- httpSrv.ListenAndServeTLS(c.tlsCert, c.tlsKey)
			return
		}
		errCh <- httpSrv.ListenAndServe()
	}()
	return <-errCh
}

// withDiagnostics mounts /metrics and pprof alongside the main handler when
// the operator has opted into them.
func withDiagnostics(h http.Handler, metricsEnabled bool, reg *prometheus.Registry) http.Handler {
	if !metricsEnabled {
		return h
	}
	mux := http.NewServeMux()
	mux.Handle("/", h)
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	return mux
}

func reuseportListenPacket(reuse bool, addr string) (net.PacketConn, error) {
	if reuse && reuseport.Available() {
		return reuseport.ListenPacket("udp", addr)
	}
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	return net.ListenUDP("udp", udpAddr)
}

func getRoot(v *viper.Viper) *cobra.Command {
	root := &cobra.Command{
		Use:   "relayd",
		Short: "STUN/TURN server with WAF signaling and HTTP tunneling",
		Run: func(cmd *cobra.Command, args []string) {
			initConfig(v)
			l := getLogger(v)
			defer l.Sync() //nolint:errcheck
			c := parseConfig(v)
			if err := runServer(l, c); err != nil {
				l.Fatal("server exited", zap.Error(err))
			}
		},
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: relayd.yaml in ., /etc/relayd/ or $HOME)")
	root.Flags().String("listen", "", "stun/turn bind address (overrides config)")
	mustBind(v.BindPFlag("server.bindAddr", root.Flags().Lookup("listen")))
	root.AddCommand(getKeyCmd())
	return root
}
