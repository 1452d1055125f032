// Package httpapi implements the signaling-port HTTP surface: the fixed API
// endpoints, the websocket upgrade, and the catch-all HTTP tunnel fallback.
// Static file serving, the portal/admin HTML pages themselves, and the
// identity provider are external collaborators; this package only injects
// the discovery script and enforces bearer auth on the admin surface.
package httpapi

import (
	"net/http"
	"path"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/relaymesh/relayd/internal/allocator"
	"github.com/relaymesh/relayd/internal/identity"
	"github.com/relaymesh/relayd/internal/registry"
	"github.com/relaymesh/relayd/internal/signaling"
	"github.com/relaymesh/relayd/internal/tunnel"
)

// Allocations reports the allocation manager's current allocation count, as
// needed by the /health endpoint. *allocator.Allocator satisfies it.
type Allocations interface {
	Stats() allocator.Stats
}

// Options configures a Server.
type Options struct {
	Log         *zap.Logger
	Registry    *registry.Registry
	Correlator  *tunnel.Correlator
	Allocations Allocations
	Identity    identity.Verifier
	// AdminSecret, when non-empty, is a shared secret accepted on the admin
	// surface via the X-Admin-Secret header, independent of Identity. Either
	// check passing is sufficient.
	AdminSecret string
	// StaticDir, when non-empty, is served at /static/*, one file per request.
	// Serving real assets from it is an external collaborator's concern;
	// this only wires the directory in and guards against path escape.
	StaticDir string
	// IdentityDiscovery is embedded verbatim into the /admin-config script
	// response (issuer URL, realm, client id — whatever the external
	// identity provider's client needs to discover itself).
	IdentityDiscovery map[string]interface{}
}

// Server is the signaling-port HTTP(S) surface.
type Server struct {
	opts   Options
	log    *zap.Logger
	router *gin.Engine
	hub    *router
}

// New builds a Server. Call Handler to get the http.Handler to listen with.
func New(o Options) *Server {
	if o.Log == nil {
		o.Log = zap.NewNop()
	}
	gin.SetMode(gin.ReleaseMode)
	s := &Server{opts: o, log: o.Log}
	s.hub = newRouter(o.Log, o.Registry, o.Correlator)
	s.router = gin.New()
	s.router.Use(gin.Recovery())
	s.routes()
	return s
}

// Handler returns the http.Handler to pass to http.Server.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() {
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/api/wafs", s.handleWafList)
	s.router.GET("/api/admin/stats", s.requireAdmin, s.handleAdminStats)
	s.router.POST("/api/select-waf", s.handleSelectWaf)
	s.router.GET("/api/select", s.handleSelect)
	s.router.POST("/api/clear-selection", s.handleClearSelection)
	s.router.GET("/admin-config", s.handleAdminConfig)
	s.router.GET("/ws", s.handleWebsocket)
	if s.opts.StaticDir != "" {
		s.router.GET("/static/*filepath", s.handleStatic)
	}
	s.router.NoRoute(s.handleTunnel)
}

type healthResponse struct {
	Status      string `json:"status"`
	Wafs        int    `json:"wafs"`
	Clients     int    `json:"clients"`
	Allocations int    `json:"allocations"`
}

func (s *Server) handleHealth(c *gin.Context) {
	snap := s.opts.Registry.Snapshot()
	resp := healthResponse{Status: "ok", Wafs: snap.WafCount, Clients: snap.ClientCount}
	if s.opts.Allocations != nil {
		resp.Allocations = s.opts.Allocations.Stats().Allocations
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleWafList(c *gin.Context) {
	c.JSON(http.StatusOK, s.opts.Registry.PortalList())
}

func (s *Server) handleAdminStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.opts.Registry.Snapshot())
}

func (s *Server) requireAdmin(c *gin.Context) {
	if s.opts.AdminSecret != "" && c.GetHeader("X-Admin-Secret") == s.opts.AdminSecret {
		c.Next()
		return
	}
	if s.opts.Identity == nil {
		c.AbortWithStatus(http.StatusUnauthorized)
		return
	}
	bearer, ok := identity.BearerFromHeader(c.GetHeader("Authorization"))
	if !ok {
		c.AbortWithStatus(http.StatusUnauthorized)
		return
	}
	claims, err := s.opts.Identity.Verify(c.Request.Context(), bearer)
	if err != nil {
		c.AbortWithStatus(http.StatusUnauthorized)
		return
	}
	c.Set("claims", claims)
	c.Next()
}

type selectWafRequest struct {
	WafID   string `json:"wafId"`
	Backend string `json:"backend"`
}

func (s *Server) handleSelectWaf(c *gin.Context) {
	var req selectWafRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatus(http.StatusBadRequest)
		return
	}
	if _, ok := s.opts.Registry.Waf(req.WafID); !ok {
		c.AbortWithStatus(http.StatusNotFound)
		return
	}
	setAffinityCookie(c, req.WafID)
	c.Status(http.StatusOK)
}

func (s *Server) handleSelect(c *gin.Context) {
	wafID := c.Query("waf")
	backend := c.Query("backend")
	if _, ok := s.opts.Registry.Waf(wafID); !ok {
		c.Redirect(http.StatusFound, "/")
		return
	}
	setAffinityCookie(c, wafID)
	target := "/"
	if backend != "" {
		target = "/__b/" + backend + "/"
	}
	c.Redirect(http.StatusFound, target)
}

func (s *Server) handleClearSelection(c *gin.Context) {
	c.SetCookie(tunnel.AffinityCookie, "", -1, "/", "", false, true)
	c.Status(http.StatusOK)
}

func (s *Server) handleAdminConfig(c *gin.Context) {
	c.Header("Content-Type", "application/javascript")
	c.String(http.StatusOK, discoveryScript(s.opts.IdentityDiscovery))
}

func (s *Server) handleStatic(c *gin.Context) {
	rel := c.Param("filepath")
	if strings.Contains(rel, "..") {
		c.AbortWithStatus(http.StatusForbidden)
		return
	}
	c.File(path.Join(s.opts.StaticDir, rel))
}

func (s *Server) handleWebsocket(c *gin.Context) {
	if _, err := signaling.Upgrade(s.log, c.Writer, c.Request, s.hub); err != nil {
		s.log.Debug("websocket upgrade failed", zap.Error(err))
	}
}

func setAffinityCookie(c *gin.Context, wafID string) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(tunnel.AffinityCookie, wafID, 0, "/", "", false, true)
}

func (s *Server) handleTunnel(c *gin.Context) {
	affinity, _ := c.Cookie(tunnel.AffinityCookie)
	w, ok := s.opts.Correlator.PickWaf(affinity)
	if !ok {
		c.Status(http.StatusServiceUnavailable)
		return
	}
	res, err := s.opts.Correlator.Send(w, c.Request)
	switch {
	case err == tunnel.ErrChannelClosed:
		c.Status(http.StatusBadGateway)
		return
	case err == tunnel.ErrTimeout:
		c.Status(http.StatusGatewayTimeout)
		return
	case err != nil:
		c.Status(http.StatusBadGateway)
		return
	}
	for k, vals := range res.Headers {
		if strings.EqualFold(k, "Set-Cookie") {
			continue
		}
		for _, v := range vals {
			c.Writer.Header().Add(k, v)
		}
	}
	for _, v := range res.Headers["Set-Cookie"] {
		c.Writer.Header().Add("Set-Cookie", v)
	}
	setAffinityCookie(c, w.ID)
	c.Data(res.StatusCode, c.Writer.Header().Get("Content-Type"), res.Body)
}

func discoveryScript(discovery map[string]interface{}) string {
	var b strings.Builder
	b.WriteString("window.__IDENTITY_CONFIG__ = {")
	first := true
	for k, v := range discovery {
		if !first {
			b.WriteString(",")
		}
		first = false
		b.WriteString(`"` + k + `":"` + toString(v) + `"`)
	}
	b.WriteString("};")
	return b.String()
}

func toString(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}
