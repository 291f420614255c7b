package handlers

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/agentease/cdp-relay/internal/ws"
)

// VersionResponse is the /json/version discovery document.
type VersionResponse struct {
	Browser              string `json:"Browser"`
	ProtocolVersion      string `json:"Protocol-Version"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

// Headers that describe a single hop and must not be copied through.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// CDPHandler serves the client-facing devtools endpoint.
type CDPHandler struct {
	service  *ws.Service
	upstream *url.URL
	client   *http.Client
	basePath string
	log      logrus.FieldLogger
}

// NewCDPHandler creates a new CDPHandler mounted at basePath.
func NewCDPHandler(service *ws.Service, upstreamURL, basePath string, logger logrus.FieldLogger) (*CDPHandler, error) {
	u, err := url.Parse(strings.TrimSuffix(upstreamURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("failed to parse upstream url: %w", err)
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	return &CDPHandler{
		service:  service,
		upstream: u,
		client:   &http.Client{Timeout: 60 * time.Second},
		basePath: "/" + strings.Trim(basePath, "/"),
		log:      logger,
	}, nil
}

// Handle dispatches WS upgrades to the bridge service, answers version
// discovery and passes everything else through to the upstream.
func (h *CDPHandler) Handle(c *gin.Context) {
	if websocket.IsWebSocketUpgrade(c.Request) {
		if err := h.service.Serve(c.Writer, c.Request); err != nil {
			h.log.WithError(err).Debug("websocket upgrade failed")
		}
		return
	}

	path := c.Param("path")
	if path == "" {
		path = "/"
	}

	if strings.HasPrefix(path, "/json/version") {
		h.Version(c)
		return
	}

	h.passthrough(c, path)
}

// Version handles GET <base>/json/version.
func (h *CDPHandler) Version(c *gin.Context) {
	scheme := "ws"
	if c.Request.TLS != nil || strings.EqualFold(c.GetHeader("X-Forwarded-Proto"), "https") {
		scheme = "wss"
	}

	debuggerURL := url.URL{
		Scheme:   scheme,
		Host:     c.Request.Host,
		Path:     h.basePath,
		RawQuery: c.Request.URL.RawQuery,
	}

	c.JSON(http.StatusOK, VersionResponse{
		Browser:              "Chrome/Headless",
		ProtocolVersion:      "1.3",
		WebSocketDebuggerURL: debuggerURL.String(),
	})
}

// passthrough forwards the request to the upstream host and streams back its response.
func (h *CDPHandler) passthrough(c *gin.Context, path string) {
	target := *h.upstream
	target.Path = h.upstream.Path + path
	target.RawQuery = c.Request.URL.RawQuery

	var body io.Reader = c.Request.Body
	if c.Request.ContentLength == 0 {
		body = http.NoBody
	}

	req, err := http.NewRequestWithContext(c.Request.Context(), c.Request.Method, target.String(), body)
	if err != nil {
		sendError(c, http.StatusBadRequest, "BAD_REQUEST", "Invalid request: "+err.Error())
		return
	}
	req.ContentLength = c.Request.ContentLength
	req.Header = c.Request.Header.Clone()
	removeHopHeaders(req.Header)

	resp, err := h.client.Do(req)
	if err != nil {
		h.log.WithError(err).WithField("path", path).Warn("upstream passthrough failed")
		sendError(c, http.StatusBadGateway, "UPSTREAM_ERROR", "Upstream unavailable")
		return
	}
	defer resp.Body.Close()

	header := c.Writer.Header()
	for k, vv := range resp.Header {
		for _, v := range vv {
			header.Add(k, v)
		}
	}
	removeHopHeaders(header)

	c.Status(resp.StatusCode)
	if _, err := io.Copy(c.Writer, resp.Body); err != nil {
		h.log.WithError(err).WithField("path", path).Debug("passthrough copy interrupted")
	}
}

func removeHopHeaders(h http.Header) {
	for _, k := range hopHeaders {
		h.Del(k)
	}
}

// RegisterRoutes registers the CDP endpoint on a Gin router.
func (h *CDPHandler) RegisterRoutes(r gin.IRoutes) {
	r.Any(h.basePath, h.Handle)
	r.Any(h.basePath+"/*path", h.Handle)
}
