package http

import (
	"net/http"

	"callguard/pkg/config"
	"callguard/pkg/validation"

	"github.com/gin-gonic/gin"
	webrtc "github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// ICEHandler serves the ICE server list clients should hand to their
// RTCPeerConnection.
type ICEHandler struct {
	servers []webrtc.ICEServer
}

// NewICEHandler converts the configured servers, skipping URLs that aren't
// stun/turn.
func NewICEHandler(cfg []config.ICEServer, logger *zap.SugaredLogger) *ICEHandler {
	servers := ICEServers(cfg, logger)
	return &ICEHandler{servers: servers}
}

// ICEServers converts config entries to pion's ICEServer type.
func ICEServers(cfg []config.ICEServer, logger *zap.SugaredLogger) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(cfg))
	for _, s := range cfg {
		urls := make([]string, 0, len(s.URLs))
		for _, u := range s.URLs {
			if err := validation.ValidateICEServerURL(u); err != nil {
				if logger != nil {
					logger.Warnw("skipping ICE server url", "url", u, "error", err)
				}
				continue
			}
			urls = append(urls, u)
		}
		if len(urls) == 0 {
			continue
		}
		server := webrtc.ICEServer{URLs: urls, Username: s.Username}
		if s.Credential != "" {
			server.Credential = s.Credential
			server.CredentialType = webrtc.ICECredentialTypePassword
		}
		out = append(out, server)
	}
	return out
}

func (h *ICEHandler) SetupRoutes(router gin.IRouter) {
	router.GET("/api/v1/ice-servers", h.ICEServers)
}

func (h *ICEHandler) ICEServers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"iceServers": h.servers})
}
