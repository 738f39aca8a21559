// Package control exposes the session over a local HTTP API so UI shells
// and scripts can drive the client without linking it.
package control

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/neilyboy/SoundMesh/internal/domain"
	"github.com/neilyboy/SoundMesh/internal/session"
)

type Server struct {
	mgr    *session.Manager
	addr   string
	router *gin.Engine
}

func New(mgr *session.Manager, addr string) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{mgr: mgr, addr: addr, router: gin.New()}
	s.router.Use(gin.Recovery())
	s.routes()
	return s
}

// Router exposes the handler for tests.
func (s *Server) Router() *gin.Engine { return s.router }

func (s *Server) routes() {
	api := s.router.Group("/api/v1")

	api.GET("/status", s.getStatus)
	api.GET("/channels", s.getChannels)
	api.GET("/clients", s.getClients)

	api.POST("/connect", s.postConnect)
	api.POST("/authenticate", s.postAuthenticate)
	api.POST("/disconnect", s.postDisconnect)

	api.POST("/channels/:id/join", s.postJoin)
	api.POST("/channels/:id/listen", s.postListen)
	api.POST("/channels/:id/talk", s.postTalk)
	api.POST("/channels/:id/volume", s.postVolume)
	api.POST("/channels/:id/mute", s.postMute)

	api.POST("/master/volume", s.postMasterVolume)
	api.POST("/master/mute", s.postMasterMute)
	api.POST("/ptt", s.postPTT)

	api.POST("/media/start", s.postMediaStart)
	api.POST("/media/stop", s.postMediaStop)
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{Addr: s.addr, Handler: s.router}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	log.Info().Str("module", "control").Str("addr", s.addr).Msg("control API listening")

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) getStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.mgr.Snapshot())
}

func (s *Server) getChannels(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"channels": s.mgr.Snapshot().Channels})
}

func (s *Server) getClients(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"clients": s.mgr.Snapshot().Clients})
}

func (s *Server) postConnect(c *gin.Context) {
	var req struct {
		ServerURL string `json:"server_url"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.mgr.Connect(req.ServerURL); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"state": s.mgr.State().String()})
}

func (s *Server) postAuthenticate(c *gin.Context) {
	var req struct {
		Name     string `json:"name"`
		Password string `json:"password"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.mgr.Authenticate(req.Name, req.Password); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"state": s.mgr.State().String()})
}

func (s *Server) postDisconnect(c *gin.Context) {
	s.mgr.Disconnect()
	c.JSON(http.StatusOK, gin.H{"state": s.mgr.State().String()})
}

func (s *Server) postJoin(c *gin.Context) {
	if err := s.mgr.JoinChannel(domain.ChannelID(c.Param("id"))); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{})
}

func (s *Server) postListen(c *gin.Context) {
	if err := s.mgr.ToggleListen(domain.ChannelID(c.Param("id"))); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{})
}

func (s *Server) postTalk(c *gin.Context) {
	if err := s.mgr.ToggleTalk(domain.ChannelID(c.Param("id"))); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{})
}

func (s *Server) postVolume(c *gin.Context) {
	var req struct {
		Volume int `json:"volume"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.mgr.SetVolume(domain.ChannelID(c.Param("id")), req.Volume); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{})
}

func (s *Server) postMute(c *gin.Context) {
	if err := s.mgr.ToggleMute(domain.ChannelID(c.Param("id"))); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{})
}

func (s *Server) postMasterVolume(c *gin.Context) {
	var req struct {
		Volume int `json:"volume"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.mgr.SetMasterVolume(req.Volume)
	c.JSON(http.StatusOK, gin.H{})
}

func (s *Server) postMasterMute(c *gin.Context) {
	muted := s.mgr.ToggleMasterMute()
	c.JSON(http.StatusOK, gin.H{"muted": muted})
}

func (s *Server) postPTT(c *gin.Context) {
	var req struct {
		Active    bool             `json:"active"`
		ChannelID domain.ChannelID `json:"channel_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.mgr.ActivatePTT(req.Active, req.ChannelID)
	c.JSON(http.StatusOK, gin.H{"ptt_active": req.Active})
}

func (s *Server) postMediaStart(c *gin.Context) {
	if err := s.mgr.StartMedia(); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{})
}

func (s *Server) postMediaStop(c *gin.Context) {
	s.mgr.StopMedia()
	c.JSON(http.StatusOK, gin.H{})
}

func (s *Server) fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, session.ErrUnknownChannel):
		status = http.StatusNotFound
	case errors.Is(err, session.ErrNotPermitted):
		status = http.StatusForbidden
	case errors.Is(err, session.ErrNotConnected),
		errors.Is(err, session.ErrNotAuthenticated):
		status = http.StatusConflict
	case errors.Is(err, session.ErrNoServerURL),
		errors.Is(err, session.ErrMissingName):
		status = http.StatusBadRequest
	case errors.Is(err, session.ErrSendFailed):
		status = http.StatusBadGateway
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
