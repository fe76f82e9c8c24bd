// Package httpapi is the local control surface of the headless client: the
// entry point for the UI events (call, go live, join) that drive the two
// session controllers.
package httpapi

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/nikhilrajpk/snapfy-rtc/internal/broadcast"
	"github.com/nikhilrajpk/snapfy-rtc/internal/call"
	"github.com/nikhilrajpk/snapfy-rtc/internal/channel"
	"github.com/nikhilrajpk/snapfy-rtc/internal/domain"
	"github.com/nikhilrajpk/snapfy-rtc/internal/signal"
)

type Deps struct {
	Channel *channel.Manager
	Call    *call.Controller
	Host    *broadcast.Host
	Viewer  *broadcast.Viewer
}

func SetupRouter(mode string, deps Deps) *gin.Engine {
	if mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	api := r.Group("/api")

	api.GET("/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"channel":       deps.Channel.State().String(),
			"call_state":    deps.Call.State().String(),
			"call_duration": deps.Call.Duration(),
			"broadcasting":  deps.Host.Active(),
			"viewer_count":  deps.Host.ViewerCount(),
			"watching":      deps.Viewer.Watching(),
		})
	})

	api.POST("/call/initiate", func(c *gin.Context) {
		var req struct {
			TargetID       string `json:"target_id" binding:"required"`
			TargetUsername string `json:"target_username"`
			RoomID         string `json:"room_id" binding:"required"`
			CallType       string `json:"call_type" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		target := signal.Caller{ID: domain.UserID(req.TargetID), Username: req.TargetUsername}
		err := deps.Call.Initiate(c.Request.Context(), target, domain.RoomID(req.RoomID), domain.CallKind(req.CallType))
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, call.ErrCallInProgress) || errors.Is(err, call.ErrBadKind) {
				status = http.StatusConflict
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"state": deps.Call.State().String()})
	})

	api.POST("/call/accept", func(c *gin.Context) {
		if err := deps.Call.Accept(c.Request.Context()); err != nil {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"state": deps.Call.State().String()})
	})

	api.POST("/call/reject", func(c *gin.Context) {
		if err := deps.Call.Reject(); err != nil {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"state": deps.Call.State().String()})
	})

	api.POST("/call/hangup", func(c *gin.Context) {
		deps.Call.Hangup()
		c.JSON(http.StatusOK, gin.H{"state": deps.Call.State().String()})
	})

	api.POST("/stream/start", func(c *gin.Context) {
		var req struct {
			Title string `json:"title" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		info, err := deps.Host.Start(c.Request.Context(), req.Title)
		if err != nil {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, info)
	})

	api.POST("/stream/end", func(c *gin.Context) {
		if err := deps.Host.End(c.Request.Context()); err != nil {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"ended": true})
	})

	api.POST("/stream/join", func(c *gin.Context) {
		var req struct {
			StreamID string `json:"stream_id" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := deps.Viewer.Join(c.Request.Context(), domain.StreamID(req.StreamID)); err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, broadcast.ErrStreamEnded) {
				status = http.StatusGone
			} else if errors.Is(err, broadcast.ErrJoinTimeout) {
				status = http.StatusServiceUnavailable
			} else if errors.Is(err, broadcast.ErrAlreadyWatching) {
				status = http.StatusConflict
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"joined": true})
	})

	api.POST("/stream/leave", func(c *gin.Context) {
		if err := deps.Viewer.Leave(c.Request.Context()); err != nil {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"left": true})
	})

	api.POST("/stream/chat", func(c *gin.Context) {
		var req struct {
			Message string `json:"message" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		send := deps.Viewer.SendChat
		if deps.Host.Active() {
			send = deps.Host.SendChat
		}
		if err := send(req.Message); err != nil {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"sent": true})
	})

	log.Info().Str("module", "httpapi").Msg("router setup")
	return r
}
