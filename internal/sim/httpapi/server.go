// README: Simulator HTTP surface: auth, intake, SSE notification topics.
package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"metrocarpool/internal/log"
	"metrocarpool/internal/sim/match"
	"metrocarpool/internal/sim/notify"
	"metrocarpool/internal/sim/station"
	"metrocarpool/internal/sim/user"
	"metrocarpool/internal/types"
)

// heartbeatInterval keeps idle SSE connections alive through proxies.
const heartbeatInterval = 15 * time.Second

var topics = map[string]bool{
	"matches":                   true,
	"driver-location-for-rider": true,
	"driver-ride-completion":    true,
	"rider-ride-completion":     true,
}

type Server struct {
	users  *user.Service
	tokens *user.TokenIssuer
	match  *match.Service
	net    *station.Network
	hub    *notify.Hub
	log    zerolog.Logger
}

func NewServer(users *user.Service, tokens *user.TokenIssuer, matchSvc *match.Service, net *station.Network, hub *notify.Hub) *Server {
	return &Server{
		users:  users,
		tokens: tokens,
		match:  matchSvc,
		net:    net,
		hub:    hub,
		log:    log.WithComponent("httpapi"),
	}
}

func (s *Server) Routes() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(RequestLogger(), gin.Recovery())

	r.GET("/health", func(c *gin.Context) { c.String(http.StatusOK, "OK") })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/api/stations", s.handleStations)

	r.POST("/api/auth/signup", s.handleSignup)
	r.POST("/api/auth/login", s.handleLogin)

	authed := r.Group("/api", Auth(s.tokens))
	authed.POST("/driver/driver-info", s.handleDriverInfo)
	authed.POST("/rider/rider-info", s.handleRiderInfo)
	authed.GET("/notification/:topic", s.handleNotifications)

	return r
}

type signupRequest struct {
	Email    string     `json:"email"`
	Password string     `json:"password"`
	Role     types.Role `json:"role"`
}

func (s *Server) handleSignup(c *gin.Context) {
	var req signupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed body"})
		return
	}
	a, err := s.users.Signup(c.Request.Context(), req.Email, req.Password, req.Role)
	switch {
	case errors.Is(err, user.ErrBadSignup):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, user.ErrEmailTaken):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	default:
		c.JSON(http.StatusCreated, gin.H{"userId": a.ID, "role": a.Role})
	}
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (s *Server) handleLogin(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed body"})
		return
	}
	a, token, err := s.users.Login(c.Request.Context(), req.Email, req.Password)
	switch {
	case errors.Is(err, user.ErrBadCredentials):
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	default:
		// The exact triple a client persists across restarts.
		c.JSON(http.StatusOK, gin.H{"authToken": token, "userId": a.ID, "role": a.Role})
	}
}

func (s *Server) handleStations(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"stations": s.net.Stations()})
}

type driverInfoRequest struct {
	DriverID         int64           `json:"driverId"`
	RouteStations    []types.Station `json:"routeStations"`
	FinalDestination types.Station   `json:"finalDestination"`
	AvailableSeats   int             `json:"availableSeats"`
}

func (s *Server) handleDriverInfo(c *gin.Context) {
	uid, role := claimsFrom(c)
	var req driverInfoRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed body"})
		return
	}
	if role != types.RoleDriver || types.UserID(req.DriverID) != uid {
		c.JSON(http.StatusForbidden, gin.H{"error": "token does not belong to this driver"})
		return
	}
	m, err := s.match.SubmitOffer(c.Request.Context(), match.Offer{
		DriverID:         uid,
		RouteStations:    req.RouteStations,
		FinalDestination: req.FinalDestination,
		AvailableSeats:   req.AvailableSeats,
	})
	if err != nil {
		s.writeMatchError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"matched": m != nil})
}

type riderInfoRequest struct {
	RiderID          int64         `json:"riderId"`
	PickUpStation    types.Station `json:"pickUpStation"`
	DestinationPlace types.Station `json:"destinationPlace"`
	ArrivalTime      struct {
		Seconds int64 `json:"seconds"`
		Nanos   int32 `json:"nanos"`
	} `json:"arrivalTime"`
}

func (s *Server) handleRiderInfo(c *gin.Context) {
	uid, role := claimsFrom(c)
	var req riderInfoRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed body"})
		return
	}
	if role != types.RoleRider || types.UserID(req.RiderID) != uid {
		c.JSON(http.StatusForbidden, gin.H{"error": "token does not belong to this rider"})
		return
	}
	m, err := s.match.EnqueueRider(c.Request.Context(), match.WaitingRider{
		RiderID:          uid,
		PickUpStation:    req.PickUpStation,
		DestinationPlace: req.DestinationPlace,
		ArrivalTime:      time.Unix(req.ArrivalTime.Seconds, int64(req.ArrivalTime.Nanos)).UTC(),
	})
	if err != nil {
		s.writeMatchError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"matched": m != nil})
}

func (s *Server) writeMatchError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, match.ErrAlreadyMatched),
		errors.Is(err, match.ErrAlreadyOffering),
		errors.Is(err, match.ErrAlreadyWaiting):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, match.ErrNoSeats),
		errors.Is(err, station.ErrUnknownStation),
		errors.Is(err, station.ErrBadRoute):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		s.log.Error().Err(err).Msg("intake failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

// handleNotifications is the SSE endpoint. Every subscriber of a topic sees
// every event on it; clients filter by identity. The stream lives until the
// client disconnects.
func (s *Server) handleNotifications(c *gin.Context) {
	topic := c.Param("topic")
	if !topics[topic] {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown topic"})
		return
	}
	events, cancel := s.hub.Subscribe(topic)
	defer cancel()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case payload := <-events:
			fmt.Fprintf(c.Writer, "data: %s\n\n", payload)
			c.Writer.Flush()
		case <-heartbeat.C:
			fmt.Fprint(c.Writer, ": keep-alive\n\n")
			c.Writer.Flush()
		}
	}
}
