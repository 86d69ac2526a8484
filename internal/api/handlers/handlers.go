package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/gocomet/ride-dispatch/internal/api/dto"
	"github.com/gocomet/ride-dispatch/internal/domain/driver"
	"github.com/gocomet/ride-dispatch/internal/domain/fare"
	"github.com/gocomet/ride-dispatch/internal/domain/geo"
	"github.com/gocomet/ride-dispatch/internal/domain/ride"
	"github.com/gocomet/ride-dispatch/internal/service/matching"
	"github.com/gocomet/ride-dispatch/internal/service/pricing"
	"github.com/gocomet/ride-dispatch/internal/service/registry"
	apperrors "github.com/gocomet/ride-dispatch/pkg/errors"
	"github.com/gocomet/ride-dispatch/pkg/logger"
	"github.com/gocomet/ride-dispatch/pkg/websocket"
)

// RideService is the lifecycle surface the handlers use
type RideService interface {
	Get(ctx context.Context, id uuid.UUID) (*ride.Ride, error)
	Events(ctx context.Context, id uuid.UUID) ([]ride.Transition, error)
	ListByStatus(ctx context.Context, status ride.Status, limit int) ([]*ride.Ride, error)
	ListByRequester(ctx context.Context, requesterID string, limit int) ([]*ride.Ride, error)
	Start(ctx context.Context, id uuid.UUID, actor ride.Actor) (*ride.Ride, error)
	Complete(ctx context.Context, id uuid.UUID, actor ride.Actor) (*ride.Ride, error)
	Cancel(ctx context.Context, id uuid.UUID, actor ride.Actor, reason string) (*ride.Ride, error)
}

// Dispatcher creates rides and routes driver responses through the matcher
type Dispatcher interface {
	RequestRide(ctx context.Context, cmd matching.RequestCommand) (*ride.Ride, error)
	Dispatch(ctx context.Context, id uuid.UUID) (*ride.Ride, error)
	AcceptRide(ctx context.Context, id uuid.UUID, driverID string) (*ride.Ride, error)
	RejectRide(ctx context.Context, id uuid.UUID, driverID string) (*ride.Ride, error)
}

// DriverService is the registry surface the handlers use
type DriverService interface {
	SetOnline(ctx context.Context, p registry.Profile, loc geo.Location) (driver.Driver, error)
	SetOffline(ctx context.Context, id string) (driver.Driver, error)
	UpdateLocation(ctx context.Context, id string, upd registry.LocationUpdate) (driver.Driver, error)
	SetAvailability(ctx context.Context, id string, a driver.Availability) (driver.Driver, error)
	Get(ctx context.Context, id string) (driver.Driver, error)
	History(ctx context.Context, id string, limit int) ([]driver.LocationSample, error)
	Nearby(ctx context.Context, q registry.Query) ([]registry.Candidate, error)
	OnlineCount() int
}

// FareService prices trips
type FareService interface {
	Estimate(ctx context.Context, req pricing.Request) (*fare.Estimate, error)
}

// FareConfigs manages the pricing tables
type FareConfigs interface {
	Get(ctx context.Context, class driver.VehicleClass) (fare.Config, error)
	Create(ctx context.Context, cfg fare.Config) (fare.Config, error)
	Put(ctx context.Context, cfg fare.Config) (fare.Config, error)
	Deactivate(ctx context.Context, class driver.VehicleClass) error
	List(ctx context.Context) []fare.Config
}

// Handlers holds all handler dependencies
type Handlers struct {
	Rides       RideService
	Dispatcher  Dispatcher
	Drivers     DriverService
	Fares       FareService
	FareConfigs FareConfigs
	Hub         *websocket.Hub
	Logger      *logger.Logger
	upgrader    websocketUpgrader
}

// NewHandlers creates a new Handlers instance
func NewHandlers(rides RideService, dispatcher Dispatcher, drivers DriverService, fares FareService, configs FareConfigs, hub *websocket.Hub, log *logger.Logger, opts ...Option) *Handlers {
	h := &Handlers{
		Rides:       rides,
		Dispatcher:  dispatcher,
		Drivers:     drivers,
		Fares:       fares,
		FareConfigs: configs,
		Hub:         hub,
		Logger:      log,
		upgrader:    newUpgrader(1024, 1024),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Option configures Handlers
type Option func(*Handlers)

// WithBufferSizes sets the websocket read and write buffer sizes
func WithBufferSizes(read, write int) Option {
	return func(h *Handlers) { h.upgrader = newUpgrader(read, write) }
}

// Health handles GET /health
func (h *Handlers) Health(c *gin.Context) {
	resp := dto.HealthResponse{
		Status:        "healthy",
		DriversOnline: h.Drivers.OnlineCount(),
	}
	if h.Hub != nil {
		resp.Connections = h.Hub.Connections()
	}
	c.JSON(http.StatusOK, resp)
}

// respondError writes the transport form of err
func (h *Handlers) respondError(c *gin.Context, err error) {
	appErr := apperrors.FromDomain(err)

	if appErr.Status >= http.StatusInternalServerError {
		h.Logger.Error("Request failed",
			logger.String("method", c.Request.Method),
			logger.String("path", c.FullPath()),
			logger.Err(err),
		)
	} else {
		h.Logger.Debug("Request rejected",
			logger.String("path", c.FullPath()),
			logger.String("code", appErr.Code),
			logger.Err(err),
		)
	}

	c.AbortWithStatusJSON(appErr.Status, dto.ErrorResponse{
		Code:    appErr.Code,
		Message: appErr.Message,
		Details: appErr.Details,
	})
}

// bindJSON binds the body or writes a 400
func (h *Handlers) bindJSON(c *gin.Context, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		h.respondError(c, apperrors.ErrInvalidBody.WithDetail("reason", err.Error()))
		return false
	}
	return true
}

func rideID(c *gin.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, apperrors.ErrInvalidRideID
	}
	return id, nil
}
