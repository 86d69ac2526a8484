package handlers

import (
	"context"
	"net/http"
	"slices"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/spf13/cast"

	"github.com/gocomet/ride-dispatch/internal/api/dto"
	"github.com/gocomet/ride-dispatch/internal/domain/ride"
	"github.com/gocomet/ride-dispatch/internal/service/matching"
	apperrors "github.com/gocomet/ride-dispatch/pkg/errors"
	"github.com/gocomet/ride-dispatch/pkg/logger"
)

const defaultListLimit = 50

// CreateRide handles POST /v1/rides
func (h *Handlers) CreateRide(c *gin.Context) {
	var req dto.CreateRideRequest
	if !h.bindJSON(c, &req) {
		return
	}

	actor := currentActor(c)
	requesterID := actor.ID
	if actor.Role == ride.RoleAdmin && req.RequesterID != "" {
		requesterID = req.RequesterID
	}

	r, err := h.Dispatcher.RequestRide(c.Request.Context(), matching.RequestCommand{
		RequesterID:    requesterID,
		Kind:           req.Kind,
		Pickup:         req.Pickup.Geo(),
		Dropoff:        req.Dropoff.Geo(),
		PickupAddress:  req.PickupAddress,
		DropoffAddress: req.DropoffAddress,
		VehicleClass:   req.VehicleClass,
		ScheduledTime:  req.ScheduledTime,
		Notes:          req.Notes,
		SearchRadiusKM: req.SearchRadiusKM,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}

	h.Logger.Info("Ride request received",
		logger.Stringer("ride_id", r.ID),
		logger.String("requester_id", r.RequesterID),
		logger.String("status", string(r.Status)),
	)
	c.JSON(http.StatusCreated, r)
}

// GetRide handles GET /v1/rides/:id
func (h *Handlers) GetRide(c *gin.Context) {
	r, ok := h.visibleRide(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, r)
}

// GetRideEvents handles GET /v1/rides/:id/events
func (h *Handlers) GetRideEvents(c *gin.Context) {
	r, ok := h.visibleRide(c)
	if !ok {
		return
	}

	events, err := h.Rides.Events(c.Request.Context(), r.ID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ride_id": r.ID, "events": events})
}

// ListRides handles GET /v1/rides. Requesters see their own rides; admins
// filter by requester_id or status.
func (h *Handlers) ListRides(c *gin.Context) {
	actor := currentActor(c)
	limit := cast.ToInt(c.DefaultQuery("limit", "0"))
	if limit <= 0 {
		limit = defaultListLimit
	}

	var (
		rides []*ride.Ride
		err   error
	)
	switch actor.Role {
	case ride.RoleRequester:
		rides, err = h.Rides.ListByRequester(c.Request.Context(), actor.ID, limit)
	case ride.RoleAdmin:
		if requester := c.Query("requester_id"); requester != "" {
			rides, err = h.Rides.ListByRequester(c.Request.Context(), requester, limit)
			break
		}
		status := ride.Status(c.DefaultQuery("status", string(ride.StatusSearching)))
		if !status.IsValid() {
			h.respondError(c, apperrors.BadRequest("Unknown ride status", nil).WithDetail("status", string(status)))
			return
		}
		rides, err = h.Rides.ListByStatus(c.Request.Context(), status, limit)
	default:
		err = ride.ErrUnauthorized
	}
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.NewRideList(rides))
}

// AcceptRide handles POST /v1/rides/:id/accept
func (h *Handlers) AcceptRide(c *gin.Context) {
	h.driverResponse(c, h.Dispatcher.AcceptRide)
}

// RejectRide handles POST /v1/rides/:id/reject
func (h *Handlers) RejectRide(c *gin.Context) {
	h.driverResponse(c, h.Dispatcher.RejectRide)
}

// StartRide handles POST /v1/rides/:id/start
func (h *Handlers) StartRide(c *gin.Context) {
	id, err := rideID(c)
	if err != nil {
		h.respondError(c, err)
		return
	}
	r, err := h.Rides.Start(c.Request.Context(), id, currentActor(c))
	h.respond(c, r, err)
}

// CompleteRide handles POST /v1/rides/:id/complete
func (h *Handlers) CompleteRide(c *gin.Context) {
	id, err := rideID(c)
	if err != nil {
		h.respondError(c, err)
		return
	}
	r, err := h.Rides.Complete(c.Request.Context(), id, currentActor(c))
	h.respond(c, r, err)
}

// CancelRide handles POST /v1/rides/:id/cancel. The body is optional.
func (h *Handlers) CancelRide(c *gin.Context) {
	id, err := rideID(c)
	if err != nil {
		h.respondError(c, err)
		return
	}

	var req dto.CancelRideRequest
	if c.Request.ContentLength > 0 && !h.bindJSON(c, &req) {
		return
	}
	r, err := h.Rides.Cancel(c.Request.Context(), id, currentActor(c), req.Reason)
	h.respond(c, r, err)
}

// DispatchRide handles POST /v1/rides/:id/dispatch, a manual re-dispatch of a searching ride
func (h *Handlers) DispatchRide(c *gin.Context) {
	id, err := rideID(c)
	if err != nil {
		h.respondError(c, err)
		return
	}
	r, err := h.Dispatcher.Dispatch(c.Request.Context(), id)
	h.respond(c, r, err)
}

type driverAction func(ctx context.Context, id uuid.UUID, driverID string) (*ride.Ride, error)

func (h *Handlers) driverResponse(c *gin.Context, action driverAction) {
	id, err := rideID(c)
	if err != nil {
		h.respondError(c, err)
		return
	}
	actor := currentActor(c)
	if actor.Role != ride.RoleDriver {
		h.respondError(c, ride.ErrUnauthorized)
		return
	}
	r, err := action(c.Request.Context(), id, actor.ID)
	h.respond(c, r, err)
}

func (h *Handlers) respond(c *gin.Context, r *ride.Ride, err error) {
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, r)
}

// visibleRide loads the ride in the path if the caller may see it
func (h *Handlers) visibleRide(c *gin.Context) (*ride.Ride, bool) {
	id, err := rideID(c)
	if err != nil {
		h.respondError(c, err)
		return nil, false
	}

	r, err := h.Rides.Get(c.Request.Context(), id)
	if err != nil {
		h.respondError(c, err)
		return nil, false
	}

	actor := currentActor(c)
	switch {
	case actor.Role == ride.RoleAdmin,
		actor.Role == ride.RoleRequester && r.RequesterID == actor.ID,
		actor.Role == ride.RoleDriver && (r.IsAssignedTo(actor.ID) || slices.Contains(r.Offers, actor.ID)):
		return r, true
	}
	h.respondError(c, ride.ErrUnauthorized)
	return nil, false
}
