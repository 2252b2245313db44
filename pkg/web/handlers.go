// Package web provides the operational HTTP API: flow and segment reads,
// manual enrollment, event ingestion and health checks.
package web

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"

	"github.com/cadencehq/cadence/pkg/eventbus"
	"github.com/cadencehq/cadence/pkg/events"
	"github.com/cadencehq/cadence/pkg/models"
	"github.com/cadencehq/cadence/pkg/persistence"
	"github.com/cadencehq/cadence/pkg/schema"
	"github.com/cadencehq/cadence/pkg/segments"
	"github.com/cadencehq/cadence/pkg/sendtime"
	"github.com/cadencehq/cadence/pkg/triggers"
)

type APIHandlers struct {
	persistence persistence.Persistence
	matcher     *triggers.Matcher
	calculator  *segments.Calculator
	optimizer   *sendtime.Optimizer
	publisher   eventbus.EventPublisher
	validator   *validator.Validate
	logger      *slog.Logger
}

func NewAPIHandlers(
	store persistence.Persistence,
	matcher *triggers.Matcher,
	calculator *segments.Calculator,
	optimizer *sendtime.Optimizer,
	publisher eventbus.EventPublisher,
	validate *validator.Validate,
	logger *slog.Logger,
) *APIHandlers {
	return &APIHandlers{
		persistence: store,
		matcher:     matcher,
		calculator:  calculator,
		optimizer:   optimizer,
		publisher:   publisher,
		validator:   validate,
		logger:      logger.With("module", "api"),
	}
}

// Register mounts all routes on the app.
func (h *APIHandlers) Register(app *fiber.App) {
	app.Get("/health", h.HealthCheck)

	app.Get("/flows", h.GetFlows)
	app.Get("/flows/:id", h.GetFlow)
	app.Post("/flows", h.CreateFlow)
	app.Get("/flows/:id/enrollments", h.GetFlowEnrollments)
	app.Post("/flows/:id/enroll", h.EnrollProfile)

	app.Post("/events", h.IngestEvent)

	app.Get("/segments/:id", h.GetSegment)
	app.Post("/segments/:id/recalculate", h.RecalculateSegment)

	app.Get("/profiles/:id", h.GetProfile)
	app.Get("/profiles/:id/send-time", h.GetOptimalSendTime)
}

func (h *APIHandlers) GetFlows(c fiber.Ctx) error {
	flows, err := h.persistence.Flows().All(c.Context())
	if err != nil {
		return internalError(c, err)
	}

	return c.JSON(fiber.Map{"flows": flows, "total_count": len(flows)})
}

func (h *APIHandlers) GetFlow(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Flow ID is required")
	}

	flow, err := h.persistence.Flows().ByID(c.Context(), id)
	if err != nil {
		return handleStoreError(c, err)
	}

	return c.JSON(flow)
}

// CreateFlow validates the submitted graph against the flow schema and the
// engine's structural invariants before saving.
func (h *APIHandlers) CreateFlow(c fiber.Ctx) error {
	flow, err := schema.ValidateFlowJSON(c.Body())
	if err != nil {
		return badRequest(c, err.Error())
	}

	if err := h.validator.Struct(flow); err != nil {
		return badRequest(c, err.Error())
	}

	now := time.Now().UTC()

	if flow.ID == "" {
		flow.ID = uuid.NewString()
		flow.CreatedAt = now
	}

	flow.UpdatedAt = now

	if err := h.persistence.Flows().Save(c.Context(), flow); err != nil {
		return internalError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(flow)
}

func (h *APIHandlers) GetFlowEnrollments(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Flow ID is required")
	}

	enrollments, err := h.persistence.Enrollments().ByFlow(c.Context(), id)
	if err != nil {
		return handleStoreError(c, err)
	}

	return c.JSON(fiber.Map{"enrollments": enrollments, "total_count": len(enrollments)})
}

type enrollRequest struct {
	ProfileID string `json:"profile_id" validate:"required"`
}

// EnrollProfile is the manual trigger entry point.
func (h *APIHandlers) EnrollProfile(c fiber.Ctx) error {
	flowID := c.Params("id")
	if flowID == "" {
		return badRequest(c, "Flow ID is required")
	}

	var req enrollRequest
	if err := c.Bind().Body(&req); err != nil {
		return badRequest(c, "Invalid request body: "+err.Error())
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	flow, err := h.persistence.Flows().ByID(c.Context(), flowID)
	if err != nil {
		return handleStoreError(c, err)
	}

	if flow.Status != models.FlowStatusActive {
		return conflict(c, "flow is not active")
	}

	if _, err := h.persistence.Profiles().ByID(c.Context(), req.ProfileID); err != nil {
		return handleStoreError(c, err)
	}

	enrolled, err := h.matcher.Enroll(c.Context(), flow, req.ProfileID, map[string]any{
		"manual": true,
	})
	if err != nil {
		return internalError(c, err)
	}

	if !enrolled {
		return conflict(c, "profile is already active in this flow")
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"flow_id":    flowID,
		"profile_id": req.ProfileID,
		"enrolled":   true,
	})
}

type ingestEventRequest struct {
	OrganizationID string         `json:"organization_id" validate:"required"`
	ProfileID      string         `json:"profile_id"      validate:"required"`
	EventName      string         `json:"event_name"      validate:"required"`
	Properties     map[string]any `json:"properties"`
	OccurredAt     *time.Time     `json:"occurred_at"`
}

// IngestEvent publishes an event-fired signal onto the bus; the activator
// picks it up and runs trigger matching.
func (h *APIHandlers) IngestEvent(c fiber.Ctx) error {
	var req ingestEventRequest
	if err := c.Bind().Body(&req); err != nil {
		return badRequest(c, "Invalid request body: "+err.Error())
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	occurredAt := time.Now().UTC()
	if req.OccurredAt != nil {
		occurredAt = req.OccurredAt.UTC()
	}

	signal := events.EventFired{
		BaseEvent:  events.NewBaseEvent(events.EventFiredSignal, req.OrganizationID),
		ProfileID:  req.ProfileID,
		EventName:  req.EventName,
		Properties: req.Properties,
		OccurredAt: occurredAt,
	}

	if err := h.publisher.Publish(c.Context(), req.ProfileID, signal); err != nil {
		return internalError(c, err)
	}

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"event_id": signal.ID})
}

func (h *APIHandlers) GetSegment(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Segment ID is required")
	}

	segment, err := h.persistence.Segments().ByID(c.Context(), id)
	if err != nil {
		return handleStoreError(c, err)
	}

	return c.JSON(segment)
}

func (h *APIHandlers) RecalculateSegment(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Segment ID is required")
	}

	segment, err := h.persistence.Segments().ByID(c.Context(), id)
	if err != nil {
		return handleStoreError(c, err)
	}

	diff, err := h.calculator.Calculate(c.Context(), segment)
	if err != nil {
		return internalError(c, err)
	}

	return c.JSON(fiber.Map{
		"segment_id": id,
		"entered":    len(diff.Entered),
		"exited":     len(diff.Exited),
	})
}

func (h *APIHandlers) GetProfile(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Profile ID is required")
	}

	profile, err := h.persistence.Profiles().ByID(c.Context(), id)
	if err != nil {
		return handleStoreError(c, err)
	}

	return c.JSON(profile)
}

func (h *APIHandlers) GetOptimalSendTime(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Profile ID is required")
	}

	optimal, err := h.optimizer.OptimalSendTime(c.Context(), id, time.Now().UTC())
	if err != nil {
		if errors.Is(err, sendtime.ErrInsufficientData) {
			return c.JSON(fiber.Map{"profile_id": id, "insufficient_data": true})
		}

		return internalError(c, err)
	}

	return c.JSON(fiber.Map{"profile_id": id, "optimal": optimal})
}

func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	err := h.persistence.HealthCheck(c.Context())

	status := "healthy"
	httpStatus := http.StatusOK

	if err != nil {
		status = "unhealthy"
		httpStatus = http.StatusInternalServerError

		h.logger.Error("Health check failed", "error", err)
	}

	return c.Status(httpStatus).JSON(fiber.Map{
		"status": status,
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}
