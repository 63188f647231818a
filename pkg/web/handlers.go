// Package web exposes the operational HTTP API: browse running instances,
// inspect pending approvals and submit approval decisions. Decisions are not
// applied here; they are published to the bus and the coordinator applies
// them under its usual idempotence rules.
package web

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"

	"github.com/phasor-io/phasor/pkg/eventbus"
	"github.com/phasor-io/phasor/pkg/instance"
	"github.com/phasor-io/phasor/pkg/messages"
	"github.com/phasor-io/phasor/pkg/store"
)

type APIHandlers struct {
	store     store.Store
	bus       eventbus.Bus
	validator *validator.Validate
}

func NewAPIHandlers(instanceStore store.Store, bus eventbus.Bus, validate *validator.Validate) *APIHandlers {
	return &APIHandlers{
		store:     instanceStore,
		bus:       bus,
		validator: validate,
	}
}

// Register mounts every route on the app. The cmd binary and the tests share
// this wiring.
func (h *APIHandlers) Register(app *fiber.App) {
	i := app.Group("/instances")
	i.Get("/", h.GetInstances)
	i.Post("/", h.StartInstance)
	i.Get("/:id", h.GetInstance)
	i.Post("/:id/approvals/:name/decision", h.DecideApproval)

	app.Get("/approvals", h.GetPendingApprovals)
	app.Get("/health", h.HealthCheck)
}

type StartInstanceRequest struct {
	Workflow string         `json:"workflow" validate:"required,min=1"`
	Input    map[string]any `json:"input"`
}

type DecisionRequest struct {
	Decision  string `json:"decision"   validate:"required,oneof=approved rejected"`
	DecidedBy string `json:"decided_by" validate:"required,min=1"`
	Comment   string `json:"comment"`
}

// PendingApprovalView is one suspended approval as shown by the API.
type PendingApprovalView struct {
	InstanceID   string    `json:"instance_id"`
	Workflow     string    `json:"workflow"`
	ApprovalName string    `json:"approval_name"`
	RequestID    string    `json:"request_id"`
	Deadline     time.Time `json:"deadline"`
}

func (h *APIHandlers) GetInstances(c fiber.Ctx) error {
	all, err := h.store.List(c.Context())
	if err != nil {
		return internalError(c, err)
	}

	status := c.Query("status")
	workflow := c.Query("workflow")

	filtered := make([]*instance.Instance, 0, len(all))

	for _, inst := range all {
		if status != "" && string(inst.Status) != status {
			continue
		}

		if workflow != "" && inst.WorkflowName != workflow {
			continue
		}

		filtered = append(filtered, inst)
	}

	return c.JSON(fiber.Map{
		"instances":   filtered,
		"total_count": len(filtered),
	})
}

func (h *APIHandlers) GetInstance(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Instance ID is required")
	}

	inst, err := h.store.Get(c.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return notFound(c, "Instance not found")
		}

		return internalError(c, err)
	}

	return c.JSON(inst)
}

// StartInstance publishes a start command. The coordinator creates the
// instance; the API only mints the ID.
func (h *APIHandlers) StartInstance(c fiber.Ctx) error {
	var req StartInstanceRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	instanceID := uuid.New().String()

	msg := messages.StartWorkflow{
		BaseMessage: messages.NewBaseMessage(messages.StartWorkflowMessage, req.Workflow, instanceID),
		Input:       req.Input,
	}

	if err := h.bus.Publish(c.Context(), instanceID, msg); err != nil {
		return internalError(c, err)
	}

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"instance_id": instanceID,
		"workflow":    req.Workflow,
	})
}

func (h *APIHandlers) GetPendingApprovals(c fiber.Ctx) error {
	all, err := h.store.List(c.Context())
	if err != nil {
		return internalError(c, err)
	}

	pending := make([]PendingApprovalView, 0)

	for _, inst := range all {
		if inst.Status != instance.StatusSuspended || inst.Pending == nil {
			continue
		}

		pending = append(pending, PendingApprovalView{
			InstanceID:   inst.ID,
			Workflow:     inst.WorkflowName,
			ApprovalName: inst.Pending.Name,
			RequestID:    inst.Pending.RequestID,
			Deadline:     inst.Pending.Deadline,
		})
	}

	return c.JSON(fiber.Map{
		"approvals":   pending,
		"total_count": len(pending),
	})
}

// DecideApproval publishes the decision carrying the request ID the instance
// is currently suspended on. A stale or mismatched request is rejected here;
// the coordinator performs the same check again on delivery.
func (h *APIHandlers) DecideApproval(c fiber.Ctx) error {
	id := c.Params("id")
	name := c.Params("name")

	if id == "" || name == "" {
		return badRequest(c, "Instance ID and approval name are required")
	}

	var req DecisionRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	inst, err := h.store.Get(c.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return notFound(c, "Instance not found")
		}

		return internalError(c, err)
	}

	if inst.Status != instance.StatusSuspended || inst.Pending == nil {
		return conflict(c, "Instance is not awaiting an approval")
	}

	if inst.Pending.Name != name {
		return conflict(c, "Instance is awaiting approval "+inst.Pending.Name)
	}

	msg := messages.ApprovalDecided{
		BaseMessage:  messages.NewBaseMessage(messages.ApprovalDecidedMessage, inst.WorkflowName, inst.ID),
		ApprovalName: name,
		RequestID:    inst.Pending.RequestID,
		Decision:     req.Decision,
		DecidedBy:    req.DecidedBy,
		Comment:      req.Comment,
	}

	if err := h.bus.Publish(c.Context(), inst.ID, msg); err != nil {
		return internalError(c, err)
	}

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"instance_id": inst.ID,
		"approval":    name,
		"request_id":  inst.Pending.RequestID,
		"decision":    req.Decision,
	})
}

func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	status := "healthy"
	httpStatus := http.StatusOK

	if err := h.store.HealthCheck(c.Context()); err != nil {
		status = "unhealthy"
		httpStatus = http.StatusInternalServerError
	}

	return c.Status(httpStatus).JSON(fiber.Map{
		"status":    status,
		"timestamp": time.Now().UTC(),
	})
}
