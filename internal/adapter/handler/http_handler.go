package handler

import (
	"errors"
	"io"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/jwoo-kim/estate-ledger/internal/core/cache"
	"github.com/jwoo-kim/estate-ledger/internal/core/domain"
	"github.com/jwoo-kim/estate-ledger/internal/core/service"
)

type Handler struct {
	listings *service.ListingsService
}

func New(listings *service.ListingsService) *Handler {
	return &Handler{listings: listings}
}

// Register mounts the presentation routes on app.
func (h *Handler) Register(app *fiber.App) {
	app.Get("/health", h.Health)

	api := app.Group("/api")
	api.Get("/properties", h.ListProperties)
	api.Post("/properties", h.RegisterProperty)
	api.Get("/properties/:id", h.GetProperty)
	api.Post("/properties/:id/reserve", h.Reserve)
	api.Post("/properties/:id/release", h.Release)
	api.Get("/properties/:id/remaining", h.Remaining)
}

type propertyResponse struct {
	ID           string         `json:"id"`
	Address      string         `json:"address"`
	CreatedBy    string         `json:"createdBy,omitempty"`
	PhotoURL     string         `json:"photoUrl,omitempty"`
	OwnerHistory []ownerEntry   `json:"ownerHistory"`
	PriceHistory []priceEntry   `json:"priceHistory"`
	CurrentOwner string         `json:"currentOwner,omitempty"`
	CurrentPrice *int64         `json:"currentPrice,omitempty"`
	Reservation  *leaseResponse `json:"reservation,omitempty"`
	Stale        bool           `json:"stale,omitempty"`
}

type ownerEntry struct {
	Owner string    `json:"owner"`
	At    time.Time `json:"at"`
}

type priceEntry struct {
	Price int64     `json:"price"`
	At    time.Time `json:"at"`
}

type leaseResponse struct {
	Holder     string    `json:"holder"`
	AcquiredAt time.Time `json:"acquiredAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

func toPropertyResponse(e cache.Entry) propertyResponse {
	rec := e.Record
	resp := propertyResponse{
		ID:           rec.ID,
		Address:      rec.Address,
		CreatedBy:    rec.CreatedBy,
		PhotoURL:     rec.PhotoURL,
		OwnerHistory: make([]ownerEntry, 0, len(rec.OwnerHistory)),
		PriceHistory: make([]priceEntry, 0, len(rec.PriceHistory)),
		Stale:        e.Stale,
	}
	for _, o := range rec.OwnerHistory {
		resp.OwnerHistory = append(resp.OwnerHistory, ownerEntry{Owner: o.Owner, At: o.At})
	}
	for _, p := range rec.PriceHistory {
		resp.PriceHistory = append(resp.PriceHistory, priceEntry{Price: p.Price, At: p.At})
	}
	if owner, ok := rec.CurrentOwner(); ok {
		resp.CurrentOwner = owner
	}
	if price, ok := rec.CurrentPrice(); ok {
		resp.CurrentPrice = &price
	}
	if rec.Reservation != nil {
		resp.Reservation = &leaseResponse{
			Holder:     rec.Reservation.Holder,
			AcquiredAt: rec.Reservation.AcquiredAt,
			ExpiresAt:  rec.Reservation.ExpiresAt,
		}
	}
	return resp
}

func (h *Handler) Health(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok"})
}

func (h *Handler) ListProperties(c *fiber.Ctx) error {
	filter := domain.Filter{CreatedBy: c.Query("createdBy")}

	entries, err := h.listings.ListRecords(c.Context(), filter)
	stale := false
	if err != nil {
		if !errors.Is(err, domain.ErrSourceUnavailable) {
			return errorStatus(c, err)
		}
		// Degraded read: last good snapshot, flagged stale.
		stale = true
	}

	out := make([]propertyResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, toPropertyResponse(e))
	}
	return c.JSON(fiber.Map{"properties": out, "stale": stale})
}

func (h *Handler) GetProperty(c *fiber.Ctx) error {
	entry, err := h.listings.GetRecord(c.Params("id"))
	if err != nil {
		return errorStatus(c, err)
	}

	resp := toPropertyResponse(entry)
	state := h.listings.LeaseState(entry.Record.ID)
	return c.JSON(fiber.Map{
		"property":         resp,
		"leaseState":       state.Status,
		"remainingSeconds": h.listings.SecondsRemaining(entry.Record.ID),
	})
}

type reserveRequest struct {
	Holder string `json:"holder"`
}

func (h *Handler) Reserve(c *fiber.Ctx) error {
	var req reserveRequest
	if err := c.BodyParser(&req); err != nil || req.Holder == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "holder required"})
	}

	granted, err := h.listings.AcquireReservation(c.Context(), c.Params("id"), req.Holder)
	if err != nil {
		return errorStatus(c, err)
	}

	return c.JSON(fiber.Map{
		"granted":          true,
		"holder":           granted.Holder,
		"expiresAt":        granted.ExpiresAt,
		"remainingSeconds": h.listings.SecondsRemaining(c.Params("id")),
	})
}

func (h *Handler) Release(c *fiber.Ctx) error {
	var req reserveRequest
	if err := c.BodyParser(&req); err != nil || req.Holder == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "holder required"})
	}

	if err := h.listings.ReleaseReservation(c.Context(), c.Params("id"), req.Holder); err != nil {
		return errorStatus(c, err)
	}
	return c.JSON(fiber.Map{"released": true})
}

func (h *Handler) Remaining(c *fiber.Ctx) error {
	state := h.listings.LeaseState(c.Params("id"))
	return c.JSON(fiber.Map{
		"leaseState":       state.Status,
		"remainingSeconds": h.listings.SecondsRemaining(c.Params("id")),
	})
}

// RegisterProperty accepts multipart form data (with an optional "photo"
// file) or a plain JSON body. A JSON body may resume a previous partial
// failure by carrying the orphaned assetUrl instead of photo bytes.
func (h *Handler) RegisterProperty(c *fiber.Ctx) error {
	in, assetURL, err := parseRegister(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}

	var rec domain.PropertyRecord
	if assetURL != "" {
		rec, err = h.listings.ResumeRegistration(c.Context(), in, assetURL)
	} else {
		rec, err = h.listings.RegisterProperty(c.Context(), in)
	}
	if err != nil {
		var partial *domain.PartialFailure
		if errors.As(err, &partial) {
			return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
				"error":         "ledger append failed after upload",
				"orphanedAsset": partial.OrphanedAsset,
			})
		}
		return errorStatus(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"property": toPropertyResponse(cache.Entry{Record: rec}),
	})
}

type registerRequest struct {
	Address   string `json:"address" form:"address"`
	Owner     string `json:"owner" form:"owner"`
	Price     int64  `json:"price" form:"price"`
	CreatedBy string `json:"createdBy" form:"createdBy"`
	AssetURL  string `json:"assetUrl" form:"assetUrl"`
}

func parseRegister(c *fiber.Ctx) (service.RegisterInput, string, error) {
	var req registerRequest
	if err := c.BodyParser(&req); err != nil {
		return service.RegisterInput{}, "", err
	}

	in := service.RegisterInput{
		Address:   req.Address,
		Owner:     req.Owner,
		Price:     req.Price,
		CreatedBy: req.CreatedBy,
	}

	if file, err := c.FormFile("photo"); err == nil && file != nil {
		f, err := file.Open()
		if err != nil {
			return service.RegisterInput{}, "", err
		}
		defer f.Close()
		data, err := io.ReadAll(f)
		if err != nil {
			return service.RegisterInput{}, "", err
		}
		in.PhotoName = file.Filename
		in.Photo = data
	}

	return in, req.AssetURL, nil
}

func errorStatus(c *fiber.Ctx, err error) error {
	status := fiber.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrNotFound):
		status = fiber.StatusNotFound
	case errors.Is(err, domain.ErrAlreadyHeld):
		status = fiber.StatusConflict
	case errors.Is(err, domain.ErrNotHolder):
		status = fiber.StatusForbidden
	case errors.Is(err, domain.ErrSourceUnavailable), errors.Is(err, domain.ErrLeaseUnavailable):
		status = fiber.StatusServiceUnavailable
	case errors.Is(err, domain.ErrReleaseUnconfirmed):
		// Distinct from both success and NotHolder: the durable state is
		// ambiguous and the client must re-check before assuming anything.
		status = fiber.StatusGatewayTimeout
	case errors.Is(err, domain.ErrAssetUploadFailed):
		status = fiber.StatusBadGateway
	}
	return c.Status(status).JSON(fiber.Map{"error": err.Error()})
}
