package handlers

import (
	"strings"

	"blockweave/internal/models"
	"blockweave/internal/services"

	"github.com/gofiber/fiber/v2"
)

// PersonaHandler manages the persona catalog used by review, experience and
// scenario trials.
type PersonaHandler struct {
	personas *services.PersonaStore
}

// NewPersonaHandler creates a new persona handler
func NewPersonaHandler(personas *services.PersonaStore) *PersonaHandler {
	return &PersonaHandler{personas: personas}
}

// ListPersonas returns all personas.
func (h *PersonaHandler) ListPersonas(c *fiber.Ctx) error {
	personas, err := h.personas.List(c.Context())
	if err != nil {
		return c.Status(500).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(fiber.Map{"personas": personas, "count": len(personas)})
}

// GetPersona returns one persona by id.
func (h *PersonaHandler) GetPersona(c *fiber.Ctx) error {
	persona, err := h.personas.Resolve(c.Context(), c.Params("id"))
	if err != nil {
		if strings.Contains(err.Error(), "not found") {
			return c.Status(404).JSON(fiber.Map{"error": err.Error()})
		}
		return c.Status(500).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(persona)
}

// CreatePersona adds a persona to the catalog.
func (h *PersonaHandler) CreatePersona(c *fiber.Ctx) error {
	var persona models.Persona
	if err := c.BodyParser(&persona); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "invalid request body"})
	}
	if persona.Name == "" {
		return c.Status(400).JSON(fiber.Map{"error": "name is required"})
	}

	if err := h.personas.Create(c.Context(), &persona); err != nil {
		return c.Status(500).JSON(fiber.Map{"error": err.Error()})
	}
	return c.Status(201).JSON(persona)
}

// DeletePersona removes a persona. Tasks referencing it will fail persona
// resolution on their next run.
func (h *PersonaHandler) DeletePersona(c *fiber.Ctx) error {
	if err := h.personas.Delete(c.Context(), c.Params("id")); err != nil {
		if strings.Contains(err.Error(), "not found") {
			return c.Status(404).JSON(fiber.Map{"error": err.Error()})
		}
		return c.Status(500).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(fiber.Map{"deleted": true})
}
