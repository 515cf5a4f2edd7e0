package api

import (
	"github.com/gofiber/fiber/v3"
	"github.com/moogar0880/problems"

	"github.com/convoflow/convoflow/pkg/schema"
)

func badRequest(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(fiber.StatusBadRequest).
		WithInstance(c.Path()).
		WithType("validation_error").
		WithDetail(detail)
	return c.Status(fiber.StatusBadRequest).JSON(problem)
}

func notFound(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(fiber.StatusNotFound).
		WithInstance(c.Path()).
		WithType("not_found").
		WithDetail(detail)
	return c.Status(fiber.StatusNotFound).JSON(problem)
}

func conflict(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(fiber.StatusConflict).
		WithInstance(c.Path()).
		WithType("conflict").
		WithDetail(detail)
	return c.Status(fiber.StatusConflict).JSON(problem)
}

func internalError(c fiber.Ctx, err error) error {
	problem := problems.NewStatusProblem(fiber.StatusInternalServerError).
		WithInstance(c.Path()).
		WithType("internal_error").
		WithError(err)
	return c.Status(fiber.StatusInternalServerError).JSON(problem)
}

// handleStoreError maps structured flow errors to problem responses.
func handleStoreError(c fiber.Ctx, err error) error {
	switch schema.CodeOf(err) {
	case schema.ErrCodeNotFound:
		return notFound(c, err.Error())
	case schema.ErrCodeValidation:
		return badRequest(c, err.Error())
	case schema.ErrCodeConflict:
		return conflict(c, err.Error())
	default:
		return internalError(c, err)
	}
}
