package handlers

import (
	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"github.com/verigate/backend/pkg/utils"
)

// Version is stamped at build time through -ldflags.
var Version = "dev"

type MetaHandler struct {
	DB *gorm.DB
}

func NewMetaHandler(db *gorm.DB) *MetaHandler {
	return &MetaHandler{DB: db}
}

func (h *MetaHandler) Health(c *fiber.Ctx) error {
	sqlDB, err := h.DB.DB()
	if err == nil {
		err = sqlDB.PingContext(c.Context())
	}
	if err != nil {
		return utils.Error(c, fiber.StatusServiceUnavailable, "database unreachable")
	}
	return utils.Success(c, fiber.StatusOK, fiber.Map{"status": "ok"})
}

func (h *MetaHandler) Version(c *fiber.Ctx) error {
	return utils.Success(c, fiber.StatusOK, fiber.Map{"version": Version})
}
