package handler

import (
	"net/http"

	"github.com/AnTengye/pagelens/backend/middleware"
	"github.com/AnTengye/pagelens/backend/service"
	"github.com/gin-gonic/gin"
)

type AccountHandler struct {
	ledger *service.LedgerService
}

func NewAccountHandler(ledger *service.LedgerService) *AccountHandler {
	return &AccountHandler{ledger: ledger}
}

// Get returns the owner's balance, usage and purchase history
func (h *AccountHandler) Get(c *gin.Context) {
	account, err := h.ledger.EnsureAccount(c.Request.Context(), middleware.GetOwner(c))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, account)
}
