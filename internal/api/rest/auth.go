package rest

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/KevinKickass/OpenFillCore/internal/auth"
)

type LoginRequest struct {
	PIN string `json:"pin" binding:"required"`
}

type LoginResponse struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	Role        auth.Role `json:"role"`
	ExpiresIn   int       `json:"expires_in"` // seconds
}

// POST /api/v1/auth/login
func (s *Server) login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, NewErrorResponse("AUTH_400", "Invalid request body", err.Error()))
		return
	}

	if !s.authService.Enabled() {
		c.JSON(http.StatusConflict, NewErrorResponse("AUTH_409", "Authentication disabled", nil))
		return
	}

	session, err := s.authService.Login(c.Request.Context(), req.PIN, c.ClientIP())
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			c.JSON(http.StatusUnauthorized, NewErrorResponse("AUTH_401", "Invalid PIN", nil))
			return
		}
		c.JSON(http.StatusInternalServerError, NewErrorResponse("AUTH_500", "Login failed", err.Error()))
		return
	}

	c.JSON(http.StatusOK, LoginResponse{
		AccessToken: session.Token,
		TokenType:   "Bearer",
		Role:        session.Role,
		ExpiresIn:   int(time.Until(session.ExpiresAt).Seconds()),
	})
}

// GET /api/v1/auth/me
func (s *Server) currentRole(c *gin.Context) {
	role := auth.CurrentRole(c)
	c.JSON(http.StatusOK, gin.H{
		"role":        role,
		"permissions": role.Permissions(),
	})
}
