package handler

import (
	"net/http"
	"time"

	"github.com/ayo6706/crypto-custody/internal/api/middleware"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const tokenTTL = time.Hour

// AuthHandler mints customer tokens for sandbox deployments. Production
// tokens come from the identity provider and only need to carry the same claims.
type AuthHandler struct {
	now func() time.Time
}

func NewAuthHandler() *AuthHandler {
	return &AuthHandler{now: time.Now}
}

type loginRequest struct {
	CustomerID uuid.UUID `json:"customer_id" validate:"required"`
}

// Login handles POST /v1/auth/login.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decodeBody(w, r, &req) {
		return
	}

	now := h.now()
	claims := jwt.MapClaims{
		"user_id": req.CustomerID.String(),
		"sub":     req.CustomerID.String(),
		"role":    "user",
		"iat":     now.Unix(),
		"nbf":     now.Unix(),
		"exp":     now.Add(tokenTTL).Unix(),
	}
	if iss := middleware.JWTIssuer(); iss != "" {
		claims["iss"] = iss
	}
	if aud := middleware.JWTAudience(); aud != "" {
		claims["aud"] = aud
	}

	tokenString, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(middleware.JWTSecret())
	if err != nil {
		RespondError(w, r, http.StatusInternalServerError, "auth/sign-failed", "Failed to sign token")
		return
	}

	RespondJSON(w, http.StatusOK, map[string]any{
		"token":      tokenString,
		"expires_at": now.Add(tokenTTL).UTC(),
	})
}
