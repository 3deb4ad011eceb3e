package controllers

import (
	"net/http"

	"coffee-fleet/backend/app/dto"
	jwtutil "coffee-fleet/backend/app/jwt"
	"coffee-fleet/backend/app/services"
	"coffee-fleet/protocol"
)

type AuthController struct {
	Users  *services.UserService
	Signer *jwtutil.Signer
}

func NewAuthController(users *services.UserService, signer *jwtutil.Signer) *AuthController {
	return &AuthController{Users: users, Signer: signer}
}

func (c *AuthController) Login(w http.ResponseWriter, r *http.Request) {
	var req dto.LoginRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Username == "" || req.Password == "" {
		writeFail(w, http.StatusBadRequest, protocol.CodeInvalidArgument, "missing credentials", nil)
		return
	}
	u, err := c.Users.ValidateCredentials(r.Context(), req.Username, req.Password)
	if err != nil {
		writeError(w, err)
		return
	}
	token, err := c.Signer.Sign(u.ID, u.Username, u.Role)
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, http.StatusOK, dto.TokenResponse{AccessToken: token, ExpiresIn: c.Signer.ExpMin * 60})
}
