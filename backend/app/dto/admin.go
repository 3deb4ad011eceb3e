package dto

type CreateUserRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Role     string `json:"role"`
}

type DeactivateResponse struct {
	DeviceID string `json:"device_id"`
	Active   bool   `json:"active"`
}
