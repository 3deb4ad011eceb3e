package controllers

import (
	"net/http"
	"strconv"

	"coffee-fleet/backend/app/dto"
	"coffee-fleet/backend/app/models"
	"coffee-fleet/backend/app/repo"
	"coffee-fleet/backend/app/services"
	"coffee-fleet/protocol"
)

type AdminController struct {
	Users     *services.UserService
	Devices   *services.DeviceService
	Materials *services.MaterialService
	Alarms    *services.AlarmService
}

func NewAdminController(users *services.UserService, devices *services.DeviceService, materials *services.MaterialService, alarms *services.AlarmService) *AdminController {
	return &AdminController{Users: users, Devices: devices, Materials: materials, Alarms: alarms}
}

func (c *AdminController) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req dto.CreateUserRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Username == "" || req.Password == "" {
		writeFail(w, http.StatusBadRequest, protocol.CodeInvalidArgument, "username and password are required", nil)
		return
	}
	if err := c.Users.CreateUser(r.Context(), req.Username, req.Password, req.Role); err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, http.StatusCreated, map[string]string{"username": req.Username})
}

// ListDevices returns every device with its derived state.
// GET /admin/devices?active=true
func (c *AdminController) ListDevices(w http.ResponseWriter, r *http.Request) {
	list, err := c.Devices.List(r.Context(), r.URL.Query().Get("active") == "true")
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, http.StatusOK, list)
}

func (c *AdminController) GetDevice(w http.ResponseWriter, r *http.Request) {
	d, err := c.Devices.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, http.StatusOK, c.Devices.View(d))
}

func (c *AdminController) Deactivate(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := c.Devices.Deactivate(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, http.StatusOK, dto.DeactivateResponse{DeviceID: id, Active: false})
}

func (c *AdminController) Bins(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := c.Devices.Get(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	bins, err := c.Materials.ListBins(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, http.StatusOK, bins)
}

// Alarms lists alarms, newest first.
// GET /admin/alarms?status=open|cleared&device_id=...&category=...&limit=N
func (c *AdminController) Alarms(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := repo.AlarmFilter{DeviceID: q.Get("device_id"), Status: q.Get("status"), Category: q.Get("category")}
	if f.Status != "" && f.Status != models.AlarmOpen && f.Status != models.AlarmCleared {
		writeFail(w, http.StatusBadRequest, protocol.CodeInvalidArgument, "status must be open or cleared", nil)
		return
	}
	f.Limit, _ = strconv.Atoi(q.Get("limit"))
	list, err := c.Alarms.List(r.Context(), f)
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, http.StatusOK, list)
}
