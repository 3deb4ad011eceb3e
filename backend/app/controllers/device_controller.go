package controllers

import (
	"net/http"
	"strings"

	"coffee-fleet/backend/app/services"
	"coffee-fleet/clock"
	"coffee-fleet/protocol"
)

// DeviceController serves the device-facing API under /api/v1/devices.
type DeviceController struct {
	Devices   *services.DeviceService
	Commands  *services.CommandService
	Materials *services.MaterialService
	Orders    *services.OrderService
	Clock     clock.Clock
}

func NewDeviceController(devices *services.DeviceService, commands *services.CommandService, materials *services.MaterialService, orders *services.OrderService, clk clock.Clock) *DeviceController {
	return &DeviceController{Devices: devices, Commands: commands, Materials: materials, Orders: orders, Clock: clk}
}

func (c *DeviceController) Register(w http.ResponseWriter, r *http.Request) {
	var req protocol.RegisterRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	req.DeviceID = strings.TrimSpace(req.DeviceID)
	if req.DeviceID == "" {
		writeFail(w, http.StatusBadRequest, protocol.CodeInvalidArgument, "device_id is required", nil)
		return
	}
	d, already, err := c.Devices.Register(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusCreated
	if already {
		status = http.StatusOK
	}
	writeOK(w, status, protocol.RegisterResponse{
		DeviceID:          d.DeviceID,
		State:             string(c.Devices.View(d).State),
		AlreadyRegistered: already,
	})
}

func (c *DeviceController) Status(w http.ResponseWriter, r *http.Request) {
	var report protocol.StatusReport
	if err := decode(r, &report); err != nil {
		writeError(w, err)
		return
	}
	st, err := c.Devices.RecordHeartbeat(r.Context(), r.PathValue("id"), report)
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, http.StatusOK, protocol.StatusResponse{State: string(st), ServerTime: c.Clock.Now()})
}

func (c *DeviceController) Materials(w http.ResponseWriter, r *http.Request) {
	var report protocol.MaterialReport
	if err := decode(r, &report); err != nil {
		writeError(w, err)
		return
	}
	resp, err := c.Materials.ReportMaterials(r.Context(), r.PathValue("id"), report)
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, http.StatusOK, resp)
}

func (c *DeviceController) Pending(w http.ResponseWriter, r *http.Request) {
	cmds, err := c.Commands.PollPending(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	out := protocol.PendingResponse{Commands: make([]protocol.PendingCommand, 0, len(cmds))}
	for _, cmd := range cmds {
		out.Commands = append(out.Commands, protocol.PendingCommand{
			ID:       cmd.ID,
			BatchID:  cmd.BatchID,
			Type:     cmd.Type,
			Payload:  []byte(cmd.Payload),
			Attempt:  cmd.AttemptCount,
			IssuedAt: cmd.CreatedAt,
		})
	}
	writeOK(w, http.StatusOK, out)
}

func (c *DeviceController) CommandResult(w http.ResponseWriter, r *http.Request) {
	var res protocol.CommandResult
	if err := decode(r, &res); err != nil {
		writeError(w, err)
		return
	}
	outcome, status, err := c.Commands.ReportResult(r.Context(), r.PathValue("id"), res)
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, http.StatusOK, protocol.CommandResultResponse{Outcome: outcome, Status: string(status)})
}

func (c *DeviceController) Order(w http.ResponseWriter, r *http.Request) {
	var report protocol.OrderReport
	if err := decode(r, &report); err != nil {
		writeError(w, err)
		return
	}
	o, dup, err := c.Orders.RecordOrder(r.Context(), r.PathValue("id"), report)
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusCreated
	if dup {
		status = http.StatusOK
	}
	writeOK(w, status, protocol.OrderResponse{OrderID: o.ID, Duplicate: dup})
}
