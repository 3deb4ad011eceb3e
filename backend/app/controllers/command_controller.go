package controllers

import (
	"net/http"
	"strconv"

	"coffee-fleet/backend/app/dto"
	"coffee-fleet/backend/app/middleware"
	"coffee-fleet/backend/app/services"
	"coffee-fleet/protocol"
)

// CommandController is the operator surface of the dispatch engine.
type CommandController struct{ Commands *services.CommandService }

func NewCommandController(commands *services.CommandService) *CommandController {
	return &CommandController{Commands: commands}
}

func (c *CommandController) Dispatch(w http.ResponseWriter, r *http.Request) {
	var req dto.DispatchRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	b, err := c.Commands.DispatchBatch(r.Context(), services.DispatchRequest{
		Type:        req.Type,
		Payload:     req.Payload,
		DeviceIDs:   req.DeviceIDs,
		Note:        req.Note,
		CreatedBy:   middleware.Actor(r.Context()),
		MaxAttempts: req.MaxAttempts,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, http.StatusAccepted, dto.DispatchResponse{BatchID: b.ID, Commands: len(b.Commands)})
}

func (c *CommandController) ListBatches(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	list, err := c.Commands.ListBatches(r.Context(), limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	// members are only returned by the single batch view
	for i := range list {
		list[i].Commands = nil
	}
	writeOK(w, http.StatusOK, list)
}

func (c *CommandController) GetBatch(w http.ResponseWriter, r *http.Request) {
	v, err := c.Commands.GetBatch(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, http.StatusOK, v)
}

func (c *CommandController) RetryBatch(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	n, err := c.Commands.RetryBatch(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, http.StatusOK, dto.RetryResponse{BatchID: id, Requeued: n})
}

// Queue lists the commands of one device.
// GET /admin/commands/queue?deviceid=...&include_done=true|false
func (c *CommandController) Queue(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("deviceid")
	if id == "" {
		writeFail(w, http.StatusBadRequest, protocol.CodeInvalidArgument, "deviceid is required", nil)
		return
	}
	includeDone := r.URL.Query().Get("include_done") == "true"
	cmds, err := c.Commands.ListDeviceCommands(r.Context(), id, includeDone)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]dto.QueuedCommand, 0, len(cmds))
	for _, cmd := range cmds {
		out = append(out, dto.QueuedCommand{
			ID:            cmd.ID,
			BatchID:       cmd.BatchID,
			Type:          cmd.Type,
			Payload:       []byte(cmd.Payload),
			Status:        string(cmd.Status),
			AttemptCount:  cmd.AttemptCount,
			RetryCount:    cmd.RetryCount,
			LastError:     cmd.LastError,
			CreatedAt:     cmd.CreatedAt.Unix(),
			LastAttemptAt: cmd.LastAttemptAt.Unix(),
		})
	}
	writeOK(w, http.StatusOK, out)
}
