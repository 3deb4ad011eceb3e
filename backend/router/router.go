package router

import (
	"net/http"

	"coffee-fleet/backend/app/controllers"
	"coffee-fleet/backend/app/middleware"
)

type Controllers struct {
	HTTP     *controllers.HTTPController
	Auth     *controllers.AuthController
	Admin    *controllers.AdminController
	Devices  *controllers.DeviceController
	Commands *controllers.CommandController
}

func NewRouter(c Controllers, mw *middleware.Auth) http.Handler {
	mux := http.NewServeMux()
	handle := mux.Handle
	admin := func(pattern string, fn http.HandlerFunc) {
		handle(pattern, mw.RequireAdmin(fn))
	}

	// public
	handle("GET /ping", http.HandlerFunc(c.HTTP.Ping))
	handle("POST /login", http.HandlerFunc(c.Auth.Login))

	// device-facing
	handle("POST /api/v1/devices/register", http.HandlerFunc(c.Devices.Register))
	handle("POST /api/v1/devices/{id}/status", http.HandlerFunc(c.Devices.Status))
	handle("POST /api/v1/devices/{id}/materials", http.HandlerFunc(c.Devices.Materials))
	handle("GET /api/v1/devices/{id}/commands/pending", http.HandlerFunc(c.Devices.Pending))
	handle("POST /api/v1/devices/{id}/command_result", http.HandlerFunc(c.Devices.CommandResult))
	handle("POST /api/v1/devices/{id}/orders", http.HandlerFunc(c.Devices.Order))

	// operator
	admin("POST /admin/users", c.Admin.CreateUser)
	admin("POST /admin/commands/dispatch", c.Commands.Dispatch)
	admin("GET /admin/commands/batches", c.Commands.ListBatches)
	admin("GET /admin/commands/batches/{id}", c.Commands.GetBatch)
	admin("POST /admin/commands/batches/{id}/retry", c.Commands.RetryBatch)
	admin("GET /admin/commands/queue", c.Commands.Queue)
	admin("GET /admin/devices", c.Admin.ListDevices)
	admin("GET /admin/devices/{id}", c.Admin.GetDevice)
	admin("POST /admin/devices/{id}/deactivate", c.Admin.Deactivate)
	admin("GET /admin/devices/{id}/bins", c.Admin.Bins)
	admin("GET /admin/alarms", c.Admin.Alarms)

	return middleware.Logging(mux)
}
