package models

// All lists every table the backend migrates at startup.
func All() []any {
	return []any{
		&User{},
		&Device{},
		&DeviceBin{},
		&CommandBatch{},
		&RemoteCommand{},
		&Order{},
		&OrderItem{},
		&Alarm{},
	}
}
