package database

import "time"

// SessionRecord is the persisted metadata for a terminal session. It is
// what survives a server restart; buffered output does not.
type SessionRecord struct {
	ID               string    `gorm:"primaryKey;size:64" json:"id"`
	WorkingDirectory string    `gorm:"not null" json:"working_directory"`
	Shell            string    `gorm:"not null" json:"shell"`
	Cols             uint16    `gorm:"not null;default:80" json:"cols"`
	Rows             uint16    `gorm:"not null;default:24" json:"rows"`
	SocketPath       string    `gorm:"not null" json:"socket_path"`
	Status           string    `gorm:"not null;default:creating" json:"status"`
	ExitCode         *int      `json:"exit_code,omitempty"`
	CreatedAt        time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type Setting struct {
	Key       string    `gorm:"primaryKey" json:"key"`
	Value     string    `gorm:"not null" json:"value"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
