package database

import (
	"github.com/perchterm/perch/internal/session"
)

// SessionStore persists session metadata through GORM. It implements
// session.Store so the coordinator can recover session records after a
// server restart.
type SessionStore struct{}

func NewSessionStore() *SessionStore {
	return &SessionStore{}
}

func (s *SessionStore) Save(m session.Metadata) error {
	rec := recordFromMetadata(m)
	return DB.Save(&rec).Error
}

func (s *SessionStore) UpdateStatus(id string, status session.Status, exitCode *int) error {
	updates := map[string]interface{}{"status": string(status)}
	if exitCode != nil {
		updates["exit_code"] = *exitCode
	}
	return DB.Model(&SessionRecord{}).Where("id = ?", id).Updates(updates).Error
}

func (s *SessionStore) List() ([]session.Metadata, error) {
	var records []SessionRecord
	if err := DB.Order("created_at").Find(&records).Error; err != nil {
		return nil, err
	}
	result := make([]session.Metadata, len(records))
	for i, rec := range records {
		result[i] = metadataFromRecord(rec)
	}
	return result, nil
}

func recordFromMetadata(m session.Metadata) SessionRecord {
	return SessionRecord{
		ID:               m.ID,
		WorkingDirectory: m.WorkingDirectory,
		Shell:            m.Shell,
		Cols:             m.Cols,
		Rows:             m.Rows,
		SocketPath:       m.SocketPath,
		Status:           string(m.Status),
		ExitCode:         m.ExitCode,
	}
}

func metadataFromRecord(rec SessionRecord) session.Metadata {
	return session.Metadata{
		ID:               rec.ID,
		WorkingDirectory: rec.WorkingDirectory,
		Shell:            rec.Shell,
		Cols:             rec.Cols,
		Rows:             rec.Rows,
		SocketPath:       rec.SocketPath,
		Status:           session.Status(rec.Status),
		ExitCode:         rec.ExitCode,
	}
}
