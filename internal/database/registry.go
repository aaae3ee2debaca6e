package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
)

// Services is the microservice registration repository.
type Services struct{ d *DB }

const serviceColumns = `id, name, service_type, class, service_url, licence_key, config, enabled, is_dummy,
	result_timeout, health_status`

func scanService(s rowScanner) (*Service, error) {
	var svc Service
	if err := s.Scan(&svc.ID, &svc.Name, &svc.ServiceType, &svc.Class, &svc.ServiceURL, &svc.LicenceKey, &svc.Config,
		&svc.Enabled, &svc.IsDummy, &svc.ResultTimeout, &svc.HealthStatus); err != nil {
		return nil, err
	}
	return &svc, nil
}

// Create registers a microservice.
func (r *Services) Create(ctx context.Context, s *Service) (int64, error) {
	id, err := r.d.Insert(ctx, "services", Fields{
		"name":           s.Name,
		"service_type":   s.ServiceType,
		"class":          s.Class,
		"service_url":    s.ServiceURL,
		"licence_key":    s.LicenceKey,
		"config":         s.Config,
		"enabled":        s.Enabled,
		"is_dummy":       s.IsDummy,
		"result_timeout": s.ResultTimeout,
	})
	if err != nil {
		return 0, fmt.Errorf("create service: %w", err)
	}
	s.ID = id
	return id, nil
}

// GetEnabledByType returns the first enabled service of a type.
func (r *Services) GetEnabledByType(ctx context.Context, serviceType string) (*Service, error) {
	row := r.d.db.QueryRowContext(ctx, "SELECT "+serviceColumns+
		" FROM services WHERE service_type = ? AND enabled = 1 ORDER BY id ASC LIMIT 1", serviceType)
	svc, err := scanService(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("enabled service %q: %w", serviceType, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get service: %w", err)
	}
	return svc, nil
}

// List returns every registered service.
func (r *Services) List(ctx context.Context) ([]*Service, error) {
	rows, err := r.d.queryRows(ctx, "services", serviceColumns, nil, "id ASC", 0)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Service
	for rows.Next() {
		svc, err := scanService(rows)
		if err != nil {
			return nil, fmt.Errorf("scan service: %w", err)
		}
		out = append(out, svc)
	}
	return out, rows.Err()
}

// InstantActions is the instant_actions repository.
type InstantActions struct{ d *DB }

// Create records an instant action.
func (r *InstantActions) Create(ctx context.Context, ia *InstantAction) (int64, error) {
	if ia.Status == "" {
		ia.Status = "dispatched"
	}
	id, err := r.d.Insert(ctx, "instant_actions", Fields{
		"agent_id":   ia.AgentID,
		"agent_uuid": ia.AgentUUID,
		"sender":     ia.Sender,
		"command":    ia.Command,
		"status":     ia.Status,
		"error":      ia.Error,
	})
	if err != nil {
		return 0, fmt.Errorf("create instant action: %w", err)
	}
	ia.ID = id
	return id, nil
}

// ListByAgent returns the instant actions sent to an agent, oldest first.
func (r *InstantActions) ListByAgent(ctx context.Context, agentID int64) ([]*InstantAction, error) {
	rows, err := r.d.queryRows(ctx, "instant_actions",
		"id, agent_id, agent_uuid, sender, command, status, error, created_at",
		Conditions{"agent_id": agentID}, "id ASC", 0)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*InstantAction
	for rows.Next() {
		var ia InstantAction
		if err := rows.Scan(&ia.ID, &ia.AgentID, &ia.AgentUUID, &ia.Sender, &ia.Command, &ia.Status, &ia.Error,
			&ia.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan instant action: %w", err)
		}
		out = append(out, &ia)
	}
	return out, rows.Err()
}

// SystemLogs is the system_logs repository.
type SystemLogs struct{ d *DB }

// Add writes a system log row and mirrors it to slog at matching severity.
func (r *SystemLogs) Add(ctx context.Context, l *SystemLog) error {
	if l.LogType == "" {
		l.LogType = LogNormal
	}
	attrs := []any{"origin", l.Origin, "event", l.Event}
	if l.WprocID != 0 {
		attrs = append(attrs, "wproc_id", l.WprocID)
	}
	if l.ServiceRequestID != 0 {
		attrs = append(attrs, "service_request_id", l.ServiceRequestID)
	}
	if l.AgentUUID != "" {
		attrs = append(attrs, "agent", l.AgentUUID)
	}
	switch l.LogType {
	case LogError:
		slog.Error(l.Msg, attrs...)
	case LogWarn:
		slog.Warn(l.Msg, attrs...)
	default:
		slog.Info(l.Msg, attrs...)
	}

	id, err := r.d.Insert(ctx, "system_logs", Fields{
		"wproc_id":           nullID(l.WprocID),
		"service_request_id": nullID(l.ServiceRequestID),
		"agent_uuid":         l.AgentUUID,
		"origin":             l.Origin,
		"log_type":           l.LogType,
		"event":              l.Event,
		"msg":                l.Msg,
	})
	if err != nil {
		return fmt.Errorf("add system log: %w", err)
	}
	l.ID = id
	return nil
}

// List returns the most recent system logs matching conds, newest first.
func (r *SystemLogs) List(ctx context.Context, conds Conditions, limit int) ([]*SystemLog, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.d.queryRows(ctx, "system_logs",
		"id, created_at, wproc_id, service_request_id, agent_uuid, origin, log_type, event, msg",
		conds, "id DESC", limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*SystemLog
	for rows.Next() {
		var l SystemLog
		var wp, sr sql.NullInt64
		if err := rows.Scan(&l.ID, &l.CreatedAt, &wp, &sr, &l.AgentUUID, &l.Origin, &l.LogType, &l.Event, &l.Msg); err != nil {
			return nil, fmt.Errorf("scan system log: %w", err)
		}
		l.WprocID = wp.Int64
		l.ServiceRequestID = sr.Int64
		out = append(out, &l)
	}
	return out, rows.Err()
}

// MissionQueues is the mission_queue repository.
type MissionQueues struct{ d *DB }

// Mission queue statuses.
const (
	QueueStopped = "stopped"
	QueueRun     = "run"
)

// Create inserts a mission queue.
func (r *MissionQueues) Create(ctx context.Context, q *MissionQueue) (int64, error) {
	if q.Status == "" {
		q.Status = QueueStopped
	}
	id, err := r.d.Insert(ctx, "mission_queue", Fields{"name": q.Name, "status": q.Status})
	if err != nil {
		return 0, fmt.Errorf("create mission queue: %w", err)
	}
	q.ID = id
	return id, nil
}

// Get returns a mission queue by id.
func (r *MissionQueues) Get(ctx context.Context, id int64) (*MissionQueue, error) {
	var q MissionQueue
	var start, stop sql.NullTime
	err := r.d.db.QueryRowContext(ctx,
		"SELECT id, name, status, start_time_stamp, stop_time_stamp FROM mission_queue WHERE id = ?", id).
		Scan(&q.ID, &q.Name, &q.Status, &start, &stop)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("mission queue %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get mission queue: %w", err)
	}
	q.StartTimeStamp = timePtr(start)
	q.StopTimeStamp = timePtr(stop)
	return &q, nil
}

// SetStatus starts or stops a mission queue.
func (r *MissionQueues) SetStatus(ctx context.Context, id int64, status string) error {
	fields := Fields{"status": status}
	if status == QueueRun {
		fields["start_time_stamp"] = nowFunc()
	} else {
		fields["stop_time_stamp"] = nowFunc()
	}
	_, err := r.d.Update(ctx, "mission_queue", id, fields)
	return err
}
