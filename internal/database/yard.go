package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Yards is the yards repository.
type Yards struct{ d *DB }

const yardColumns = `id, COALESCE(uid,''), name, lat, lon, alt, map_data, source, data_format, created_at, modified_at`

func scanYard(s rowScanner) (*Yard, error) {
	var y Yard
	if err := s.Scan(&y.ID, &y.UID, &y.Name, &y.Lat, &y.Lon, &y.Alt, &y.MapData, &y.Source, &y.DataFormat,
		&y.CreatedAt, &y.ModifiedAt); err != nil {
		return nil, err
	}
	return &y, nil
}

// Create inserts a yard.
func (r *Yards) Create(ctx context.Context, y *Yard) (*Yard, error) {
	var uid any
	if y.UID != "" {
		uid = y.UID
	}
	id, err := r.d.Insert(ctx, "yards", Fields{
		"uid":         uid,
		"name":        y.Name,
		"lat":         y.Lat,
		"lon":         y.Lon,
		"alt":         y.Alt,
		"map_data":    y.MapData,
		"source":      y.Source,
		"data_format": y.DataFormat,
	})
	if err != nil {
		return nil, fmt.Errorf("create yard: %w", err)
	}
	return r.Get(ctx, id)
}

// Get returns a yard by id.
func (r *Yards) Get(ctx context.Context, id int64) (*Yard, error) {
	row := r.d.db.QueryRowContext(ctx, "SELECT "+yardColumns+" FROM yards WHERE id = ?", id)
	y, err := scanYard(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("yard %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get yard: %w", err)
	}
	return y, nil
}

// List returns all yards.
func (r *Yards) List(ctx context.Context) ([]*Yard, error) {
	rows, err := r.d.queryRows(ctx, "yards", yardColumns, nil, "id ASC", 0)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Yard
	for rows.Next() {
		y, err := scanYard(rows)
		if err != nil {
			return nil, fmt.Errorf("scan yard: %w", err)
		}
		out = append(out, y)
	}
	return out, rows.Err()
}

// Update writes arbitrary fields to a yard.
func (r *Yards) Update(ctx context.Context, id int64, fields Fields) (bool, error) {
	return r.d.Update(ctx, "yards", id, fields)
}

// MapObjects is the map_objects repository.
type MapObjects struct{ d *DB }

const mapObjectColumns = `id, yard_id, name, type, data, data_format, metadata, deleted_at, created_at, modified_at`

// Create inserts a map object.
func (r *MapObjects) Create(ctx context.Context, m *MapObject) (int64, error) {
	id, err := r.d.Insert(ctx, "map_objects", Fields{
		"yard_id":     m.YardID,
		"name":        m.Name,
		"type":        m.Type,
		"data":        m.Data,
		"data_format": m.DataFormat,
		"metadata":    m.Metadata,
	})
	if err != nil {
		return 0, fmt.Errorf("create map object: %w", err)
	}
	m.ID = id
	return id, nil
}

// SoftDeleteByYard marks every active object of a yard deleted.
func (r *MapObjects) SoftDeleteByYard(ctx context.Context, yardID int64) ([]int64, error) {
	return r.d.UpdateByConditions(ctx, "map_objects",
		Conditions{"yard_id": yardID, "deleted_at": nil},
		Fields{"deleted_at": nowFunc(), "yard_id": yardID})
}

// ListActive returns the objects of a yard that are not soft-deleted.
func (r *MapObjects) ListActive(ctx context.Context, yardID int64) ([]*MapObject, error) {
	return r.list(ctx, Conditions{"yard_id": yardID, "deleted_at": nil})
}

// List returns objects matching conds, including deleted ones.
func (r *MapObjects) List(ctx context.Context, conds Conditions) ([]*MapObject, error) {
	return r.list(ctx, conds)
}

func (r *MapObjects) list(ctx context.Context, conds Conditions) ([]*MapObject, error) {
	rows, err := r.d.queryRows(ctx, "map_objects", mapObjectColumns, conds, "id ASC", 0)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*MapObject
	for rows.Next() {
		var m MapObject
		var deleted sql.NullTime
		if err := rows.Scan(&m.ID, &m.YardID, &m.Name, &m.Type, &m.Data, &m.DataFormat, &m.Metadata, &deleted,
			&m.CreatedAt, &m.ModifiedAt); err != nil {
			return nil, fmt.Errorf("scan map object: %w", err)
		}
		m.DeletedAt = timePtr(deleted)
		out = append(out, &m)
	}
	return out, rows.Err()
}
