package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/yardcore/yardcore/internal/database"
)

type mapObjectResult struct {
	Name       string          `json:"name"`
	Type       string          `json:"type"`
	Data       json.RawMessage `json:"data"`
	DataFormat string          `json:"data_format"`
	Metadata   json.RawMessage `json:"metadata"`
}

type mapResult struct {
	MapObjects *[]mapObjectResult `json:"map_objects"`
	Origin     *struct {
		Lat float64 `json:"lat"`
		Lon float64 `json:"lon"`
		Alt float64 `json:"alt"`
	} `json:"origin"`
	MapData json.RawMessage `json:"map_data"`
}

// UpdateMap applies a map server response to a yard. A map_objects list
// replaces the yard's active objects (old ones are soft-deleted); origin
// and the raw map blob update the yard row. Applying the same response
// twice leaves the same set of active objects.
func (o *Orchestrator) UpdateMap(ctx context.Context, yardID int64, response database.JSON) error {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(response, &envelope); err != nil {
		return fmt.Errorf("update map: %w", err)
	}
	body := json.RawMessage(response)
	for _, k := range []string{"result", "map"} {
		if present(envelope[k]) {
			body = envelope[k]
			break
		}
	}
	var m mapResult
	if err := json.Unmarshal(body, &m); err != nil {
		return fmt.Errorf("update map: %w", err)
	}

	var errs []error
	if m.MapObjects != nil {
		if _, err := o.db.MapObjects.SoftDeleteByYard(ctx, yardID); err != nil {
			return fmt.Errorf("update map: %w", err)
		}
		for i, obj := range *m.MapObjects {
			_, err := o.db.MapObjects.Create(ctx, &database.MapObject{
				YardID: yardID, Name: obj.Name, Type: obj.Type,
				Data: database.JSON(obj.Data), DataFormat: obj.DataFormat, Metadata: database.JSON(obj.Metadata),
			})
			if err != nil {
				errs = append(errs, fmt.Errorf("map_objects[%d]: %w", i, err))
			}
		}
	}

	fields := database.Fields{}
	if m.Origin != nil {
		fields["lat"], fields["lon"], fields["alt"] = m.Origin.Lat, m.Origin.Lon, m.Origin.Alt
	}
	if present(m.MapData) {
		fields["map_data"] = database.JSON(m.MapData)
	}
	if len(fields) > 0 {
		if _, err := o.db.Yards.Update(ctx, yardID, fields); err != nil {
			errs = append(errs, fmt.Errorf("update yard: %w", err))
		}
	}
	return errors.Join(errs...)
}
