package varsync

import (
	"time"

	"github.com/dialoguebranch/dlb-web-sub000/pkg/domain"
)

// wireVariable is the variable representation of the external service API.
// Unknown values are sent as null.
type wireVariable struct {
	Name            string `json:"name"`
	Value           any    `json:"value"`
	UpdatedTime     int64  `json:"updatedTime,omitempty"`
	UpdatedTimeZone string `json:"updatedTimeZone,omitempty"`
}

func toWire(v domain.Variable) wireVariable {
	return wireVariable{
		Name:            v.Name,
		Value:           v.Value,
		UpdatedTime:     v.UpdatedTime.UnixMilli(),
		UpdatedTimeZone: v.UpdatedTimeZone,
	}
}

func (w wireVariable) toDomain() domain.Variable {
	at := time.UnixMilli(w.UpdatedTime).UTC()
	if w.UpdatedTimeZone != "" {
		if loc, err := time.LoadLocation(w.UpdatedTimeZone); err == nil {
			at = at.In(loc)
		}
	}
	return domain.Variable{
		Name:            w.Name,
		Value:           w.Value,
		UpdatedTime:     at,
		UpdatedTimeZone: w.UpdatedTimeZone,
	}
}
