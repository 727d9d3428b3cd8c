package domain

import (
	"encoding/json"
	"fmt"
	"regexp"
	"time"
)

var variableNamePattern = regexp.MustCompile(`^[A-Za-z]\w*$`)

// ValidateVariableName reports whether name is a legal variable name.
func ValidateVariableName(name string) error {
	if !variableNamePattern.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidVariableName, name)
	}
	return nil
}

// Variable is a named, timestamped value in a user's variable space.
// UpdatedTime is the caller's event time, not the time the server processed it.
type Variable struct {
	Name            string
	Value           any
	UpdatedTime     time.Time
	UpdatedTimeZone string
}

type variableJSON struct {
	Name            string `json:"name"`
	Value           any    `json:"value"`
	UpdatedTime     int64  `json:"updatedTime"`
	UpdatedTimeZone string `json:"updatedTimeZone,omitempty"`
}

// MarshalJSON encodes UpdatedTime as epoch milliseconds.
func (v Variable) MarshalJSON() ([]byte, error) {
	return json.Marshal(variableJSON{
		Name:            v.Name,
		Value:           v.Value,
		UpdatedTime:     v.UpdatedTime.UnixMilli(),
		UpdatedTimeZone: v.UpdatedTimeZone,
	})
}

func (v *Variable) UnmarshalJSON(data []byte) error {
	var raw variableJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	v.Name = raw.Name
	v.Value = raw.Value
	v.UpdatedTime = time.UnixMilli(raw.UpdatedTime).UTC()
	v.UpdatedTimeZone = raw.UpdatedTimeZone
	return nil
}
