package models

import (
	"database/sql/driver"
	"encoding/json"

	"github.com/pkg/errors"
)

// JSONMap stores loosely structured payloads in a jsonb column.
type JSONMap map[string]interface{}

func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

func (m *JSONMap) Scan(value interface{}) error {
	if value == nil {
		*m = nil
		return nil
	}

	bytes, ok := value.([]byte)
	if !ok {
		if str, strOk := value.(string); strOk {
			bytes = []byte(str)
		} else {
			return errors.Errorf("unsupported type for JSONMap: %T", value)
		}
	}

	return json.Unmarshal(bytes, m)
}
