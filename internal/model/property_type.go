package model

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
)

// Datatype is the value type of a property
type Datatype string

const (
	DatatypeString   Datatype = "String"
	DatatypeInt64    Datatype = "Int64"
	DatatypeDouble   Datatype = "Double"
	DatatypeBoolean  Datatype = "Boolean"
	DatatypeDate     Datatype = "Date"
	DatatypeDateTime Datatype = "DateTimeOffset"
	DatatypeBinary   Datatype = "Binary"
)

const dateLayout = "2006-01-02"

// PropertyType describes one property entities may carry
type PropertyType struct {
	ID       uuid.UUID
	Name     string
	Datatype Datatype
}

// IsBinary reports whether values are blobs kept out of the search index
func (pt *PropertyType) IsBinary() bool {
	return pt.Datatype == DatatypeBinary
}

// Normalize converts a value into the canonical form it is hashed and stored in.
// Values read back from JSON storage normalize to the same form they were written in.
func (pt *PropertyType) Normalize(value any) (any, error) {
	switch pt.Datatype {
	case DatatypeString:
		if s, ok := value.(string); ok {
			return s, nil
		}
	case DatatypeInt64:
		return toInt64(value)
	case DatatypeDouble:
		return toFloat64(value)
	case DatatypeBoolean:
		if b, ok := value.(bool); ok {
			return b, nil
		}
	case DatatypeDate:
		switch v := value.(type) {
		case time.Time:
			return v.UTC().Format(dateLayout), nil
		case string:
			t, err := time.Parse(dateLayout, v)
			if err != nil {
				return nil, fmt.Errorf("property %s: invalid date %q: %w", pt.ID, v, err)
			}
			return t.Format(dateLayout), nil
		}
	case DatatypeDateTime:
		switch v := value.(type) {
		case time.Time:
			return v.UTC().Format(time.RFC3339Nano), nil
		case string:
			t, err := time.Parse(time.RFC3339Nano, v)
			if err != nil {
				return nil, fmt.Errorf("property %s: invalid datetime %q: %w", pt.ID, v, err)
			}
			return t.UTC().Format(time.RFC3339Nano), nil
		}
	case DatatypeBinary:
		switch v := value.(type) {
		case []byte:
			return base64.StdEncoding.EncodeToString(v), nil
		case string:
			if _, err := base64.StdEncoding.DecodeString(v); err != nil {
				return nil, fmt.Errorf("property %s: binary value is not base64: %w", pt.ID, err)
			}
			return v, nil
		}
	default:
		return nil, fmt.Errorf("property %s: unknown datatype %q", pt.ID, pt.Datatype)
	}
	return nil, fmt.Errorf("property %s: value of type %T is not a %s", pt.ID, value, pt.Datatype)
}

// ParseTime interprets a normalized Date or DateTime value
func ParseTime(value any) (time.Time, bool) {
	s, ok := value.(string)
	if !ok {
		return time.Time{}, false
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, true
	}
	if t, err := time.Parse(dateLayout, s); err == nil {
		return t, true
	}
	return time.Time{}, false
}

func toInt64(value any) (any, error) {
	switch v := value.(type) {
	case int:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case int64:
		return v, nil
	case float64:
		if v != math.Trunc(v) {
			return nil, fmt.Errorf("value %v is not an integer", v)
		}
		return int64(v), nil
	case json.Number:
		return v.Int64()
	}
	return nil, fmt.Errorf("value of type %T is not an Int64", value)
}

func toFloat64(value any) (any, error) {
	switch v := value.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case json.Number:
		return v.Float64()
	}
	return nil, fmt.Errorf("value of type %T is not a Double", value)
}
