package types

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Code is a job result code: a numeric exit code, or one of the sentinel
// strings ("abort", "warning", "critical", "upload") that carry special
// meaning to the conductor. It marshals as a JSON number or string to match.
type Code struct {
	Num int
	Str string
}

// NumCode returns a numeric result code
func NumCode(n int) Code { return Code{Num: n} }

// StrCode returns a sentinel string result code
func StrCode(s string) Code { return Code{Str: s} }

// IsZero reports whether the code indicates plain success
func (c Code) IsZero() bool { return c.Str == "" && c.Num == 0 }

// Is reports whether the code equals the given sentinel string
func (c Code) Is(sentinel string) bool { return c.Str == sentinel }

func (c Code) String() string {
	if c.Str != "" {
		return c.Str
	}
	return strconv.Itoa(c.Num)
}

func (c Code) MarshalJSON() ([]byte, error) {
	if c.Str != "" {
		return json.Marshal(c.Str)
	}
	return json.Marshal(c.Num)
}

func (c *Code) UnmarshalJSON(data []byte) error {
	var n int
	if err := json.Unmarshal(data, &n); err == nil {
		*c = Code{Num: n}
		return nil
	}
	var f float64
	if err := json.Unmarshal(data, &f); err == nil {
		*c = Code{Num: int(f)}
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*c = Code{Str: s}
		return nil
	}
	var b bool
	if err := json.Unmarshal(data, &b); err == nil {
		if b {
			*c = Code{Num: 1}
		} else {
			*c = Code{}
		}
		return nil
	}
	return fmt.Errorf("invalid result code: %s", string(data))
}

// CodeFromValue converts a decoded JSON value into a Code
func CodeFromValue(v any) (Code, bool) {
	switch val := v.(type) {
	case float64:
		return Code{Num: int(val)}, true
	case int:
		return Code{Num: val}, true
	case string:
		return Code{Str: val}, true
	case bool:
		if val {
			return Code{Num: 1}, true
		}
		return Code{}, true
	case json.Number:
		n, err := val.Int64()
		if err != nil {
			return Code{}, false
		}
		return Code{Num: int(n)}, true
	}
	return Code{}, false
}
