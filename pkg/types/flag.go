package types

import (
	"encoding/json"
	"fmt"
)

// Flag is a boolean that tolerates the numeric and string encodings
// children and older conductors emit (1/0, "1", "true").
type Flag bool

func (f *Flag) UnmarshalJSON(data []byte) error {
	var b bool
	if err := json.Unmarshal(data, &b); err == nil {
		*f = Flag(b)
		return nil
	}
	var n float64
	if err := json.Unmarshal(data, &n); err == nil {
		*f = Flag(n != 0)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*f = Flag(s != "" && s != "0" && s != "false")
		return nil
	}
	return fmt.Errorf("invalid flag value: %s", string(data))
}
