package types

import (
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ShortID returns a compact unique identifier with an optional prefix,
// used for redraw hints and generated file ids.
func ShortID(prefix string) string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	return prefix + strconv.FormatInt(time.Now().Unix(), 36) + id[:8]
}
