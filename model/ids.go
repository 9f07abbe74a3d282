package model

import (
	"strings"

	"github.com/google/uuid"
)

// NewID mints a prefixed identifier, e.g. "run_1f0c9a2e4b76".
// Prefixes in use: mis (missions), run (runs), evt (events), aud (audits),
// rep (compliance reports).
func NewID(prefix string) string {
	raw := strings.ReplaceAll(uuid.NewString(), "-", "")
	return prefix + "_" + raw[:12]
}
