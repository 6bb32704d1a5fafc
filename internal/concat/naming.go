package concat

import (
	"strings"
	"time"
)

const timestampLayout = "20060102_150405"

// SanitizeActorID keeps letters, digits and underscores; spaces become
// underscores and everything else is dropped.
func SanitizeActorID(actorID string) string {
	var result strings.Builder
	for _, r := range actorID {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' || r == ' ' {
			result.WriteRune(r)
		}
	}
	return strings.ReplaceAll(strings.TrimSpace(result.String()), " ", "_")
}

// ArtifactName returns <actorId>_<YYYYMMDD_HHMMSS><ext>. ext includes the dot.
func ArtifactName(actorID string, t time.Time, ext string) string {
	id := SanitizeActorID(actorID)
	if id == "" {
		id = "capture"
	}
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return id + "_" + t.Format(timestampLayout) + ext
}
