package bubble

import (
	"whos.app/models"
)

// Fallback returns the fixed error bubble shown when the analysis backend
// could not be reached or answered badly. The failure itself is only for
// the logs and never reaches the markup.
func (r *Renderer) Fallback(_ error) models.ReplyEnvelope {
	return models.ReplyEnvelope{Template: r.fallback}
}
