package transport

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/pitabwire/clearance/internal/observability"
	"github.com/pitabwire/clearance/model"
)

// classifyResponse reports whether a rejected mutation was a capability
// denial. Denials are policy rejections and must never be retried; the
// frontend uses the extracted capability id to surface an upgrade path.
type classifyResponse struct {
	IsDenial bool                    `json:"is_denial"`
	Denial   *model.CapabilityDenial `json:"denial,omitempty"`
}

// handleClassifyDenial runs the denial classifier over an arbitrary
// rejection payload posted by a frontend. Classification is total: any
// body that parses as JSON classifies safely, matching or not.
func handleClassifyDenial(metrics *observability.Metrics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var payload any
		dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
		if err := dec.Decode(&payload); err != nil {
			WriteError(w, model.NewBadRequestError("Malformed JSON body"))
			return
		}

		denial, ok := model.ParseCapabilityDenial(payload)
		if !ok {
			// Rejections frequently arrive wrapped in an error envelope;
			// unwrap one level before giving up.
			if m, isMap := payload.(map[string]any); isMap {
				if inner, hasInner := m["error"]; hasInner {
					denial, ok = model.ParseCapabilityDenial(inner)
				}
			}
		}

		if metrics != nil {
			metrics.RecordDenialClassification(ok)
		}
		if ok {
			if m, isMap := payload.(map[string]any); isMap {
				observability.RequestLogger(r.Context(), nil).Debug("capability denial classified",
					zap.String("capability_id", denial.CapabilityID),
					zap.Any("payload", observability.RedactBody(m, nil)),
				)
			}
			WriteJSON(w, http.StatusOK, classifyResponse{IsDenial: true, Denial: denial})
			return
		}
		WriteJSON(w, http.StatusOK, classifyResponse{IsDenial: false})
	}
}
