package relay

import (
	"encoding/json"
	"net/http"
)

// SupportedModels is the fixed set of model ids the gateway advertises and
// accepts. The upstream backend has no model-listing endpoint of its own,
// so the list is maintained here.
var SupportedModels = []string{
	"claude-opus-4-20250514",
	"claude-sonnet-4-20250514",
	"claude-3-7-sonnet-20250219",
	"claude-3-5-haiku-20241022",
}

type modelEntry struct {
	ID          string `json:"id"`
	Type        string `json:"type"`
	DisplayName string `json:"display_name"`
}

// HandleModels serves GET /v1/models: the fixed supported-model set.
func HandleModels(w http.ResponseWriter, r *http.Request) {
	data := make([]modelEntry, len(SupportedModels))
	for i, id := range SupportedModels {
		data[i] = modelEntry{ID: id, Type: "model", DisplayName: id}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]any{"data": data})
}

// IsSupportedModel reports whether id is one of SupportedModels.
func IsSupportedModel(id string) bool {
	for _, m := range SupportedModels {
		if m == id {
			return true
		}
	}
	return false
}
