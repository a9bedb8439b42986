package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/voici5986/grok2api-sub000/internal/apierr"
	"github.com/voici5986/grok2api-sub000/internal/routing"
)

type modelObject struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	OwnedBy string `json:"owned_by"`
}

type modelListResponse struct {
	Object string        `json:"object"`
	Data   []modelObject `json:"data"`
}

func toModelObject(d routing.Descriptor) modelObject {
	return modelObject{ID: d.ID, Object: "model", OwnedBy: "gateway"}
}

// handleListModels serves the static model list derived from the
// descriptor table (§6.1).
func (g *Gateway) handleListModels(w http.ResponseWriter, r *http.Request) {
	descs := routing.List()
	out := modelListResponse{Object: "list", Data: make([]modelObject, 0, len(descs))}
	for _, d := range descs {
		out.Data = append(out.Data, toModelObject(d))
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(out)
}

func (g *Gateway) handleGetModel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	d, err := routing.Lookup(id)
	if err != nil {
		writeAPIError(w, apierr.Newf(apierr.TypeValidation, "model_not_found", "unknown model %q", id))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(toModelObject(d))
}
