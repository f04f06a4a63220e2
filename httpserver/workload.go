package httpserver

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/ruteri/module-identity-provisioning/api"
	"github.com/ruteri/module-identity-provisioning/interfaces"
	"github.com/ruteri/module-identity-provisioning/kms"
)

// WorkloadPathPrefix is where the workload API emulator of each device is
// mounted. A device's IOTEDGE_WORKLOADURI points at
// http://<hub>/workload/<deviceId>.
const WorkloadPathPrefix = "/workload/{deviceId}"

// WorkloadEmulator serves the signing part of the edge workload API for
// development setups without an edge runtime. Module keys come from the same
// KMS the authority derives them from.
type WorkloadEmulator struct {
	kms *kms.SimpleKMS
	log *slog.Logger
}

func NewWorkloadEmulator(k *kms.SimpleKMS, log *slog.Logger) *WorkloadEmulator {
	return &WorkloadEmulator{kms: k, log: log}
}

func (e *WorkloadEmulator) RegisterRoutes(r chi.Router) {
	r.Route(WorkloadPathPrefix, func(r chi.Router) {
		r.Post("/modules/{moduleId}/genid/{generationId}/sign", e.HandleSign)
	})
}

// HandleSign signs data with a module key.
//
// URL format: POST /workload/{deviceId}/modules/{moduleId}/genid/{generationId}/sign?api-version=2019-01-30
//
// Request body: JSON, see api.SignRequest. Response: JSON, see api.SignResponse.
func (e *WorkloadEmulator) HandleSign(w http.ResponseWriter, r *http.Request) {
	if v := r.URL.Query().Get("api-version"); v != api.WorkloadAPIVersion {
		writeError(w, http.StatusBadRequest, fmt.Errorf("unsupported api-version %q", v))
		return
	}

	ref, err := interfaces.NewModuleRef(chi.URLParam(r, "deviceId"), chi.URLParam(r, "moduleId"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	var req api.SignRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid sign request: %w", err))
		return
	}
	if req.Algo != api.SignAlgorithm {
		writeError(w, http.StatusBadRequest, fmt.Errorf("unsupported algorithm %q", req.Algo))
		return
	}
	data, err := base64.StdEncoding.DecodeString(req.Data)
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.New("data is not valid base64"))
		return
	}

	digest, err := e.kms.Sign(ref, req.KeyID, data)
	if err != nil {
		e.log.Warn("Sign request rejected", "err", err, slog.String("module", ref.String()), slog.String("keyId", req.KeyID))
		writeError(w, http.StatusBadRequest, err)
		return
	}

	e.log.Debug("Signed payload",
		slog.String("module", ref.String()),
		slog.String("generationId", chi.URLParam(r, "generationId")),
		slog.String("keyId", req.KeyID))
	writeJSON(w, http.StatusOK, api.SignResponse{Digest: base64.StdEncoding.EncodeToString(digest)})
}
