package httpserver

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/ruteri/module-identity-provisioning/api"
	"github.com/ruteri/module-identity-provisioning/kms"
)

const (
	stateLocked   = "locked"
	stateUnlocked = "unlocked"
)

// AdminHandler collects master key shares for a locked ShamirKMS. Admins
// submit their shares one by one; the KMS unlocks once the threshold is
// reached and WaitForUnlock returns.
type AdminHandler struct {
	shamirKMS *kms.ShamirKMS
	token     string
	log       *slog.Logger

	once     sync.Once
	unlocked chan struct{}
}

// NewAdminHandler creates the handler. When token is not empty, share
// submissions must carry it as a bearer token.
func NewAdminHandler(shamirKMS *kms.ShamirKMS, token string, log *slog.Logger) *AdminHandler {
	h := &AdminHandler{
		shamirKMS: shamirKMS,
		token:     token,
		log:       log,
		unlocked:  make(chan struct{}),
	}
	if shamirKMS.IsUnlocked() {
		h.markUnlocked()
	}
	return h
}

func (h *AdminHandler) RegisterRoutes(r chi.Router) {
	r.Get(api.AdminStatusPath, h.handleStatus)
	r.Post(api.AdminSharePath, h.handleSubmitShare)
}

// WaitForUnlock blocks until enough shares were submitted and returns the
// unlocked KMS.
func (h *AdminHandler) WaitForUnlock(ctx context.Context) (*kms.SimpleKMS, error) {
	select {
	case <-h.unlocked:
		return h.shamirKMS.SimpleKMS()
	case <-ctx.Done():
		return nil, fmt.Errorf("kms still locked: %w", ctx.Err())
	}
}

func (h *AdminHandler) markUnlocked() {
	h.once.Do(func() { close(h.unlocked) })
}

func (h *AdminHandler) handleStatus(w http.ResponseWriter, r *http.Request) {
	received, threshold := h.shamirKMS.Progress()
	state := stateLocked
	if h.shamirKMS.IsUnlocked() {
		state = stateUnlocked
	}
	writeJSON(w, http.StatusOK, api.AdminStatusResponse{State: state, Received: received, Threshold: threshold})
}

func (h *AdminHandler) handleSubmitShare(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(r) {
		writeError(w, http.StatusUnauthorized, errors.New("invalid admin token"))
		return
	}

	var req api.SubmitShareRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request: %w", err))
		return
	}
	share, err := base64.StdEncoding.DecodeString(req.Share)
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.New("share is not valid base64"))
		return
	}

	unlocked, err := h.shamirKMS.SubmitShare(share)
	if err != nil {
		h.log.Warn("Share rejected", "err", err)
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if unlocked {
		h.log.Info("KMS unlocked")
		h.markUnlocked()
	} else {
		received, threshold := h.shamirKMS.Progress()
		h.log.Info("Share accepted", slog.Int("received", received), slog.Int("threshold", threshold))
	}
	h.handleStatus(w, r)
}

func (h *AdminHandler) authorized(r *http.Request) bool {
	if h.token == "" {
		return true
	}
	got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	return subtle.ConstantTimeCompare([]byte(got), []byte(h.token)) == 1
}
