package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	domain "github.com/tripfare/api/internal/domain"
	"github.com/tripfare/api/internal/platform/httpx"
	"github.com/tripfare/api/internal/platform/pagination"
	"github.com/tripfare/api/internal/platform/requestctx"
	"github.com/tripfare/api/internal/repositories"
	"github.com/tripfare/api/internal/services"
)

// PackageHandlers exposes package tracking, snapshots and markup settings.
type PackageHandlers struct {
	sync          *services.SyncManager
	markup        repositories.MarkupSettingsRepository
	defaultMarkup domain.MarkupSettings
}

// PackageOption customises PackageHandlers.
type PackageOption func(*PackageHandlers)

func WithPackageSyncManager(manager *services.SyncManager) PackageOption {
	return func(h *PackageHandlers) { h.sync = manager }
}

func WithPackageMarkupRepository(repo repositories.MarkupSettingsRepository) PackageOption {
	return func(h *PackageHandlers) { h.markup = repo }
}

func WithPackageDefaultMarkup(settings domain.MarkupSettings) PackageOption {
	return func(h *PackageHandlers) { h.defaultMarkup = settings }
}

func NewPackageHandlers(opts ...PackageOption) *PackageHandlers {
	h := &PackageHandlers{defaultMarkup: domain.DefaultMarkupSettings()}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers read-only package endpoints.
func (h *PackageHandlers) Routes(r chi.Router) {
	if h == nil {
		return
	}
	r.Get("/packages", h.listTracked)
	r.Get("/packages/{packageId}/snapshot", h.snapshot)
	r.Get("/packages/{packageId}/markup", h.getMarkup)
}

// AdminRoutes registers endpoints that change tracking or markup.
func (h *PackageHandlers) AdminRoutes(r chi.Router) {
	if h == nil {
		return
	}
	r.Post("/packages/{packageId}/track", h.track)
	r.Delete("/packages/{packageId}/track", h.untrack)
	r.Put("/packages/{packageId}/markup", h.putMarkup)
}

// SignalRoutes registers the external "data updated" webhook.
func (h *PackageHandlers) SignalRoutes(r chi.Router) {
	if h == nil {
		return
	}
	r.Post("/packages/{packageId}/signal", h.signal)
}

type trackedResponse struct {
	Items         []trackedPackage `json:"items"`
	NextPageToken string           `json:"nextPageToken,omitempty"`
}

type trackedPackage struct {
	PackageID string `json:"packageId"`
	State     string `json:"state"`
}

func (h *PackageHandlers) listTracked(w http.ResponseWriter, r *http.Request) {
	if h.sync == nil {
		httpx.WriteError(r.Context(), w, unavailable("sync manager"))
		return
	}
	params, err := pagination.Parse(r.URL.Query())
	if err != nil {
		httpx.WriteError(r.Context(), w, badRequest("invalid_page", err.Error()))
		return
	}
	ids, next := pagination.Page(h.sync.Tracked(), func(id string) string { return id }, params)
	resp := trackedResponse{Items: make([]trackedPackage, 0, len(ids)), NextPageToken: next}
	for _, id := range ids {
		entry := trackedPackage{PackageID: id}
		if controller, ok := h.sync.Controller(id); ok {
			entry.State = controller.State().String()
		}
		resp.Items = append(resp.Items, entry)
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}

type snapshotResponse struct {
	PackageID string                  `json:"packageId"`
	State     string                  `json:"state"`
	Snapshot  *domain.PricingSnapshot `json:"snapshot"`
}

func (h *PackageHandlers) snapshot(w http.ResponseWriter, r *http.Request) {
	if h.sync == nil {
		httpx.WriteError(r.Context(), w, unavailable("sync manager"))
		return
	}
	packageID := packageIDParam(r)
	controller, ok := h.sync.Controller(packageID)
	if !ok {
		httpx.WriteError(r.Context(), w, httpx.NewError("package_not_tracked", "package "+packageID+" is not tracked", http.StatusNotFound))
		return
	}
	httpx.WriteJSON(w, http.StatusOK, snapshotResponse{
		PackageID: packageID,
		State:     controller.State().String(),
		Snapshot:  controller.Latest(),
	})
}

func (h *PackageHandlers) track(w http.ResponseWriter, r *http.Request) {
	if h.sync == nil {
		httpx.WriteError(r.Context(), w, unavailable("sync manager"))
		return
	}
	packageID := packageIDParam(r)
	controller, err := h.sync.Track(r.Context(), packageID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	requestctx.Logger(r.Context()).Info("package tracked", zap.String("packageId", packageID))
	httpx.WriteJSON(w, http.StatusAccepted, trackedPackage{PackageID: packageID, State: controller.State().String()})
}

func (h *PackageHandlers) untrack(w http.ResponseWriter, r *http.Request) {
	if h.sync == nil {
		httpx.WriteError(r.Context(), w, unavailable("sync manager"))
		return
	}
	packageID := packageIDParam(r)
	if !h.sync.Untrack(packageID) {
		httpx.WriteError(r.Context(), w, httpx.NewError("package_not_tracked", "package "+packageID+" is not tracked", http.StatusNotFound))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *PackageHandlers) signal(w http.ResponseWriter, r *http.Request) {
	if h.sync == nil {
		httpx.WriteError(r.Context(), w, unavailable("sync manager"))
		return
	}
	packageID := packageIDParam(r)
	if !h.sync.Signal(packageID) {
		httpx.WriteError(r.Context(), w, httpx.NewError("package_not_tracked", "package "+packageID+" is not tracked", http.StatusNotFound))
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

type markupResponse struct {
	PackageID string                `json:"packageId"`
	Settings  domain.MarkupSettings `json:"settings"`
	Default   bool                  `json:"default"`
}

func (h *PackageHandlers) getMarkup(w http.ResponseWriter, r *http.Request) {
	packageID := packageIDParam(r)
	resp := markupResponse{PackageID: packageID, Settings: h.defaultMarkup, Default: true}
	if h.markup != nil {
		settings, ok, err := h.markup.Load(r.Context(), packageID)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		if ok {
			resp.Settings = settings
			resp.Default = false
		}
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}

func (h *PackageHandlers) putMarkup(w http.ResponseWriter, r *http.Request) {
	if h.markup == nil {
		httpx.WriteError(r.Context(), w, unavailable("markup repository"))
		return
	}
	packageID := packageIDParam(r)
	if packageID == "" {
		httpx.WriteError(r.Context(), w, badRequest("invalid_package", "package id is required"))
		return
	}
	var settings domain.MarkupSettings
	if err := httpx.DecodeJSON(r, &settings); err != nil {
		writeServiceError(w, r, err)
		return
	}
	validated, err := services.ValidateMarkupSettings(settings)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if err := h.markup.Save(r.Context(), packageID, validated); err != nil {
		writeServiceError(w, r, err)
		return
	}
	// A tracked package picks up the new markup on its next check.
	if h.sync != nil {
		h.sync.Signal(packageID)
	}
	httpx.WriteJSON(w, http.StatusOK, markupResponse{PackageID: packageID, Settings: validated})
}

func packageIDParam(r *http.Request) string {
	return strings.TrimSpace(chi.URLParam(r, "packageId"))
}
