package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/johnrirwin/keygate/internal/apierror"
	"github.com/johnrirwin/keygate/internal/auth"
	"github.com/johnrirwin/keygate/internal/database"
	"github.com/johnrirwin/keygate/internal/logging"
	"github.com/johnrirwin/keygate/internal/models"
)

// AdminAPI handles admin-only key management endpoints
type AdminAPI struct {
	keys   KeyManager
	logger *logging.Logger
}

// NewAdminAPI creates a new admin API handler
func NewAdminAPI(keys KeyManager, logger *logging.Logger) *AdminAPI {
	if logger == nil {
		logger = logging.Default()
	}
	return &AdminAPI{
		keys:   keys,
		logger: logger.Named("admin"),
	}
}

// RegisterRoutes registers admin routes. The caller is responsible for the
// admin guard.
func (api *AdminAPI) RegisterRoutes(r chi.Router) {
	r.Post("/keys", api.handleCreateKey)
	r.Get("/keys", api.handleListKeys)
	r.Get("/keys/{id}", api.handleGetKey)
	r.Delete("/keys/{id}", api.handleRevokeKey)
	r.Post("/keys/{id}/activate", api.handleActivateKey)
}

// handleCreateKey handles POST /api/admin/keys. The raw key is only ever
// returned here.
func (api *AdminAPI) handleCreateKey(w http.ResponseWriter, r *http.Request) {
	var params models.CreateAPIKeyParams
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeTooLarge(w, tooLarge.Limit)
			return
		}
		apierror.Write(w, http.StatusBadRequest, apierror.New(
			apierror.TypeInvalidRequest, apierror.CodeInvalidBody, "invalid JSON body"))
		return
	}
	if err := params.Validate(); err != nil {
		writeValidationError(w, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	created, err := CreateKey(ctx, api.keys, params)
	if err != nil {
		api.logger.Error("Failed to create api key", logging.WithError(err))
		apierror.Write(w, http.StatusInternalServerError, apierror.Internal())
		return
	}

	api.logger.Info("Admin created api key",
		logging.WithField("keyId", created.ID),
		logging.WithField("principalId", created.PrincipalID),
		logging.WithField("adminId", auth.GetUserID(r.Context())),
	)

	writeJSON(w, http.StatusCreated, created)
}

// CreateKey mints a key, stores its digest and returns the record with the
// raw key attached. A digest collision is retried once.
func CreateKey(ctx context.Context, keys KeyManager, params models.CreateAPIKeyParams) (*models.CreatedAPIKey, error) {
	for attempt := 0; ; attempt++ {
		raw, err := auth.GenerateKey()
		if err != nil {
			return nil, err
		}
		record, err := keys.Create(ctx, params, auth.Digest(raw))
		if errors.Is(err, database.ErrDuplicateKey) && attempt == 0 {
			continue
		}
		if err != nil {
			return nil, err
		}
		return &models.CreatedAPIKey{APIKey: *record, Key: raw}, nil
	}
}

// handleListKeys handles GET /api/admin/keys?principal_id=
func (api *AdminAPI) handleListKeys(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 15*time.Second)
	defer cancel()

	keys, err := api.keys.List(ctx, r.URL.Query().Get("principal_id"))
	if err != nil {
		api.logger.Error("Failed to list api keys", logging.WithError(err))
		apierror.Write(w, http.StatusInternalServerError, apierror.Internal())
		return
	}

	writeJSON(w, http.StatusOK, models.APIKeysResponse{Keys: keys, TotalCount: len(keys)})
}

// handleGetKey handles GET /api/admin/keys/{id}
func (api *AdminAPI) handleGetKey(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	key, err := api.keys.GetByID(ctx, chi.URLParam(r, "id"))
	if err != nil {
		api.logger.Error("Failed to get api key", logging.WithError(err))
		apierror.Write(w, http.StatusInternalServerError, apierror.Internal())
		return
	}
	if key == nil {
		apierror.Write(w, http.StatusNotFound, apierror.New(
			apierror.TypeInvalidRequest, apierror.CodeNotFound, "api key not found"))
		return
	}

	writeJSON(w, http.StatusOK, key)
}

// handleRevokeKey handles DELETE /api/admin/keys/{id}. Keys are deactivated,
// not removed, so usage history keeps its key ids.
func (api *AdminAPI) handleRevokeKey(w http.ResponseWriter, r *http.Request) {
	api.setActive(w, r, false)
}

// handleActivateKey handles POST /api/admin/keys/{id}/activate
func (api *AdminAPI) handleActivateKey(w http.ResponseWriter, r *http.Request) {
	api.setActive(w, r, true)
}

func (api *AdminAPI) setActive(w http.ResponseWriter, r *http.Request, active bool) {
	id := chi.URLParam(r, "id")

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	if err := api.keys.SetActive(ctx, id, active); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			apierror.Write(w, http.StatusNotFound, apierror.New(
				apierror.TypeInvalidRequest, apierror.CodeNotFound, "api key not found"))
			return
		}
		api.logger.Error("Failed to update api key", logging.WithField("keyId", id), logging.WithError(err))
		apierror.Write(w, http.StatusInternalServerError, apierror.Internal())
		return
	}

	key, err := api.keys.GetByID(ctx, id)
	if err != nil || key == nil {
		api.logger.Error("Failed to reload api key", logging.WithField("keyId", id), logging.WithError(err))
		apierror.Write(w, http.StatusInternalServerError, apierror.Internal())
		return
	}

	api.logger.Info("Admin changed api key state",
		logging.WithField("keyId", id),
		logging.WithField("active", active),
		logging.WithField("adminId", auth.GetUserID(r.Context())),
	)

	writeJSON(w, http.StatusOK, key)
}
