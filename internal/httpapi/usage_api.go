package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/johnrirwin/keygate/internal/apierror"
	"github.com/johnrirwin/keygate/internal/auth"
	"github.com/johnrirwin/keygate/internal/logging"
	"github.com/johnrirwin/keygate/internal/models"
)

// handleUsage handles GET /v1/usage?start_date=&end_date=
func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	if s.deps.Usage == nil {
		apierror.Write(w, http.StatusNotFound, apierror.NotFound())
		return
	}
	principal := auth.GetPrincipal(r.Context())

	query := r.URL.Query()
	start, end, err := models.ParseUsageRange(query.Get("start_date"), query.Get("end_date"), s.deps.Now())
	if err != nil {
		writeValidationError(w, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 15*time.Second)
	defer cancel()

	summary, err := s.deps.Usage.Summary(ctx, models.UsageQueryParams{
		PrincipalID: principal.ID,
		StartDate:   start,
		EndDate:     end,
	})
	if err != nil {
		s.logger.Error("Failed to summarize usage",
			logging.WithField("principalId", principal.ID),
			logging.WithError(err),
		)
		apierror.Write(w, http.StatusInternalServerError, apierror.Internal())
		return
	}

	writeJSON(w, http.StatusOK, summary)
}

// writeValidationError sends a 400 for a models.ValidationError, or a 500 for
// anything else.
func writeValidationError(w http.ResponseWriter, err error) {
	var verr *models.ValidationError
	if errors.As(err, &verr) {
		apierror.Write(w, http.StatusBadRequest, apierror.New(
			apierror.TypeInvalidRequest, apierror.CodeValidation, verr.Message))
		return
	}
	apierror.Write(w, http.StatusInternalServerError, apierror.Internal())
}
