package api

import (
	"errors"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/forge-labs/forge-go/internal/domain"
	"github.com/forge-labs/forge-go/internal/params"
	"github.com/forge-labs/forge-go/internal/platform/httpserver"
	"github.com/forge-labs/forge-go/internal/platform/requestid"
	"github.com/forge-labs/forge-go/internal/session"
)

type issue struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

type errorBody struct {
	Error     string            `json:"error"`
	Message   string            `json:"message"`
	Issues    []issue           `json:"issues,omitempty"`
	Record    *domain.RunRecord `json:"record,omitempty"`
	RequestID string            `json:"request_id,omitempty"`
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string, issues []issue) {
	id, _ := requestid.FromContext(r.Context())
	httpserver.WriteJSON(w, status, errorBody{Error: code, Message: message, Issues: issues, RequestID: id})
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	s.failWithRecord(w, r, err, nil)
}

func (s *Server) failWithRecord(w http.ResponseWriter, r *http.Request, err error, rec *domain.RunRecord) {
	status, code := classify(err)
	if status >= 500 {
		s.logger.Error("request failed", "path", r.URL.Path, "code", code, "error", err)
	}
	id, _ := requestid.FromContext(r.Context())
	httpserver.WriteJSON(w, status, errorBody{
		Error:     code,
		Message:   err.Error(),
		Issues:    errorIssues(err),
		Record:    rec,
		RequestID: id,
	})
}

// classify maps an error to its HTTP status and stable code.
func classify(err error) (int, string) {
	var failed *session.StageFailedError
	if errors.As(err, &failed) {
		return http.StatusBadGateway, "stage_failed"
	}
	code := domain.Code(err)
	switch {
	case errors.Is(err, domain.ErrInvalidParameters), errors.Is(err, domain.ErrInvalidInput):
		return http.StatusBadRequest, code
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, code
	case errors.Is(err, domain.ErrCorruption),
		errors.Is(err, domain.ErrVersionMismatch),
		errors.Is(err, domain.ErrConflict):
		return http.StatusConflict, code
	case errors.Is(err, domain.ErrUnsupportedFormat):
		return http.StatusUnprocessableEntity, code
	case errors.Is(err, domain.ErrCancelled):
		return http.StatusRequestTimeout, code
	case errors.Is(err, domain.ErrSessionUnavailable), errors.Is(err, domain.ErrStorage):
		return http.StatusServiceUnavailable, code
	default:
		return http.StatusInternalServerError, code
	}
}

func errorIssues(err error) []issue {
	var verr *params.ValidationError
	if errors.As(err, &verr) {
		out := make([]issue, 0, len(verr.Issues))
		for _, i := range verr.Issues {
			out = append(out, issue{Field: "params." + i.Key, Reason: i.Reason})
		}
		return out
	}
	var ierr *domain.InvalidInputError
	if errors.As(err, &ierr) {
		return []issue{{Field: ierr.Field, Reason: ierr.Reason}}
	}
	return nil
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func validationIssues(err error) []issue {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []issue{{Reason: err.Error()}}
	}
	out := make([]issue, 0, len(verrs))
	for _, fe := range verrs {
		reason := fe.Tag()
		if fe.Param() != "" {
			reason += "=" + fe.Param()
		}
		out = append(out, issue{Field: fe.Field(), Reason: reason})
	}
	return out
}
