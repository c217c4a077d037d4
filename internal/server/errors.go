package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	auditdomain "github.com/gestionly/veriledger/internal/audit/domain"
	certdomain "github.com/gestionly/veriledger/internal/certvault/domain"
	compliancedomain "github.com/gestionly/veriledger/internal/compliance/domain"
	invoicedomain "github.com/gestionly/veriledger/internal/invoice/domain"
	numberingdomain "github.com/gestionly/veriledger/internal/numbering/domain"
	settingsdomain "github.com/gestionly/veriledger/internal/settings/domain"
	"gorm.io/gorm"
)

type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

func (v ValidationErrors) Error() string {
	return "validation error"
}

type errorPayload struct {
	Type    string            `json:"type"`
	Message string            `json:"message"`
	Errors  []ValidationError `json:"errors,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrUnauthorized   = errors.New("unauthorized")
	ErrNotFound       = errors.New("not_found")
	ErrInvalidRequest = errors.New("invalid_request")
)

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func newValidationError(field, code, message string) error {
	return &ValidationErrors{
		Errors: []ValidationError{
			{
				Field:   field,
				Code:    code,
				Message: message,
			},
		},
	}
}

func mapError(err error) (int, errorPayload) {
	if vErr := asValidationErrors(err); vErr != nil {
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors:  vErr.Errors,
		}
	}

	switch {
	case isValidationError(err):
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors: []ValidationError{
				{Field: "request", Code: err.Error(), Message: err.Error()},
			},
		}
	case isUnauthorizedError(err):
		return http.StatusUnauthorized, errorPayload{
			Type:    "unauthorized",
			Message: "unauthorized",
		}
	case isNotFoundError(err):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "not found",
		}
	case isConflictError(err):
		return http.StatusConflict, errorPayload{
			Type:    "conflict",
			Message: err.Error(),
		}
	case isUnprocessableError(err):
		return http.StatusUnprocessableEntity, errorPayload{
			Type:    "unprocessable",
			Message: err.Error(),
		}
	case errors.Is(err, compliancedomain.ErrAuthorityUnavailable):
		return http.StatusServiceUnavailable, errorPayload{
			Type:    "service_unavailable",
			Message: "tax authority unavailable",
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}

func asValidationErrors(err error) *ValidationErrors {
	var vErr *ValidationErrors
	if errors.As(err, &vErr) && vErr != nil {
		return vErr
	}
	return nil
}

func isValidationError(err error) bool {
	switch {
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, invoicedomain.ErrNoItems),
		errors.Is(err, invoicedomain.ErrInvalidItem),
		errors.Is(err, invoicedomain.ErrInvalidRecipient),
		errors.Is(err, invoicedomain.ErrInvalidSeries),
		errors.Is(err, invoicedomain.ErrInvalidCurrency),
		errors.Is(err, invoicedomain.ErrInvalidAmount),
		errors.Is(err, invoicedomain.ErrMissingReason),
		errors.Is(err, invoicedomain.ErrInvalidPageToken),
		errors.Is(err, settingsdomain.ErrInvalidSeries),
		errors.Is(err, settingsdomain.ErrInvalidTaxRate),
		errors.Is(err, settingsdomain.ErrInvalidCurrency),
		errors.Is(err, settingsdomain.ErrMissingIssuer),
		errors.Is(err, auditdomain.ErrInvalidPageToken),
		errors.Is(err, auditdomain.ErrInvalidTimeRange),
		errors.Is(err, auditdomain.ErrInvalidAction),
		errors.Is(err, certdomain.ErrInvalidCertificate),
		errors.Is(err, certdomain.ErrInvalidPassword),
		errors.Is(err, certdomain.ErrAlreadyExpired),
		errors.Is(err, certdomain.ErrNotYetValid):
		return true
	default:
		return false
	}
}

func isUnauthorizedError(err error) bool {
	switch {
	case errors.Is(err, ErrUnauthorized),
		errors.Is(err, invoicedomain.ErrInvalidWorkspace),
		errors.Is(err, settingsdomain.ErrInvalidWorkspace),
		errors.Is(err, auditdomain.ErrInvalidWorkspace),
		errors.Is(err, certdomain.ErrInvalidWorkspace),
		errors.Is(err, compliancedomain.ErrInvalidWorkspace):
		return true
	default:
		return false
	}
}

func isNotFoundError(err error) bool {
	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, invoicedomain.ErrInvoiceNotFound),
		errors.Is(err, compliancedomain.ErrInvoiceNotFound),
		errors.Is(err, gorm.ErrRecordNotFound):
		return true
	default:
		return false
	}
}

func isConflictError(err error) bool {
	switch {
	case errors.Is(err, numberingdomain.ErrSeriesLocked),
		errors.Is(err, invoicedomain.ErrInvoiceLocked),
		errors.Is(err, invoicedomain.ErrInvoiceNotDraft),
		errors.Is(err, invoicedomain.ErrInvoiceNotFinalized),
		errors.Is(err, invoicedomain.ErrInvoiceRectified),
		errors.Is(err, invoicedomain.ErrRectifyRectificative),
		errors.Is(err, certdomain.ErrAlreadyRevoked):
		return true
	default:
		return false
	}
}

// isUnprocessableError covers requests that are well formed but cannot be
// honored in the workspace's current configuration.
func isUnprocessableError(err error) bool {
	switch {
	case errors.Is(err, invoicedomain.ErrIssuerNotConfigured),
		errors.Is(err, certdomain.ErrNoActiveCertificate),
		errors.Is(err, certdomain.ErrCertificateExpired),
		errors.Is(err, certdomain.ErrCertificateRevoked),
		errors.Is(err, certdomain.ErrUnsupportedKey),
		errors.Is(err, certdomain.ErrBadSignature),
		errors.Is(err, compliancedomain.ErrNotSubmittable):
		return true
	default:
		return false
	}
}

// classifyErrorForLog buckets handler errors for the request log.
func classifyErrorForLog(err error) (string, string) {
	status, payload := mapError(err)
	switch {
	case status >= 500:
		return "error", payload.Type
	case status >= 400:
		return "warn", payload.Type
	default:
		return "info", payload.Type
	}
}
