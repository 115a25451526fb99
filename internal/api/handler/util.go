package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"reflect"
	"strconv"
	"strings"

	"github.com/ayo6706/crypto-custody/internal/api/middleware"
	"github.com/ayo6706/crypto-custody/internal/api/problem"
	"github.com/ayo6706/crypto-custody/internal/chain"
	"github.com/ayo6706/crypto-custody/internal/domain"
	"github.com/ayo6706/crypto-custody/internal/service"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const maxBodyBytes = 1 << 20

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	v.RegisterCustomTypeFunc(func(field reflect.Value) interface{} {
		if d, ok := field.Interface().(decimal.Decimal); ok {
			return d.String()
		}
		return nil
	}, decimal.Decimal{})
	_ = v.RegisterValidation("positive_decimal", func(fl validator.FieldLevel) bool {
		d, err := decimal.NewFromString(fl.Field().String())
		return err == nil && d.IsPositive()
	})
	return v
}

// RespondJSON writes a JSON response.
func RespondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// RespondError writes an error response.
func RespondError(w http.ResponseWriter, r *http.Request, status int, problemType, message string) {
	if problemType != "" && problemType != "about:blank" && !strings.HasPrefix(problemType, "http") {
		problemType = problem.Type(problemType)
	}
	problem.Write(w, r, status, problemType, http.StatusText(status), message)
}

// decodeBody reads a JSON body into dst and runs struct validation.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		RespondError(w, r, http.StatusBadRequest, "request/invalid-body", "Invalid request body")
		return false
	}
	if err := validate.Struct(dst); err != nil {
		RespondError(w, r, http.StatusBadRequest, "request/validation-failed", validationMessage(err))
		return false
	}
	return true
}

func validationMessage(err error) string {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return "request validation failed"
	}
	parts := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		parts = append(parts, fe.Field()+" failed "+fe.Tag())
	}
	return strings.Join(parts, "; ")
}

// requestActor returns the authenticated customer and whether it holds the admin role.
func requestActor(r *http.Request) (uuid.UUID, bool, error) {
	userID := middleware.UserIDFromContext(r.Context())
	if userID == "" {
		return uuid.Nil, false, errors.New("missing user in auth context")
	}

	actorID, err := uuid.Parse(userID)
	if err != nil {
		return uuid.Nil, false, errors.New("invalid user_id in auth context")
	}

	return actorID, middleware.UserRoleFromContext(r.Context()) == "admin", nil
}

func customerFromRequest(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	customerID, _, err := requestActor(r)
	if err != nil {
		RespondError(w, r, http.StatusUnauthorized, "auth/unauthorized", "Unauthorized")
		return uuid.Nil, false
	}
	return customerID, true
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		RespondError(w, r, http.StatusBadRequest, "request/invalid-"+name, "Invalid "+name)
		return uuid.Nil, false
	}
	return id, true
}

func queryPage(w http.ResponseWriter, r *http.Request) (limit, offset uint64, ok bool) {
	for name, dst := range map[string]*uint64{"limit": &limit, "offset": &offset} {
		v := strings.TrimSpace(r.URL.Query().Get(name))
		if v == "" {
			continue
		}
		parsed, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			RespondError(w, r, http.StatusBadRequest, "request/invalid-"+name, name+" must be a non-negative integer")
			return 0, 0, false
		}
		*dst = parsed
	}
	return limit, offset, true
}

// writeServiceError maps the domain taxonomy to problem responses. Messages
// built from upstream errors never reach the client.
func writeServiceError(w http.ResponseWriter, r *http.Request, op string, err error) {
	switch {
	case errors.Is(err, service.ErrWalletNotFound),
		errors.Is(err, service.ErrConversionNotFound),
		errors.Is(err, service.ErrOrderNotFound):
		RespondError(w, r, http.StatusNotFound, op+"/not-found", err.Error())
	case errors.Is(err, service.ErrInvalidTransition):
		RespondError(w, r, http.StatusConflict, op+"/invalid-state", "The resource is not in a state that allows this operation")
	case errors.Is(err, chain.ErrBuilderNotFound):
		RespondError(w, r, http.StatusBadRequest, op+"/unsupported-network", "network is not supported")
	case errors.Is(err, domain.ErrInvalidInput):
		RespondError(w, r, http.StatusBadRequest, op+"/invalid-input", err.Error())
	case errors.Is(err, domain.ErrInsufficientFunds):
		RespondError(w, r, http.StatusUnprocessableEntity, op+"/insufficient-funds", err.Error())
	case errors.Is(err, domain.ErrAddressNotWhitelisted):
		RespondError(w, r, http.StatusUnprocessableEntity, op+"/address-not-whitelisted", domain.SafeMessage(err))
	case errors.Is(err, domain.ErrKeyCustody):
		zap.L().Error(op+" key custody failure", zap.Error(err))
		RespondError(w, r, http.StatusInternalServerError, op+"/key-custody", domain.SafeMessage(err))
	case errors.Is(err, domain.ErrExternal):
		zap.L().Error(op+" collaborator failure", zap.Error(err))
		RespondError(w, r, http.StatusBadGateway, op+"/upstream-failed", domain.SafeMessage(err))
	default:
		if status, problemType, message, ok := mapDBError(err); ok {
			RespondError(w, r, status, problemType, message)
			return
		}
		zap.L().Error(op+" failed", zap.Error(err))
		RespondError(w, r, http.StatusInternalServerError, op+"/failed", domain.SafeMessage(err))
	}
}

func mapDBError(err error) (status int, problemType, message string, ok bool) {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return 0, "", "", false
	}

	switch pgErr.Code {
	case "23505": // unique_violation
		return http.StatusConflict, "db/unique-violation", "resource already exists", true
	case "23503": // foreign_key_violation
		return http.StatusBadRequest, "db/foreign-key-violation", "invalid reference", true
	case "23514": // check_violation
		return http.StatusBadRequest, "db/check-violation", "request violates data constraints", true
	case "23502": // not_null_violation
		return http.StatusBadRequest, "db/not-null-violation", "missing required field", true
	default:
		return 0, "", "", false
	}
}
