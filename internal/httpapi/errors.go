package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/MarkoPoloResearchLab/tutorbook/pkg/booking"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
)

type errorClass struct {
	target error
	status int
	code   string
}

var errorClasses = []errorClass{
	{target: booking.ErrValidation, status: http.StatusBadRequest, code: "invalid_request"},
	{target: booking.ErrSlotConflict, status: http.StatusConflict, code: "slot_conflict"},
	{target: booking.ErrAlreadyReleased, status: http.StatusConflict, code: "already_released"},
	{target: booking.ErrAlreadyProcessed, status: http.StatusConflict, code: "already_processed"},
	{target: booking.ErrEscrowStatusConflict, status: http.StatusConflict, code: "escrow_conflict"},
	{target: booking.ErrInvalidTransition, status: http.StatusUnprocessableEntity, code: "invalid_transition"},
	{target: booking.ErrUnauthorized, status: http.StatusForbidden, code: "forbidden"},
	{target: booking.ErrNotFound, status: http.StatusNotFound, code: "not_found"},
	{target: booking.ErrInsufficientBalance, status: http.StatusPaymentRequired, code: "insufficient_balance"},
	{target: booking.ErrWalletFrozen, status: http.StatusLocked, code: "wallet_frozen"},
	{target: booking.ErrInvalidSignature, status: http.StatusUnauthorized, code: "invalid_signature"},
	{target: booking.ErrUpstreamFailure, status: http.StatusBadGateway, code: "upstream_failure"},
	{target: booking.ErrInvalidServiceConfig, status: http.StatusServiceUnavailable, code: "not_configured"},
}

func classifyError(err error) (int, string) {
	for _, class := range errorClasses {
		if errors.Is(err, class.target) {
			return class.status, class.code
		}
	}
	return http.StatusInternalServerError, "internal_error"
}

// publicMessage hides internal detail for server-side failures and strips the
// operation prefix from domain errors.
func publicMessage(err error, status int) string {
	switch {
	case status == http.StatusBadGateway:
		return "payment provider unavailable"
	case status == http.StatusServiceUnavailable:
		return "feature not configured"
	case status >= http.StatusInternalServerError:
		return "internal error"
	}
	var operationError booking.OperationError
	if errors.As(err, &operationError) {
		return operationError.Unwrap().Error()
	}
	return err.Error()
}

func validationMessage(err error) string {
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return "expected JSON body"
	}
	messages := make([]string, 0, len(validationErrors))
	for _, fieldError := range validationErrors {
		messages = append(messages, fmt.Sprintf("%s failed %s", strings.ToLower(fieldError.Field()), fieldError.Tag()))
	}
	return strings.Join(messages, "; ")
}

var registerOnce sync.Once

// registerValidations adds the clock and calendar_date tags to gin's validator engine.
func registerValidations() {
	registerOnce.Do(func() {
		engine, ok := binding.Validator.Engine().(*validator.Validate)
		if !ok {
			return
		}
		_ = engine.RegisterValidation("clock", func(field validator.FieldLevel) bool {
			_, err := booking.ParseClockMinute(field.Field().String())
			return err == nil
		})
		_ = engine.RegisterValidation("calendar_date", func(field validator.FieldLevel) bool {
			_, err := booking.NewCalendarDate(field.Field().String())
			return err == nil
		})
	})
}
