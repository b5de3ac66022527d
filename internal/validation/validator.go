// Trailwatch - Tourist Movement Anomaly Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/trailwatch

// Package validation wraps go-playground/validator with a shared instance,
// the custom tags used by request payloads and readable error messages.
//
// Field names in messages are taken from the json tag, so errors refer to
// the names clients actually send:
//
//	type pingRequest struct {
//	    TouristID string  `json:"tourist_id" validate:"entityid"`
//	    Lat       float64 `json:"lat" validate:"latitude"`
//	    Timestamp string  `json:"timestamp" validate:"required,pingtime"`
//	}
package validation

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
)

// Layouts accepted by the pingtime tag.
var pingTimeLayouts = []string{"2006-01-02T15:04:05", "2006-01-02 15:04:05"}

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

// FieldError is one failed rule on one field.
type FieldError struct {
	Field   string `json:"field"`
	Tag     string `json:"tag"`
	Param   string `json:"param,omitempty"`
	Message string `json:"message"`
}

// RequestError collects every failed rule of a struct.
type RequestError struct {
	Fields []FieldError
}

func (e *RequestError) Error() string {
	if len(e.Fields) == 0 {
		return "validation failed"
	}
	msgs := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		msgs[i] = f.Message
	}
	return strings.Join(msgs, "; ")
}

// GetValidator returns the shared validator, building it on first use.
func GetValidator() *validator.Validate {
	validateOnce.Do(func() {
		v := validator.New(validator.WithRequiredStructEnabled())
		v.RegisterTagNameFunc(func(f reflect.StructField) string {
			name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
			if name == "-" || name == "" {
				return f.Name
			}
			return name
		})
		// Registration only fails for empty tags or nil funcs.
		_ = v.RegisterValidation("pingtime", validPingTime)
		_ = v.RegisterValidation("entityid", validEntityID)
		validate = v
	})
	return validate
}

func validPingTime(fl validator.FieldLevel) bool {
	s := strings.TrimSpace(fl.Field().String())
	for _, layout := range pingTimeLayouts {
		if _, err := time.Parse(layout, s); err == nil {
			return true
		}
	}
	return false
}

func validEntityID(fl validator.FieldLevel) bool {
	s := strings.TrimSpace(fl.Field().String())
	return s != "" && len(s) <= 128
}

// Struct validates s. It returns nil or a *RequestError.
func Struct(s any) error {
	err := GetValidator().Struct(s)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return &RequestError{Fields: []FieldError{{Field: "unknown", Tag: "unknown", Message: err.Error()}}}
	}

	out := &RequestError{Fields: make([]FieldError, len(verrs))}
	for i, fe := range verrs {
		out.Fields[i] = FieldError{
			Field:   fe.Field(),
			Tag:     fe.Tag(),
			Param:   fe.Param(),
			Message: translateError(fe),
		}
	}
	return out
}

// Var validates a single value against tag, naming it field in the message.
func Var(field string, value any, tag string) error {
	err := GetValidator().Var(value, tag)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err
	}
	fe := verrs[0]
	return &RequestError{Fields: []FieldError{{
		Field:   field,
		Tag:     fe.Tag(),
		Param:   fe.Param(),
		Message: messageFor(field, fe),
	}}}
}

var errorMessageTemplates = map[string]string{
	"required":  "%s is required",
	"latitude":  "%s must be a valid latitude (-90 to 90)",
	"longitude": "%s must be a valid longitude (-180 to 180)",
	"pingtime":  "%s must be YYYY-MM-DDTHH:MM:SS or YYYY-MM-DD HH:MM:SS",
	"entityid":  "%s must be a non-empty identifier of at most 128 characters",
}

var errorMessageWithParam = map[string]string{
	"oneof": "%s must be one of: %s",
	"gte":   "%s must be greater than or equal to %s",
	"lte":   "%s must be less than or equal to %s",
	"gt":    "%s must be greater than %s",
	"lt":    "%s must be less than %s",
}

func translateError(fe validator.FieldError) string {
	return messageFor(fe.Field(), fe)
}

func messageFor(field string, fe validator.FieldError) string {
	tag, param := fe.Tag(), fe.Param()
	if tmpl, ok := errorMessageTemplates[tag]; ok {
		return fmt.Sprintf(tmpl, field)
	}
	if tmpl, ok := errorMessageWithParam[tag]; ok {
		return fmt.Sprintf(tmpl, field, param)
	}

	unit := ""
	switch fe.Kind() {
	case reflect.String:
		unit = " characters"
	case reflect.Slice, reflect.Array, reflect.Map:
		unit = " items"
	}
	switch tag {
	case "min":
		return fmt.Sprintf("%s must be at least %s%s", field, param, unit)
	case "max":
		return fmt.Sprintf("%s must be at most %s%s", field, param, unit)
	default:
		return fmt.Sprintf("%s failed %s validation", field, tag)
	}
}
