package models

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	en_translations "github.com/go-playground/validator/v10/translations/en"
	"github.com/robfig/cron/v3"
)

// Messages surfaced to the configuration UI.
const (
	MsgKeywordRequired  = "Please add at least one keyword"
	MsgScheduleRequired = "A schedule is required for scheduled posts"
	MsgScheduleInvalid  = "Schedule must be a valid 5-field cron expression"
	MsgScheduleNotAllow = "Only scheduled posts accept a schedule"
	MsgMediaRequired    = "Scheduled posts need an image URL"
	MsgMediaNotAllow    = "Only scheduled posts accept a media URL"
)

var (
	validatorOnce sync.Once
	validate      *validator.Validate
	translator    ut.Translator
)

func initValidator() {
	validatorOnce.Do(func() {
		enLoc := en.New()
		uni := ut.New(enLoc, enLoc)
		translator, _ = uni.GetTranslator("en")

		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
			tag := fld.Tag.Get("json")
			if tag == "-" || tag == "" {
				return fld.Name
			}
			if idx := strings.Index(tag, ","); idx >= 0 {
				tag = tag[:idx]
			}
			return tag
		})
		_ = en_translations.RegisterDefaultTranslations(validate, translator)

		_ = validate.RegisterValidation("automation_kind", func(fl validator.FieldLevel) bool {
			return IsValidKind(AutomationKind(fl.Field().String()))
		})
		_ = validate.RegisterTranslation("automation_kind", translator,
			func(t ut.Translator) error {
				return t.Add("automation_kind", "{0} must be one of "+kindList(), true)
			},
			func(t ut.Translator, fe validator.FieldError) string {
				msg, _ := t.T("automation_kind", fe.Field())
				return msg
			},
		)
	})
}

func kindList() string {
	names := make([]string, 0, len(AllKinds()))
	for _, k := range AllKinds() {
		names = append(names, string(k))
	}
	return strings.Join(names, ", ")
}

// ValidateStruct runs struct tag validation and converts failures into a ValidationError.
// It returns nil when v is valid.
func ValidateStruct(v interface{}) *ValidationError {
	initValidator()
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return NewValidationError("body", err.Error())
	}
	out := &ValidationError{}
	for _, fe := range verrs {
		out.Add(fieldPath(fe.Namespace()), fe.Translate(translator))
	}
	return out
}

// fieldPath drops the root struct name from a validator namespace.
func fieldPath(ns string) string {
	if idx := strings.Index(ns, "."); idx >= 0 {
		return ns[idx+1:]
	}
	return ns
}

// Validate checks a normalized rule. Struct tags cover shapes and bounds; the
// remaining checks depend on the rule's kind.
func (r *AutomationRule) Validate() error {
	ve := ValidateStruct(r)
	if ve == nil {
		ve = &ValidationError{}
	}

	if r.Kind.RequiresKeywords() && len(r.Triggers) == 0 {
		ve.Add("triggers", MsgKeywordRequired)
	}
	if IsValidKind(r.Kind) {
		if limit := r.Kind.MaxTemplateLength(); len([]rune(r.ResponseTemplate)) > limit {
			ve.Add("responseTemplate", fmt.Sprintf("responseTemplate must be at most %d characters", limit))
		}
	}

	switch {
	case r.Kind == KindScheduledPost && r.Schedule == "":
		ve.Add("schedule", MsgScheduleRequired)
	case r.Kind == KindScheduledPost:
		if _, err := cron.ParseStandard(r.Schedule); err != nil {
			ve.Add("schedule", MsgScheduleInvalid)
		}
	case r.Schedule != "":
		ve.Add("schedule", MsgScheduleNotAllow)
	}

	switch {
	case r.Kind == KindScheduledPost && r.MediaURL == "":
		ve.Add("mediaUrl", MsgMediaRequired)
	case r.Kind != KindScheduledPost && r.MediaURL != "":
		ve.Add("mediaUrl", MsgMediaNotAllow)
	}

	return ve.OrNil()
}

// Validate checks a rate-limit policy.
func (p RateLimitPolicy) Validate() error {
	return ValidateStruct(p).OrNil()
}
