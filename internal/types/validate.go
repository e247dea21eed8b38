package types

import (
	"errors"
	"reflect"
	"regexp"
	"strings"
	"sync"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	en_translations "github.com/go-playground/validator/v10/translations/en"
)

var (
	repositoryIDPattern = regexp.MustCompile(`^[a-zA-Z?]+$`)
	branchPattern       = regexp.MustCompile(`^[a-zA-Z0-9\-.?/]+$`)
	commitIDPattern     = regexp.MustCompile(`^[0-9a-fA-F]+$`)
	decimalPattern      = regexp.MustCompile(`^[0-9]+$`)
)

type commitValidator struct {
	validate   *validator.Validate
	translator ut.Translator
}

var (
	vOnce sync.Once
	vSvc  *commitValidator
)

// getValidator returns the shared validator with the commit tags registered.
func getValidator() *commitValidator {
	vOnce.Do(func() {
		enLoc := en.New()
		uni := ut.New(enLoc, enLoc)
		trans, _ := uni.GetTranslator("en")

		v := validator.New(validator.WithRequiredStructEnabled())
		v.RegisterTagNameFunc(func(fld reflect.StructField) string {
			tag := fld.Tag.Get("json")
			if tag == "-" || tag == "" {
				return fld.Name
			}
			if idx := strings.Index(tag, ","); idx >= 0 {
				tag = tag[:idx]
			}
			return tag
		})
		_ = en_translations.RegisterDefaultTranslations(v, trans)

		registerPattern(v, trans, "repoid", repositoryIDPattern, "{0} must contain only letters or '?'")
		registerPattern(v, trans, "branchname", branchPattern, "{0} must match [a-zA-Z0-9-.?/]+")
		registerPattern(v, trans, "commitid", commitIDPattern, "{0} must be a decimal revision or hex hash")

		vSvc = &commitValidator{validate: v, translator: trans}
	})
	return vSvc
}

func registerPattern(v *validator.Validate, trans ut.Translator, tag string, re *regexp.Regexp, msg string) {
	_ = v.RegisterValidation(tag, func(fl validator.FieldLevel) bool {
		return re.MatchString(fl.Field().String())
	})
	_ = v.RegisterTranslation(tag, trans,
		func(ut ut.Translator) error { return ut.Add(tag, msg, true) },
		func(ut ut.Translator, fe validator.FieldError) string {
			s, _ := ut.T(tag, fe.Field())
			return s
		},
	)
}

// check validates in and maps the first failure to a ValidationError.
func (c *commitValidator) check(in any) error {
	err := c.validate.Struct(in)
	if err == nil {
		return nil
	}
	var ves validator.ValidationErrors
	if errors.As(err, &ves) && len(ves) > 0 {
		fe := ves[0]
		return &ValidationError{Field: fe.Field(), Reason: fe.Translate(c.translator)}
	}
	return &ValidationError{Reason: err.Error()}
}
