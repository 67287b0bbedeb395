package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/tmc/langchaingo/prompts"
)

type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// TemplateVariables are the placeholders a prompt template may use.
var TemplateVariables = []string{"context", "question", "fallback"}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func (c *Config) Validate() []ValidationError {
	var errs []ValidationError

	if err := validate.Struct(c); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return []ValidationError{{Field: "config", Message: err.Error()}}
		}
		for _, fe := range fieldErrs {
			errs = append(errs, ValidationError{
				Field:   strings.TrimPrefix(fe.Namespace(), "Config."),
				Message: describe(fe),
			})
		}
	}

	// Template placeholders
	tmpl := c.Retrieval.PromptTemplate
	if tmpl != "" {
		for _, name := range []string{"context", "question"} {
			if !strings.Contains(tmpl, "{"+name+"}") {
				errs = append(errs, ValidationError{
					Field:   "retrieval.prompt_template",
					Message: fmt.Sprintf("template must contain {%s}", name),
				})
			}
		}
		if err := prompts.CheckValidTemplate(tmpl, prompts.TemplateFormatFString, TemplateVariables); err != nil {
			errs = append(errs, ValidationError{
				Field:   "retrieval.prompt_template",
				Message: fmt.Sprintf("invalid template: %v", err),
			})
		}
	}

	if c.LLM.Provider == "huggingface" && c.LLM.Task == TaskConversational && c.LLM.BaseURL == "" {
		errs = append(errs, ValidationError{
			Field:   "llm.base_url",
			Message: "conversational Hugging Face models need the router base URL",
		})
	}

	return errs
}

// Err joins the validation errors into one error, or returns nil.
func (c *Config) Err() error {
	verrs := c.Validate()
	if len(verrs) == 0 {
		return nil
	}
	errs := make([]error, len(verrs))
	for i, e := range verrs {
		errs[i] = e
	}
	return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "value is required"
	case "required_if", "required_unless":
		return fmt.Sprintf("value is required (%s %s)", fe.Tag(), fe.Param())
	case "oneof":
		return fmt.Sprintf("must be one of [%s]", fe.Param())
	case "min":
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "max":
		return fmt.Sprintf("must be at most %s", fe.Param())
	case "ltfield":
		return fmt.Sprintf("must be less than %s", strings.ToLower(fe.Param()))
	case "url":
		return "invalid URL"
	default:
		return fmt.Sprintf("failed %q check", fe.Tag())
	}
}
