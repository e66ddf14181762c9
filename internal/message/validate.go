package message

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// ValidationProblem is the 400 body shape of the API: a joined error
// line plus the dotted paths of every offending field.
type ValidationProblem struct {
	Error  string   `json:"error"`
	Fields []string `json:"fields"`
}

// Validate checks a submitted message and translates validator errors
// into the API problem shape.
func Validate(m *MailMessage) *ValidationProblem {
	err := validate.Struct(m)
	if err == nil {
		return nil
	}
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return &ValidationProblem{Error: err.Error()}
	}

	problem := &ValidationProblem{}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		loc := fieldLoc(fe)
		msgs = append(msgs, fmt.Sprintf("%s: %s", loc, fieldMsg(fe)))
		problem.Fields = append(problem.Fields, loc)
	}
	problem.Error = strings.Join(msgs, ", ")
	return problem
}

func fieldLoc(fe validator.FieldError) string {
	loc := fe.Namespace()
	if i := strings.Index(loc, "."); i >= 0 {
		loc = loc[i+1:]
	}
	return loc
}

func fieldMsg(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required", "required_if":
		return "field required"
	case "email":
		return "value is not a valid email address"
	case "oneof":
		return fmt.Sprintf("value must be one of: %s", fe.Param())
	case "base64":
		return "value is not valid base64"
	case "min":
		return fmt.Sprintf("value must be at least %s", fe.Param())
	default:
		return fmt.Sprintf("failed validation '%s'", fe.Tag())
	}
}
