package payment

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Normalised returns a copy with trimmed identifiers and an upper-case method.
func (r Request) Normalised() Request {
	r.SubjectID = strings.TrimSpace(r.SubjectID)
	r.Method = Method(strings.ToUpper(strings.TrimSpace(string(r.Method))))
	return r
}

// Validate checks the request before any backend call is made.
func (r Request) Validate() error {
	err := validate.Struct(r.Normalised())
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return NewError(KindInvalidRequest, "invalid payment request", err)
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
	}
	return NewError(KindInvalidRequest, "invalid payment request: "+strings.Join(fields, ", "), err)
}
