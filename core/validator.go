package core

import (
	"fmt"
	"net/mail"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// RawRequest is the set of unvalidated values gathered by the request
// handler before template expansion, keyed by parameter name regardless of
// location (§4.D operates on the union of query/path/header/body values).
type RawRequest map[string]interface{}

var uuidPattern = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)

// sqlInjectionPattern matches the shapes a bound parameter must never
// contain: comment sequences, statement terminators, and the keywords that
// indicate an attempt to extend a query beyond its bound position (§4.D).
var sqlInjectionPattern = regexp.MustCompile(`(?i)(--|/\*|\*/|;)|(\bunion\b|\bdrop\b|\bexec\b|\bxp_cmdshell\b)`)

// Validator enforces §4.D: required-ness, type coercion, range/regex/enum
// checks, SQL-injection prevention, and unknown-parameter rejection.
type Validator struct{}

// NewValidator returns a stateless Validator.
func NewValidator() *Validator {
	return &Validator{}
}

// Validate checks raw against the endpoint's declared parameters and
// returns the coerced, bindable values keyed by parameter name. All
// violations are collected before returning — a single field may carry
// more than one message (e.g. a format error and an injection error),
// and the caller sees every offending field in one response (§4.D).
func (v *Validator) Validate(ep *Endpoint, raw RawRequest) (map[string]interface{}, *Error) {
	var fieldErrs []FieldError
	out := make(map[string]interface{}, len(ep.Request))

	declared := make(map[string]Parameter, len(ep.Request))
	for _, p := range ep.Request {
		declared[p.Name] = p
	}

	for name := range raw {
		if _, ok := declared[name]; !ok {
			fieldErrs = append(fieldErrs, FieldError{Field: name, Message: "unknown parameter not defined in endpoint configuration"})
		}
	}

	for _, p := range ep.Request {
		val, present := raw[p.Name]
		if !present || isEmptyValue(val) {
			if p.Required {
				fieldErrs = append(fieldErrs, FieldError{Field: p.Name, Message: "field is required"})
				continue
			}
			if p.Default != nil {
				out[p.Name] = p.Default
			}
			continue
		}

		coerced, errs := v.validateOne(p, val)
		fieldErrs = append(fieldErrs, errs...)
		if len(errs) == 0 {
			out[p.Name] = coerced
		}
	}

	if len(fieldErrs) > 0 {
		return nil, &Error{Category: CategoryValidation, Message: "request validation failed", Errors: fieldErrs}
	}
	return out, nil
}

func isEmptyValue(v interface{}) bool {
	s, ok := v.(string)
	return ok && s == ""
}

func (v *Validator) validateOne(p Parameter, raw interface{}) (interface{}, []FieldError) {
	var errs []FieldError
	s := fmt.Sprintf("%v", raw)

	vtype := primaryValidatorType(p)
	coerced, err := coerceValue(s, vtype)
	if err != nil {
		errs = append(errs, FieldError{Field: p.Name, Message: err.Error()})
	}

	for _, spec := range p.Validators {
		if spec.PreventSQLInjection && sqlInjectionPattern.MatchString(s) {
			errs = append(errs, FieldError{Field: p.Name, Message: "value contains disallowed SQL syntax"})
		}
		if msg := checkConstraint(p.Name, s, coerced, spec); msg != "" {
			errs = append(errs, FieldError{Field: p.Name, Message: msg})
		}
	}

	return coerced, errs
}

func primaryValidatorType(p Parameter) string {
	for _, v := range p.Validators {
		if v.Type != "" {
			return v.Type
		}
	}
	return "string"
}

func coerceValue(s, vtype string) (interface{}, error) {
	switch vtype {
	case "int":
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return s, fmt.Errorf("must be an integer")
		}
		return n, nil
	case "bool":
		b, err := strconv.ParseBool(s)
		if err != nil {
			return s, fmt.Errorf("must be a boolean")
		}
		return b, nil
	case "uuid":
		if !uuidPattern.MatchString(s) {
			return s, fmt.Errorf("must be a valid UUID")
		}
		return s, nil
	case "email":
		if _, err := mail.ParseAddress(s); err != nil {
			return s, fmt.Errorf("must be a valid email address")
		}
		return s, nil
	case "date":
		if _, err := time.Parse("2006-01-02", s); err != nil {
			return s, fmt.Errorf("must match format YYYY-MM-DD")
		}
		return s, nil
	case "time":
		if _, err := time.Parse("15:04:05", s); err != nil {
			return s, fmt.Errorf("must match format HH:MM:SS")
		}
		return s, nil
	case "enum", "string":
		return s, nil
	default:
		return s, nil
	}
}

func checkConstraint(field, raw string, coerced interface{}, spec ValidatorSpec) string {
	if spec.Regex != "" {
		re, err := regexp.Compile(spec.Regex)
		if err == nil && !re.MatchString(raw) {
			return fmt.Sprintf("must match pattern %s", spec.Regex)
		}
	}
	if len(spec.Allowed) > 0 {
		ok := false
		for _, a := range spec.Allowed {
			if a == raw {
				ok = true
				break
			}
		}
		if !ok {
			return fmt.Sprintf("must be one of: %s", strings.Join(spec.Allowed, ", "))
		}
	}
	if spec.Min != nil || spec.Max != nil {
		var n float64
		switch c := coerced.(type) {
		case int64:
			n = float64(c)
		default:
			f, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				return ""
			}
			n = f
		}
		if spec.Min != nil && n < *spec.Min {
			return fmt.Sprintf("must be >= %v", *spec.Min)
		}
		if spec.Max != nil && n > *spec.Max {
			return fmt.Sprintf("must be <= %v", *spec.Max)
		}
	}
	return ""
}
