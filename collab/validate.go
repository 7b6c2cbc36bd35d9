package collab

import (
	"fmt"
	"net/mail"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"
)

type FieldType string

const (
	FieldTypeText        FieldType = "text"
	FieldTypeTextarea    FieldType = "textarea"
	FieldTypeEmail       FieldType = "email"
	FieldTypeUrl         FieldType = "url"
	FieldTypePhone       FieldType = "phone"
	FieldTypeNumber      FieldType = "number"
	FieldTypeDate        FieldType = "date"
	FieldTypeSelect      FieldType = "select"
	FieldTypeMultiSelect FieldType = "multiselect"
	FieldTypeRepeater    FieldType = "repeater"
)

type ConditionOperator string

const (
	ConditionEquals    ConditionOperator = "equals"
	ConditionNotEquals ConditionOperator = "not_equals"
	ConditionContains  ConditionOperator = "contains"
)

// conditional visibility against another field's current value
type Condition struct {
	Field    string            `json:"field"`
	Operator ConditionOperator `json:"operator"`
	Value    any               `json:"value"`
}

type FieldSchema struct {
	Name      string     `json:"name"`
	Label     string     `json:"label,omitempty"`
	Type      FieldType  `json:"type"`
	Required  bool       `json:"required,omitempty"`
	MinLength int        `json:"minLength,omitempty"`
	MaxLength int        `json:"maxLength,omitempty"`
	Min       *float64   `json:"min,omitempty"`
	Max       *float64   `json:"max,omitempty"`
	Pattern   string     `json:"pattern,omitempty"`
	Options   []string   `json:"options,omitempty"`
	MinItems  int        `json:"minItems,omitempty"`
	MaxItems  int        `json:"maxItems,omitempty"`
	Condition *Condition `json:"condition,omitempty"`
	// sub-schema for repeater items
	ItemFields []FieldSchema `json:"itemFields,omitempty"`
}

func (self *FieldSchema) label() string {
	if self.Label != "" {
		return self.Label
	}
	return self.Name
}

var phoneRe = regexp.MustCompile(`^\+?[0-9()\-. ]+$`)
var digitsRe = regexp.MustCompile(`[0-9]`)

var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02",
	"2006-01-02 15:04:05",
}

// pure, synchronous. returns the first violated rule or nil.
// never blocks the optimistic apply; errors are advisory.
func ValidateField(schema FieldSchema, value any) *ValidationError {
	if isEmptyValue(value) {
		if schema.Required {
			return &ValidationError{
				Field:   schema.Name,
				Message: fmt.Sprintf("%s is required", schema.label()),
			}
		}
		return nil
	}

	switch schema.Type {
	case FieldTypeText, FieldTypeTextarea:
		text, ok := value.(string)
		if !ok {
			return fieldError(schema, "%s must be text")
		}
		if schema.MinLength > 0 && len([]rune(text)) < schema.MinLength {
			return fieldError(schema, "%%s must be at least %d characters", schema.MinLength)
		}
		if schema.MaxLength > 0 && len([]rune(text)) > schema.MaxLength {
			return fieldError(schema, "%%s must be at most %d characters", schema.MaxLength)
		}
		if schema.Pattern != "" {
			re, err := regexp.Compile(schema.Pattern)
			if err != nil || !re.MatchString(text) {
				return fieldError(schema, "%s has an invalid format")
			}
		}
	case FieldTypeEmail:
		text, ok := value.(string)
		if !ok {
			return fieldError(schema, "%s must be a valid email address")
		}
		addr, err := mail.ParseAddress(text)
		if err != nil || addr.Address != text {
			return fieldError(schema, "%s must be a valid email address")
		}
		at := strings.LastIndex(text, "@")
		if at < 0 || !strings.Contains(text[at:], ".") {
			return fieldError(schema, "%s must be a valid email address")
		}
	case FieldTypeUrl:
		text, ok := value.(string)
		if !ok {
			return fieldError(schema, "%s must be a valid URL")
		}
		u, err := url.Parse(text)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fieldError(schema, "%s must be a valid URL")
		}
	case FieldTypePhone:
		text, ok := value.(string)
		if !ok || !phoneRe.MatchString(text) {
			return fieldError(schema, "%s must be a valid phone number")
		}
		digits := len(digitsRe.FindAllString(text, -1))
		if digits < 7 || digits > 15 {
			return fieldError(schema, "%s must be a valid phone number")
		}
	case FieldTypeNumber:
		n, ok := toNumber(value)
		if !ok {
			return fieldError(schema, "%s must be a number")
		}
		if schema.Min != nil && n < *schema.Min {
			return fieldError(schema, "%%s must be at least %v", *schema.Min)
		}
		if schema.Max != nil && n > *schema.Max {
			return fieldError(schema, "%%s must be at most %v", *schema.Max)
		}
	case FieldTypeDate:
		text, ok := value.(string)
		if !ok {
			return fieldError(schema, "%s must be a valid date")
		}
		parsed := false
		for _, layout := range dateLayouts {
			if _, err := time.Parse(layout, text); err == nil {
				parsed = true
				break
			}
		}
		if !parsed {
			return fieldError(schema, "%s must be a valid date")
		}
	case FieldTypeSelect:
		text, ok := value.(string)
		if !ok {
			return fieldError(schema, "%s has an invalid option")
		}
		if len(schema.Options) > 0 && !containsString(schema.Options, text) {
			return fieldError(schema, "%s has an invalid option")
		}
	case FieldTypeMultiSelect:
		items, ok := toSlice(value)
		if !ok {
			return fieldError(schema, "%s must be a list")
		}
		if schema.MinItems > 0 && len(items) < schema.MinItems {
			return fieldError(schema, "%%s requires at least %d selections", schema.MinItems)
		}
		if schema.MaxItems > 0 && len(items) > schema.MaxItems {
			return fieldError(schema, "%%s allows at most %d selections", schema.MaxItems)
		}
		if len(schema.Options) > 0 {
			for _, item := range items {
				text, ok := item.(string)
				if !ok || !containsString(schema.Options, text) {
					return fieldError(schema, "%s has an invalid option")
				}
			}
		}
	case FieldTypeRepeater:
		items, ok := toSlice(value)
		if !ok {
			return fieldError(schema, "%s must be a list of items")
		}
		if schema.MinItems > 0 && len(items) < schema.MinItems {
			return fieldError(schema, "%%s requires at least %d items", schema.MinItems)
		}
		if schema.MaxItems > 0 && len(items) > schema.MaxItems {
			return fieldError(schema, "%%s allows at most %d items", schema.MaxItems)
		}
		for i, item := range items {
			itemData, ok := item.(map[string]any)
			if !ok {
				return &ValidationError{
					Field:   fmt.Sprintf("%s[%d]", schema.Name, i),
					Message: fmt.Sprintf("%s item %d is invalid", schema.label(), i),
				}
			}
			for _, sub := range schema.ItemFields {
				if !ConditionVisible(sub.Condition, itemData) {
					continue
				}
				if subErr := ValidateField(sub, itemData[sub.Name]); subErr != nil {
					return &ValidationError{
						Field:   fmt.Sprintf("%s[%d].%s", schema.Name, i, subErr.Field),
						Message: subErr.Message,
					}
				}
			}
		}
	}
	return nil
}

type FormResult struct {
	Valid  bool              `json:"isValid"`
	Errors []ValidationError `json:"errors"`
}

// validates every top-level field whose visibility predicate holds,
// skipping hidden fields, and aggregates all errors
func ValidateForm(schema []FieldSchema, data map[string]any) *FormResult {
	errors := []ValidationError{}
	for _, field := range schema {
		if !ConditionVisible(field.Condition, data) {
			continue
		}
		if err := ValidateField(field, data[field.Name]); err != nil {
			errors = append(errors, *err)
		}
	}
	return &FormResult{
		Valid:  len(errors) == 0,
		Errors: errors,
	}
}

func ConditionVisible(condition *Condition, data map[string]any) bool {
	if condition == nil {
		return true
	}
	actual := data[condition.Field]
	switch condition.Operator {
	case ConditionEquals:
		return valueEquals(actual, condition.Value)
	case ConditionNotEquals:
		return !valueEquals(actual, condition.Value)
	case ConditionContains:
		if text, ok := actual.(string); ok {
			expected, ok := condition.Value.(string)
			return ok && strings.Contains(text, expected)
		}
		if items, ok := toSlice(actual); ok {
			for _, item := range items {
				if valueEquals(item, condition.Value) {
					return true
				}
			}
		}
		return false
	default:
		return true
	}
}

func fieldError(schema FieldSchema, format string, args ...any) *ValidationError {
	message := format
	if len(args) > 0 {
		message = fmt.Sprintf(format, args...)
	}
	return &ValidationError{
		Field:   schema.Name,
		Message: fmt.Sprintf(message, schema.label()),
	}
}

func isEmptyValue(value any) bool {
	switch v := value.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(v) == ""
	case []any:
		return len(v) == 0
	case []string:
		return len(v) == 0
	default:
		return false
	}
}

func toNumber(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case string:
		n, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return n, err == nil
	default:
		return 0, false
	}
}

func toSlice(value any) ([]any, bool) {
	switch v := value.(type) {
	case []any:
		return v, true
	case []string:
		items := make([]any, len(v))
		for i, s := range v {
			items[i] = s
		}
		return items, true
	default:
		return nil, false
	}
}

func containsString(options []string, value string) bool {
	for _, option := range options {
		if option == value {
			return true
		}
	}
	return false
}

func valueEquals(a any, b any) bool {
	if a == nil || b == nil {
		return a == b
	}
	if an, ok := toNumber(a); ok {
		if bn, ok := toNumber(b); ok {
			return an == bn
		}
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

const DefaultValidateDelay = 300 * time.Millisecond

type FormResultFunc func(result *FormResult)

// debounced wrapper around ValidateForm. only the last call within the
// debounce window executes, so typing does not validate every keystroke.
type RealtimeValidator struct {
	schema   []FieldSchema
	debounce *debounce

	resultCallbacks callbackList[FormResultFunc]
}

func NewRealtimeValidator(schema []FieldSchema, delay time.Duration) *RealtimeValidator {
	if delay <= 0 {
		delay = DefaultValidateDelay
	}
	return &RealtimeValidator{
		schema:   schema,
		debounce: newDebounce(delay),
	}
}

func (self *RealtimeValidator) Validate(data map[string]any) {
	self.debounce.trigger(func() {
		result := ValidateForm(self.schema, data)
		for _, callback := range self.resultCallbacks.get() {
			callback(result)
		}
	})
}

// true for the duration of the debounce window
func (self *RealtimeValidator) IsValidating() bool {
	return self.debounce.active()
}

func (self *RealtimeValidator) AddResult(callback FormResultFunc) func() {
	id := self.resultCallbacks.add(callback)
	return func() {
		self.resultCallbacks.remove(id)
	}
}

func (self *RealtimeValidator) Stop() {
	self.debounce.stop()
}
