package tools

import (
	"encoding/json"
	"errors"
	"math"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/Vovarama1992/convo-guard/internal/messages"
)

type LookupArgs struct {
	QueryType   string `json:"query_type" validate:"omitempty,oneof=order debt profile"`
	OrderNumber string `json:"order_number" validate:"omitempty,max=64"`
	Phone       string `json:"phone" validate:"omitempty,min=7,max=24"`
	PhoneLast4  string `json:"phone_last4" validate:"omitempty,len=4,numeric"`
}

type CallbackArgs struct {
	CustomerName string `json:"customer_name" validate:"required,min=2,max=120"`
	Phone        string `json:"phone" validate:"required,min=7,max=24"`
	Topic        string `json:"topic" validate:"max=200"`
	Priority     string `json:"priority" validate:"omitempty,oneof=LOW NORMAL HIGH URGENT"`
}

type AppointmentArgs struct {
	CustomerName string `json:"customer_name" validate:"required,min=2,max=120"`
	Phone        string `json:"phone" validate:"required,min=7,max=24"`
	Date         string `json:"date" validate:"required,datetime=2006-01-02"`
	Time         string `json:"time" validate:"required,datetime=15:04"`
	Service      string `json:"service" validate:"max=120"`
}

type ProductArgs struct {
	ProductName string `json:"product_name" validate:"required,min=2,max=120"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// ошибки называем так же, как параметры инструмента
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// bind decodes loosely typed model arguments into T and validates it. The
// second return lists the invalid parameters; nil means args are usable.
func bind[T any](args map[string]any) (T, []string) {
	var out T
	b, err := json.Marshal(stringify(args))
	if err == nil {
		err = json.Unmarshal(b, &out)
	}
	if err != nil {
		return out, []string{"arguments"}
	}

	if err := validate.Struct(out); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return out, []string{"arguments"}
		}
		fields := make([]string, 0, len(verrs))
		seen := map[string]bool{}
		for _, fe := range verrs {
			if !seen[fe.Field()] {
				seen[fe.Field()] = true
				fields = append(fields, fe.Field())
			}
		}
		return out, fields
	}
	return out, nil
}

// stringify turns scalar arguments into strings: the model often sends
// phone numbers and order numbers as JSON numbers.
func stringify(args map[string]any) map[string]string {
	out := make(map[string]string, len(args))
	for k, v := range args {
		switch t := v.(type) {
		case nil:
		case string:
			out[k] = strings.TrimSpace(t)
		case float64:
			if t == math.Trunc(t) {
				out[k] = strconv.FormatInt(int64(t), 10)
			} else {
				out[k] = strconv.FormatFloat(t, 'f', -1, 64)
			}
		case int:
			out[k] = strconv.Itoa(t)
		case int64:
			out[k] = strconv.FormatInt(t, 10)
		case bool:
			out[k] = strconv.FormatBool(t)
		}
	}
	return out
}

func invalidArgs(cat *messages.Catalog, fields []string, lang messages.Language) Result {
	msg := cat.Render("validation.invalid", messages.Options{Language: lang}, map[string]string{
		"fields": cat.FieldList(fields, lang),
	})
	return ValidationError(msg, fields...)
}
