package tools

import (
	"fmt"
	"strings"
)

// slotAliases maps a tool parameter to the slot names and argument spellings
// that carry the same fact.
var slotAliases = map[string][]string{
	"customer_name": {"customer_name", "name", "fullName", "full_name", "customerName"},
	"phone":         {"phone", "customer_phone", "phone_number", "phoneNumber", "customerPhone"},
	"order_number":  {"order_number", "orderNumber", "order_no", "orderNo", "order_id"},
	"phone_last4":   {"phone_last4", "last4", "phoneLast4", "last_four"},
	"email":         {"email", "e_mail", "customer_email"},
	"topic":         {"topic", "subject", "reason"},
	"product_name":  {"product_name", "product", "productName"},
	"date":          {"date", "appointment_date", "day"},
	"time":          {"time", "appointment_time", "hour"},
}

// Aliases returns every name the parameter may appear under, itself first.
func Aliases(param string) []string {
	if a, ok := slotAliases[param]; ok {
		return a
	}
	return []string{param}
}

// Normalize back-fills required and auto-fill parameters that the model left
// out from the extracted slots, and moves alias spellings to the canonical
// parameter name. Values the model supplied are never overwritten. It
// returns a new map and the list of parameters it filled from slots.
func Normalize(args map[string]any, def Definition, slots map[string]string) (map[string]any, []string) {
	out := make(map[string]any, len(args)+len(def.Parameters))
	for k, v := range args {
		out[k] = v
	}

	var filled []string
	for _, p := range def.Parameters {
		if !isEmpty(out[p.Name]) {
			continue
		}
		if v, ok := fromAlias(out, p.Name); ok {
			out[p.Name] = v
			continue
		}
		if !p.Required && !p.AutoFill {
			continue
		}
		for _, alias := range Aliases(p.Name) {
			if v := strings.TrimSpace(slots[alias]); v != "" {
				out[p.Name] = v
				filled = append(filled, p.Name)
				break
			}
		}
	}
	return out, filled
}

func fromAlias(args map[string]any, param string) (any, bool) {
	for _, alias := range Aliases(param) {
		if alias == param {
			continue
		}
		if v, ok := args[alias]; ok && !isEmpty(v) {
			delete(args, alias)
			return v, true
		}
	}
	return nil, false
}

func isEmpty(v any) bool {
	if v == nil {
		return true
	}
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s) == ""
	}
	return strings.TrimSpace(fmt.Sprint(v)) == ""
}
