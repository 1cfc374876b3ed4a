package payment

import (
	"strings"

	"github.com/valyala/fastjson"
)

// IntentExtractor pulls an intent out of one known response layout.
type IntentExtractor struct {
	Name    string
	extract func(root *fastjson.Value) (Intent, bool)
}

// DefaultExtractors lists the known intent layouts in the order they are tried:
// the gateway object passed through ({data:{id, attributes:{client_key}}}), the
// attributes flattened into data, and everything at the root.
var DefaultExtractors = []IntentExtractor{
	{Name: "data.attributes", extract: func(root *fastjson.Value) (Intent, bool) {
		data := root.Get("data")
		attrs := root.Get("data", "attributes")
		if attrs == nil || attrs.Type() != fastjson.TypeObject {
			return Intent{}, false
		}
		secret := firstString(attrs, "client_key", "client_secret")
		if secret == "" {
			return Intent{}, false
		}
		id := firstString(attrs, "id", "payment_intent_id")
		if id == "" {
			id = firstString(data, "id", "payment_intent_id", "intent_id")
		}
		return Intent{ID: id, ClientSecret: secret}, true
	}},
	{Name: "data", extract: func(root *fastjson.Value) (Intent, bool) {
		return fromObject(root.Get("data"))
	}},
	{Name: "root", extract: fromObject},
}

func fromObject(v *fastjson.Value) (Intent, bool) {
	if v == nil || v.Type() != fastjson.TypeObject {
		return Intent{}, false
	}
	secret := firstString(v, "client_key", "client_secret")
	if secret == "" {
		return Intent{}, false
	}
	return Intent{ID: firstString(v, "id", "payment_intent_id", "intent_id"), ClientSecret: secret}, true
}

func firstString(v *fastjson.Value, keys ...string) string {
	if v == nil {
		return ""
	}
	for _, key := range keys {
		if s := strings.TrimSpace(string(v.GetStringBytes(key))); s != "" {
			return s
		}
	}
	return ""
}

// ExtractIntent parses an intent response body with the given extractors, or
// DefaultExtractors when none are passed. The first match wins.
func ExtractIntent(body []byte, extractors ...IntentExtractor) (Intent, error) {
	if len(extractors) == 0 {
		extractors = DefaultExtractors
	}
	var p fastjson.Parser
	root, err := p.ParseBytes(body)
	if err != nil {
		return Intent{}, NewError(KindSchemaMismatch, "intent response is not valid JSON", err)
	}
	names := make([]string, 0, len(extractors))
	for _, ex := range extractors {
		if intent, ok := ex.extract(root); ok {
			return intent, nil
		}
		names = append(names, ex.Name)
	}
	return Intent{}, NewError(KindSchemaMismatch, "intent response matched none of the known layouts ("+strings.Join(names, ", ")+")", nil)
}

// FormRedirect reports a card-form redirect embedded in a backend response
// ({success: true, is_card_form: true, checkout_url}).
func FormRedirect(body []byte) (Source, bool) {
	var p fastjson.Parser
	root, err := p.ParseBytes(body)
	if err != nil || !root.GetBool("success") || !root.GetBool("is_card_form") {
		return Source{}, false
	}
	checkoutURL := firstString(root, "checkout_url")
	if checkoutURL == "" {
		return Source{}, false
	}
	return Source{ID: firstString(root, "source_id", "id"), CheckoutURL: checkoutURL, IsFormRedirect: true}, true
}
