package usage

import (
	"net/http"
	"strings"
)

// operationRule maps a path fragment to an operation label resolver.
type operationRule struct {
	fragment string
	label    func(method string) string
}

// operationRules is evaluated in order; the first fragment found in the path wins.
var operationRules = []operationRule{
	{fragment: "/properties", label: crudLabel("property", "delete")},
	{fragment: "/reservations", label: crudLabel("reservation", "cancel")},
	{fragment: "/guests", label: fixedLabel("guest_operation")},
	{fragment: "/amenities", label: fixedLabel("amenity_operation")},
	{fragment: "/photos", label: fixedLabel("photo_operation")},
	{fragment: "/pricing", label: fixedLabel("pricing_operation")},
	{fragment: "/availability", label: fixedLabel("availability_operation")},
	{fragment: "/owners", label: fixedLabel("owner_operation")},
	{fragment: "/reports", label: fixedLabel("report_generation")},
}

func crudLabel(resource, deleteVerb string) func(string) string {
	return func(method string) string {
		switch method {
		case http.MethodPost:
			return resource + "_create"
		case http.MethodPut, http.MethodPatch:
			return resource + "_update"
		case http.MethodDelete:
			return resource + "_" + deleteVerb
		default:
			return resource + "_query"
		}
	}
}

func fixedLabel(label string) func(string) string {
	return func(string) string { return label }
}

// ClassifyOperation maps a request method and path to a billing operation label.
// Unmatched paths fall back to "<method>_<last path segment>", or
// "<method>_unknown" when the path has no segments.
func ClassifyOperation(method, path string) string {
	path = strings.ToLower(path)
	method = strings.ToUpper(method)

	for _, rule := range operationRules {
		if strings.Contains(path, rule.fragment) {
			return rule.label(method)
		}
	}

	segment := "unknown"
	if parts := strings.FieldsFunc(path, func(r rune) bool { return r == '/' }); len(parts) > 0 {
		segment = parts[len(parts)-1]
	}
	return strings.ToLower(method) + "_" + segment
}
