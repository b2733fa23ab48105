package patch

import (
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/core-tools/hsu-telemetry-control/pkg/config"
	"github.com/core-tools/hsu-telemetry-control/pkg/errors"

	"github.com/tidwall/jsonc"
)

const (
	CategoryCollection = "collection"
	CategoryForwarding = "forwarding"
)

// FieldValue is one validated delta field rendered as the string written
// into its artifact.
type FieldValue struct {
	Field string
	Value string
}

// FieldError is a delta field (or a whole category) that failed validation.
type FieldError struct {
	Field string
	Err   error
}

// Delta is a parsed configuration delta. Invalid fields never prevent the
// valid ones from being applied.
type Delta struct {
	Values []FieldValue
	Errors []FieldError
}

// Value returns the validated value of field, if present.
func (d *Delta) Value(field string) (string, bool) {
	for _, v := range d.Values {
		if v.Field == field {
			return v.Value, true
		}
	}
	return "", false
}

// Empty reports whether the delta carries nothing to apply or report.
func (d *Delta) Empty() bool {
	return len(d.Values) == 0 && len(d.Errors) == 0
}

var collectionFields = []struct {
	names []string
	field string
}{
	{[]string{"syslogPort"}, config.FieldSyslogPort},
	{[]string{"netflowPort"}, config.FieldNetflowPort},
	{[]string{"sflowPort"}, config.FieldSflowPort},
	{[]string{"snmpTrapPort"}, config.FieldSnmpTrapPort},
	{[]string{"windowsPort", "wmiPort"}, config.FieldWindowsPort},
}

// ParseDelta decodes a delta document. Comments and trailing commas are
// tolerated. Anything other than a JSON object is a ValidationError;
// problems inside a category are recorded on the returned Delta instead.
func ParseDelta(raw []byte) (*Delta, error) {
	var root map[string]json.RawMessage
	if err := json.Unmarshal(jsonc.ToJSON(raw), &root); err != nil {
		return nil, errors.NewValidationError("configuration delta must be a JSON object", err)
	}
	if root == nil {
		return nil, errors.NewValidationError("configuration delta must be a JSON object", nil)
	}

	delta := &Delta{}
	if data, ok := root[CategoryCollection]; ok {
		parseCollection(delta, data)
	}
	if data, ok := root[CategoryForwarding]; ok {
		parseForwarding(delta, data)
	}
	return delta, nil
}

func parseCollection(delta *Delta, data json.RawMessage) {
	var fields map[string]json.RawMessage
	if err := decodeObject(data, &fields); err != nil {
		delta.Errors = append(delta.Errors, FieldError{
			Field: CategoryCollection,
			Err:   errors.NewValidationError("collection must be an object", err),
		})
		return
	}

	for _, f := range collectionFields {
		for _, name := range f.names {
			raw, ok := fields[name]
			if !ok {
				continue
			}
			port, err := ParsePort(raw)
			if err != nil {
				delta.Errors = append(delta.Errors, FieldError{Field: f.field, Err: err.WithContext("field", name)})
			} else {
				delta.Values = append(delta.Values, FieldValue{Field: f.field, Value: strconv.Itoa(port)})
			}
			break
		}
	}
}

type destination struct {
	Host     string          `json:"host"`
	Port     json.RawMessage `json:"port"`
	Protocol string          `json:"protocol"`
}

func parseForwarding(delta *Delta, data json.RawMessage) {
	var forwarding struct {
		Destinations json.RawMessage `json:"destinations"`
	}
	if err := decodeObject(data, &forwarding); err != nil {
		delta.Errors = append(delta.Errors, FieldError{
			Field: CategoryForwarding,
			Err:   errors.NewValidationError("forwarding must be an object", err),
		})
		return
	}
	if len(forwarding.Destinations) == 0 || string(forwarding.Destinations) == "null" {
		return
	}

	var destinations []json.RawMessage
	if err := json.Unmarshal(forwarding.Destinations, &destinations); err != nil {
		delta.Errors = append(delta.Errors, FieldError{
			Field: config.FieldForwardDestination,
			Err:   errors.NewValidationError("forwarding.destinations must be an array", err),
		})
		return
	}
	if len(destinations) == 0 {
		return
	}

	var dest destination
	if err := decodeObject(destinations[0], &dest); err != nil {
		delta.Errors = append(delta.Errors, FieldError{
			Field: config.FieldForwardDestination,
			Err:   errors.NewValidationError("destination must be an object", err),
		})
		return
	}

	parseProtocol(delta, dest.Protocol)

	host := strings.TrimSpace(dest.Host)
	if host == "" || strings.ContainsAny(host, " \t\"'\n") {
		delta.Errors = append(delta.Errors, FieldError{
			Field: config.FieldForwardDestination,
			Err:   errors.NewValidationError(fmt.Sprintf("invalid destination host: %q", dest.Host), nil),
		})
		return
	}
	port, perr := ParsePort(dest.Port)
	if perr != nil {
		delta.Errors = append(delta.Errors, FieldError{Field: config.FieldForwardDestination, Err: perr.WithContext("field", "port")})
		return
	}

	delta.Values = append(delta.Values, FieldValue{
		Field: config.FieldForwardDestination,
		Value: net.JoinHostPort(strings.Trim(host, "[]"), strconv.Itoa(port)),
	})
}

// parseProtocol binds the transport of the first destination. An absent
// protocol leaves the artifact as it is.
func parseProtocol(delta *Delta, protocol string) {
	p := config.Protocol(strings.ToLower(strings.TrimSpace(protocol)))
	switch p {
	case "":
	case config.ProtocolTCP, config.ProtocolUDP:
		delta.Values = append(delta.Values, FieldValue{Field: config.FieldForwardProtocol, Value: string(p)})
	default:
		err := errors.NewValidationError(fmt.Sprintf("unsupported destination protocol: %q", protocol), nil).
			WithContext("supported", "tcp, udp")
		delta.Errors = append(delta.Errors, FieldError{Field: config.FieldForwardProtocol, Err: err})
	}
}

// ParsePort accepts a JSON integer or a numeric string in 1..65535.
func ParsePort(raw json.RawMessage) (int, *errors.DomainError) {
	text := strings.TrimSpace(string(raw))
	if text == "" || text == "null" {
		return 0, errors.NewValidationError("port is required", nil)
	}

	if strings.HasPrefix(text, `"`) {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, errors.NewValidationError("port must be an integer", err)
		}
		text = strings.TrimSpace(s)
	}

	port, err := strconv.Atoi(text)
	if err != nil {
		return 0, errors.NewValidationError(fmt.Sprintf("port must be an integer, got %s", text), err)
	}
	if port < 1 || port > 65535 {
		return 0, errors.NewValidationError(fmt.Sprintf("port must be between 1 and 65535, got %d", port), nil).
			WithContext("valid_range", "1-65535")
	}
	return port, nil
}

func decodeObject(data json.RawMessage, v interface{}) error {
	text := strings.TrimSpace(string(data))
	if !strings.HasPrefix(text, "{") {
		return fmt.Errorf("expected object, got %s", truncate(text, 32))
	}
	return json.Unmarshal(data, v)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
