package broker

import (
	"encoding/json"
	"fmt"

	"github.com/odvcencio/webpilot/pkg/errors"
)

// Supported command types. The set is closed; unknown tags are rejected at
// the boundary with InvalidCommand.
const (
	CmdNavigate      = "navigate"
	CmdClick         = "click"
	CmdTypeText      = "type_text"
	CmdExtract       = "extract"
	CmdExecuteScript = "execute_script"
	CmdScroll        = "scroll"
	CmdScreenshot    = "screenshot"
)

// payloadSpec names the required string fields for each command type.
var payloadSpec = map[string][]string{
	CmdNavigate:      {"url"},
	CmdClick:         {"selector"},
	CmdTypeText:      {"selector", "text"},
	CmdExtract:       {"selector"},
	CmdExecuteScript: {"script"},
	CmdScroll:        nil,
	CmdScreenshot:    nil,
}

// validateCommand checks the type tag and required payload fields, returning
// the decoded payload for later dispatch.
func validateCommand(cmdType string, payload json.RawMessage) (map[string]any, error) {
	required, known := payloadSpec[cmdType]
	if !known {
		return nil, errors.Newf(errors.ErrCodeInvalidCommand, "unknown command type %q", cmdType)
	}
	fields := map[string]any{}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &fields); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInvalidCommand, "command payload is not a JSON object")
		}
	}
	for _, field := range required {
		value, ok := fields[field]
		if !ok {
			return nil, errors.Newf(errors.ErrCodeInvalidCommand,
				"command %q requires payload field %q", cmdType, field)
		}
		str, isString := value.(string)
		if !isString || str == "" {
			return nil, errors.Newf(errors.ErrCodeInvalidCommand,
				"payload field %q must be a non-empty string", field)
		}
	}
	return fields, nil
}

func stringField(fields map[string]any, key string) string {
	if v, ok := fields[key].(string); ok {
		return v
	}
	return ""
}

func intField(fields map[string]any, key string) int {
	switch v := fields[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return 0
}

func describeEngineError(op string, err error) string {
	return fmt.Sprintf("%s: %v", op, err)
}
