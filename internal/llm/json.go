package llm

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonrepair"
)

// ParseArguments unmarshals tool-call arguments into v. Streamed arguments
// are sometimes truncated or sloppy, so a syntax error gets one repair
// attempt before giving up. Empty arguments decode as an empty object.
func ParseArguments(args string, v any) error {
	data := []byte(strings.TrimSpace(args))
	if len(data) == 0 {
		data = []byte("{}")
	}

	err := json.Unmarshal(data, v)
	if err == nil {
		return nil
	}
	var syntaxErr *json.SyntaxError
	if !errors.As(err, &syntaxErr) {
		return fmt.Errorf("invalid tool arguments: %w", err)
	}

	fixed, rerr := jsonrepair.JSONRepair(string(data))
	if rerr != nil {
		return fmt.Errorf("invalid tool arguments: %w", err)
	}
	if err := json.Unmarshal([]byte(fixed), v); err != nil {
		return fmt.Errorf("invalid tool arguments after repair: %w", err)
	}
	return nil
}
