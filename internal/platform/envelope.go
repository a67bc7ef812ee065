package platform

import (
	"encoding/json"
	"fmt"
	"mime"
	"strings"
)

// envelope is the error convention shared by every JSON response.
type envelope struct {
	ErrCode int    `json:"errcode"`
	ErrMsg  string `json:"errmsg"`
}

// parseEnvelope reads the errcode of a JSON body. ok is false when the body
// is not a JSON object.
func parseEnvelope(body []byte) (env envelope, ok bool) {
	trimmed := strings.TrimSpace(string(body))
	if !strings.HasPrefix(trimmed, "{") {
		return envelope{}, false
	}
	if err := json.Unmarshal(body, &env); err != nil {
		return envelope{}, false
	}
	return env, true
}

// Decode checks the errcode of body and unmarshals it into v. A non-zero
// errcode is returned as Error.
func Decode(body []byte, v any) error {
	env, ok := parseEnvelope(body)
	if !ok {
		return fmt.Errorf("platform response is not a JSON object")
	}
	if env.ErrCode != 0 {
		return Error{Code: env.ErrCode, Message: env.ErrMsg}
	}
	if v == nil {
		return nil
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("decoding platform response: %w", err)
	}
	return nil
}

func isJSON(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mediaType == "application/json" || mediaType == "text/plain" || strings.HasSuffix(mediaType, "+json")
}
