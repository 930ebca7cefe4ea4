package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"

	"github.com/gowebpki/jcs"
)

// sensitiveKeys never reach audit storage in clear text.
var sensitiveKeys = map[string]struct{}{
	"signature":     {},
	"usersignature": {},
	"bytes":         {},
	"kindbytes":     {},
	"authorization": {},
	"token":         {},
}

func redactRecord(rec Record, salt []byte) Record {
	if rec.Actor != "" {
		rec.Actor = "sha256:" + hashString(strings.ToLower(rec.Actor), salt)
	}
	rec.Detail = redactDetail(rec.Detail, salt)
	return rec
}

func redactDetail(raw json.RawMessage, salt []byte) json.RawMessage {
	if len(raw) == 0 {
		return raw
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		b, _ := json.Marshal(map[string]any{
			"detail_hash":     hashBytes(raw, salt),
			"redaction_error": "invalid_json",
		})
		return b
	}
	b, err := json.Marshal(redactValue(v, salt))
	if err != nil {
		return nil
	}
	return b
}

func redactValue(v any, salt []byte) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			if _, ok := sensitiveKeys[strings.ToLower(k)]; ok {
				out[k+"_hash"] = hashJSON(val, salt)
				continue
			}
			out[k] = redactValue(val, salt)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = redactValue(val, salt)
		}
		return out
	default:
		return v
	}
}

func hashJSON(v any, salt []byte) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	canon, err := jcs.Transform(raw)
	if err != nil {
		return hashBytes(raw, salt)
	}
	return hashBytes(canon, salt)
}

func hashString(v string, salt []byte) string {
	return hashBytes([]byte(v), salt)
}

func hashBytes(b []byte, salt []byte) string {
	h := sha256.New()
	if len(salt) > 0 {
		_, _ = h.Write(salt)
	}
	_, _ = h.Write(b)
	return hex.EncodeToString(h.Sum(nil))
}
