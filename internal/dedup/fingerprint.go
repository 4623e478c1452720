package dedup

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"logwarden/internal/model"
)

// Fingerprint hashes the canonical JSON form of an action's name and params.
// Map keys are sorted by encoding/json, output is compact, a missing params
// object is the same as an empty one and meta is ignored.
func Fingerprint(a model.Action) (string, error) {
	params := a.Params
	if params == nil {
		params = map[string]any{}
	}
	canonical := map[string]any{"name": a.Name, "params": params}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(canonical); err != nil {
		return "", fmt.Errorf("canonicalize action %q: %w", a.Name, err)
	}
	sum := sha256.Sum256(bytes.TrimRight(buf.Bytes(), "\n"))
	return hex.EncodeToString(sum[:]), nil
}

// DecodeAction parses an action payload. Numbers keep their textual form so
// 1 and 1.0 fingerprint differently, as they would on the wire.
func DecodeAction(data []byte) (model.Action, error) {
	var a model.Action
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&a); err != nil {
		return model.Action{}, err
	}
	if a.Name == "" {
		return model.Action{}, fmt.Errorf("action without name")
	}
	return a, nil
}
