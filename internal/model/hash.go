package model

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Domain prefixes for content-addressed identity. The version suffix leaves
// room for a future algorithm migration without ambiguity.
const (
	domainQuery          = "viewsync/query/v1"
	domainTransformation = "viewsync/transformation/v1"
	domainRowKey         = "viewsync/rowkey/v1"
)

// hashWithDomain computes SHA-256 over domain + 0x00 + data. The null
// separator prevents domain/data boundary ambiguity.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// canonicalJSON re-encodes raw JSON into a canonical form: object keys
// sorted, insignificant whitespace removed. encoding/json sorts map keys on
// marshal, which is the property relied on here.
func canonicalJSON(raw json.RawMessage) ([]byte, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return json.Marshal(v)
}

// QueryHash computes the content-addressed ID of a query from its
// identity-defining payload: the AST for client/internal queries, name+args
// for custom queries. The hash is stable across restarts given equal
// payloads.
func QueryHash(kind QueryKind, ast json.RawMessage, name string, args json.RawMessage) (string, error) {
	var payload []any
	switch kind {
	case QueryKindClient, QueryKindInternal:
		var v any
		if err := json.Unmarshal(ast, &v); err != nil {
			return "", fmt.Errorf("QueryHash: invalid AST: %w", err)
		}
		payload = []any{string(kind), v}
	case QueryKindCustom:
		var v any
		if len(args) > 0 {
			if err := json.Unmarshal(args, &v); err != nil {
				return "", fmt.Errorf("QueryHash: invalid args: %w", err)
			}
		}
		payload = []any{string(kind), name, v}
	default:
		return "", fmt.Errorf("QueryHash: unknown query kind %q", kind)
	}
	canonical, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("QueryHash: failed to marshal: %w", err)
	}
	return hashWithDomain(domainQuery, canonical), nil
}

// KeyHash returns a fixed-width hash of the row's canonical identity, used
// as the stored row primary key.
func (r RowID) KeyHash() string {
	return hashWithDomain(domainRowKey, []byte(r.Key()))
}

// TransformationHash computes the content hash of an authorized query AST,
// identifying the executable form actually run.
func TransformationHash(ast json.RawMessage) (string, error) {
	canonical, err := canonicalJSON(ast)
	if err != nil {
		return "", fmt.Errorf("TransformationHash: invalid AST: %w", err)
	}
	return hashWithDomain(domainTransformation, canonical), nil
}
