package store

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// Pagination cursors are the base64-encoded JSON of the native last
// evaluated key, so clients can round-trip them opaquely.

func decodeLastKey(cursor string) (map[string]types.AttributeValue, error) {
	if cursor == "" {
		return nil, nil
	}
	raw, err := base64.StdEncoding.DecodeString(cursor)
	if err != nil {
		return nil, NewError(CodeInvalidQuery, "malformed pagination cursor", err, nil)
	}
	var native map[string]any
	if err := json.Unmarshal(raw, &native); err != nil {
		return nil, NewError(CodeInvalidQuery, "malformed pagination cursor", err, nil)
	}
	key := make(map[string]types.AttributeValue, len(native))
	for name, value := range native {
		av, err := attributevalue.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("marshal cursor attribute %s: %w", name, err)
		}
		key[name] = av
	}
	return key, nil
}

func encodeLastKey(key map[string]types.AttributeValue) (string, error) {
	if len(key) == 0 {
		return "", nil
	}
	native := make(map[string]any, len(key))
	if err := attributevalue.UnmarshalMap(key, &native); err != nil {
		return "", fmt.Errorf("unmarshal last key: %w", err)
	}
	raw, err := json.Marshal(native)
	if err != nil {
		return "", fmt.Errorf("marshal last key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}
