package sqlstore

import (
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// encodeBody converts an attribute map to JSON. Numbers come back as
// numbers and strings as strings, which is all the catalog stores.
func encodeBody(raw map[string]types.AttributeValue) (string, error) {
	var doc map[string]any
	if err := attributevalue.UnmarshalMap(raw, &doc); err != nil {
		return "", fmt.Errorf("decode attributes: %w", err)
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("encode body: %w", err)
	}
	return string(b), nil
}

func decodeBody(body string) (map[string]types.AttributeValue, error) {
	var doc map[string]any
	if err := json.Unmarshal([]byte(body), &doc); err != nil {
		return nil, fmt.Errorf("decode body: %w", err)
	}
	raw, err := attributevalue.MarshalMap(doc)
	if err != nil {
		return nil, fmt.Errorf("encode attributes: %w", err)
	}
	return raw, nil
}
