package dynamo

import (
	"fmt"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dynamodbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/snapvault/backend/internal/store"
)

// decoder keeps numbers as attributevalue.Number so int64 attributes survive
// the round trip instead of collapsing to float64.
var decoder = attributevalue.NewDecoder(func(o *attributevalue.DecoderOptions) {
	o.UseNumber = true
})

func encodeItem(key store.Key, item store.Item) (map[string]dynamodbtypes.AttributeValue, error) {
	attrs, err := attributevalue.MarshalMap(map[string]any(item))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal item attributes: %w", err)
	}

	attrs[PartitionKey] = &dynamodbtypes.AttributeValueMemberS{Value: key.Hash}
	attrs[SortKey] = &dynamodbtypes.AttributeValueMemberS{Value: key.Range}

	return attrs, nil
}

func encodeValue(v any) (dynamodbtypes.AttributeValue, error) {
	av, err := attributevalue.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal attribute value: %w", err)
	}
	return av, nil
}

func decodeItem(attrs map[string]dynamodbtypes.AttributeValue) (store.Item, error) {
	item := make(store.Item, len(attrs))

	for name, av := range attrs {
		if name == PartitionKey || name == SortKey {
			continue
		}

		var raw any
		if err := decoder.Decode(av, &raw); err != nil {
			return nil, fmt.Errorf("failed to decode attribute %s: %w", name, err)
		}

		switch v := raw.(type) {
		case attributevalue.Number:
			n, err := v.Int64()
			if err != nil {
				return nil, fmt.Errorf("attribute %s is not an int64: %w", name, err)
			}
			item[name] = n
		default:
			item[name] = raw
		}
	}

	return item, nil
}

func decodeRow(attrs map[string]dynamodbtypes.AttributeValue) (store.Row, error) {
	item, err := decodeItem(attrs)
	if err != nil {
		return store.Row{}, err
	}

	return store.Row{
		Key: store.Key{
			Hash:  stringValue(attrs[PartitionKey]),
			Range: stringValue(attrs[SortKey]),
		},
		Item: item,
	}, nil
}

func keyAttrs(key store.Key) map[string]dynamodbtypes.AttributeValue {
	return map[string]dynamodbtypes.AttributeValue{
		PartitionKey: &dynamodbtypes.AttributeValueMemberS{Value: key.Hash},
		SortKey:      &dynamodbtypes.AttributeValueMemberS{Value: key.Range},
	}
}

func keyFromAttrs(attrs map[string]dynamodbtypes.AttributeValue) *store.Key {
	if attrs == nil {
		return nil
	}

	return &store.Key{
		Hash:  stringValue(attrs[PartitionKey]),
		Range: stringValue(attrs[SortKey]),
	}
}

// stringValue extracts the string value from a DynamoDB AttributeValue.
// It returns an empty string if the AttributeValue is not of type
// AttributeValueMemberS.
func stringValue(attr dynamodbtypes.AttributeValue) string {
	if attrValue, ok := attr.(*dynamodbtypes.AttributeValueMemberS); ok {
		return attrValue.Value
	}

	return ""
}
