//go:build e2e

package e2e

import (
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"

	"github.com/jacentio/pizzeria/store"
)

func upper(s string) string {
	return strings.ToUpper(s)
}

func unmarshal(item *store.Item, out any) error {
	return attributevalue.UnmarshalMap(item.Raw, out)
}

// removeEvent builds the stream record DynamoDB emits when a record is deleted.
func removeEvent(entityRef, id string) events.DynamoDBEvent {
	return events.DynamoDBEvent{
		Records: []events.DynamoDBEventRecord{{
			EventID:   "e2e-" + id,
			EventName: "REMOVE",
			Change: events.DynamoDBStreamRecord{
				Keys: map[string]events.DynamoDBAttributeValue{
					"id": events.NewStringAttribute(id),
				},
				OldImage: map[string]events.DynamoDBAttributeValue{
					"id":         events.NewStringAttribute(id),
					"entity_ref": events.NewStringAttribute(entityRef),
				},
			},
		}},
	}
}
