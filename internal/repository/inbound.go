package repository

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
)

const skSeen = "SEEN"

// MarkSeen records an inbound provider message id. It reports false when
// the id was already seen, so redelivered webhooks are processed once.
func (c *Client) MarkSeen(ctx context.Context, messageID string) (bool, error) {
	if messageID == "" {
		return true, nil
	}
	item := c.key(inboundPK(messageID), skSeen)
	item["ttl"] = numVal(c.now().Add(inboundTTL).Unix())

	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(c.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(PK)"),
	})
	if conditionFailed(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("repository: MarkSeen: %w", err)
	}
	return true, nil
}
