package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"homeai-bot/internal/domain"
)

// PutDeferred stores the intent held while its domain onboards. Only the
// first intent per (tenant, domain) is kept; later ones report false.
func (c *Client) PutDeferred(ctx context.Context, d domain.DeferredIntent) (bool, error) {
	raw, err := json.Marshal(d.Intent)
	if err != nil {
		return false, fmt.Errorf("repository: PutDeferred encode: %w", err)
	}
	item := c.key(tenantPK(d.TenantID), deferSK(d.Domain))
	item["conversationId"] = strVal(d.ConversationID)
	item["userIdentity"] = strVal(d.UserIdentity)
	item["intent"] = strVal(string(raw))
	item["createdAt"] = numVal(d.CreatedAt.UnixNano())

	_, err = c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(c.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(PK)"),
	})
	if conditionFailed(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("repository: PutDeferred: %w", err)
	}
	return true, nil
}

// TakeDeferred deletes and returns the deferred intent of a domain.
func (c *Client) TakeDeferred(ctx context.Context, tenantID, domainName string) (domain.DeferredIntent, bool, error) {
	out, err := c.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:    aws.String(c.tableName),
		Key:          c.key(tenantPK(tenantID), deferSK(domainName)),
		ReturnValues: types.ReturnValueAllOld,
	})
	if err != nil {
		return domain.DeferredIntent{}, false, fmt.Errorf("repository: TakeDeferred: %w", err)
	}
	if out == nil || len(out.Attributes) == 0 {
		return domain.DeferredIntent{}, false, nil
	}

	item := out.Attributes
	raw, err := strAttr(item, "intent")
	if err != nil {
		return domain.DeferredIntent{}, false, fmt.Errorf("repository: TakeDeferred decode: %w", err)
	}
	var in domain.Intent
	if err := json.Unmarshal([]byte(raw), &in); err != nil {
		return domain.DeferredIntent{}, false, fmt.Errorf("repository: TakeDeferred decode intent: %w", err)
	}
	conv, _ := optStrAttr(item, "conversationId")
	user, _ := optStrAttr(item, "userIdentity")
	created, _ := unixTime(item, "createdAt")
	return domain.DeferredIntent{
		TenantID:       tenantID,
		Domain:         domainName,
		ConversationID: conv,
		UserIdentity:   user,
		Intent:         in,
		CreatedAt:      created,
	}, true, nil
}
