package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"homeai-bot/internal/domain"
)

const skPrefixSig = "SIG#"

// SavePending parks a gated action. Asking again for the same signature
// replaces the earlier record and restarts its window.
func (c *Client) SavePending(ctx context.Context, p domain.PendingAction) error {
	if p.ConversationID == "" || p.Signature == "" {
		return errors.New("repository: SavePending: conversation id and signature are required")
	}
	item := c.key(pendingPK(p.ConversationID), skPrefixSig+p.Signature)
	item["tenantId"] = strVal(p.TenantID)
	item["domain"] = strVal(p.Domain)
	item["action"] = strVal(p.Action)
	item["slots"] = strMap(p.Slots)
	item["createdAt"] = numVal(p.CreatedAt.UnixNano())
	item["expiresAt"] = numVal(p.ExpiresAt.UnixNano())
	item["ttl"] = numVal(p.ExpiresAt.Add(pendingGrace).Unix())

	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.tableName),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("repository: SavePending: %w", err)
	}
	return nil
}

// TakePending deletes the pending action and returns what was stored, so
// two concurrent confirmations cannot both obtain it.
func (c *Client) TakePending(ctx context.Context, conversationID, signature string) (domain.PendingAction, bool, error) {
	out, err := c.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:    aws.String(c.tableName),
		Key:          c.key(pendingPK(conversationID), skPrefixSig+signature),
		ReturnValues: types.ReturnValueAllOld,
	})
	if err != nil {
		return domain.PendingAction{}, false, fmt.Errorf("repository: TakePending: %w", err)
	}
	if out == nil || len(out.Attributes) == 0 {
		return domain.PendingAction{}, false, nil
	}
	p, err := itemToPending(conversationID, signature, out.Attributes)
	if err != nil {
		return domain.PendingAction{}, false, fmt.Errorf("repository: TakePending decode: %w", err)
	}
	return p, true, nil
}

// DiscardPending drops the pending action if present.
func (c *Client) DiscardPending(ctx context.Context, conversationID, signature string) error {
	_, err := c.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(c.tableName),
		Key:       c.key(pendingPK(conversationID), skPrefixSig+signature),
	})
	if err != nil {
		return fmt.Errorf("repository: DiscardPending: %w", err)
	}
	return nil
}

func itemToPending(conversationID, signature string, item map[string]types.AttributeValue) (domain.PendingAction, error) {
	dom, err := strAttr(item, "domain")
	if err != nil {
		return domain.PendingAction{}, err
	}
	action, err := strAttr(item, "action")
	if err != nil {
		return domain.PendingAction{}, err
	}
	slots, err := mapAttr(item, "slots")
	if err != nil {
		return domain.PendingAction{}, err
	}
	created, err := unixTime(item, "createdAt")
	if err != nil {
		return domain.PendingAction{}, err
	}
	expires, err := unixTime(item, "expiresAt")
	if err != nil {
		return domain.PendingAction{}, err
	}
	tenantID, _ := optStrAttr(item, "tenantId")
	return domain.PendingAction{
		TenantID:       tenantID,
		ConversationID: conversationID,
		Domain:         dom,
		Action:         action,
		Slots:          slots,
		Signature:      signature,
		CreatedAt:      created,
		ExpiresAt:      expires,
	}, nil
}
