package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"

	"homeai-bot/internal/domain"
)

const (
	skPrefixTurn = "TURN#"
	skHead       = "HEAD"
	// turnTimeLayout is fixed width so sort keys order chronologically.
	turnTimeLayout = "2006-01-02T15:04:05.000000000Z"
)

// Head is the latest inbound message seen for a conversation plus any reply
// carried over from superseded work.
type Head struct {
	MessageID  string
	ReceivedAt time.Time
	CarryOver  CarryOver
}

// CarryOver is a reply that lost the race to a newer message. Question is the
// open question the reply asked, if any; the latest one wins.
type CarryOver struct {
	Segments []domain.Segment
	Question *domain.OpenQuestion
}

// Empty reports whether nothing was carried over.
func (c CarryOver) Empty() bool {
	return len(c.Segments) == 0 && c.Question == nil
}

func turnSK(ts time.Time) string {
	return skPrefixTurn + ts.UTC().Format(turnTimeLayout) + "#" + uuid.NewString()[:8]
}

// AppendTurn persists one conversation turn.
func (c *Client) AppendTurn(ctx context.Context, turn domain.Turn) error {
	if turn.ConversationID == "" {
		return errors.New("repository: AppendTurn: conversation id is required")
	}
	ts := turn.Timestamp
	if ts.IsZero() {
		ts = c.now()
	}
	item := c.key(convPK(turn.ConversationID), turnSK(ts))
	item["speaker"] = strVal(string(turn.Speaker))
	item["text"] = strVal(turn.Text)
	item["ts"] = numVal(ts.UnixNano())
	item["ttl"] = numVal(ts.Add(turnTTL).Unix())
	if turn.OpenQuestion != nil {
		raw, err := json.Marshal(turn.OpenQuestion)
		if err != nil {
			return fmt.Errorf("repository: AppendTurn encode open question: %w", err)
		}
		item["openQuestion"] = strVal(string(raw))
	}

	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(c.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
	})
	if err != nil {
		return fmt.Errorf("repository: AppendTurn: %w", err)
	}
	return nil
}

// RecentTurns returns up to limit turns in chronological order.
func (c *Client) RecentTurns(ctx context.Context, conversationID string, limit int) ([]domain.Turn, error) {
	if limit <= 0 {
		return nil, nil
	}
	out, err := c.api.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     strVal(convPK(conversationID)),
			":prefix": strVal(skPrefixTurn),
		},
		// Read newest first so LIMIT favors the most recent context.
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(int32(limit)),
		ConsistentRead:   aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("repository: RecentTurns query: %w", err)
	}

	turns := make([]domain.Turn, 0, len(out.Items))
	for _, item := range out.Items {
		t, err := itemToTurn(conversationID, item)
		if err != nil {
			return nil, fmt.Errorf("repository: RecentTurns unmarshal: %w", err)
		}
		turns = append(turns, t)
	}
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}

func itemToTurn(conversationID string, item map[string]types.AttributeValue) (domain.Turn, error) {
	speaker, err := strAttr(item, "speaker")
	if err != nil {
		return domain.Turn{}, err
	}
	text, err := strAttr(item, "text")
	if err != nil {
		return domain.Turn{}, err
	}
	ts, err := unixTime(item, "ts")
	if err != nil {
		return domain.Turn{}, err
	}
	turn := domain.Turn{
		ConversationID: conversationID,
		Speaker:        domain.Speaker(speaker),
		Text:           text,
		Timestamp:      ts,
	}
	raw, err := optStrAttr(item, "openQuestion")
	if err != nil {
		return domain.Turn{}, err
	}
	if raw != "" {
		var q domain.OpenQuestion
		if err := json.Unmarshal([]byte(raw), &q); err != nil {
			return domain.Turn{}, fmt.Errorf("repository: decode open question: %w", err)
		}
		turn.OpenQuestion = &q
	}
	return turn, nil
}

// SetHead records messageID as the latest inbound message of the
// conversation. It reports false, without error, when a newer message is
// already recorded.
func (c *Client) SetHead(ctx context.Context, conversationID, messageID string, receivedAt time.Time) (bool, error) {
	_, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(c.tableName),
		Key:                 c.key(convPK(conversationID), skHead),
		UpdateExpression:    aws.String("SET messageId = :m, receivedAt = :r"),
		ConditionExpression: aws.String("attribute_not_exists(receivedAt) OR receivedAt <= :r"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":m": strVal(messageID),
			":r": numVal(receivedAt.UnixNano()),
		},
	})
	if conditionFailed(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("repository: SetHead: %w", err)
	}
	return true, nil
}

// GetHead returns the conversation head. A missing head is the zero Head.
func (c *Client) GetHead(ctx context.Context, conversationID string) (Head, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(c.tableName),
		Key:            c.key(convPK(conversationID), skHead),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return Head{}, fmt.Errorf("repository: GetHead: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return Head{}, nil
	}
	id, err := optStrAttr(out.Item, "messageId")
	if err != nil {
		return Head{}, fmt.Errorf("repository: GetHead decode: %w", err)
	}
	head := Head{MessageID: id}
	if _, ok := out.Item["receivedAt"]; ok {
		if head.ReceivedAt, err = unixTime(out.Item, "receivedAt"); err != nil {
			return Head{}, fmt.Errorf("repository: GetHead decode: %w", err)
		}
	}
	if head.CarryOver, err = carryOverAttr(out.Item); err != nil {
		return Head{}, fmt.Errorf("repository: GetHead decode: %w", err)
	}
	return head, nil
}

// AppendCarryOver stores a superseded reply to prepend to the next one.
func (c *Client) AppendCarryOver(ctx context.Context, conversationID string, carry CarryOver) error {
	if carry.Empty() {
		return nil
	}
	texts := make([]string, 0, len(carry.Segments))
	for _, s := range carry.Segments {
		texts = append(texts, s.Text)
	}
	expr := "SET carryOver = list_append(if_not_exists(carryOver, :empty), :segs)"
	values := map[string]types.AttributeValue{
		":empty": &types.AttributeValueMemberL{Value: []types.AttributeValue{}},
		":segs":  strList(texts),
	}
	if carry.Question != nil {
		raw, err := json.Marshal(carry.Question)
		if err != nil {
			return fmt.Errorf("repository: AppendCarryOver encode open question: %w", err)
		}
		expr += ", carryQuestion = :q"
		values[":q"] = strVal(string(raw))
	}
	_, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(c.tableName),
		Key:                       c.key(convPK(conversationID), skHead),
		UpdateExpression:          aws.String(expr),
		ExpressionAttributeValues: values,
	})
	if err != nil {
		return fmt.Errorf("repository: AppendCarryOver: %w", err)
	}
	return nil
}

// TakeCarryOver removes and returns the carried-over reply.
func (c *Client) TakeCarryOver(ctx context.Context, conversationID string) (CarryOver, error) {
	out, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(c.tableName),
		Key:                 c.key(convPK(conversationID), skHead),
		UpdateExpression:    aws.String("REMOVE carryOver, carryQuestion"),
		ConditionExpression: aws.String("attribute_exists(carryOver)"),
		ReturnValues:        types.ReturnValueUpdatedOld,
	})
	if conditionFailed(err) {
		return CarryOver{}, nil
	}
	if err != nil {
		return CarryOver{}, fmt.Errorf("repository: TakeCarryOver: %w", err)
	}
	if out == nil {
		return CarryOver{}, nil
	}
	carry, err := carryOverAttr(out.Attributes)
	if err != nil {
		return CarryOver{}, fmt.Errorf("repository: TakeCarryOver decode: %w", err)
	}
	return carry, nil
}

func carryOverAttr(item map[string]types.AttributeValue) (CarryOver, error) {
	segs, err := segmentsAttr(item)
	if err != nil {
		return CarryOver{}, err
	}
	carry := CarryOver{Segments: segs}
	raw, err := optStrAttr(item, "carryQuestion")
	if err != nil {
		return CarryOver{}, err
	}
	if raw != "" {
		var q domain.OpenQuestion
		if err := json.Unmarshal([]byte(raw), &q); err != nil {
			return CarryOver{}, fmt.Errorf("decode carried open question: %w", err)
		}
		carry.Question = &q
	}
	return carry, nil
}

func segmentsAttr(item map[string]types.AttributeValue) ([]domain.Segment, error) {
	texts, err := listAttr(item, "carryOver")
	if err != nil {
		return nil, err
	}
	if len(texts) == 0 {
		return nil, nil
	}
	out := make([]domain.Segment, 0, len(texts))
	for _, t := range texts {
		out = append(out, domain.Segment{Text: t})
	}
	return out, nil
}
