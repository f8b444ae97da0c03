package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"

	"homeai-bot/internal/domain"
)

const (
	skMeta       = "META"
	skPhone      = "TENANT"
	statusActive = "active"
)

// GetTenant loads the tenant record.
func (c *Client) GetTenant(ctx context.Context, tenantID string) (domain.Tenant, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(c.tableName),
		Key:            c.key(tenantPK(tenantID), skMeta),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.Tenant{}, fmt.Errorf("repository: GetTenant: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return domain.Tenant{}, fmt.Errorf("repository: GetTenant %s: %w", tenantID, ErrNotFound)
	}
	t, err := itemToTenant(out.Item)
	if err != nil {
		return domain.Tenant{}, fmt.Errorf("repository: GetTenant decode: %w", err)
	}
	return t, nil
}

// FindTenantByPhone resolves a member phone to its household.
func (c *Client) FindTenantByPhone(ctx context.Context, phone string) (domain.Tenant, error) {
	phone = domain.NormalizePhone(phone)
	if phone == "" {
		return domain.Tenant{}, errors.New("repository: FindTenantByPhone: phone is required")
	}
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(c.tableName),
		Key:       c.key(phonePK(phone), skPhone),
	})
	if err != nil {
		return domain.Tenant{}, fmt.Errorf("repository: FindTenantByPhone: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return domain.Tenant{}, fmt.Errorf("repository: FindTenantByPhone: %w", ErrNotFound)
	}
	tenantID, err := strAttr(out.Item, "tenantId")
	if err != nil {
		return domain.Tenant{}, fmt.Errorf("repository: FindTenantByPhone decode: %w", err)
	}
	return c.GetTenant(ctx, tenantID)
}

// CreateTenant registers a new household in acquisition owned by phone.
// ErrConflict means the phone was claimed concurrently.
func (c *Client) CreateTenant(ctx context.Context, phone string) (domain.Tenant, error) {
	phone = domain.NormalizePhone(phone)
	if phone == "" {
		return domain.Tenant{}, errors.New("repository: CreateTenant: phone is required")
	}
	t := domain.Tenant{
		ID:         uuid.NewString(),
		Status:     statusActive,
		Stage:      domain.LifecycleAcquisition,
		Members:    []string{phone},
		Onboarding: map[string]domain.OnboardingState{},
	}
	saved, err := c.SaveTenant(ctx, t)
	if err != nil {
		return domain.Tenant{}, fmt.Errorf("repository: CreateTenant: %w", err)
	}
	return saved, nil
}

// SaveTenant writes the tenant and its phone index in one transaction.
// The write succeeds only if the stored version still equals t.Version;
// a zero version means the tenant must not exist yet. A member phone owned
// by another tenant also fails the write with ErrConflict.
func (c *Client) SaveTenant(ctx context.Context, t domain.Tenant) (domain.Tenant, error) {
	if strings.TrimSpace(t.ID) == "" {
		return domain.Tenant{}, errors.New("repository: SaveTenant: tenant id is required")
	}
	next := t.Clone()
	next.Version = t.Version + 1

	meta := &types.Put{
		TableName: aws.String(c.tableName),
		Item:      tenantItem(next),
	}
	if t.Version == 0 {
		meta.ConditionExpression = aws.String("attribute_not_exists(PK)")
	} else {
		meta.ConditionExpression = aws.String("version = :expected")
		meta.ExpressionAttributeValues = map[string]types.AttributeValue{
			":expected": numVal(t.Version),
		}
	}

	items := []types.TransactWriteItem{{Put: meta}}
	seen := make(map[string]bool, len(next.Members))
	for _, phone := range next.Members {
		phone = domain.NormalizePhone(phone)
		if phone == "" || seen[phone] {
			continue
		}
		seen[phone] = true
		item := c.key(phonePK(phone), skPhone)
		item["tenantId"] = strVal(next.ID)
		items = append(items, types.TransactWriteItem{Put: &types.Put{
			TableName:           aws.String(c.tableName),
			Item:                item,
			ConditionExpression: aws.String("attribute_not_exists(PK) OR tenantId = :tid"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":tid": strVal(next.ID),
			},
		}})
	}

	_, err := c.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: items})
	if conditionFailed(err) {
		return domain.Tenant{}, fmt.Errorf("repository: SaveTenant %s: %w", t.ID, ErrConflict)
	}
	if err != nil {
		return domain.Tenant{}, fmt.Errorf("repository: SaveTenant: %w", err)
	}
	return next, nil
}

func tenantItem(t domain.Tenant) map[string]types.AttributeValue {
	onboarding := make(map[string]string, len(t.Onboarding))
	for k, v := range t.Onboarding {
		onboarding[k] = string(v)
	}
	return map[string]types.AttributeValue{
		"PK":         strVal(tenantPK(t.ID)),
		"SK":         strVal(skMeta),
		"tenantId":   strVal(t.ID),
		"plan":       strVal(t.Plan),
		"status":     strVal(t.Status),
		"stage":      strVal(string(t.Stage)),
		"homeName":   strVal(t.HomeName),
		"members":    strList(t.Members),
		"onboarding": strMap(onboarding),
		"version":    numVal(t.Version),
	}
}

func itemToTenant(item map[string]types.AttributeValue) (domain.Tenant, error) {
	id, err := strAttr(item, "tenantId")
	if err != nil {
		return domain.Tenant{}, err
	}
	stage, err := strAttr(item, "stage")
	if err != nil {
		return domain.Tenant{}, err
	}
	if !domain.Lifecycle(stage).Valid() {
		return domain.Tenant{}, fmt.Errorf("repository: unknown stage %q", stage)
	}
	version, err := intAttr(item, "version")
	if err != nil {
		return domain.Tenant{}, err
	}
	members, err := listAttr(item, "members")
	if err != nil {
		return domain.Tenant{}, err
	}
	raw, err := mapAttr(item, "onboarding")
	if err != nil {
		return domain.Tenant{}, err
	}
	onboarding := make(map[string]domain.OnboardingState, len(raw))
	for k, v := range raw {
		onboarding[k] = domain.OnboardingState(v)
	}
	plan, _ := optStrAttr(item, "plan")
	status, _ := optStrAttr(item, "status")
	home, _ := optStrAttr(item, "homeName")

	return domain.Tenant{
		ID:         id,
		Plan:       plan,
		Status:     status,
		Stage:      domain.Lifecycle(stage),
		HomeName:   home,
		Members:    members,
		Onboarding: onboarding,
		Version:    version,
	}, nil
}
