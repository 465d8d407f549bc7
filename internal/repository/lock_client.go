package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"medic-agent/internal/domain"
)

// LockClient persists conversation locks in the shared DynamoDB table.
type LockClient struct {
	table
}

// NewLockClient creates a LockClient.
func NewLockClient(api dynamodbAPI, tableName string) (*LockClient, error) {
	t, err := newTable(api, tableName)
	if err != nil {
		return nil, err
	}
	return &LockClient{table: t}, nil
}

// GetLock reads the lock record for a user. The bool is false when no record exists.
func (c *LockClient) GetLock(ctx context.Context, userID string) (domain.ConversationLock, bool, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(c.name),
		Key:            itemKey(userID, skLock),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.ConversationLock{}, false, fmt.Errorf("repository: GetLock get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return domain.ConversationLock{}, false, nil
	}

	lock, err := itemToLock(userID, out.Item)
	if err != nil {
		return domain.ConversationLock{}, false, fmt.Errorf("repository: GetLock decode: %w", err)
	}
	return lock, true, nil
}

// PutLock overwrites the user's lock record. Last writer wins.
func (c *LockClient) PutLock(ctx context.Context, lock domain.ConversationLock) error {
	if strings.TrimSpace(lock.UserID) == "" {
		return errors.New("repository: PutLock: user id is required")
	}
	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.name),
		Item:      lockItem(lock),
	})
	if err != nil {
		return fmt.Errorf("repository: PutLock: %w", err)
	}
	return nil
}

// DeleteLockIfUnchanged removes an expired lock only if nobody re-acquired it
// since it was read. A lost condition is not an error.
func (c *LockClient) DeleteLockIfUnchanged(ctx context.Context, userID string, lockedAt time.Time) error {
	_, err := c.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:                aws.String(c.name),
		Key:                      itemKey(userID, skLock),
		ConditionExpression:      aws.String("#lockedAt = :lockedAt"),
		ExpressionAttributeNames: map[string]string{"#lockedAt": attrLockedAt},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":lockedAt": &types.AttributeValueMemberS{Value: formatLockedAt(lockedAt)},
		},
	})
	if err != nil && !isConditionFailed(err) {
		return fmt.Errorf("repository: DeleteLockIfUnchanged: %w", err)
	}
	return nil
}

func formatLockedAt(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func lockItem(lock domain.ConversationLock) map[string]types.AttributeValue {
	ttl := lock.TTL
	if ttl <= 0 {
		ttl = domain.DefaultLockTTL
	}
	agent := lock.ActiveAgent
	if agent == "" {
		agent = domain.AgentNone
	}
	return map[string]types.AttributeValue{
		attrPK:         &types.AttributeValueMemberS{Value: userPK(lock.UserID)},
		attrSK:         &types.AttributeValueMemberS{Value: skLock},
		attrAgent:      &types.AttributeValueMemberS{Value: string(agent)},
		attrLockedAt:   &types.AttributeValueMemberS{Value: formatLockedAt(lock.LockedAt)},
		attrTTLSeconds: numAttr(int64(ttl / time.Second)),
		attrTTL:        &types.AttributeValueMemberN{Value: ttlValue(lock.LockedAt.Add(ttl))},
	}
}

func itemToLock(userID string, item map[string]types.AttributeValue) (domain.ConversationLock, error) {
	rawAgent, err := strAttr(item, attrAgent)
	if err != nil {
		return domain.ConversationLock{}, err
	}
	agent, err := domain.ParseAgentID(rawAgent)
	if err != nil {
		return domain.ConversationLock{}, err
	}
	rawLockedAt, err := strAttr(item, attrLockedAt)
	if err != nil {
		return domain.ConversationLock{}, err
	}
	lockedAt, err := time.Parse(time.RFC3339Nano, rawLockedAt)
	if err != nil {
		return domain.ConversationLock{}, fmt.Errorf("repository: parse attribute %q: %w", attrLockedAt, err)
	}
	ttlSeconds, err := int64Attr(item, attrTTLSeconds)
	if err != nil {
		ttlSeconds = int64(domain.DefaultLockTTL / time.Second)
	}
	return domain.ConversationLock{
		UserID:      userID,
		ActiveAgent: agent,
		LockedAt:    lockedAt,
		TTL:         time.Duration(ttlSeconds) * time.Second,
	}, nil
}
