package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"medic-agent/internal/domain"
)

// maxStaleRetries bounds the replace-stale-record loop in Append and
// IncrementTurn. Each retry is caused by a concurrent writer winning.
const maxStaleRetries = 3

// BurstClient stores pending attachment payloads and the per-user turn
// counter in the shared DynamoDB table.
//
// DynamoDB's own TTL sweep is lazy, so every read and append also compares
// the stored ttl with the current time and treats stale records as absent.
type BurstClient struct {
	table
	ttl time.Duration
}

// NewBurstClient creates a BurstClient. ttl is the lifetime of a burst list
// and counter measured from the first write of a burst; it must outlast the
// debounce hard cap so a slow drip never loses early payloads.
func NewBurstClient(api dynamodbAPI, tableName string, ttl time.Duration) (*BurstClient, error) {
	t, err := newTable(api, tableName)
	if err != nil {
		return nil, err
	}
	if ttl <= 0 {
		return nil, errors.New("repository: burst ttl must be positive")
	}
	return &BurstClient{table: t, ttl: ttl}, nil
}

// Append pushes payload onto the end of the (user, kind) list, creating the
// list with a fresh ttl if it does not exist or has expired.
func (c *BurstClient) Append(ctx context.Context, userID string, kind domain.MediaKind, payload string) error {
	for attempt := 0; attempt < maxStaleRetries; attempt++ {
		now := c.now()
		_, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
			TableName:           aws.String(c.name),
			Key:                 itemKey(userID, burstSK(kind)),
			UpdateExpression:    aws.String("SET #items = list_append(if_not_exists(#items, :empty), :item), #ttl = if_not_exists(#ttl, :ttl)"),
			ConditionExpression: aws.String("attribute_not_exists(#ttl) OR #ttl >= :now"),
			ExpressionAttributeNames: map[string]string{
				"#items": attrItems,
				"#ttl":   attrTTL,
			},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":empty": &types.AttributeValueMemberL{Value: []types.AttributeValue{}},
				":item":  &types.AttributeValueMemberL{Value: []types.AttributeValue{&types.AttributeValueMemberS{Value: payload}}},
				":ttl":   &types.AttributeValueMemberN{Value: ttlValue(now.Add(c.ttl))},
				":now":   numAttr(now.Unix()),
			},
		})
		if err == nil {
			return nil
		}
		if !isConditionFailed(err) {
			return fmt.Errorf("repository: Append: %w", err)
		}

		// The list belongs to an abandoned burst; replace it unless a
		// concurrent writer already did.
		_, err = c.api.PutItem(ctx, &dynamodb.PutItemInput{
			TableName: aws.String(c.name),
			Item: map[string]types.AttributeValue{
				attrPK:    &types.AttributeValueMemberS{Value: userPK(userID)},
				attrSK:    &types.AttributeValueMemberS{Value: burstSK(kind)},
				attrItems: &types.AttributeValueMemberL{Value: []types.AttributeValue{&types.AttributeValueMemberS{Value: payload}}},
				attrTTL:   &types.AttributeValueMemberN{Value: ttlValue(now.Add(c.ttl))},
			},
			ConditionExpression:      aws.String("#ttl < :now"),
			ExpressionAttributeNames: map[string]string{"#ttl": attrTTL},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":now": numAttr(now.Unix()),
			},
		})
		if err == nil {
			return nil
		}
		if !isConditionFailed(err) {
			return fmt.Errorf("repository: Append replace stale: %w", err)
		}
	}
	return fmt.Errorf("repository: Append: gave up after %d contended attempts", maxStaleRetries)
}

// IncrementTurn atomically increments the user's turn counter and returns
// the state observed immediately after the increment.
func (c *BurstClient) IncrementTurn(ctx context.Context, userID string) (domain.TurnSnapshot, error) {
	for attempt := 0; attempt < maxStaleRetries; attempt++ {
		now := c.now()
		out, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
			TableName:           aws.String(c.name),
			Key:                 itemKey(userID, skTurnCounter),
			UpdateExpression:    aws.String("ADD #turn :one SET #firstAt = if_not_exists(#firstAt, :nowMs), #ttl = :ttl"),
			ConditionExpression: aws.String("attribute_not_exists(#ttl) OR #ttl >= :now"),
			ExpressionAttributeNames: map[string]string{
				"#turn":    attrTurn,
				"#firstAt": attrFirstAt,
				"#ttl":     attrTTL,
			},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":one":   numAttr(1),
				":nowMs": numAttr(now.UnixMilli()),
				":ttl":   &types.AttributeValueMemberN{Value: ttlValue(now.Add(c.ttl))},
				":now":   numAttr(now.Unix()),
			},
			ReturnValues: types.ReturnValueAllNew,
		})
		if err == nil {
			if out == nil {
				return domain.TurnSnapshot{}, errors.New("repository: IncrementTurn: empty response")
			}
			snap, err := itemToSnapshot(out.Attributes)
			if err != nil {
				return domain.TurnSnapshot{}, fmt.Errorf("repository: IncrementTurn decode: %w", err)
			}
			return snap, nil
		}
		if !isConditionFailed(err) {
			return domain.TurnSnapshot{}, fmt.Errorf("repository: IncrementTurn: %w", err)
		}

		_, err = c.api.PutItem(ctx, &dynamodb.PutItemInput{
			TableName: aws.String(c.name),
			Item: map[string]types.AttributeValue{
				attrPK:      &types.AttributeValueMemberS{Value: userPK(userID)},
				attrSK:      &types.AttributeValueMemberS{Value: skTurnCounter},
				attrTurn:    numAttr(1),
				attrFirstAt: numAttr(now.UnixMilli()),
				attrTTL:     &types.AttributeValueMemberN{Value: ttlValue(now.Add(c.ttl))},
			},
			ConditionExpression:      aws.String("#ttl < :now"),
			ExpressionAttributeNames: map[string]string{"#ttl": attrTTL},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":now": numAttr(now.Unix()),
			},
		})
		if err == nil {
			return domain.TurnSnapshot{Counter: 1, FirstAt: time.UnixMilli(now.UnixMilli())}, nil
		}
		if !isConditionFailed(err) {
			return domain.TurnSnapshot{}, fmt.Errorf("repository: IncrementTurn replace stale: %w", err)
		}
	}
	return domain.TurnSnapshot{}, fmt.Errorf("repository: IncrementTurn: gave up after %d contended attempts", maxStaleRetries)
}

// ClaimTurn deletes the turn counter if it still matches snap, making the
// caller the single flusher of the current burst. Without force the match
// is on the counter value within the same burst; with force it is on the
// burst's first arrival time alone, which lets a hard-cap flush win over a
// counter that kept moving.
// A false result with a nil error means another caller owns the flush.
func (c *BurstClient) ClaimTurn(ctx context.Context, userID string, snap domain.TurnSnapshot, force bool) (bool, error) {
	in := &dynamodb.DeleteItemInput{
		TableName: aws.String(c.name),
		Key:       itemKey(userID, skTurnCounter),
	}
	if force {
		in.ConditionExpression = aws.String("#firstAt = :firstAt")
		in.ExpressionAttributeNames = map[string]string{"#firstAt": attrFirstAt}
		in.ExpressionAttributeValues = map[string]types.AttributeValue{
			":firstAt": numAttr(snap.FirstAt.UnixMilli()),
		}
	} else {
		in.ConditionExpression = aws.String("#turn = :turn AND #firstAt = :firstAt")
		in.ExpressionAttributeNames = map[string]string{"#turn": attrTurn, "#firstAt": attrFirstAt}
		in.ExpressionAttributeValues = map[string]types.AttributeValue{
			":turn":    numAttr(snap.Counter),
			":firstAt": numAttr(snap.FirstAt.UnixMilli()),
		}
	}

	if _, err := c.api.DeleteItem(ctx, in); err != nil {
		if isConditionFailed(err) {
			return false, nil
		}
		return false, fmt.Errorf("repository: ClaimTurn: %w", err)
	}
	return true, nil
}

// Drain atomically removes the (user, kind) list and returns its payloads in
// insertion order. Missing or expired lists drain to nil.
func (c *BurstClient) Drain(ctx context.Context, userID string, kind domain.MediaKind) ([]string, error) {
	out, err := c.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:    aws.String(c.name),
		Key:          itemKey(userID, burstSK(kind)),
		ReturnValues: types.ReturnValueAllOld,
	})
	if err != nil {
		return nil, fmt.Errorf("repository: Drain %s: %w", kind, err)
	}
	if out == nil || len(out.Attributes) == 0 {
		return nil, nil
	}

	if expiry, err := int64Attr(out.Attributes, attrTTL); err == nil && expiry < c.now().Unix() {
		return nil, nil
	}
	items, err := stringListAttr(out.Attributes, attrItems)
	if err != nil {
		return nil, fmt.Errorf("repository: Drain %s decode: %w", kind, err)
	}
	return items, nil
}

func itemToSnapshot(item map[string]types.AttributeValue) (domain.TurnSnapshot, error) {
	turn, err := int64Attr(item, attrTurn)
	if err != nil {
		return domain.TurnSnapshot{}, err
	}
	firstAt, err := int64Attr(item, attrFirstAt)
	if err != nil {
		return domain.TurnSnapshot{}, err
	}
	return domain.TurnSnapshot{Counter: turn, FirstAt: time.UnixMilli(firstAt)}, nil
}
