package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"medic-agent/internal/domain"
)

const (
	pkPrefixUser   = "USER#"
	skPrefixBurst  = "BURST#"
	skTurnCounter  = "TURN_COUNTER"
	skLock         = "LOCK"
	attrPK         = "PK"
	attrSK         = "SK"
	attrTTL        = "ttl"
	attrItems      = "items"
	attrTurn       = "turn"
	attrFirstAt    = "firstAt"
	attrAgent      = "activeAgent"
	attrLockedAt   = "lockedAt"
	attrTTLSeconds = "ttlSeconds"
)

// dynamodbAPI is the minimal DynamoDB interface required by the clients in
// this package. Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// table carries what every client needs to address the shared state table.
type table struct {
	api  dynamodbAPI
	name string
	now  func() time.Time
}

func newTable(api dynamodbAPI, tableName string) (table, error) {
	if api == nil {
		return table{}, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return table{}, errors.New("repository: table name must not be empty")
	}
	return table{api: api, name: tableName, now: time.Now}, nil
}

// userPK returns the partition key shared by all records of one user.
func userPK(userID string) string {
	return pkPrefixUser + userID
}

// burstSK returns the sort key of the pending-payload list for one media kind.
func burstSK(kind domain.MediaKind) string {
	return skPrefixBurst + string(kind)
}

func itemKey(userID, sk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		attrPK: &types.AttributeValueMemberS{Value: userPK(userID)},
		attrSK: &types.AttributeValueMemberS{Value: sk},
	}
}

// ttlValue returns the epoch-second expiry DynamoDB uses for its TTL sweep.
func ttlValue(expiresAt time.Time) string {
	return strconv.FormatInt(expiresAt.Unix(), 10)
}

func numAttr(n int64) *types.AttributeValueMemberN {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(n, 10)}
}

// isConditionFailed reports whether err is DynamoDB rejecting a conditional write.
func isConditionFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}

func strAttr(item map[string]types.AttributeValue, key string) (string, error) {
	v, ok := item[key]
	if !ok {
		return "", fmt.Errorf("repository: missing attribute %q", key)
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("repository: attribute %q is not a string", key)
	}
	return s.Value, nil
}

func int64Attr(item map[string]types.AttributeValue, key string) (int64, error) {
	v, ok := item[key]
	if !ok {
		return 0, fmt.Errorf("repository: missing attribute %q", key)
	}
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("repository: attribute %q is not a number", key)
	}
	parsed, err := strconv.ParseInt(n.Value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return parsed, nil
}

func stringListAttr(item map[string]types.AttributeValue, key string) ([]string, error) {
	v, ok := item[key]
	if !ok {
		return nil, nil
	}
	l, ok := v.(*types.AttributeValueMemberL)
	if !ok {
		return nil, fmt.Errorf("repository: attribute %q is not a list", key)
	}
	out := make([]string, 0, len(l.Value))
	for i, elem := range l.Value {
		s, ok := elem.(*types.AttributeValueMemberS)
		if !ok {
			return nil, fmt.Errorf("repository: attribute %q[%d] is not a string", key, i)
		}
		out = append(out, s.Value)
	}
	return out, nil
}
