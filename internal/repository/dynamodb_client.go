package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"classifier-chat/internal/domain"
)

const (
	skPrefixTurn = "TURN#"
	ttlDuration  = 30 * 24 * time.Hour // 30-day TTL
)

// dynamodbAPI is the minimal DynamoDB interface required by Client.
// Defined here for testability.
type dynamodbAPI interface {
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
}

// Client writes an audit record of every resolved classification turn.
// Records are never read back into a conversation.
type Client struct {
	api       dynamodbAPI
	tableName string
	now       func() time.Time
}

// New creates a new repository Client.
func New(api dynamodbAPI, tableName string) (*Client, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	return &Client{api: api, tableName: tableName, now: time.Now}, nil
}

// convPK returns the DynamoDB partition key for a conversation.
func convPK(conversationID string) string {
	return "CONV#" + conversationID
}

// turnSK orders turns by request time; the message id breaks ties.
func turnSK(ts time.Time, messageID int64) string {
	return skPrefixTurn + ts.UTC().Format(time.RFC3339Nano) + "#" + strconv.FormatInt(messageID, 10)
}

// SaveTurn persists one resolved turn. Writing the same turn twice fails.
func (c *Client) SaveTurn(ctx context.Context, turn domain.Turn) error {
	if strings.TrimSpace(turn.ConversationID) == "" {
		return errors.New("repository: SaveTurn: conversation id is required")
	}
	if !turn.Request.Kind.Valid() || !turn.Reply.Kind.Valid() {
		return errors.New("repository: SaveTurn: request and reply kinds are required")
	}

	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(c.tableName),
		Item:                turnItem(turn, c.ttlValue()),
		ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
	})
	if err != nil {
		return fmt.Errorf("repository: SaveTurn: %w", err)
	}
	return nil
}

// TurnResolved records turn as soon as the conversation resolves it.
func (c *Client) TurnResolved(ctx context.Context, turn domain.Turn) error {
	return c.SaveTurn(ctx, turn)
}

// ttlValue returns a Unix timestamp 30 days in the future.
func (c *Client) ttlValue() int64 {
	return c.now().Add(ttlDuration).Unix()
}

func turnItem(turn domain.Turn, ttl int64) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":             &types.AttributeValueMemberS{Value: convPK(turn.ConversationID)},
		"SK":             &types.AttributeValueMemberS{Value: turnSK(turn.Request.Timestamp, turn.Request.ID)},
		"conversationId": &types.AttributeValueMemberS{Value: turn.ConversationID},
		"productUrl":     &types.AttributeValueMemberS{Value: turn.Request.Content},
		"outcome":        &types.AttributeValueMemberS{Value: string(turn.Reply.Kind)},
		"reply":          &types.AttributeValueMemberS{Value: turn.Reply.Content},
		"requestedAt":    &types.AttributeValueMemberS{Value: turn.Request.Timestamp.UTC().Format(time.RFC3339Nano)},
		"resolvedAt":     &types.AttributeValueMemberS{Value: turn.Reply.Timestamp.UTC().Format(time.RFC3339Nano)},
		"ttl":            &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", ttl)},
	}
}
