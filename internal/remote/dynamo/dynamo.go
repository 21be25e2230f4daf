// Package dynamo stores board shapes in a DynamoDB table keyed by board_id
// (partition) and shape_id (sort).
package dynamo

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/jun/gophboard/internal/model"
	"github.com/jun/gophboard/internal/remote"
)

// MaxTransactItems is DynamoDB's limit of actions per TransactWriteItems call.
const MaxTransactItems = 100

// Client is the subset of *dynamodb.Client used by Backend.
type Client interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	TransactWriteItems(ctx context.Context, params *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
}

// Backend implements remote.Backend on DynamoDB.
//
// DynamoDB has no server clock, so timestamps come from this process and are
// kept strictly increasing per process.
type Backend struct {
	client       Client
	table        string
	pollInterval time.Duration
	lookback     time.Duration

	mu    sync.Mutex
	now   func() time.Time
	clock int64
}

var _ remote.Backend = (*Backend)(nil)

// New creates a backend on table. pollInterval paces the change stream.
func New(client Client, table string, pollInterval time.Duration) *Backend {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &Backend{
		client:       client,
		table:        table,
		pollInterval: pollInterval,
		lookback:     5 * time.Second,
		now:          time.Now,
	}
}

func (b *Backend) tick() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	t := b.now().UnixMilli()
	if t <= b.clock {
		t = b.clock + 1
	}
	b.clock = t
	return t
}

func key(boardID, shapeID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"board_id": &types.AttributeValueMemberS{Value: boardID},
		"shape_id": &types.AttributeValueMemberS{Value: shapeID},
	}
}

func num(v int64) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(v, 10)}
}

func str(v string) types.AttributeValue {
	return &types.AttributeValueMemberS{Value: v}
}

// updateExpr builds a SET expression with placeholder names and values.
type updateExpr struct {
	sets   []string
	names  map[string]string
	values map[string]types.AttributeValue
}

func newUpdateExpr() *updateExpr {
	return &updateExpr{names: make(map[string]string), values: make(map[string]types.AttributeValue)}
}

func (u *updateExpr) name(attr string) string {
	ph := "#" + attr
	u.names[ph] = attr
	return ph
}

func (u *updateExpr) value(name string, v types.AttributeValue) string {
	ph := ":" + name
	u.values[ph] = v
	return ph
}

func (u *updateExpr) set(attr string, v types.AttributeValue) {
	u.sets = append(u.sets, u.name(attr)+" = "+u.value(attr, v))
}

func (u *updateExpr) setIfNotExists(attr string, v types.AttributeValue) {
	n := u.name(attr)
	u.sets = append(u.sets, fmt.Sprintf("%s = if_not_exists(%s, %s)", n, n, u.value(attr, v)))
}

func (u *updateExpr) expression() *string {
	return aws.String("SET " + strings.Join(u.sets, ", "))
}

var immutableAttrs = map[string]bool{
	"board_id": true, "shape_id": true,
	"created_by": true, "created_by_name": true, "created_at": true,
}

// createExpr writes every field of shape, keeps creator fields of an existing
// document, and only applies when the document is missing or older than now.
func (b *Backend) createExpr(shape model.Shape, actor model.Actor, now int64) (*updateExpr, string, error) {
	shape.UpdatedBy = actor.UID
	shape.UpdatedByName = actor.Name
	shape.UpdatedAt = now
	shape.Deleted = false
	shape.DeletedAt = 0

	item, err := attributevalue.MarshalMap(shape)
	if err != nil {
		return nil, "", fmt.Errorf("failed to marshal shape %s: %w", shape.ID, err)
	}
	u := newUpdateExpr()
	for attr, v := range item {
		if immutableAttrs[attr] {
			continue
		}
		u.set(attr, v)
	}
	u.setIfNotExists("created_by", str(actor.UID))
	u.setIfNotExists("created_by_name", str(actor.Name))
	u.setIfNotExists("created_at", num(now))
	cond := fmt.Sprintf("attribute_not_exists(%s) OR %s < %s",
		u.name("shape_id"), u.name("updated_at"), u.value("updated_at", num(now)))
	return u, cond, nil
}

func (b *Backend) CreateShape(ctx context.Context, boardID string, shape model.Shape, actor model.Actor) (model.Shape, error) {
	now := b.tick()
	u, cond, err := b.createExpr(shape, actor, now)
	if err != nil {
		return model.Shape{}, err
	}
	out, err := b.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(b.table),
		Key:                       key(boardID, shape.ID),
		UpdateExpression:          u.expression(),
		ConditionExpression:       aws.String(cond),
		ExpressionAttributeNames:  u.names,
		ExpressionAttributeValues: u.values,
		ReturnValues:              types.ReturnValueAllNew,
	})
	if err != nil {
		if conditionFailed(err) {
			// A newer write already landed; the create is a no-op.
			return b.GetShape(ctx, boardID, shape.ID)
		}
		return model.Shape{}, classify("create", err)
	}
	var stored model.Shape
	if err := attributevalue.UnmarshalMap(out.Attributes, &stored); err != nil {
		return model.Shape{}, fmt.Errorf("failed to unmarshal shape: %w", err)
	}
	return stored, nil
}

func patchExpr(patch model.ShapePatch, actor model.Actor, now int64) (*updateExpr, error) {
	u := newUpdateExpr()
	for attr, v := range patch.Fields() {
		av, err := attributevalue.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s: %w", attr, err)
		}
		u.set(attr, av)
	}
	u.set("updated_by", str(actor.UID))
	u.set("updated_by_name", str(actor.Name))
	u.set("updated_at", num(now))
	return u, nil
}

func (b *Backend) UpdateShape(ctx context.Context, boardID, shapeID string, patch model.ShapePatch, actor model.Actor) (int64, error) {
	now := b.tick()
	u, err := patchExpr(patch, actor, now)
	if err != nil {
		return 0, err
	}
	_, err = b.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(b.table),
		Key:                       key(boardID, shapeID),
		UpdateExpression:          u.expression(),
		ConditionExpression:       aws.String("attribute_exists(" + u.name("shape_id") + ")"),
		ExpressionAttributeNames:  u.names,
		ExpressionAttributeValues: u.values,
	})
	if err != nil {
		return 0, classifyMissing("update", shapeID, err)
	}
	return now, nil
}

func (b *Backend) DeleteShape(ctx context.Context, boardID, shapeID string, actor model.Actor) (int64, error) {
	now := b.tick()
	u := newUpdateExpr()
	u.set("deleted", &types.AttributeValueMemberBOOL{Value: true})
	u.set("deleted_at", num(now))
	u.set("updated_by", str(actor.UID))
	u.set("updated_by_name", str(actor.Name))
	u.set("updated_at", num(now))

	_, err := b.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(b.table),
		Key:                       key(boardID, shapeID),
		UpdateExpression:          u.expression(),
		ConditionExpression:       aws.String("attribute_exists(" + u.name("shape_id") + ")"),
		ExpressionAttributeNames:  u.names,
		ExpressionAttributeValues: u.values,
	})
	if err != nil {
		return 0, classifyMissing("delete", shapeID, err)
	}
	return now, nil
}

func (b *Backend) GetShape(ctx context.Context, boardID, shapeID string) (model.Shape, error) {
	out, err := b.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(b.table),
		Key:            key(boardID, shapeID),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return model.Shape{}, classify("get", err)
	}
	if out.Item == nil {
		return model.Shape{}, remote.Status(remote.CodeNotFound, "get", fmt.Errorf("shape %s", shapeID))
	}
	var shape model.Shape
	if err := attributevalue.UnmarshalMap(out.Item, &shape); err != nil {
		return model.Shape{}, fmt.Errorf("failed to unmarshal shape: %w", err)
	}
	return shape, nil
}

func (b *Backend) ListShapes(ctx context.Context, boardID string) ([]model.Shape, error) {
	return b.query(ctx, boardID, -1)
}

// query pages through the board partition. since >= 0 keeps only documents
// updated at or after since.
func (b *Backend) query(ctx context.Context, boardID string, since int64) ([]model.Shape, error) {
	input := &dynamodb.QueryInput{
		TableName:              aws.String(b.table),
		KeyConditionExpression: aws.String("board_id = :b"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":b": str(boardID),
		},
		ConsistentRead: aws.Bool(true),
	}
	if since >= 0 {
		input.FilterExpression = aws.String("updated_at >= :since")
		input.ExpressionAttributeValues[":since"] = num(since)
	}

	var shapes []model.Shape
	for {
		out, err := b.client.Query(ctx, input)
		if err != nil {
			return nil, classify("query", err)
		}
		var page []model.Shape
		if err := attributevalue.UnmarshalListOfMaps(out.Items, &page); err != nil {
			return nil, fmt.Errorf("failed to unmarshal shapes: %w", err)
		}
		shapes = append(shapes, page...)
		if len(out.LastEvaluatedKey) == 0 {
			return shapes, nil
		}
		input.ExclusiveStartKey = out.LastEvaluatedKey
	}
}

// transact runs items in transactions of at most MaxTransactItems. A failed
// condition is reported with onConditionFailed.
func (b *Backend) transact(ctx context.Context, op string, items []types.TransactWriteItem, onConditionFailed remote.Code) error {
	for start := 0; start < len(items); start += MaxTransactItems {
		end := min(start+MaxTransactItems, len(items))
		_, err := b.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
			TransactItems: items[start:end],
		})
		if err != nil {
			if conditionFailed(err) {
				return remote.Status(onConditionFailed, op, err)
			}
			return classify(op, err)
		}
	}
	return nil
}

// BatchCreate writes the shapes in transactions of at most MaxTransactItems;
// each transaction is atomic on its own.
func (b *Backend) BatchCreate(ctx context.Context, boardID string, shapes []model.Shape, actor model.Actor) ([]model.Shape, error) {
	if len(shapes) > remote.MaxBatch {
		return nil, remote.Status(remote.CodeInvalidArgument, "batch_create", fmt.Errorf("%d writes exceed the batch limit", len(shapes)))
	}
	now := b.tick()
	items := make([]types.TransactWriteItem, 0, len(shapes))
	out := make([]model.Shape, 0, len(shapes))
	for _, shape := range shapes {
		u, cond, err := b.createExpr(shape, actor, now)
		if err != nil {
			return nil, err
		}
		items = append(items, types.TransactWriteItem{Update: &types.Update{
			TableName:                 aws.String(b.table),
			Key:                       key(boardID, shape.ID),
			UpdateExpression:          u.expression(),
			ConditionExpression:       aws.String(cond),
			ExpressionAttributeNames:  u.names,
			ExpressionAttributeValues: u.values,
		}})

		shape.BoardID = boardID
		shape.CreatedBy, shape.CreatedByName, shape.CreatedAt = actor.UID, actor.Name, now
		shape.UpdatedBy, shape.UpdatedByName, shape.UpdatedAt = actor.UID, actor.Name, now
		out = append(out, shape)
	}
	// a failed condition means another writer got there with a later clock
	if err := b.transact(ctx, "batch_create", items, remote.CodeAborted); err != nil {
		return nil, err
	}
	return out, nil
}

func (b *Backend) BatchUpdate(ctx context.Context, boardID string, updates []model.ShapeUpdate, actor model.Actor) (int64, error) {
	if len(updates) > remote.MaxBatch {
		return 0, remote.Status(remote.CodeInvalidArgument, "batch_update", fmt.Errorf("%d writes exceed the batch limit", len(updates)))
	}
	now := b.tick()
	items := make([]types.TransactWriteItem, 0, len(updates))
	for _, up := range updates {
		u, err := patchExpr(up.Patch, actor, now)
		if err != nil {
			return 0, err
		}
		items = append(items, types.TransactWriteItem{Update: &types.Update{
			TableName:                 aws.String(b.table),
			Key:                       key(boardID, up.ID),
			UpdateExpression:          u.expression(),
			ConditionExpression:       aws.String("attribute_exists(" + u.name("shape_id") + ")"),
			ExpressionAttributeNames:  u.names,
			ExpressionAttributeValues: u.values,
		}})
	}
	if err := b.transact(ctx, "batch_update", items, remote.CodeNotFound); err != nil {
		return 0, err
	}
	return now, nil
}

func (b *Backend) Ping(ctx context.Context) error {
	_, err := b.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(b.table)})
	if err != nil {
		return classify("ping", err)
	}
	return nil
}
