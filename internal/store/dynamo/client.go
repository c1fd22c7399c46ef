package dynamo

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	dynamodbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/snapvault/backend/internal/store"
)

const (
	// PartitionKey is the DynamoDB partition key attribute name.
	PartitionKey = "pk"

	// SortKey is the DynamoDB sort key attribute name.
	SortKey = "sk"
)

// Client is a DynamoDB-backed implementation of [store.Store]. It uses a
// single-table design: every engine entity (locks, operations, id counters,
// job run records) lives in one table under a type-prefixed composite key.
//
// Use [New] to create a Client, [Client.Connect] to initialize the underlying
// DynamoDB connection, and [Client.Init] to validate the table schema.
type Client struct {
	client    API
	tableName string
	awsCfg    *aws.Config
	opts      *Options
}

// New creates a new Client configured with the given AWS config, table name,
// and optional options. Call [Client.Connect] on the returned client before
// use.
func New(awsCfg *aws.Config, tableName string, opts ...Option) *Client {
	options := newOptions()

	for _, o := range opts {
		o(options)
	}

	return &Client{
		awsCfg:    awsCfg,
		tableName: tableName,
		opts:      options,
	}
}

// Connect initializes the DynamoDB client from the AWS config provided to
// [New]. It must be called before any other Client methods, and must complete
// before the Client is used concurrently.
func (c *Client) Connect() error {
	if err := c.opts.validate(); err != nil {
		return fmt.Errorf("invalid DynamoDB options: %w", err)
	}

	// Use injected DynamoDB API if provided (useful for testing).
	if c.opts.dynamoDBAPI != nil {
		c.client = c.opts.dynamoDBAPI
	} else {
		c.client = dynamodb.NewFromConfig(*c.awsCfg)
	}

	return nil
}

// Init validates the DynamoDB table schema: the table must exist, be active,
// and use the composite primary key (pk, sk). Pass skipSchemaValidation true
// to skip all checks, which is useful when schema management is handled
// separately.
func (c *Client) Init(ctx context.Context, skipSchemaValidation bool) error {
	if skipSchemaValidation {
		return nil
	}

	if c.client == nil {
		return errNotConnected
	}

	response, err := c.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(c.tableName),
	})
	if err != nil {
		var notFoundError *dynamodbtypes.ResourceNotFoundException
		if errors.As(err, &notFoundError) {
			return fmt.Errorf("table %s does not exist", c.tableName)
		}
		return fmt.Errorf("failed to describe table %s: %w", c.tableName, err)
	}

	if len(response.Table.KeySchema) < 2 {
		return fmt.Errorf("table %s has a simple primary key, expected composite", c.tableName)
	}

	if aws.ToString(response.Table.KeySchema[0].AttributeName) != PartitionKey {
		return fmt.Errorf("table %s has partition key %s, expected %s", c.tableName, aws.ToString(response.Table.KeySchema[0].AttributeName), PartitionKey)
	}

	if aws.ToString(response.Table.KeySchema[1].AttributeName) != SortKey {
		return fmt.Errorf("table %s has sort key %s, expected %s", c.tableName, aws.ToString(response.Table.KeySchema[1].AttributeName), SortKey)
	}

	if response.Table.TableStatus != dynamodbtypes.TableStatusActive {
		return fmt.Errorf("table %s is not active (status: %s)", c.tableName, response.Table.TableStatus)
	}

	return nil
}

func (c *Client) Get(ctx context.Context, key store.Key, attrs []string) (store.Item, error) {
	if c.client == nil {
		return nil, errNotConnected
	}

	input := &dynamodb.GetItemInput{
		TableName:      &c.tableName,
		Key:            keyAttrs(key),
		ConsistentRead: aws.Bool(c.opts.consistent),
	}

	if len(attrs) > 0 {
		b := newExprBuilder()
		input.ProjectionExpression = aws.String(b.projection(attrs))
		input.ExpressionAttributeNames = b.exprNames()
	}

	output, err := c.client.GetItem(ctx, input)
	if err != nil {
		return nil, mapError(fmt.Errorf("failed to get item from table %s: %w", c.tableName, err))
	}

	if len(output.Item) == 0 {
		return nil, store.ErrNotFound
	}

	return decodeItem(output.Item)
}

func (c *Client) Put(ctx context.Context, key store.Key, item store.Item, expect []store.Expect) error {
	if c.client == nil {
		return errNotConnected
	}

	attrs, err := encodeItem(key, item)
	if err != nil {
		return err
	}

	input := &dynamodb.PutItemInput{
		TableName: &c.tableName,
		Item:      attrs,
	}

	if len(expect) > 0 {
		b := newExprBuilder()

		cond, err := b.condition(expect)
		if err != nil {
			return err
		}

		input.ConditionExpression = aws.String(cond)
		input.ExpressionAttributeNames = b.exprNames()
		input.ExpressionAttributeValues = b.exprValues()
	}

	if _, err := c.client.PutItem(ctx, input); err != nil {
		return mapError(fmt.Errorf("failed to put item to table %s: %w", c.tableName, err))
	}

	return nil
}

func (c *Client) Update(ctx context.Context, key store.Key, updates []store.Update, expect []store.Expect) (store.Item, error) {
	if c.client == nil {
		return nil, errNotConnected
	}

	b := newExprBuilder()

	updateExpr, err := b.update(updates)
	if err != nil {
		return nil, err
	}

	input := &dynamodb.UpdateItemInput{
		TableName:        &c.tableName,
		Key:              keyAttrs(key),
		UpdateExpression: aws.String(updateExpr),
		ReturnValues:     dynamodbtypes.ReturnValueAllNew,
	}

	if len(expect) > 0 {
		cond, err := b.condition(expect)
		if err != nil {
			return nil, err
		}
		input.ConditionExpression = aws.String(cond)
	}

	input.ExpressionAttributeNames = b.exprNames()
	input.ExpressionAttributeValues = b.exprValues()

	output, err := c.client.UpdateItem(ctx, input)
	if err != nil {
		return nil, mapError(fmt.Errorf("failed to update item in table %s: %w", c.tableName, err))
	}

	return decodeItem(output.Attributes)
}

func (c *Client) Delete(ctx context.Context, key store.Key, expect []store.Expect) error {
	if c.client == nil {
		return errNotConnected
	}

	input := &dynamodb.DeleteItemInput{
		TableName: &c.tableName,
		Key:       keyAttrs(key),
	}

	if len(expect) > 0 {
		b := newExprBuilder()

		cond, err := b.condition(expect)
		if err != nil {
			return err
		}

		input.ConditionExpression = aws.String(cond)
		input.ExpressionAttributeNames = b.exprNames()
		input.ExpressionAttributeValues = b.exprValues()
	}

	if _, err := c.client.DeleteItem(ctx, input); err != nil {
		return mapError(fmt.Errorf("failed to delete item from table %s: %w", c.tableName, err))
	}

	return nil
}

func (c *Client) Query(ctx context.Context, q store.Query) ([]store.Row, *store.Key, error) {
	if c.client == nil {
		return nil, nil, errNotConnected
	}

	b := newExprBuilder()

	hashPh, err := b.value(q.Hash)
	if err != nil {
		return nil, nil, err
	}

	keyCond := b.name(PartitionKey) + " = " + hashPh

	if q.RangePrefix != "" {
		prefixPh, err := b.value(q.RangePrefix)
		if err != nil {
			return nil, nil, err
		}
		keyCond += " AND begins_with(" + b.name(SortKey) + ", " + prefixPh + ")"
	}

	input := &dynamodb.QueryInput{
		TableName:                 &c.tableName,
		KeyConditionExpression:    aws.String(keyCond),
		ExpressionAttributeNames:  b.exprNames(),
		ExpressionAttributeValues: b.exprValues(),
		ScanIndexForward:          aws.Bool(!q.Descending),
		ConsistentRead:            aws.Bool(c.opts.consistent),
	}

	if q.Limit > 0 {
		input.Limit = aws.Int32(q.Limit)
	}

	if q.StartKey != nil {
		input.ExclusiveStartKey = keyAttrs(*q.StartKey)
	}

	output, err := c.client.Query(ctx, input)
	if err != nil {
		return nil, nil, mapError(fmt.Errorf("failed to query table %s: %w", c.tableName, err))
	}

	rows, err := decodeRows(output.Items)
	if err != nil {
		return nil, nil, err
	}

	return rows, keyFromAttrs(output.LastEvaluatedKey), nil
}

func (c *Client) Scan(ctx context.Context, s store.Scan) ([]store.Row, *store.Key, error) {
	if c.client == nil {
		return nil, nil, errNotConnected
	}

	input := &dynamodb.ScanInput{
		TableName: &c.tableName,
	}

	if s.HashPrefix != "" {
		b := newExprBuilder()

		prefixPh, err := b.value(s.HashPrefix)
		if err != nil {
			return nil, nil, err
		}

		input.FilterExpression = aws.String("begins_with(" + b.name(PartitionKey) + ", " + prefixPh + ")")
		input.ExpressionAttributeNames = b.exprNames()
		input.ExpressionAttributeValues = b.exprValues()
	}

	if s.Limit > 0 {
		input.Limit = aws.Int32(s.Limit)
	}

	if s.StartKey != nil {
		input.ExclusiveStartKey = keyAttrs(*s.StartKey)
	}

	output, err := c.client.Scan(ctx, input)
	if err != nil {
		return nil, nil, mapError(fmt.Errorf("failed to scan table %s: %w", c.tableName, err))
	}

	rows, err := decodeRows(output.Items)
	if err != nil {
		return nil, nil, err
	}

	return rows, keyFromAttrs(output.LastEvaluatedKey), nil
}

func decodeRows(items []map[string]dynamodbtypes.AttributeValue) ([]store.Row, error) {
	rows := make([]store.Row, 0, len(items))

	for _, item := range items {
		row, err := decodeRow(item)
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}

	return rows, nil
}

// mapError folds DynamoDB error kinds into the store's sentinel taxonomy
// while keeping the original error in the chain.
func mapError(err error) error {
	var (
		conditionFailed *dynamodbtypes.ConditionalCheckFailedException
		throughput      *dynamodbtypes.ProvisionedThroughputExceededException
		limit           *dynamodbtypes.LimitExceededException
		requestLimit    *dynamodbtypes.RequestLimitExceeded
	)

	switch {
	case errors.As(err, &conditionFailed):
		return fmt.Errorf("%w: %s", store.ErrConditionFailed, err)
	case errors.As(err, &throughput):
		return fmt.Errorf("%w: %s", store.ErrProvisionExceeded, err)
	case errors.As(err, &limit), errors.As(err, &requestLimit):
		return fmt.Errorf("%w: %s", store.ErrLimitExceeded, err)
	default:
		return err
	}
}
