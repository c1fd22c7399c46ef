package dynamo_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	dynamodbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/snapvault/backend/internal/store"
	"github.com/snapvault/backend/internal/store/dynamo"
)

type mockAPI struct {
	getItem       func(*dynamodb.GetItemInput) (*dynamodb.GetItemOutput, error)
	putItem       func(*dynamodb.PutItemInput) (*dynamodb.PutItemOutput, error)
	updateItem    func(*dynamodb.UpdateItemInput) (*dynamodb.UpdateItemOutput, error)
	deleteItem    func(*dynamodb.DeleteItemInput) (*dynamodb.DeleteItemOutput, error)
	query         func(*dynamodb.QueryInput) (*dynamodb.QueryOutput, error)
	scan          func(*dynamodb.ScanInput) (*dynamodb.ScanOutput, error)
	describeTable func(*dynamodb.DescribeTableInput) (*dynamodb.DescribeTableOutput, error)
}

func (m *mockAPI) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	if m.getItem != nil {
		return m.getItem(in)
	}
	return &dynamodb.GetItemOutput{}, nil
}

func (m *mockAPI) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	if m.putItem != nil {
		return m.putItem(in)
	}
	return &dynamodb.PutItemOutput{}, nil
}

func (m *mockAPI) UpdateItem(_ context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	if m.updateItem != nil {
		return m.updateItem(in)
	}
	return &dynamodb.UpdateItemOutput{}, nil
}

func (m *mockAPI) DeleteItem(_ context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	if m.deleteItem != nil {
		return m.deleteItem(in)
	}
	return &dynamodb.DeleteItemOutput{}, nil
}

func (m *mockAPI) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	if m.query != nil {
		return m.query(in)
	}
	return &dynamodb.QueryOutput{}, nil
}

func (m *mockAPI) Scan(_ context.Context, in *dynamodb.ScanInput, _ ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	if m.scan != nil {
		return m.scan(in)
	}
	return &dynamodb.ScanOutput{}, nil
}

func (m *mockAPI) DescribeTable(_ context.Context, in *dynamodb.DescribeTableInput, _ ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error) {
	if m.describeTable != nil {
		return m.describeTable(in)
	}
	return &dynamodb.DescribeTableOutput{}, nil
}

func newClient(t *testing.T, mock *mockAPI, opts ...dynamo.Option) *dynamo.Client {
	t.Helper()

	opts = append([]dynamo.Option{dynamo.WithAPI(mock)}, opts...)

	c := dynamo.New(nil, "ops", opts...)
	if err := c.Connect(); err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	return c
}

func TestGetMapsEmptyResponseToNotFound(t *testing.T) {
	t.Parallel()

	c := newClient(t, &mockAPI{})

	_, err := c.Get(context.Background(), store.Key{Hash: "A", Range: "B"}, nil)
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestGetDecodesTypedAttributes(t *testing.T) {
	t.Parallel()

	var captured *dynamodb.GetItemInput

	mock := &mockAPI{
		getItem: func(in *dynamodb.GetItemInput) (*dynamodb.GetItemOutput, error) {
			captured = in
			return &dynamodb.GetItemOutput{
				Item: map[string]dynamodbtypes.AttributeValue{
					"pk":       &dynamodbtypes.AttributeValueMemberS{Value: "A"},
					"sk":       &dynamodbtypes.AttributeValueMemberS{Value: "B"},
					"attempts": &dynamodbtypes.AttributeValueMemberN{Value: "3"},
					"method":   &dynamodbtypes.AttributeValueMemberS{Value: "photo.share"},
					"done":     &dynamodbtypes.AttributeValueMemberBOOL{Value: true},
					"blob":     &dynamodbtypes.AttributeValueMemberB{Value: []byte("payload")},
				},
			}, nil
		},
	}

	c := newClient(t, mock, dynamo.WithConsistentReads(true))

	item, err := c.Get(context.Background(), store.Key{Hash: "A", Range: "B"}, nil)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}

	if !aws.ToBool(captured.ConsistentRead) {
		t.Error("expected a consistent read")
	}

	if _, ok := item["pk"]; ok {
		t.Error("key attributes must not leak into the item")
	}

	if store.Int64Attr(item, "attempts") != 3 {
		t.Errorf("number did not decode to int64: %v (%T)", item["attempts"], item["attempts"])
	}

	if store.StringAttr(item, "method") != "photo.share" {
		t.Errorf("unexpected method %v", item["method"])
	}

	if !store.BoolAttr(item, "done") {
		t.Error("bool attribute lost")
	}

	if string(store.BytesAttr(item, "blob")) != "payload" {
		t.Errorf("binary attribute lost: %v", item["blob"])
	}
}

func TestPutBuildsConditionExpression(t *testing.T) {
	t.Parallel()

	var captured *dynamodb.PutItemInput

	mock := &mockAPI{
		putItem: func(in *dynamodb.PutItemInput) (*dynamodb.PutItemOutput, error) {
			captured = in
			return &dynamodb.PutItemOutput{}, nil
		},
	}

	c := newClient(t, mock)

	err := c.Put(context.Background(), store.Key{Hash: "LOCK#op:1", Range: "LOCK"},
		store.Item{"owner_id": "w1"},
		[]store.Expect{{Absent: true}})
	if err != nil {
		t.Fatalf("put failed: %v", err)
	}

	cond := aws.ToString(captured.ConditionExpression)
	if !strings.HasPrefix(cond, "attribute_not_exists(") {
		t.Errorf("unexpected condition expression %q", cond)
	}

	// An empty Expect name addresses the whole item via the partition key.
	found := false
	for _, attr := range captured.ExpressionAttributeNames {
		if attr == dynamo.PartitionKey {
			found = true
		}
	}
	if !found {
		t.Errorf("condition does not reference the partition key: %v", captured.ExpressionAttributeNames)
	}

	if hash := captured.Item["pk"]; hash.(*dynamodbtypes.AttributeValueMemberS).Value != "LOCK#op:1" {
		t.Errorf("unexpected partition key %v", hash)
	}
}

func TestPutMapsConditionalCheckFailure(t *testing.T) {
	t.Parallel()

	mock := &mockAPI{
		putItem: func(*dynamodb.PutItemInput) (*dynamodb.PutItemOutput, error) {
			return nil, &dynamodbtypes.ConditionalCheckFailedException{}
		},
	}

	c := newClient(t, mock)

	err := c.Put(context.Background(), store.Key{Hash: "A", Range: "B"}, nil,
		[]store.Expect{{Absent: true}})
	if !errors.Is(err, store.ErrConditionFailed) {
		t.Fatalf("expected ErrConditionFailed, got %v", err)
	}
}

func TestGetMapsThroughputExhaustion(t *testing.T) {
	t.Parallel()

	mock := &mockAPI{
		getItem: func(*dynamodb.GetItemInput) (*dynamodb.GetItemOutput, error) {
			return nil, &dynamodbtypes.ProvisionedThroughputExceededException{}
		},
	}

	c := newClient(t, mock)

	_, err := c.Get(context.Background(), store.Key{Hash: "A", Range: "B"}, nil)
	if !errors.Is(err, store.ErrProvisionExceeded) {
		t.Fatalf("expected ErrProvisionExceeded, got %v", err)
	}

	if !store.IsTransient(err) {
		t.Error("throughput exhaustion must be transient")
	}
}

func TestUpdateRequestsAndDecodesNewValues(t *testing.T) {
	t.Parallel()

	var captured *dynamodb.UpdateItemInput

	mock := &mockAPI{
		updateItem: func(in *dynamodb.UpdateItemInput) (*dynamodb.UpdateItemOutput, error) {
			captured = in
			return &dynamodb.UpdateItemOutput{
				Attributes: map[string]dynamodbtypes.AttributeValue{
					"pk":      &dynamodbtypes.AttributeValueMemberS{Value: "IDSEQ#media"},
					"sk":      &dynamodbtypes.AttributeValueMemberS{Value: "IDSEQ"},
					"next_id": &dynamodbtypes.AttributeValueMemberN{Value: "128"},
				},
			}, nil
		},
	}

	c := newClient(t, mock)

	item, err := c.Update(context.Background(), store.Key{Hash: "IDSEQ#media", Range: "IDSEQ"},
		[]store.Update{{Name: "next_id", Action: store.ActionAdd, Value: int64(64)}}, nil)
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}

	if captured.ReturnValues != dynamodbtypes.ReturnValueAllNew {
		t.Errorf("expected ALL_NEW return values, got %s", captured.ReturnValues)
	}

	if expr := aws.ToString(captured.UpdateExpression); !strings.HasPrefix(expr, "ADD ") {
		t.Errorf("expected an ADD expression, got %q", expr)
	}

	if store.Int64Attr(item, "next_id") != 128 {
		t.Errorf("post-update value lost: %v", item)
	}
}

func TestQueryBuildsKeyConditionAndPaginates(t *testing.T) {
	t.Parallel()

	var captured *dynamodb.QueryInput

	mock := &mockAPI{
		query: func(in *dynamodb.QueryInput) (*dynamodb.QueryOutput, error) {
			captured = in
			return &dynamodb.QueryOutput{
				Items: []map[string]dynamodbtypes.AttributeValue{
					{
						"pk":     &dynamodbtypes.AttributeValueMemberS{Value: "USER#ab#7"},
						"sk":     &dynamodbtypes.AttributeValueMemberS{Value: "OP#00000001-0001"},
						"method": &dynamodbtypes.AttributeValueMemberS{Value: "photo.share"},
					},
				},
				LastEvaluatedKey: map[string]dynamodbtypes.AttributeValue{
					"pk": &dynamodbtypes.AttributeValueMemberS{Value: "USER#ab#7"},
					"sk": &dynamodbtypes.AttributeValueMemberS{Value: "OP#00000001-0001"},
				},
			}, nil
		},
	}

	c := newClient(t, mock)

	rows, next, err := c.Query(context.Background(), store.Query{
		Hash:        "USER#ab#7",
		RangePrefix: "OP#",
		Limit:       1,
		Descending:  true,
	})
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}

	if expr := aws.ToString(captured.KeyConditionExpression); !strings.Contains(expr, "begins_with(") {
		t.Errorf("expected a begins_with key condition, got %q", expr)
	}

	if aws.ToBool(captured.ScanIndexForward) {
		t.Error("descending query must not scan forward")
	}

	if aws.ToInt32(captured.Limit) != 1 {
		t.Errorf("limit not forwarded: %v", captured.Limit)
	}

	if len(rows) != 1 || rows[0].Key.Range != "OP#00000001-0001" {
		t.Fatalf("unexpected rows: %+v", rows)
	}

	if next == nil || next.Hash != "USER#ab#7" || next.Range != "OP#00000001-0001" {
		t.Errorf("pagination key lost: %+v", next)
	}
}

func TestScanFiltersByHashPrefix(t *testing.T) {
	t.Parallel()

	var captured *dynamodb.ScanInput

	mock := &mockAPI{
		scan: func(in *dynamodb.ScanInput) (*dynamodb.ScanOutput, error) {
			captured = in
			return &dynamodb.ScanOutput{}, nil
		},
	}

	c := newClient(t, mock)

	if _, _, err := c.Scan(context.Background(), store.Scan{HashPrefix: "LOCK#op:"}); err != nil {
		t.Fatalf("scan failed: %v", err)
	}

	if expr := aws.ToString(captured.FilterExpression); !strings.HasPrefix(expr, "begins_with(") {
		t.Errorf("expected a begins_with filter, got %q", expr)
	}
}

func TestInitValidatesKeySchema(t *testing.T) {
	t.Parallel()

	goodSchema := &dynamodb.DescribeTableOutput{
		Table: &dynamodbtypes.TableDescription{
			TableStatus: dynamodbtypes.TableStatusActive,
			KeySchema: []dynamodbtypes.KeySchemaElement{
				{AttributeName: aws.String("pk"), KeyType: dynamodbtypes.KeyTypeHash},
				{AttributeName: aws.String("sk"), KeyType: dynamodbtypes.KeyTypeRange},
			},
		},
	}

	c := newClient(t, &mockAPI{
		describeTable: func(*dynamodb.DescribeTableInput) (*dynamodb.DescribeTableOutput, error) {
			return goodSchema, nil
		},
	})

	if err := c.Init(context.Background(), false); err != nil {
		t.Fatalf("init failed on a valid schema: %v", err)
	}

	c = newClient(t, &mockAPI{
		describeTable: func(*dynamodb.DescribeTableInput) (*dynamodb.DescribeTableOutput, error) {
			return &dynamodb.DescribeTableOutput{
				Table: &dynamodbtypes.TableDescription{
					TableStatus: dynamodbtypes.TableStatusActive,
					KeySchema: []dynamodbtypes.KeySchemaElement{
						{AttributeName: aws.String("id"), KeyType: dynamodbtypes.KeyTypeHash},
					},
				},
			}, nil
		},
	})

	if err := c.Init(context.Background(), false); err == nil {
		t.Error("expected an error for a simple primary key")
	}

	c = newClient(t, &mockAPI{
		describeTable: func(*dynamodb.DescribeTableInput) (*dynamodb.DescribeTableOutput, error) {
			return nil, &dynamodbtypes.ResourceNotFoundException{}
		},
	})

	if err := c.Init(context.Background(), false); err == nil {
		t.Error("expected an error for a missing table")
	}

	if err := c.Init(context.Background(), true); err != nil {
		t.Errorf("skipSchemaValidation must bypass the checks: %v", err)
	}
}

func TestMethodsRequireConnect(t *testing.T) {
	t.Parallel()

	c := dynamo.New(nil, "ops")

	if _, err := c.Get(context.Background(), store.Key{Hash: "A", Range: "B"}, nil); err == nil {
		t.Error("expected an error before Connect")
	}
}
