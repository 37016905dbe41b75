package adapter

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/aelexs/captionsync/internal/coordinator/app"
	"github.com/aelexs/captionsync/internal/domain"
	"github.com/aelexs/captionsync/internal/dynamo"
)

// Compile-time check: DocumentStore satisfies app.DocumentStore.
var _ app.DocumentStore = (*DocumentStore)(nil)

// documentsDynamoDB is a narrow, consumer-defined interface for the DynamoDB
// operations the document store needs. The *dynamodb.Client satisfies it.
type documentsDynamoDB interface {
	PutItem(ctx context.Context, params *dynamo.PutItemInput, optFns ...func(*dynamo.Options)) (*dynamo.PutItemOutput, error)
	Query(ctx context.Context, params *dynamo.QueryInput, optFns ...func(*dynamo.Options)) (*dynamo.QueryOutput, error)
	DeleteItem(ctx context.Context, params *dynamo.DeleteItemInput, optFns ...func(*dynamo.Options)) (*dynamo.DeleteItemOutput, error)
}

// documentItem is the DynamoDB item shape. The table is keyed by
// (user_id, doc_path) where doc_path is "<collection>#<id>", so one Query
// with begins_with lists a collection.
type documentItem struct {
	UserID     string `dynamodbav:"user_id"`
	DocPath    string `dynamodbav:"doc_path"`
	Collection string `dynamodbav:"collection"`
	DocID      string `dynamodbav:"doc_id"`
	Data       string `dynamodbav:"data"`
	UpdatedAt  string `dynamodbav:"updated_at"`
}

func docPath(collection, id string) string {
	return collection + "#" + id
}

// DocumentStore persists user-scoped documents in DynamoDB.
type DocumentStore struct {
	db        documentsDynamoDB
	tableName string
	clock     domain.Clock
}

// NewDocumentStore creates a DocumentStore backed by the given DynamoDB client.
func NewDocumentStore(db documentsDynamoDB, tableName string, clock domain.Clock) *DocumentStore {
	return &DocumentStore{db: db, tableName: tableName, clock: clock}
}

// List returns every document in collection for user, following pagination.
func (s *DocumentStore) List(ctx context.Context, user domain.UserID, collection string) ([]app.Document, error) {
	ctx, span := startDynamoSpan(ctx, "dynamo.documents.list", "Query")
	defer span.End()

	keyCond := dynamo.KeyEqual(dynamo.Key("user_id"), dynamo.Value(user.String())).
		And(dynamo.KeyBeginsWith(dynamo.Key("doc_path"), collection+"#"))
	expr, err := dynamo.NewExpression().WithKeyCondition(keyCond).Build()
	if err != nil {
		failSpan(span, err)
		return nil, fmt.Errorf("document store: build list expression: %w", err)
	}

	var (
		docs    []app.Document
		startAt dynamo.Item
	)
	for {
		out, err := s.db.Query(ctx, &dynamo.QueryInput{
			TableName:                 &s.tableName,
			KeyConditionExpression:    expr.KeyCondition(),
			ExpressionAttributeNames:  expr.Names(),
			ExpressionAttributeValues: expr.Values(),
			ExclusiveStartKey:         startAt,
		})
		if err != nil {
			failSpan(span, err)
			return nil, fmt.Errorf("document store: list %s: %w", collection, classifyDynamo(err))
		}

		var items []documentItem
		if err := dynamo.UnmarshalListOfMaps(out.Items, &items); err != nil {
			failSpan(span, err)
			return nil, fmt.Errorf("document store: unmarshal %s: %w", collection, err)
		}
		for _, it := range items {
			docs = append(docs, app.Document{ID: it.DocID, Data: []byte(it.Data)})
		}

		if len(out.LastEvaluatedKey) == 0 {
			break
		}
		startAt = out.LastEvaluatedKey
	}

	span.SetAttributes(attribute.Int("db.items", len(docs)))
	return docs, nil
}

// Put creates or replaces a document.
func (s *DocumentStore) Put(ctx context.Context, user domain.UserID, collection string, doc app.Document) error {
	ctx, span := startDynamoSpan(ctx, "dynamo.documents.put", "PutItem")
	defer span.End()

	av, err := dynamo.MarshalMap(documentItem{
		UserID:     user.String(),
		DocPath:    docPath(collection, doc.ID),
		Collection: collection,
		DocID:      doc.ID,
		Data:       string(doc.Data),
		UpdatedAt:  s.clock.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		failSpan(span, err)
		return fmt.Errorf("document store: marshal document: %w", err)
	}

	_, err = s.db.PutItem(ctx, &dynamo.PutItemInput{
		TableName: &s.tableName,
		Item:      av,
	})
	if err != nil {
		failSpan(span, err)
		return fmt.Errorf("document store: put %s/%s: %w", collection, doc.ID, classifyDynamo(err))
	}
	return nil
}

// Delete removes a document. Returns domain.ErrNotFound when it does not exist.
func (s *DocumentStore) Delete(ctx context.Context, user domain.UserID, collection, id string) error {
	ctx, span := startDynamoSpan(ctx, "dynamo.documents.delete", "DeleteItem")
	defer span.End()

	expr, err := dynamo.NewExpression().WithCondition(dynamo.AttributeExists(dynamo.Name("doc_path"))).Build()
	if err != nil {
		failSpan(span, err)
		return fmt.Errorf("document store: build delete condition: %w", err)
	}

	_, err = s.db.DeleteItem(ctx, &dynamo.DeleteItemInput{
		TableName: &s.tableName,
		Key: dynamo.Item{
			"user_id":  &dynamo.AttributeValueMemberS{Value: user.String()},
			"doc_path": &dynamo.AttributeValueMemberS{Value: docPath(collection, id)},
		},
		ConditionExpression:      expr.Condition(),
		ExpressionAttributeNames: expr.Names(),
	})
	if err != nil {
		if dynamo.IsConditionalCheckFailed(err) {
			return fmt.Errorf("document store: delete %s/%s: %w", collection, id, domain.ErrNotFound)
		}
		failSpan(span, err)
		return fmt.Errorf("document store: delete %s/%s: %w", collection, id, classifyDynamo(err))
	}
	return nil
}

func startDynamoSpan(ctx context.Context, name, op string) (context.Context, trace.Span) {
	ctx, span := tracer.Start(ctx, name)
	span.SetAttributes(
		attribute.String("db.system", "dynamodb"),
		attribute.String("db.operation", op),
	)
	return ctx, span
}

// classifyDynamo maps throttling onto ErrUnavailable so it counts against
// connection health like any other transient failure.
func classifyDynamo(err error) error {
	if dynamo.IsThrottled(err) {
		return fmt.Errorf("%w: %w", domain.ErrUnavailable, err)
	}
	return err
}
