// Package catalog records uploaded movies in a DynamoDB table.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/bitrise-io/go-blobrelay/transfer"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/google/uuid"
)

// ErrRecordNotFound ...
var ErrRecordNotFound = errors.New("catalog record not found")

// Record is one uploaded movie.
type Record struct {
	ID          string          `dynamodbav:"id" json:"id"`
	Title       string          `dynamodbav:"title" json:"title"`
	Path        string          `dynamodbav:"path" json:"path"`
	Handle      transfer.Handle `dynamodbav:"handle" json:"handle"`
	Size        int64           `dynamodbav:"size" json:"size"`
	ContentType string          `dynamodbav:"content_type,omitempty" json:"content_type,omitempty"`
	Added       time.Time       `dynamodbav:"added" json:"added"`
}

// Query selects records. Zero fields match everything.
type Query struct {
	ID          string
	TitlePrefix string
	Limit       int
}

// API is the subset of the DynamoDB client the catalog uses.
type API interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

// DynamoStore ...
type DynamoStore struct {
	client    API
	tableName string
	logger    log.Logger
	now       func() time.Time
}

// NewDynamoStore ...
func NewDynamoStore(client API, tableName string, logger log.Logger) *DynamoStore {
	return &DynamoStore{
		client:    client,
		tableName: tableName,
		logger:    logger,
		now:       time.Now,
	}
}

// Insert stores r, assigning an id and an added timestamp when missing. The stored record is returned.
func (s *DynamoStore) Insert(ctx context.Context, r Record) (Record, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.Added.IsZero() {
		r.Added = s.now().UTC()
	}

	item, err := attributevalue.MarshalMap(r)
	if err != nil {
		return Record{}, fmt.Errorf("marshal record: %w", err)
	}

	if _, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(id)"),
	}); err != nil {
		return Record{}, fmt.Errorf("insert record %s: %w", r.ID, err)
	}

	s.logger.Debugf("Catalog record %s added for %s", r.ID, r.Path)
	return r, nil
}

// Select returns the records matching q.
func (s *DynamoStore) Select(ctx context.Context, q Query) ([]Record, error) {
	if q.ID != "" {
		r, err := s.get(ctx, q.ID)
		if err != nil {
			return nil, err
		}
		return []Record{r}, nil
	}

	input := &dynamodb.ScanInput{TableName: aws.String(s.tableName)}
	if q.TitlePrefix != "" {
		input.FilterExpression = aws.String("begins_with(#title, :prefix)")
		input.ExpressionAttributeNames = map[string]string{"#title": "title"}
		input.ExpressionAttributeValues = map[string]types.AttributeValue{
			":prefix": &types.AttributeValueMemberS{Value: q.TitlePrefix},
		}
	}

	var records []Record
	paginator := dynamodb.NewScanPaginator(s.client, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", s.tableName, err)
		}

		var batch []Record
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &batch); err != nil {
			return nil, fmt.Errorf("unmarshal records: %w", err)
		}
		records = append(records, batch...)

		if q.Limit > 0 && len(records) >= q.Limit {
			return records[:q.Limit], nil
		}
	}
	return records, nil
}

func (s *DynamoStore) get(ctx context.Context, id string) (Record, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key:       recordKey(id),
	})
	if err != nil {
		return Record{}, fmt.Errorf("get record %s: %w", id, err)
	}
	if out.Item == nil {
		return Record{}, fmt.Errorf("%w: %s", ErrRecordNotFound, id)
	}

	var r Record
	if err := attributevalue.UnmarshalMap(out.Item, &r); err != nil {
		return Record{}, fmt.Errorf("unmarshal record %s: %w", id, err)
	}
	return r, nil
}

// Delete removes the record with id.
func (s *DynamoStore) Delete(ctx context.Context, id string) error {
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:           aws.String(s.tableName),
		Key:                 recordKey(id),
		ConditionExpression: aws.String("attribute_exists(id)"),
	})
	if err != nil {
		var cfe *types.ConditionalCheckFailedException
		if errors.As(err, &cfe) {
			return fmt.Errorf("%w: %s", ErrRecordNotFound, id)
		}
		return fmt.Errorf("delete record %s: %w", id, err)
	}
	return nil
}

func recordKey(id string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"id": &types.AttributeValueMemberS{Value: id},
	}
}

// TitleFromPath derives a catalog title from an uploaded file's name.
func TitleFromPath(p string) string {
	name := p[strings.LastIndex(p, "/")+1:]
	if i := strings.LastIndex(name, "."); i > 0 {
		name = name[:i]
	}
	return strings.TrimSpace(strings.NewReplacer("_", " ", ".", " ").Replace(name))
}
