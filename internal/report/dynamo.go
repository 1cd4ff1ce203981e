package report

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"

	"github.com/josuesantos-jjr/archer-online-sub001/internal/disparo"
)

const dispatchTTL = 90 * 24 * time.Hour

// DynamoPutAPI is the part of the DynamoDB client the log uses.
type DynamoPutAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
}

// DispatchItem is one send attempt as stored in DynamoDB.
type DispatchItem struct {
	PK        string `dynamodbav:"PK"`
	SK        string `dynamodbav:"SK"`
	List      string `dynamodbav:"List"`
	Phone     string `dynamodbav:"Phone"`
	Success   bool   `dynamodbav:"Success"`
	Status    string `dynamodbav:"Status"`
	Error     string `dynamodbav:"Error,omitempty"`
	WarmupDay int    `dynamodbav:"WarmupDay"`
	Count     int    `dynamodbav:"Count"`
	Quota     int    `dynamodbav:"Quota"`
	Timestamp string `dynamodbav:"Timestamp"`
	TTL       int64  `dynamodbav:"TTL,omitempty"`
}

// DynamoLog mirrors the dispatch log into a DynamoDB table.
type DynamoLog struct {
	client DynamoPutAPI
	table  string
}

// NewDynamoLog writes into table.
func NewDynamoLog(client DynamoPutAPI, table string) *DynamoLog {
	return &DynamoLog{client: client, table: table}
}

// Item converts an entry to its table row.
func Item(e disparo.ReportEntry) DispatchItem {
	ts := e.Timestamp.UTC().Format(time.RFC3339)
	return DispatchItem{
		PK:        "DISPATCH#" + e.Tenant,
		SK:        ts + "#" + e.Phone,
		List:      e.List,
		Phone:     e.Phone,
		Success:   e.Success,
		Status:    string(e.Status),
		Error:     e.Error,
		WarmupDay: e.WarmupDay,
		Count:     e.Count,
		Quota:     e.Quota,
		Timestamp: ts,
		TTL:       e.Timestamp.Add(dispatchTTL).Unix(),
	}
}

// Record implements disparo.DispatchLog.
func (d *DynamoLog) Record(ctx context.Context, e disparo.ReportEntry) error {
	av, err := attributevalue.MarshalMap(Item(e))
	if err != nil {
		return fmt.Errorf("marshaling dispatch item: %w", err)
	}
	_, err = d.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(d.table),
		Item:      av,
	})
	if err != nil {
		return fmt.Errorf("putting dispatch item to DynamoDB: %w", err)
	}
	return nil
}
