package gcalnotify

import (
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/Songmu/flextime"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
	"github.com/gofrs/flock"
	"github.com/shogo82148/go-retry"
)

type StorageOption struct {
	Type       string `help:"storage type" default:"dynamodb" enum:"dynamodb,file" env:"GCALNOTIFY_STORAGE_TYPE"`
	TableName  string `help:"dynamodb table name" default:"gcalnotify" env:"GCALNOTIFY_DDB_TABLE_NAME"`
	AutoCreate bool   `help:"auto create dynamodb table" default:"false" env:"GCALNOTIFY_DDB_AUTO_CREATE" negatable:""`
	DataFile   string `help:"file storage data file" default:"gcalnotify.dat" env:"GCALNOTIFY_FILE_STORAGE_DATA_FILE"`
	LockFile   string `help:"file storage lock file" default:"gcalnotify.lock" env:"GCALNOTIFY_FILE_STORAGE_LOCK_FILE"`
}

// ChannelItem is one registered push-notification channel and its sync
// state. SyncToken records how far incremental sync has progressed and is
// only advanced after a successfully completed pull.
type ChannelItem struct {
	ChannelID  string
	CalendarID string
	ResourceID string
	Token      string
	SyncToken  string
	Expiration time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// RenewalDueAt returns the instant by which the channel must be renewed.
// It reports false when the remote never assigned an expiration.
func (item *ChannelItem) RenewalDueAt() (time.Time, bool) {
	if item.Expiration.IsZero() {
		return time.Time{}, false
	}
	return item.Expiration, true
}

func (item *ChannelItem) IsAboutToExpired(ctx context.Context, remaining time.Duration) bool {
	due, ok := item.RenewalDueAt()
	if !ok {
		return false
	}
	now := flextime.Now()
	d := due.Sub(now)
	slog.DebugContext(ctx, "IsAboutToExpired",
		"remaining", remaining,
		"expiration", due.Format(time.RFC3339),
		"now", now.Format(time.RFC3339),
		"channel_id", item.ChannelID,
		"resource_id", item.ResourceID,
		"calendar_id", item.CalendarID,
	)
	return d <= remaining
}

func GetAttributeValueAs[T types.AttributeValue](key string, values map[string]types.AttributeValue) (T, bool) {
	var empty T
	value, ok := values[key]
	if !ok {
		return empty, false
	}
	if v, ok := value.(T); ok {
		return v, true
	}
	return empty, false
}

func NewChannelItemWithDynamoDBAttributeValues(values map[string]types.AttributeValue) *ChannelItem {
	item := &ChannelItem{}
	if v, ok := GetAttributeValueAs[*types.AttributeValueMemberS]("ChannelID", values); ok {
		item.ChannelID = v.Value
	}
	if v, ok := GetAttributeValueAs[*types.AttributeValueMemberS]("CalendarID", values); ok {
		item.CalendarID = v.Value
	}
	if v, ok := GetAttributeValueAs[*types.AttributeValueMemberS]("ResourceID", values); ok {
		item.ResourceID = v.Value
	}
	if v, ok := GetAttributeValueAs[*types.AttributeValueMemberS]("Token", values); ok {
		item.Token = v.Value
	}
	if v, ok := GetAttributeValueAs[*types.AttributeValueMemberS]("SyncToken", values); ok {
		item.SyncToken = v.Value
	}
	if v, ok := GetAttributeValueAs[*types.AttributeValueMemberN]("Expiration", values); ok {
		if millis, err := strconv.ParseInt(v.Value, 10, 64); err == nil && millis > 0 {
			item.Expiration = time.UnixMilli(millis)
		}
	}
	if v, ok := GetAttributeValueAs[*types.AttributeValueMemberN]("CreatedAt", values); ok {
		if millis, err := strconv.ParseInt(v.Value, 10, 64); err == nil {
			item.CreatedAt = time.UnixMilli(millis)
		}
	}
	if v, ok := GetAttributeValueAs[*types.AttributeValueMemberN]("UpdatedAt", values); ok {
		if millis, err := strconv.ParseInt(v.Value, 10, 64); err == nil {
			item.UpdatedAt = time.UnixMilli(millis)
		}
	}
	return item
}

func (item *ChannelItem) ToDynamoDBAttributeValues() map[string]types.AttributeValue {
	var expiration int64
	if !item.Expiration.IsZero() {
		expiration = item.Expiration.UnixMilli()
	}
	return map[string]types.AttributeValue{
		"ChannelID": &types.AttributeValueMemberS{
			Value: item.ChannelID,
		},
		"CalendarID": &types.AttributeValueMemberS{
			Value: item.CalendarID,
		},
		"ResourceID": &types.AttributeValueMemberS{
			Value: item.ResourceID,
		},
		"Token": &types.AttributeValueMemberS{
			Value: item.Token,
		},
		"SyncToken": &types.AttributeValueMemberS{
			Value: item.SyncToken,
		},
		"Expiration": &types.AttributeValueMemberN{
			Value: strconv.FormatInt(expiration, 10),
		},
		"CreatedAt": &types.AttributeValueMemberN{
			Value: strconv.FormatInt(item.CreatedAt.UnixMilli(), 10),
		},
		"UpdatedAt": &types.AttributeValueMemberN{
			Value: strconv.FormatInt(item.UpdatedAt.UnixMilli(), 10),
		},
	}
}

type Storage interface {
	FindAllChannels(context.Context) (<-chan []*ChannelItem, error)
	FindOneByChannelID(context.Context, string) (*ChannelItem, error)
	UpdateSyncToken(context.Context, *ChannelItem) error
	SaveChannel(context.Context, *ChannelItem) error
	DeleteChannel(context.Context, *ChannelItem) error
}

type ChannelNotFound struct {
	ChannelID string
}

func (err *ChannelNotFound) Error() string {
	return fmt.Sprintf("channel_id:%s not found", err.ChannelID)
}

type ChannelAlreadyExists struct {
	ChannelID string
}

func (err *ChannelAlreadyExists) Error() string {
	return fmt.Sprintf("channel_id:%s already exists", err.ChannelID)
}

func NewStorage(ctx context.Context, cfg StorageOption) (Storage, error) {
	switch cfg.Type {
	case "dynamodb":
		return NewDynamoDBStorage(ctx, cfg)
	case "file":
		return NewFileStorage(ctx, cfg)
	}
	return nil, errors.New("unknown storage type")
}

type DynamoDBStorage struct {
	client    *dynamodb.Client
	tableName string
}

func NewDynamoDBStorage(ctx context.Context, cfg StorageOption) (*DynamoDBStorage, error) {
	awsCfg, err := loadAWSConfig()
	if err != nil {
		return nil, err
	}
	s := &DynamoDBStorage{
		client:    dynamodb.NewFromConfig(awsCfg),
		tableName: cfg.TableName,
	}
	slog.InfoContext(ctx, "check describe dynamodb table", "table_name", s.tableName)
	exists, err := s.tableExists(ctx)
	if err != nil {
		return nil, err
	}
	if !exists && cfg.AutoCreate {
		if err := s.createTable(ctx); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *DynamoDBStorage) tableExists(ctx context.Context) (bool, error) {
	table, err := s.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(s.tableName),
	})
	if err != nil {
		var ae smithy.APIError
		if errors.As(err, &ae) {
			if ae.ErrorCode() == "ResourceNotFoundException" {
				return false, nil
			}
		}
		slog.DebugContext(ctx, "DescribeTable failed", "table_name", s.tableName, "error", err)
		return false, err
	}
	slog.DebugContext(ctx, "table exists", "table_name", s.tableName, "status", table.Table.TableStatus)
	if table.Table.TableStatus == types.TableStatusActive || table.Table.TableStatus == types.TableStatusUpdating {
		return true, nil
	}
	return false, nil
}

func (s *DynamoDBStorage) waitTableActive(ctx context.Context) error {
	policy := retry.Policy{
		MinDelay: 200 * time.Millisecond,
		MaxDelay: 2 * time.Second,
		MaxCount: 20,
		Jitter:   100 * time.Millisecond,
	}

	retrier := policy.Start(ctx)
	var err error
	var exists bool
	slog.DebugContext(ctx, "start wait dynamodb table active", "table_name", s.tableName)
	for retrier.Continue() {
		exists, err = s.tableExists(ctx)
		if err == nil && exists {
			return nil
		}
	}
	slog.DebugContext(ctx, "timeout wait dynamodb table active", "table_name", s.tableName)
	if err == nil {
		return fmt.Errorf("table not active")
	}
	return fmt.Errorf("table not active: %w", err)
}

func (s *DynamoDBStorage) createTable(ctx context.Context) error {
	slog.DebugContext(ctx, "create dynamodb table", "table_name", s.tableName)
	output, err := s.client.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName: aws.String(s.tableName),
		AttributeDefinitions: []types.AttributeDefinition{
			{
				AttributeName: aws.String("ChannelID"),
				AttributeType: types.ScalarAttributeTypeS,
			},
		},
		KeySchema: []types.KeySchemaElement{
			{
				AttributeName: aws.String("ChannelID"),
				KeyType:       types.KeyTypeHash,
			},
		},
		BillingMode: types.BillingModePayPerRequest,
	})
	if err != nil {
		var ae smithy.APIError
		if errors.As(err, &ae) {
			if ae.ErrorCode() == "ResourceInUseException" {
				return s.waitTableActive(ctx)
			}
		}
		slog.DebugContext(ctx, "CreateTable failed", "table_name", s.tableName, "error", err)
		return err
	}
	slog.InfoContext(ctx, "create dynamodb table", "table_arn", *output.TableDescription.TableArn)
	return s.waitTableActive(ctx)
}

func (s *DynamoDBStorage) FindAllChannels(ctx context.Context) (<-chan []*ChannelItem, error) {
	slog.DebugContext(ctx, "scan dynamodb table", "table_name", s.tableName)
	output, err := s.client.Scan(ctx, &dynamodb.ScanInput{
		TableName:      aws.String(s.tableName),
		Select:         types.SelectAllAttributes,
		ConsistentRead: aws.Bool(false),
	})
	if err != nil {
		slog.DebugContext(ctx, "scan dynamodb table failed", "table_name", s.tableName, "error", err)
		return nil, err
	}
	ch := make(chan []*ChannelItem, 10)
	ch <- Map(output.Items, NewChannelItemWithDynamoDBAttributeValues)
	if output.LastEvaluatedKey == nil {
		close(ch)
		return ch, nil
	}
	go func() {
		defer close(ch)
		for output.LastEvaluatedKey != nil {
			output, err = s.client.Scan(ctx, &dynamodb.ScanInput{
				TableName:         aws.String(s.tableName),
				Select:            types.SelectAllAttributes,
				ConsistentRead:    aws.Bool(false),
				ExclusiveStartKey: output.LastEvaluatedKey,
			})
			if err != nil {
				slog.ErrorContext(ctx, "background scan dynamodb table failed", "table_name", s.tableName, "error", err)
				return
			}
			ch <- Map(output.Items, NewChannelItemWithDynamoDBAttributeValues)
		}
	}()
	return ch, nil
}

func (s *DynamoDBStorage) SaveChannel(ctx context.Context, item *ChannelItem) error {
	slog.DebugContext(ctx, "put item to dynamodb table", "channel_id", item.ChannelID, "table_name", s.tableName)
	_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.tableName),
		Item:                item.ToDynamoDBAttributeValues(),
		ConditionExpression: aws.String("attribute_not_exists(ChannelID)"),
	})
	if err != nil {
		var ae smithy.APIError
		slog.WarnContext(ctx, "failed put item to dynamodb table", "channel_id", item.ChannelID, "resource_id", item.ResourceID, "table_name", s.tableName, "error", err)
		if errors.As(err, &ae) {
			if ae.ErrorCode() == "ConditionalCheckFailedException" {
				return &ChannelAlreadyExists{ChannelID: item.ChannelID}
			}
		}
		return err
	}
	slog.InfoContext(ctx, "put item to dynamodb table", "channel_id", item.ChannelID, "table_name", s.tableName)
	return nil
}

func (s *DynamoDBStorage) UpdateSyncToken(ctx context.Context, target *ChannelItem) error {
	values := target.ToDynamoDBAttributeValues()
	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"ChannelID": &types.AttributeValueMemberS{
				Value: target.ChannelID,
			},
		},
		UpdateExpression:    aws.String("SET #SyncToken=:SyncToken,#UpdatedAt=:UpdatedAt"),
		ConditionExpression: aws.String("attribute_exists(ChannelID)"),
		ExpressionAttributeNames: map[string]string{
			"#SyncToken": "SyncToken",
			"#UpdatedAt": "UpdatedAt",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":SyncToken": values["SyncToken"],
			":UpdatedAt": values["UpdatedAt"],
		},
	})
	if err != nil {
		slog.WarnContext(ctx, "failed update item", "channel_id", target.ChannelID, "table_name", s.tableName, "error", err)
		return err
	}
	slog.InfoContext(ctx, "update item", "channel_id", target.ChannelID, "table_name", s.tableName)
	return nil
}

func (s *DynamoDBStorage) DeleteChannel(ctx context.Context, target *ChannelItem) error {
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"ChannelID": &types.AttributeValueMemberS{
				Value: target.ChannelID,
			},
		},
	})
	if err != nil {
		slog.WarnContext(ctx, "failed delete item from dynamodb table", "channel_id", target.ChannelID, "resource_id", target.ResourceID, "table_name", s.tableName, "error", err)
		return err
	}
	slog.InfoContext(ctx, "delete item from dynamodb table", "channel_id", target.ChannelID, "resource_id", target.ResourceID, "table_name", s.tableName)
	return nil
}

func (s *DynamoDBStorage) FindOneByChannelID(ctx context.Context, channelID string) (*ChannelItem, error) {
	output, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"ChannelID": &types.AttributeValueMemberS{
				Value: channelID,
			},
		},
	})
	if err != nil {
		slog.WarnContext(ctx, "failed get item from dynamodb table", "channel_id", channelID, "table_name", s.tableName, "error", err)
		return nil, err
	}
	if len(output.Item) == 0 {
		return nil, &ChannelNotFound{ChannelID: channelID}
	}
	return NewChannelItemWithDynamoDBAttributeValues(output.Item), nil
}

type FileStorage struct {
	Items []*ChannelItem

	LockFile string
	FilePath string
}

func NewFileStorage(_ context.Context, cfg StorageOption) (*FileStorage, error) {
	s := &FileStorage{
		FilePath: cfg.DataFile,
		LockFile: cfg.LockFile,
	}
	return s, nil
}

func (s *FileStorage) FindAllChannels(ctx context.Context) (<-chan []*ChannelItem, error) {
	ch := make(chan []*ChannelItem, 1)
	go func() {
		if err := s.transactional(ctx, func(context.Context) error {
			ch <- s.Items
			return nil
		}); err != nil {
			slog.ErrorContext(ctx, "failed background channels read", "error", err)
		}
		close(ch)
	}()
	return ch, nil
}

func (s *FileStorage) SaveChannel(ctx context.Context, item *ChannelItem) error {
	return s.transactional(ctx, func(context.Context) error {
		for i, c := range s.Items {
			if c.ChannelID == item.ChannelID {
				s.Items[i] = item
				return nil
			}
		}
		s.Items = append(s.Items, item)
		return nil
	})
}

func (s *FileStorage) UpdateSyncToken(ctx context.Context, target *ChannelItem) error {
	return s.transactional(ctx, func(context.Context) error {
		for i, c := range s.Items {
			if c.ChannelID == target.ChannelID {
				slog.DebugContext(ctx, "update SyncToken",
					"channel_id", c.ChannelID,
					"old_sync_token", c.SyncToken,
					"new_sync_token", target.SyncToken,
				)
				s.Items[i].SyncToken = target.SyncToken
				s.Items[i].UpdatedAt = target.UpdatedAt
				return nil
			}
		}
		return &ChannelNotFound{ChannelID: target.ChannelID}
	})
}

func (s *FileStorage) DeleteChannel(ctx context.Context, target *ChannelItem) error {
	return s.transactional(ctx, func(context.Context) error {
		for i, item := range s.Items {
			if target.ChannelID == item.ChannelID {
				s.Items = append(s.Items[:i], s.Items[i+1:]...)
				return nil
			}
		}
		return nil
	})
}

func (s *FileStorage) FindOneByChannelID(ctx context.Context, channelID string) (*ChannelItem, error) {
	var ret *ChannelItem
	if err := s.transactional(ctx, func(context.Context) error {
		for _, item := range s.Items {
			if item.ChannelID == channelID {
				ret = item
				return nil
			}
		}
		return &ChannelNotFound{ChannelID: channelID}
	}); err != nil {
		return nil, err
	}
	return ret, nil
}

func (s *FileStorage) transactional(ctx context.Context, fn func(context.Context) error) error {
	fileLock := flock.New(s.LockFile)
	policy := retry.Policy{
		MinDelay: 100 * time.Millisecond,
		MaxDelay: 1 * time.Second,
		MaxCount: 10,
		Jitter:   35 * time.Millisecond,
	}

	retrier := policy.Start(ctx)
	var err error
	var locked bool
	for retrier.Continue() {
		locked, err = fileLock.TryLock()
		if err != nil {
			slog.DebugContext(ctx, "get file storage lock failed", "error", err)
			continue
		}
		if locked {
			break
		}
	}
	if !locked {
		return fmt.Errorf("cannot get lock: %w", err)
	}
	defer func() {
		if err := fileLock.Unlock(); err != nil {
			slog.DebugContext(ctx, "file storage unlock failed", "error", err)
		}
	}()
	if err := s.restore(ctx); err != nil {
		return err
	}
	if err := fn(ctx); err != nil {
		return err
	}
	return s.store(ctx)
}

func (s *FileStorage) restore(ctx context.Context) error {
	fp, err := os.Open(s.FilePath)
	if err != nil {
		return nil
	}
	defer fp.Close()
	decoder := gob.NewDecoder(fp)
	if err := decoder.Decode(s); err != nil && err != io.EOF {
		slog.ErrorContext(ctx, "failed restore file storage", "error", err)
		return err
	}
	return nil
}

func (s *FileStorage) store(ctx context.Context) error {
	fp, err := os.Create(s.FilePath)
	if err != nil {
		slog.ErrorContext(ctx, "failed store to file storage: create file", "error", err)
		return err
	}
	defer fp.Close()
	encoder := gob.NewEncoder(fp)
	if err := encoder.Encode(s); err != nil {
		slog.ErrorContext(ctx, "failed store to file storage: encode gob", "error", err)
		return err
	}
	return nil
}
