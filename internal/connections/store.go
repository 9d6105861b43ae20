package connections

import (
	"context"
	"fmt"
	"time"

	"backend/internal/apperror"
	"backend/internal/security"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// Connection is the one-per-owner Square credential set. Tokens are plaintext
// in memory only; the store encrypts them before they touch DynamoDB.
type Connection struct {
	OwnerID      string
	MerchantID   string
	MerchantName string
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	LocationID   string
	LocationName string
	LastSyncAt   time.Time
	ConnectedAt  time.Time
}

// record mirrors the DynamoDB item.
type record struct {
	PK              string `dynamodbav:"PK"`
	SK              string `dynamodbav:"SK"`
	MerchantID      string `dynamodbav:"MerchantId"`
	MerchantName    string `dynamodbav:"MerchantName"`
	AccessTokenEnc  string `dynamodbav:"AccessTokenEnc"`
	RefreshTokenEnc string `dynamodbav:"RefreshTokenEnc"`
	ExpiresAt       string `dynamodbav:"ExpiresAt"`
	LocationID      string `dynamodbav:"LocationId,omitempty"`
	LocationName    string `dynamodbav:"LocationName,omitempty"`
	LastSyncAt      string `dynamodbav:"LastSyncAt,omitempty"`
	ConnectedAt     string `dynamodbav:"ConnectedAt"`
}

// DDB is the slice of the DynamoDB client the store needs; tests supply
// fakes.
type DDB interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
}

type Store struct {
	ddb    DDB
	table  string
	cipher *security.TokenCipher
}

func NewStore(ddb DDB, table string, cipher *security.TokenCipher) *Store {
	return &Store{ddb: ddb, table: table, cipher: cipher}
}

func pk(ownerID string) string { return fmt.Sprintf("OWNER#%s", ownerID) }

const skConn = "SQUARE#CONN"

func connKey(ownerID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: pk(ownerID)},
		"SK": &types.AttributeValueMemberS{Value: skConn},
	}
}

// Get loads and decrypts the owner's connection. Returns (nil, nil) when no
// connection exists.
func (s *Store) Get(ctx context.Context, ownerID string) (*Connection, error) {
	out, err := s.ddb.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.table),
		Key:       connKey(ownerID),
	})
	if err != nil {
		return nil, apperror.Wrap(apperror.CodePersistence, "load connection", err)
	}
	if out.Item == nil {
		return nil, nil
	}

	var rec record
	if err := attributevalue.UnmarshalMap(out.Item, &rec); err != nil {
		return nil, apperror.Wrap(apperror.CodePersistence, "decode connection", err)
	}

	access, err := s.cipher.Decrypt(rec.AccessTokenEnc)
	if err != nil {
		return nil, apperror.Wrap(apperror.CodePersistence, "decrypt access token", err)
	}
	refresh, err := s.cipher.Decrypt(rec.RefreshTokenEnc)
	if err != nil {
		return nil, apperror.Wrap(apperror.CodePersistence, "decrypt refresh token", err)
	}

	conn := &Connection{
		OwnerID:      ownerID,
		MerchantID:   rec.MerchantID,
		MerchantName: rec.MerchantName,
		AccessToken:  access,
		RefreshToken: refresh,
		LocationID:   rec.LocationID,
		LocationName: rec.LocationName,
	}
	conn.ExpiresAt, _ = time.Parse(time.RFC3339, rec.ExpiresAt)
	if rec.LastSyncAt != "" {
		conn.LastSyncAt, _ = time.Parse(time.RFC3339, rec.LastSyncAt)
	}
	if rec.ConnectedAt != "" {
		conn.ConnectedAt, _ = time.Parse(time.RFC3339, rec.ConnectedAt)
	}
	return conn, nil
}

// Put upserts the connection, overwriting any previous one for the owner.
func (s *Store) Put(ctx context.Context, conn *Connection) error {
	accessEnc, err := s.cipher.Encrypt(conn.AccessToken)
	if err != nil {
		return apperror.Wrap(apperror.CodePersistence, "encrypt access token", err)
	}
	refreshEnc, err := s.cipher.Encrypt(conn.RefreshToken)
	if err != nil {
		return apperror.Wrap(apperror.CodePersistence, "encrypt refresh token", err)
	}

	rec := record{
		PK:              pk(conn.OwnerID),
		SK:              skConn,
		MerchantID:      conn.MerchantID,
		MerchantName:    conn.MerchantName,
		AccessTokenEnc:  accessEnc,
		RefreshTokenEnc: refreshEnc,
		ExpiresAt:       conn.ExpiresAt.UTC().Format(time.RFC3339),
		LocationID:      conn.LocationID,
		LocationName:    conn.LocationName,
		ConnectedAt:     conn.ConnectedAt.UTC().Format(time.RFC3339),
	}
	if !conn.LastSyncAt.IsZero() {
		rec.LastSyncAt = conn.LastSyncAt.UTC().Format(time.RFC3339)
	}

	av, err := attributevalue.MarshalMap(rec)
	if err != nil {
		return apperror.Wrap(apperror.CodePersistence, "encode connection", err)
	}
	if _, err := s.ddb.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item:      av,
	}); err != nil {
		return apperror.Wrap(apperror.CodePersistence, "store connection", err)
	}
	return nil
}

// Delete removes the owner's connection. Deleting a missing item is a no-op
// in DynamoDB, which keeps disconnect idempotent.
func (s *Store) Delete(ctx context.Context, ownerID string) error {
	if _, err := s.ddb.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.table),
		Key:       connKey(ownerID),
	}); err != nil {
		return apperror.Wrap(apperror.CodePersistence, "delete connection", err)
	}
	return nil
}

// SaveTokens persists rotated credentials after a refresh.
func (s *Store) SaveTokens(ctx context.Context, ownerID, accessToken, refreshToken string, expiresAt time.Time) error {
	accessEnc, err := s.cipher.Encrypt(accessToken)
	if err != nil {
		return apperror.Wrap(apperror.CodePersistence, "encrypt access token", err)
	}
	refreshEnc, err := s.cipher.Encrypt(refreshToken)
	if err != nil {
		return apperror.Wrap(apperror.CodePersistence, "encrypt refresh token", err)
	}

	if _, err := s.ddb.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        aws.String(s.table),
		Key:              connKey(ownerID),
		UpdateExpression: aws.String("SET AccessTokenEnc=:a, RefreshTokenEnc=:r, ExpiresAt=:e"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":a": &types.AttributeValueMemberS{Value: accessEnc},
			":r": &types.AttributeValueMemberS{Value: refreshEnc},
			":e": &types.AttributeValueMemberS{Value: expiresAt.UTC().Format(time.RFC3339)},
		},
		ConditionExpression: aws.String("attribute_exists(PK)"),
	}); err != nil {
		return apperror.Wrap(apperror.CodePersistence, "store rotated tokens", err)
	}
	return nil
}

// TouchLastSync advances the watermark after a completed pull or push,
// whether or not new data was found.
func (s *Store) TouchLastSync(ctx context.Context, ownerID string, at time.Time) error {
	if _, err := s.ddb.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        aws.String(s.table),
		Key:              connKey(ownerID),
		UpdateExpression: aws.String("SET LastSyncAt=:t"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":t": &types.AttributeValueMemberS{Value: at.UTC().Format(time.RFC3339)},
		},
	}); err != nil {
		return apperror.Wrap(apperror.CodePersistence, "store last sync time", err)
	}
	return nil
}
