package notify

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"backend/internal/db"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/aws-sdk-go-v2/service/sns"
)

func ownerPK(ownerID string) string {
	return fmt.Sprintf("OWNER#%s", ownerID)
}

// SNS topic names must be simple; hash the owner id instead of embedding it.
func shortHash(ownerID string) string {
	h := sha1.Sum([]byte(ownerID))
	return hex.EncodeToString(h[:8])
}

// EnsureOwnerAlertTopic lazily creates the owner's SNS alert topic and an
// email subscription (confirmed once by the owner), caching the ARN on the
// users table. Returns the topic ARN, empty when alerts are unavailable.
func EnsureOwnerAlertTopic(ctx context.Context, ddb *dynamodb.Client, snsClient *sns.Client, ownerID, email string) (string, error) {
	ownerID = strings.TrimSpace(ownerID)
	email = strings.TrimSpace(email)
	if ownerID == "" || email == "" {
		return "", nil
	}

	stage := strings.TrimSpace(os.Getenv("ALERTS_STAGE"))
	if stage == "" {
		stage = "dev"
	}

	if existing, _ := alertTopicArn(ctx, ddb, ownerID); existing != "" {
		return existing, nil
	}

	topicName := fmt.Sprintf("printforge-owner-alerts-%s-%s", stage, shortHash(ownerID))
	ct, err := snsClient.CreateTopic(ctx, &sns.CreateTopicInput{
		Name: aws.String(topicName),
	})
	if err != nil {
		return "", err
	}
	topicArn := aws.ToString(ct.TopicArn)

	if _, err := snsClient.Subscribe(ctx, &sns.SubscribeInput{
		TopicArn: aws.String(topicArn),
		Protocol: aws.String("email"),
		Endpoint: aws.String(email),
	}); err != nil {
		return "", err
	}

	if tbl := strings.TrimSpace(db.UsersTableName()); tbl != "" {
		_, _ = ddb.PutItem(ctx, &dynamodb.PutItemInput{
			TableName: aws.String(tbl),
			Item: map[string]types.AttributeValue{
				"PK":             &types.AttributeValueMemberS{Value: ownerPK(ownerID)},
				"Email":          &types.AttributeValueMemberS{Value: email},
				"AlertsTopicArn": &types.AttributeValueMemberS{Value: topicArn},
				"UpdatedAt":      &types.AttributeValueMemberS{Value: time.Now().UTC().Format(time.RFC3339)},
			},
		})
	}

	return topicArn, nil
}

func alertTopicArn(ctx context.Context, ddb *dynamodb.Client, ownerID string) (string, error) {
	tbl := strings.TrimSpace(db.UsersTableName())
	if tbl == "" {
		return "", nil
	}
	out, err := ddb.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(tbl),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: ownerPK(ownerID)},
		},
	})
	if err != nil || out.Item == nil {
		return "", err
	}
	if v, ok := out.Item["AlertsTopicArn"].(*types.AttributeValueMemberS); ok {
		return v.Value, nil
	}
	return "", nil
}

// SyncFailed publishes a short alert about a failed sync run. Best-effort by
// design: an alert that cannot be delivered is logged and dropped, never
// surfaced to the sync result.
func SyncFailed(ctx context.Context, ddb *dynamodb.Client, snsClient *sns.Client, ownerID, email, reason string) {
	topicArn, err := EnsureOwnerAlertTopic(ctx, ddb, snsClient, ownerID, email)
	if err != nil || topicArn == "" {
		if err != nil {
			log.Printf("notify: alert topic unavailable: %v", err)
		}
		return
	}
	_, err = snsClient.Publish(ctx, &sns.PublishInput{
		TopicArn: aws.String(topicArn),
		Subject:  aws.String("Square sync failed"),
		Message:  aws.String(fmt.Sprintf("A Square sync run failed at %s.\n\nReason: %s", time.Now().UTC().Format(time.RFC3339), reason)),
	})
	if err != nil {
		log.Printf("notify: publish sync alert ignored: %v", err)
	}
}
