package webhook

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/keithlinneman/storefront-gateway/internal/xerrors"
)

// Archiver keeps the exact bytes of a verified delivery for replay and
// dispute evidence.
type Archiver interface {
	Archive(ctx context.Context, ev Event, payload []byte) error
}

// ObjectPutter is the slice of the S3 client used here.
type ObjectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Archiver writes payloads to s3://{Bucket}/{Prefix}/{yyyy/mm/dd}/{sha256}.json.
// Keys are content addressed so a redelivery overwrites itself.
type S3Archiver struct {
	Client ObjectPutter
	Bucket string
	Prefix string
	Now    func() time.Time
}

func (a *S3Archiver) key(payload []byte) string {
	now := time.Now
	if a.Now != nil {
		now = a.Now
	}
	sum := sha256.Sum256(payload)
	return path.Join(a.Prefix, now().UTC().Format("2006/01/02"), hex.EncodeToString(sum[:])+".json")
}

func (a *S3Archiver) Archive(ctx context.Context, ev Event, payload []byte) error {
	key := a.key(payload)
	_, err := a.Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:               aws.String(a.Bucket),
		Key:                  aws.String(key),
		Body:                 bytes.NewReader(payload),
		ContentLength:        aws.Int64(int64(len(payload))),
		ContentType:          aws.String("application/json"),
		ServerSideEncryption: types.ServerSideEncryptionAes256,
		Metadata: map[string]string{
			"event-id":   ev.ID,
			"event-type": ev.Type,
		},
	})
	if err != nil {
		return xerrors.Wrapf(err, "put webhook payload s3://%s/%s", a.Bucket, key)
	}
	return nil
}
