package webhook

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePutter struct {
	in   *s3.PutObjectInput
	body []byte
	err  error
}

func (f *fakePutter) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.in = in
	f.body, _ = io.ReadAll(in.Body)
	if f.err != nil {
		return nil, f.err
	}
	return &s3.PutObjectOutput{}, nil
}

func TestS3Archiver_Archive(t *testing.T) {
	put := &fakePutter{}
	a := &S3Archiver{
		Client: put,
		Bucket: "storefront-webhooks",
		Prefix: "stripe",
		Now:    func() time.Time { return time.Date(2026, 3, 7, 23, 0, 0, 0, time.FixedZone("PST", -8*3600)) },
	}
	payload := []byte(`{"id":"evt_1","type":"order.paid"}`)

	require.NoError(t, a.Archive(context.Background(), Event{ID: "evt_1", Type: "order.paid"}, payload))

	assert.Equal(t, "storefront-webhooks", aws.ToString(put.in.Bucket))
	assert.Regexp(t, `^stripe/2026/03/08/[0-9a-f]{64}\.json$`, aws.ToString(put.in.Key))
	assert.Equal(t, payload, put.body)
	assert.Equal(t, types.ServerSideEncryptionAes256, put.in.ServerSideEncryption)
	assert.Equal(t, "evt_1", put.in.Metadata["event-id"])
	assert.Equal(t, "order.paid", put.in.Metadata["event-type"])
}

func TestS3Archiver_SamePayloadSameKey(t *testing.T) {
	a := &S3Archiver{Prefix: "p"}
	assert.Equal(t, a.key([]byte("x")), a.key([]byte("x")))
	assert.NotEqual(t, a.key([]byte("x")), a.key([]byte("y")))
}

func TestS3Archiver_Error(t *testing.T) {
	put := &fakePutter{err: errors.New("AccessDenied")}
	a := &S3Archiver{Client: put, Bucket: "b", Prefix: "p"}

	err := a.Archive(context.Background(), Event{ID: "evt_1", Type: "t"}, []byte("{}"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "s3://b/p/")
	assert.Contains(t, err.Error(), "AccessDenied")
}
