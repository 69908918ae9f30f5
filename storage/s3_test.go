package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/ruteri/threshold-vault-backend/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeS3 keeps objects in a map. Unimplemented S3API methods panic through the
// nil embedded interface.
type fakeS3 struct {
	s3iface.S3API
	objects   map[string][]byte
	puts      []*s3.PutObjectInput
	headError error
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: make(map[string][]byte)}
}

func (f *fakeS3) GetObjectWithContext(_ aws.Context, in *s3.GetObjectInput, _ ...request.Option) (*s3.GetObjectOutput, error) {
	data, ok := f.objects[aws.StringValue(in.Key)]
	if !ok {
		return nil, awserr.New(s3.ErrCodeNoSuchKey, "no such key", nil)
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) PutObjectWithContext(_ aws.Context, in *s3.PutObjectInput, _ ...request.Option) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.objects[aws.StringValue(in.Key)] = data
	f.puts = append(f.puts, in)
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) HeadBucketWithContext(_ aws.Context, _ *s3.HeadBucketInput, _ ...request.Option) (*s3.HeadBucketOutput, error) {
	return &s3.HeadBucketOutput{}, f.headError
}

func TestS3Backend(t *testing.T) {
	ctx := context.Background()
	client := newFakeS3()
	backend := newS3BackendWithClient(client, "backups", "/vault/", "s3://backups/vault/?region=us-east-1", discardLogger())

	data := []byte(`{"version":1}`)
	id, err := backend.Store(ctx, data, interfaces.VaultBackupType)
	require.NoError(t, err)
	assert.Equal(t, interfaces.ComputeID(data), id)

	require.Len(t, client.puts, 1)
	put := client.puts[0]
	assert.Equal(t, "vault/vaults/"+id.String(), aws.StringValue(put.Key))
	assert.Equal(t, s3.ObjectCannedACLPrivate, aws.StringValue(put.ACL))
	assert.Equal(t, s3.ServerSideEncryptionAes256, aws.StringValue(put.ServerSideEncryption))

	fetched, err := backend.Fetch(ctx, id, interfaces.VaultBackupType)
	require.NoError(t, err)
	assert.Equal(t, data, fetched)

	_, err = backend.Fetch(ctx, id, interfaces.GroupVaultBackupType)
	assert.ErrorIs(t, err, interfaces.ErrContentNotFound, "Content types should not share a namespace")

	client.objects["vault/vaults/"+id.String()] = []byte("tampered")
	_, err = backend.Fetch(ctx, id, interfaces.VaultBackupType)
	assert.Error(t, err, "Fetched bytes must hash to the content id")

	assert.True(t, backend.Available(ctx))
	client.headError = errors.New("forbidden")
	assert.False(t, backend.Available(ctx))

	assert.Equal(t, "s3-backups", backend.Name())
}
