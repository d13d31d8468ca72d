package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTranscriptKey(t *testing.T) {
	at := time.Unix(1700000000, 0)
	assert.Equal(t, "transcripts/m1/1700000000.txt", TranscriptKey("m1", at))
	// Meeting UUIDs may contain slashes.
	assert.Equal(t, "transcripts/a%2Fb==/1700000000.txt", TranscriptKey("a/b==", at))
	assert.NotEqual(t, TranscriptKey("a/b==", at), TranscriptKey("c/b==", at))
	assert.Equal(t, "transcripts/%2E%2E/1700000000.txt", TranscriptKey("..", at))
}

func TestNewS3RequiresBucket(t *testing.T) {
	_, err := NewS3(context.Background(), S3Config{Region: "us-east-1"}, nil)
	require.Error(t, err)
}

func TestObjectURL(t *testing.T) {
	s, err := NewS3(context.Background(), S3Config{
		Region: "eu-west-1", Bucket: "exports", AccessKeyID: "k", SecretAccessKey: "s",
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "https://exports.s3.eu-west-1.amazonaws.com/transcripts/m1/1.txt", s.ObjectURL("transcripts/m1/1.txt"))

	s, err = NewS3(context.Background(), S3Config{
		Region: "us-east-1", Bucket: "exports", Endpoint: "http://minio:9000", AccessKeyID: "k", SecretAccessKey: "s",
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "http://minio:9000/exports/transcripts/m1/1.txt", s.ObjectURL("transcripts/m1/1.txt"))
	assert.Equal(t, "http://minio:9000/exports/transcripts/a%252Fb==/1.txt", s.ObjectURL(TranscriptKey("a/b==", time.Unix(1, 0))))
	assert.Equal(t, "exports", s.Bucket())
}

func TestPresignedDownloadURL(t *testing.T) {
	s, err := NewS3(context.Background(), S3Config{
		Region: "us-east-1", Bucket: "exports", AccessKeyID: "k", SecretAccessKey: "s", PresignExpireMinutes: 5,
	}, nil)
	require.NoError(t, err)
	u, err := s.PresignedDownloadURL(context.Background(), "transcripts/m1/1.txt")
	require.NoError(t, err)
	assert.Contains(t, u, "X-Amz-Expires=300")
	assert.Contains(t, u, "transcripts/m1/1.txt")
}
