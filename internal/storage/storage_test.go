package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitLocation(t *testing.T) {
	tests := []struct {
		name     string
		location string
		bucket   string
		key      string
		wantErr  bool
	}{
		{name: "plain", location: "s3://my-bucket/prefix/file.csv", bucket: "my-bucket", key: "prefix/file.csv"},
		{name: "no prefix", location: "s3://my-bucket/file.csv", bucket: "my-bucket", key: "file.csv"},
		{name: "missing scheme", location: "my-bucket/file.csv", wantErr: true},
		{name: "missing key", location: "s3://my-bucket", wantErr: true},
		{name: "empty bucket", location: "s3:///file.csv", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bucket, key, err := SplitLocation(tt.location)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.bucket, bucket)
			assert.Equal(t, tt.key, key)
		})
	}
}
