package portalcrypt

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsEncryptedFieldValue(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want bool
	}{
		{
			name: "wrapper",
			raw:  `{"$enc":{"c":"YWJj","iv":"bm9uY2U=","t":"dGFn"}}`,
			want: true,
		},
		{
			name: "wrapper with extra keys",
			raw:  `{"$enc":{"c":"YWJj","iv":"bm9uY2U=","t":"dGFn","v":1}}`,
			want: true,
		},
		{
			name: "missing tag",
			raw:  `{"$enc":{"c":"YWJj","iv":"bm9uY2U="}}`,
			want: false,
		},
		{
			name: "non-string component",
			raw:  `{"$enc":{"c":42,"iv":"bm9uY2U=","t":"dGFn"}}`,
			want: false,
		},
		{
			name: "enc not an object",
			raw:  `{"$enc":"YWJj"}`,
			want: false,
		},
		{
			name: "plain object",
			raw:  `{"name":"Pat"}`,
			want: false,
		},
		{
			name: "array",
			raw:  `[{"$enc":{"c":"a","iv":"b","t":"c"}}]`,
			want: false,
		},
		{
			name: "string",
			raw:  `"$enc"`,
			want: false,
		},
		{
			name: "not json",
			raw:  `{"$enc":`,
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsEncryptedFieldValue([]byte(tt.raw)))
		})
	}
}

func TestIsEncryptedPayload(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want bool
	}{
		{
			name: "envelope",
			raw:  `{"iv":"bm9uY2U=","ciphertext":"YWJj","section":"health"}`,
			want: true,
		},
		{
			name: "missing section",
			raw:  `{"iv":"bm9uY2U=","ciphertext":"YWJj"}`,
			want: false,
		},
		{
			name: "non-string iv",
			raw:  `{"iv":12,"ciphertext":"YWJj","section":"health"}`,
			want: false,
		},
		{
			name: "plain object with other keys",
			raw:  `{"results":[],"total":0}`,
			want: false,
		},
		{
			name: "field wrapper is not a payload",
			raw:  `{"$enc":{"c":"YWJj","iv":"bm9uY2U=","t":"dGFn"}}`,
			want: false,
		},
		{
			name: "not json",
			raw:  `iv,ciphertext,section`,
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsEncryptedPayload([]byte(tt.raw)))
		})
	}
}
