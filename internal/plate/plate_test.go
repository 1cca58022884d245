package plate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    string
		wantErr bool
	}{
		{
			name: "plain plate",
			raw:  "AB12CD3",
			want: "AB12CD3",
		},
		{
			name: "lowercase with spaces",
			raw:  "ab12 cd3",
			want: "AB12CD3",
		},
		{
			name: "dashes and dots stripped",
			raw:  "ab-12.cd-3",
			want: "AB12CD3",
		},
		{
			name: "surrounding whitespace",
			raw:  "  raa 123 b  ",
			want: "RAA123B",
		},
		{
			name:    "only punctuation",
			raw:     "---  ..",
			wantErr: true,
		},
		{
			name:    "empty input",
			raw:     "",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Normalize(tt.raw)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrEmptyPlate)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNormalizeIdempotent(t *testing.T) {
	once, err := Normalize("ab12 cd3")
	require.NoError(t, err)

	twice, err := Normalize(once)
	require.NoError(t, err)

	assert.Equal(t, once, twice)
}
