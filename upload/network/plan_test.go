package network

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlan_Validate(t *testing.T) {
	const partSize = 10
	tests := []struct {
		name    string
		plan    Plan
		size    int64
		wantErr error
		wantAny bool
	}{
		{name: "single", plan: Plan{FileID: "f", UploadURL: "u"}, size: 5},
		{name: "multipart", plan: Plan{FileID: "f", UploadID: "x", Parts: []PartURL{{Number: 1, URL: "a"}, {Number: 2, URL: "b"}, {Number: 3, URL: "c"}}}, size: 25},
		{name: "parts take precedence over upload url", plan: Plan{FileID: "f", UploadURL: "u", Parts: []PartURL{{Number: 1, URL: "a"}, {Number: 2, URL: "b"}}}, size: 11},
		{name: "missing file id", plan: Plan{UploadURL: "u"}, size: 5, wantErr: ErrMissingFileID},
		{name: "no instructions", plan: Plan{FileID: "f"}, size: 5, wantErr: ErrNoUploadInstructions},
		{name: "too few parts", plan: Plan{FileID: "f", Parts: []PartURL{{Number: 1, URL: "a"}, {Number: 2, URL: "b"}}}, size: 25, wantAny: true},
		{name: "gap in part numbers", plan: Plan{FileID: "f", Parts: []PartURL{{Number: 1, URL: "a"}, {Number: 3, URL: "c"}, {Number: 4, URL: "d"}}}, size: 25, wantAny: true},
		{name: "part without url", plan: Plan{FileID: "f", Parts: []PartURL{{Number: 1, URL: "a"}, {Number: 2}}}, size: 20, wantAny: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.plan.Validate(tt.size, partSize)
			switch {
			case tt.wantErr != nil:
				assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
			case tt.wantAny:
				assert.Error(t, err)
			default:
				require.NoError(t, err)
			}
		})
	}
}

func TestPlan_Validate_DefaultsMethod(t *testing.T) {
	plan := Plan{FileID: "f", Parts: []PartURL{{Number: 1, URL: "a", Method: "POST"}, {Number: 2, URL: "b"}}}

	require.NoError(t, plan.Validate(15, 10))
	assert.Equal(t, "POST", plan.Parts[0].Method)
	assert.Equal(t, "PUT", plan.Parts[1].Method)
}
