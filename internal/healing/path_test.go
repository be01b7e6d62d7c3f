package healing

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCheckWorkflowPath(t *testing.T) {
	tests := []struct {
		name    string
		dir     string
		path    string
		wantErr bool
	}{
		{"workflow file", DefaultWorkflowDir, ".github/workflows/ci.yml", false},
		{"nested workflow", DefaultWorkflowDir, ".github/workflows/release/deploy.yml", false},
		{"dot prefix", DefaultWorkflowDir, "./.github/workflows/ci.yml", false},
		{"empty", DefaultWorkflowDir, "", true},
		{"absolute", DefaultWorkflowDir, "/srv/app/deploy.sh", true},
		{"parent segment", DefaultWorkflowDir, ".github/workflows/../../deploy.sh", true},
		{"parent segment resolving inside", DefaultWorkflowDir, ".github/workflows/../workflows/ci.yml", true},
		{"outside dir", DefaultWorkflowDir, "scripts/deploy.sh", true},
		{"dir itself", DefaultWorkflowDir, ".github/workflows", true},
		{"sibling prefix", DefaultWorkflowDir, ".github/workflows-old/ci.yml", true},
		{"any relative when unscoped", "", "ci.yml", false},
		{"absolute when unscoped", ".", "/etc/passwd", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckWorkflowPath(tt.dir, tt.path)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrWorkflowPath)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
