package scope

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidate(t *testing.T) {
	assert.NoError(t, Validate(nil))
	assert.NoError(t, Validate([]string{"blog:read", "BLOG:WRITE", "posts.read"}))
	assert.NoError(t, Validate([]string{"comments:*"}))
	assert.ErrorIs(t, Validate([]string{"blog:read", "billing:view"}), ErrInvalidScope)
	assert.ErrorIs(t, Validate([]string{"billing:*"}), ErrInvalidScope)
}

func TestHas(t *testing.T) {
	tests := []struct {
		name     string
		scopes   []string
		required Scope
		want     bool
	}{
		{"exact", []string{"sessions:manage"}, ScopeSessionsManage, true},
		{"object wildcard", []string{"sessions:*"}, ScopeSessionsManage, true},
		{"global wildcard", []string{"*"}, ScopeBlogPublish, true},
		{"dotted form", []string{"blog.publish"}, ScopeBlogPublish, true},
		{"other object", []string{"blog:*"}, ScopeSessionsManage, false},
		{"empty", nil, ScopeProfileRead, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Has(tt.scopes, tt.required))
		})
	}
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, []string{"blog:read", "posts:write"}, Normalize([]string{" Blog:Read ", "blog.read", "", "posts:write"}))
	assert.Equal(t, []string{}, Normalize(nil))
}

func TestIsValid(t *testing.T) {
	assert.True(t, IsValid("Comments.Moderate"))
	assert.False(t, IsValid("comments:*"))
	assert.False(t, IsValid("*"))
	assert.False(t, IsValid("sessions"))
	assert.Len(t, All(), 9)
}
